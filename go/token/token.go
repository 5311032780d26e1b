// Package token mints and verifies the authenticated-encryption tokens
// handed to CLI users. A token binds a kind byte string as associated
// data so that, say, a login nonce can never be replayed as an API
// bearer token.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Codec encrypts and decrypts tokens with a fixed key.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a Codec from a 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals the payload under the given kind and returns it
// URL-safe base64 encoded.
func (c *Codec) Encrypt(kind string, payload []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "generating nonce")
	}
	sealed := c.aead.Seal(nonce, nonce, payload, []byte(kind))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token. It fails if the ciphertext was tampered with or
// was sealed under a different kind.
func (c *Codec) Decrypt(kind, token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.Wrap(err, "decoding token")
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, errors.New("token too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	payload, err := c.aead.Open(nil, nonce, sealed, []byte(kind))
	if err != nil {
		return nil, errors.New("invalid token")
	}
	return payload, nil
}
