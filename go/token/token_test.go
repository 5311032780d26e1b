package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func newCodec(t *testing.T) *Codec {
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewCodec(key)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Encrypt("api-token", []byte("alice"))
	require.NoError(t, err)
	payload, err := c.Decrypt("api-token", tok)
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), payload)
}

func TestKindMismatchFails(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Encrypt("login-nonce", []byte("alice"))
	require.NoError(t, err)
	_, err = c.Decrypt("api-token", tok)
	require.Error(t, err)
}

func TestTamperedCiphertextFails(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Encrypt("api-token", []byte("alice"))
	require.NoError(t, err)
	bad := []byte(tok)
	bad[len(bad)-1] ^= 'x'
	_, err = c.Decrypt("api-token", string(bad))
	require.Error(t, err)
}

func TestNonDeterministicNonce(t *testing.T) {
	c := newCodec(t)
	a, err := c.Encrypt("api-token", []byte("alice"))
	require.NoError(t, err)
	b, err := c.Encrypt("api-token", []byte("alice"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGarbageTokens(t *testing.T) {
	c := newCodec(t)
	for _, tok := range []string{"", "!!!", "c2hvcnQ"} {
		_, err := c.Decrypt("api-token", tok)
		assert.Error(t, err, tok)
	}
}

func TestBadKeySize(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	require.Error(t, err)
}
