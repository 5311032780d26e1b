// Package config loads the per-service JSON configuration file.
package config

import (
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Config is the deployment configuration shared by the NayDuck services.
// Each service reads the subset of fields it needs.
type Config struct {
	// DatabaseDSN is the connection string of the relational store.
	DatabaseDSN string `json:"database"`
	// LogsBucket is the GCS bucket archiving large logs.
	LogsBucket string `json:"logs_bucket"`
	// GCSCredentialsFile optionally points at a service-account key.
	GCSCredentialsFile string `json:"gcs_credentials"`
	// GitHubClientID / GitHubClientSecret identify the OAuth app used by
	// the authentication collaborator.
	GitHubClientID     string `json:"github_client_id"`
	GitHubClientSecret string `json:"github_client_secret"`
	// TokenKey is the base64-encoded 32-byte ChaCha20-Poly1305 key.
	TokenKey string `json:"token_key"`
	// UIBaseURL is where run pages are linked from CLI responses.
	UIBaseURL string `json:"ui_base_url"`
	// WorkDir is the builder/worker scratch root.
	WorkDir string `json:"workdir"`
	// RepoURL is the upstream repository.
	RepoURL string `json:"repo_url"`
}

// Load reads and strictly decodes the configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config file")
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", path)
	}
	return cfg, nil
}

// TokenKeyBytes decodes and validates the token key.
func (c *Config) TokenKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.TokenKey)
	if err != nil {
		return nil, errors.Wrap(err, "decoding token key")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("token key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Require returns an error naming the first empty field among the given
// (name, value) pairs; services call it with the fields they depend on.
func Require(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return errors.Errorf("missing required config field %q", name)
		}
	}
	return nil
}
