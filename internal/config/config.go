package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultSocketURL          = "wss://chat.aperture.market/socket"
	DefaultAPIBaseURL         = "https://chat.aperture.market"
	DefaultMaxAttachmentBytes = 25 << 20
)

// Config represents the global ~/.lenstalk/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Messaging server endpoints.
	SocketURL  string `toml:"socket_url"`
	APIBaseURL string `toml:"api_base_url"`

	// Identity of the local user, written at sign-in by the host app.
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	AuthToken   string `toml:"auth_token"`

	// Voice calling.
	STUNServers []string `toml:"stun_servers"`

	// Upload limits.
	MaxAttachmentBytes int64 `toml:"max_attachment_bytes"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.SocketURL == "" {
		c.SocketURL = DefaultSocketURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
}
