// Package config loads per-provider OAuth flow configuration from a YAML
// file. Client ids and secrets support $ENV_VAR expansion so secrets can
// stay out of the file itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codechat/credman/internal/autherr"
	"github.com/codechat/credman/internal/env"
)

// DefaultCallbackTimeout is how long an interactive flow waits for the
// browser redirect.
const DefaultCallbackTimeout = 5 * time.Minute

// FlowConfig describes how to run an authorization flow for one provider.
type FlowConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes,omitempty"`

	// RedirectPort is the local callback port; 0 binds an ephemeral port.
	RedirectPort int `yaml:"redirect_port,omitempty"`
	// RedirectPath defaults to /callback.
	RedirectPath string `yaml:"redirect_path,omitempty"`

	// DisablePKCE opts a provider out of PKCE. It is on by default.
	DisablePKCE bool `yaml:"disable_pkce,omitempty"`

	// CallbackTimeout overrides how long to wait for the redirect, as a
	// Go duration string such as "2m".
	CallbackTimeout string `yaml:"callback_timeout,omitempty"`
}

// PKCEEnabled reports whether the flow should attach an S256 challenge.
func (c *FlowConfig) PKCEEnabled() bool {
	return !c.DisablePKCE
}

// Timeout returns the callback timeout. When unset or unparsable it
// falls back to the CREDMAN_CALLBACK_TIMEOUT environment variable, then
// to the built-in default.
func (c *FlowConfig) Timeout() time.Duration {
	if c.CallbackTimeout != "" {
		if d, err := time.ParseDuration(c.CallbackTimeout); err == nil && d > 0 {
			return d
		}
	}
	return env.GetDuration("CREDMAN_CALLBACK_TIMEOUT", DefaultCallbackTimeout)
}

// Validate checks the fields an interactive flow cannot run without.
func (c *FlowConfig) Validate(provider string) error {
	switch {
	case c.ClientID == "":
		return &autherr.ConfigurationError{Provider: provider, Reason: "client_id is required"}
	case c.AuthURL == "":
		return &autherr.ConfigurationError{Provider: provider, Reason: "auth_url is required"}
	case c.TokenURL == "":
		return &autherr.ConfigurationError{Provider: provider, Reason: "token_url is required"}
	}
	return nil
}

// File is the parsed providers file.
type File struct {
	Providers map[string]FlowConfig `yaml:"providers"`
}

// DefaultPath returns the providers file location, honoring the
// CREDMAN_CONFIG override.
func DefaultPath() (string, error) {
	if path, ok := env.Get("CREDMAN_CONFIG"); ok {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "credman", "providers.yaml"), nil
}

// Load parses the providers file at path. A missing file yields an empty
// configuration, not an error: the manager reports ConfigurationError
// per provider when a flow is actually needed.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Providers: map[string]FlowConfig{}}, nil
		}
		return nil, fmt.Errorf("failed to read providers file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}
	if f.Providers == nil {
		f.Providers = map[string]FlowConfig{}
	}

	for name, cfg := range f.Providers {
		cfg.ClientID = os.ExpandEnv(cfg.ClientID)
		cfg.ClientSecret = os.ExpandEnv(cfg.ClientSecret)
		f.Providers[name] = cfg
	}
	return &f, nil
}

// Provider returns the flow configuration for a provider, if declared.
func (f *File) Provider(name string) (*FlowConfig, bool) {
	cfg, ok := f.Providers[name]
	if !ok {
		return nil, false
	}
	return &cfg, true
}
