// Package secrets resolves the credentials the agent presents to the
// controller.
//
// Backends:
//   - config: inline values from the agent config
//   - file: a YAML file with username, password and token keys
//   - onepassword: an item in a 1Password Connect vault
//   - auto (default): onepassword when Connect is configured, else file when
//     a path is set, else config
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Credentials are attached to every controller request.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// Empty reports whether no credential is set.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Token == ""
}

// Provider resolves credentials.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Config selects and configures the backend.
type Config struct {
	Backend string `yaml:"backend"`

	// config backend
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	// file backend
	File string `yaml:"file"`

	// onepassword backend
	OnePassword OnePasswordConfig `yaml:"onepassword"`
}

// New creates the configured provider.
func New(cfg Config, logger *zap.SugaredLogger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	static := Static(Credentials{Username: cfg.Username, Password: cfg.Password, Token: cfg.Token})

	switch cfg.Backend {
	case "config":
		return static, nil

	case "file":
		if cfg.File == "" {
			return nil, errors.New("file backend requested but credentials.file not set")
		}
		return File(cfg.File), nil

	case "onepassword":
		return NewOnePassword(cfg.OnePassword, logger)

	case "", "auto":
		if cfg.OnePassword.Configured() {
			p, err := NewOnePassword(cfg.OnePassword, logger)
			if err != nil {
				logger.Warnw("1Password unavailable, falling back", "error", err)
			} else {
				return p, nil
			}
		}
		if cfg.File != "" {
			return File(cfg.File), nil
		}
		return static, nil

	default:
		return nil, fmt.Errorf("unknown credentials backend: %s", cfg.Backend)
	}
}

// Static returns fixed credentials.
type Static Credentials

// Credentials implements Provider.
func (s Static) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// File reads credentials from a YAML file on every call so rotated files are
// picked up on re-registration.
type File string

// Credentials implements Provider.
func (f File) Credentials(context.Context) (Credentials, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file: %w", err)
	}
	return creds, nil
}
