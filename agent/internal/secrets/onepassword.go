package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
	"go.uber.org/zap"
)

// OnePasswordConfig locates the controller credentials in 1Password Connect.
type OnePasswordConfig struct {
	Host    string `yaml:"host"`     // OP_CONNECT_HOST
	Token   string `yaml:"token"`    // OP_CONNECT_TOKEN
	VaultID string `yaml:"vault_id"` // OP_VAULT_ID
	// Item title (default: fleet-agent controller)
	Item string `yaml:"item"`
	// CacheTTL avoids a Connect round trip on every registration (default 5m)
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Configured reports whether enough is set to reach Connect.
func (c OnePasswordConfig) Configured() bool {
	return c.Host != "" && c.Token != "" && c.VaultID != ""
}

// itemReader is the part of connect.Client used here.
type itemReader interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePassword reads credentials from a 1Password item with username,
// password and token fields.
type OnePassword struct {
	client  itemReader
	vaultID string
	item    string
	ttl     time.Duration
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	cached   Credentials
	cachedAt time.Time
}

// NewOnePassword creates a 1Password Connect backed provider.
func NewOnePassword(cfg OnePasswordConfig, logger *zap.SugaredLogger) (*OnePassword, error) {
	if !cfg.Configured() {
		return nil, errors.New("1Password configuration incomplete: host, token, and vault_id are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "fleet-agent")
	return newOnePassword(client, cfg, logger), nil
}

func newOnePassword(client itemReader, cfg OnePasswordConfig, logger *zap.SugaredLogger) *OnePassword {
	if cfg.Item == "" {
		cfg.Item = "fleet-agent controller"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OnePassword{
		client:  client,
		vaultID: cfg.VaultID,
		item:    cfg.Item,
		ttl:     cfg.CacheTTL,
		logger:  logger,
	}
}

// Credentials implements Provider.
func (p *OnePassword) Credentials(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.ttl {
		return p.cached, nil
	}

	items, err := p.client.GetItemsByTitle(p.item, p.vaultID)
	if err != nil {
		return Credentials{}, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return Credentials{}, fmt.Errorf("item %q not found in vault", p.item)
	}

	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return Credentials{}, fmt.Errorf("getting item: %w", err)
	}

	var creds Credentials
	for _, field := range item.Fields {
		switch strings.ToLower(field.Label) {
		case "username":
			creds.Username = field.Value
		case "password":
			creds.Password = field.Value
		case "token", "credential":
			creds.Token = field.Value
		}
	}
	if creds.Empty() {
		return Credentials{}, fmt.Errorf("item %q has no username or token field", p.item)
	}

	p.cached = creds
	p.cachedAt = time.Now()
	p.logger.Debugw("Loaded controller credentials from 1Password", "item", p.item)
	return creds, nil
}
