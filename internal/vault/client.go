package vault

import (
	"context"
	"fmt"
	"sync"

	"hive-trading-bot/config"

	"github.com/hashicorp/vault/api"
)

// Credential names resolved at startup
const (
	CredentialLLM       = "llm"
	CredentialEmbedding = "embedding"
)

// CredentialData represents one capability credential stored in Vault
type CredentialData struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*CredentialData
	cacheEnabled bool
}

// NewClient creates a new Vault client. When Vault is disabled the
// client serves only its in-memory cache, which lets local setups seed
// credentials from the environment.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*CredentialData),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*CredentialData),
		cacheEnabled: true,
	}, nil
}

// StoreCredential stores a capability credential in Vault
func (c *Client) StoreCredential(ctx context.Context, name string, data CredentialData) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[name] = &data
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"provider": data.Provider,
			"api_key":  data.APIKey,
			"base_url": data.BaseURL,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(name), secretData); err != nil {
		return fmt.Errorf("failed to store credential in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[name] = &data
		c.mu.Unlock()
	}

	return nil
}

// GetCredential retrieves a capability credential from Vault
func (c *Client) GetCredential(ctx context.Context, name string) (*CredentialData, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[name]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("credential %q not found and vault is disabled", name)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read credential from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credential %q not found", name)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	cred := &CredentialData{
		Provider: getString(data, "provider"),
		APIKey:   getString(data, "api_key"),
		BaseURL:  getString(data, "base_url"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[name] = cred
		c.mu.Unlock()
	}

	return cred, nil
}

// DeleteCredential removes a credential from Vault and the cache
func (c *Client) DeleteCredential(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(name)); err != nil {
		return fmt.Errorf("failed to delete credential from vault: %w", err)
	}

	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*CredentialData)
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the path for storing a secret
func (c *Client) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, name)
}

// metadataPath returns the metadata path for a secret
func (c *Client) metadataPath(name string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, name)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// NewMockClient creates a cache-only client for testing
func NewMockClient() *Client {
	return &Client{
		config: config.VaultConfig{
			Enabled: false,
		},
		cache:        make(map[string]*CredentialData),
		cacheEnabled: true,
	}
}
