package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultClient reads integration secrets from HashiCorp Vault.
type VaultClient struct {
	client *api.Client
	prefix string
	logger *zap.Logger
}

// NewVaultClient creates a Vault client from the vault section of the
// configuration.
func NewVaultClient(cfg VaultConfig, logger *zap.Logger) (*VaultClient, error) {
	client, err := api.NewClient(&api.Config{
		Address: cfg.Address,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &VaultClient{client: client, prefix: cfg.Prefix, logger: logger}, nil
}

// HealthCheck verifies Vault is reachable.
func (v *VaultClient) HealthCheck() error {
	if _, err := v.client.Sys().Health(); err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	return nil
}

// ApplySecrets overlays Vault-held secrets onto the configuration.
// Missing paths fall back to whatever the file and environment
// provided; a partially provisioned Vault never blocks startup.
func (v *VaultClient) ApplySecrets(cfg *Config) {
	if secret := v.read("stripe"); secret != nil {
		if key, ok := secret["secret_key"].(string); ok && key != "" {
			cfg.Stripe.SecretKey = key
		}
		if key, ok := secret["webhook_secret"].(string); ok && key != "" {
			cfg.Stripe.WebhookSecret = key
		}
	}

	if secret := v.read("xero"); secret != nil {
		if id, ok := secret["client_id"].(string); ok && id != "" {
			cfg.Xero.ClientID = id
		}
		if s, ok := secret["client_secret"].(string); ok && s != "" {
			cfg.Xero.ClientSecret = s
		}
		if t, ok := secret["tenant_id"].(string); ok && t != "" {
			cfg.Xero.TenantID = t
		}
	}

	if secret := v.read("database"); secret != nil {
		if user, ok := secret["user"].(string); ok && user != "" {
			cfg.Database.User = user
		}
		if pass, ok := secret["password"].(string); ok && pass != "" {
			cfg.Database.Password = pass
		}
	}

	if secret := v.read("redis"); secret != nil {
		if pass, ok := secret["password"].(string); ok && pass != "" {
			cfg.Redis.Password = pass
		}
	}
}

func (v *VaultClient) read(name string) map[string]interface{} {
	path := fmt.Sprintf("%s/%s", v.prefix, name)
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		v.logger.Warn("failed to read vault secret", zap.String("path", path), zap.Error(err))
		return nil
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	return secret.Data
}
