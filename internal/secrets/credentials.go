package secrets

import (
	"context"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

// Credentials resolves provider credentials. The vault wins over static
// configuration so rotated keys take effect without a restart.
type Credentials struct {
	vault  Vault
	static map[string]string
}

// NewCredentials builds a resolver. vault may be nil.
func NewCredentials(vault Vault, static map[string]string) *Credentials {
	cp := make(map[string]string, len(static))
	for k, v := range static {
		cp[strings.ToUpper(k)] = v
	}
	return &Credentials{vault: vault, static: cp}
}

// Lookup returns the credential for key, or ok=false when it is not set.
func (c *Credentials) Lookup(ctx context.Context, key string) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}
	if c.vault != nil {
		val, err := c.vault.Resolve(ctx, key)
		switch {
		case err == nil && len(val) > 0:
			return string(val), true, nil
		case err != nil && !schema.IsNotFound(err):
			return "", false, err
		}
	}
	if v := c.static[strings.ToUpper(key)]; v != "" {
		return v, true, nil
	}
	return "", false, nil
}

// Require is Lookup that reports a missing credential as a configuration error.
func (c *Credentials) Require(ctx context.Context, key, provider string) (string, error) {
	v, ok, err := c.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", schema.ConfigurationError("%s provider is not configured: missing credential %s", provider, key)
	}
	return v, nil
}
