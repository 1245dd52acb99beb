package secrets

import "context"

// Resolver decrypts one secret by key. Interpolation and credential lookup
// only ever need this half of a vault.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Vault holds provider credentials and the values behind ${{secrets.KEY}}.
// Plaintext exists only in memory; the backing SecretStore sees ciphertext.
type Vault interface {
	Resolver
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore persists ciphertext by key. store.LibSQLStore implements it.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
