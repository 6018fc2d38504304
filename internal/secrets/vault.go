package secrets

import "context"

// Vault resolves secret-store pointers at runtime. Values are encrypted
// at rest (AES-256-GCM) and decrypted in-memory only; they are consumed
// by the launch dispatcher and the status bridge and never logged or
// echoed into events.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is what the vault needs from persistence. store.Store
// satisfies it; the stored values are ciphertext.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
