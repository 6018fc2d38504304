package store

import "context"

// Store defines the persistence layer contract for one orchestration
// domain: the shared entity table, the configuration parameter table, the
// encrypted secret table and the append-only event journal.
// All implementations must be safe for concurrent use.
type Store interface {
	// Entity rows (merge-upsert semantics)
	UpsertMerge(ctx context.Context, kind, id string, attrs map[string]any) error
	CreateIfAbsent(ctx context.Context, kind, id string, attrs map[string]any) error
	Get(ctx context.Context, kind, id string) (map[string]any, error)
	Query(ctx context.Context, kind string, filter EntityFilter) ([]*EntityRow, error)
	Delete(ctx context.Context, kind, id string) error

	// Configuration parameters (opaque path -> string value)
	PutParameter(ctx context.Context, path, value string) error
	GetParameter(ctx context.Context, path string) (string, error)

	// Secrets (encrypted at rest by the vault)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Event journal (append-only)
	AppendEvent(ctx context.Context, event *JournalEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*JournalEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
