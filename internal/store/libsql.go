package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/seqflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Entity rows ---

// UpsertMerge unions attrs into the existing row's attributes, last
// writer wins per key. The read-modify-write runs inside one transaction
// so concurrent merges on the same row are safe without external locking.
func (s *LibSQLStore) UpsertMerge(ctx context.Context, kind, id string, attrs map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback()

	existing := map[string]any{}
	var attrJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT attributes FROM entity WHERE kind = ? AND id = ?`, kind, id,
	).Scan(&attrJSON)
	switch {
	case err == sql.ErrNoRows:
		// First writer creates the row.
	case err != nil:
		return schema.NewErrorf(schema.ErrCodeStore, "read entity %s/%s: %s", kind, id, err.Error()).WithCause(err)
	default:
		if err := json.Unmarshal([]byte(attrJSON), &existing); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "unmarshal entity %s/%s: %s", kind, id, err.Error()).WithCause(err)
		}
	}

	for k, v := range attrs {
		existing[k] = v
	}
	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshal merged attributes: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity (kind, id, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(kind, id) DO UPDATE SET attributes = excluded.attributes, updated_at = CURRENT_TIMESTAMP`,
		kind, id, string(merged),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "upsert entity %s/%s: %s", kind, id, err.Error()).WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// CreateIfAbsent creates the row only when it does not exist. A conflict
// surfaces as ALREADY_EXISTS so callers can treat it as an idempotent
// no-op rather than a generic failure.
func (s *LibSQLStore) CreateIfAbsent(ctx context.Context, kind, id string, attrs map[string]any) error {
	attrJSON, err := marshalMapOrDefault(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entity (kind, id, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(kind, id) DO NOTHING`,
		kind, id, string(attrJSON),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create entity %s/%s: %s", kind, id, err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeAlreadyExists, "entity %s/%s already exists", kind, id)
	}
	return nil
}

// Get returns the row's attributes, or NOT_FOUND.
func (s *LibSQLStore) Get(ctx context.Context, kind, id string) (map[string]any, error) {
	var attrJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes FROM entity WHERE kind = ? AND id = ?`, kind, id,
	).Scan(&attrJSON)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(kind, id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get entity %s/%s: %s", kind, id, err.Error()).WithCause(err)
	}
	attrs := map[string]any{}
	if err := json.Unmarshal([]byte(attrJSON), &attrs); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal entity %s/%s: %s", kind, id, err.Error()).WithCause(err)
	}
	return attrs, nil
}

// Query returns the rows of a kind matching the filter, ordered by id.
// AttrEquals filters on top-level attribute values via json_extract; this
// is the scoped scan the shower join performs, a read-only snapshot.
func (s *LibSQLStore) Query(ctx context.Context, kind string, filter EntityFilter) ([]*EntityRow, error) {
	query := `SELECT kind, id, attributes, created_at, updated_at FROM entity WHERE kind = ?`
	args := []any{kind}

	for key, val := range filter.AttrEquals {
		query += ` AND json_extract(attributes, ?) = ?`
		args = append(args, "$."+key, jsonExtractArg(val))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query entities %s: %s", kind, err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*EntityRow
	for rows.Next() {
		r := &EntityRow{}
		var attrJSON string
		if err := rows.Scan(&r.Kind, &r.ID, &attrJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Attributes = map[string]any{}
		if err := json.Unmarshal([]byte(attrJSON), &r.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes of %s/%s: %w", r.Kind, r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a row. Missing rows surface as NOT_FOUND.
func (s *LibSQLStore) Delete(ctx context.Context, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entity WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, kind, id)
}

// --- Configuration parameters ---

func (s *LibSQLStore) PutParameter(ctx context.Context, path, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO parameters (path, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		path, value,
	)
	return err
}

// GetParameter resolves a configuration-store pointer. Absence is a valid
// "not configured" state and surfaces as NOT_FOUND for the caller to skip.
func (s *LibSQLStore) GetParameter(ctx context.Context, path string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM parameters WHERE path = ?`, path).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storeNotFound("parameter", path)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Event journal ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *JournalEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (source, detail_type, status, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.Source, event.DetailType, nullStr(event.Status), nullRaw(event.Detail), event.Timestamp,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append event: %s", err.Error()).WithCause(err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*JournalEvent, error) {
	query := `SELECT id, source, detail_type, status, detail, timestamp FROM events`
	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.DetailType != "" {
		where = append(where, "detail_type = ?")
		args = append(args, filter.DetailType)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*JournalEvent
	for rows.Next() {
		e := &JournalEvent{}
		var status, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Source, &e.DetailType, &status, &detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Status = status.String
		e.Detail = rawOrNil(detail)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

// jsonExtractArg normalizes a filter value for comparison against
// json_extract output (booleans come back as 0/1).
func jsonExtractArg(val any) any {
	switch v := val.(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return v
	}
}
