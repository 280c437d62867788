// Package state manages the SQLite database that holds the terminal's local
// copy of every synced collection, the outbox of pending mutations, and the
// per-collection pull cursors.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/tillsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    fields     TEXT NOT NULL DEFAULT '{}',
    updated_at TEXT NOT NULL DEFAULT '',
    deleted_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS outbox (
    sequence      INTEGER PRIMARY KEY AUTOINCREMENT,
    collection    TEXT    NOT NULL,
    entity_id     TEXT    NOT NULL,
    operation     TEXT    NOT NULL,
    payload       TEXT    NOT NULL DEFAULT 'null',
    enqueued_at   TEXT    NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT    NOT NULL DEFAULT '',
    dead_lettered INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_outbox_entity  ON outbox (collection, entity_id);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (dead_lettered, sequence);

CREATE TABLE IF NOT EXISTS cursors (
    collection     TEXT PRIMARY KEY,
    last_pulled_at TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed local store.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	listeners map[int]func(model.Change)
	nextSub   int
}

// DefaultDBPath returns the default path for the local database:
// ~/.local/share/tillsync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "tillsync", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating state directory: %w", model.ErrLocalStorage, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("%w: opening database %q: %w", model.ErrLocalStorage, path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. Transactions take the
	// write lock up front so that a read-then-write transaction cannot be
	// invalidated by another process sharing the file.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: applying schema: %w", model.ErrLocalStorage, err)
	}

	return &Store{db: db, listeners: make(map[int]func(model.Change))}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Subscribe registers fn to be called after every committed write. The
// returned function removes the subscription. Callbacks run synchronously on
// the writing goroutine and must not call back into the store's write path.
func (s *Store) Subscribe(fn func(model.Change)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) publish(c model.Change) {
	s.mu.Lock()
	fns := make([]func(model.Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// --- entities ----------------------------------------------------------------

const selectEntity = `
	SELECT collection, id, fields, updated_at, deleted_at
	FROM entities`

// GetAll returns every live (not soft-deleted) entity in the collection,
// ordered by id.
func (s *Store) GetAll(ctx context.Context, collection string) ([]*model.Entity, error) {
	return s.queryEntities(ctx, selectEntity+` WHERE collection = ? AND deleted_at = '' ORDER BY id`, collection)
}

// GetAllWithDeleted returns every entity in the collection including
// soft-deleted ones. The pull phase uses it to compute the local id set.
func (s *Store) GetAllWithDeleted(ctx context.Context, collection string) ([]*model.Entity, error) {
	return s.queryEntities(ctx, selectEntity+` WHERE collection = ? ORDER BY id`, collection)
}

// GetByID returns the entity with the given id, soft-deleted or not, or
// (nil, nil) if no such entity exists.
func (s *Store) GetByID(ctx context.Context, collection, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, selectEntity+` WHERE collection = ? AND id = ?`, collection, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s/%s: %w", model.ErrLocalStorage, collection, id, err)
	}
	return e, nil
}

func (s *Store) queryEntities(ctx context.Context, q string, args ...any) ([]*model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying entities: %w", model.ErrLocalStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrLocalStorage, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating entities: %w", model.ErrLocalStorage, err)
	}
	return out, nil
}

// Upsert inserts or replaces the given entities by id. Applying the same
// entity twice leaves the same stored state.
func (s *Store) Upsert(ctx context.Context, collection string, entities ...*model.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	ids := make([]string, 0, len(entities))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			if err := upsertEntity(ctx, tx, collection, e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: upserting into %s: %w", model.ErrLocalStorage, collection, err)
	}

	s.publish(model.Change{Kind: model.ChangeUpserted, Collection: collection, IDs: ids})
	return nil
}

// Delete removes the given ids from the collection. Missing ids are ignored.
func (s *Store) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ? AND id = ?`, collection, id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: deleting from %s: %w", model.ErrLocalStorage, collection, err)
	}

	s.publish(model.Change{Kind: model.ChangeDeleted, Collection: collection, IDs: ids})
	return nil
}

// ApplyPull writes the result of a pull in one transaction. Entities that
// have a queued outbox entry when the transaction runs are left untouched;
// their ids are returned. Holding the pending check and the writes in one
// transaction keeps a mutation enqueued by another process from being
// overwritten.
func (s *Store) ApplyPull(ctx context.Context, collection string, upserts []*model.Entity, deletes []string) (map[string]bool, error) {
	if len(upserts) == 0 && len(deletes) == 0 {
		return map[string]bool{}, nil
	}

	skipped := make(map[string]bool)
	var written, removed []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pending, err := pendingIDs(ctx, tx, collection)
		if err != nil {
			return err
		}
		for _, e := range upserts {
			if pending[e.ID] {
				skipped[e.ID] = true
				continue
			}
			if err := upsertEntity(ctx, tx, collection, e); err != nil {
				return err
			}
			written = append(written, e.ID)
		}
		for _, id := range deletes {
			if pending[id] {
				skipped[id] = true
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ? AND id = ?`, collection, id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: applying pull of %s: %w", model.ErrLocalStorage, collection, err)
	}

	if len(written) > 0 {
		s.publish(model.Change{Kind: model.ChangeUpserted, Collection: collection, IDs: written})
	}
	if len(removed) > 0 {
		s.publish(model.Change{Kind: model.ChangeDeleted, Collection: collection, IDs: removed})
	}
	return skipped, nil
}

// ClearAll wipes every collection, the outbox, and the pull cursors. Used on
// account logout. Outbox sequences are not reused after a clear.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"entities", "outbox", "cursors"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrLocalStorage, err)
	}

	s.publish(model.Change{Kind: model.ChangeCleared})
	return nil
}

// IsEmpty reports whether the entities table has no rows.
// Used by first-run hydration to detect a fresh install.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: checking if store is empty: %w", model.ErrLocalStorage, err)
	}
	return count == 0, nil
}

// Collections returns the distinct collection names that hold entities.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM entities ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing collections: %w", model.ErrLocalStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: scanning collection name: %w", model.ErrLocalStorage, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func upsertEntity(ctx context.Context, tx *sql.Tx, collection string, e *model.Entity) error {
	fields, err := encodeFields(e.Fields)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", e.ID, err)
	}
	var deletedAt time.Time
	if e.DeletedAt != nil {
		deletedAt = *e.DeletedAt
	}

	const q = `
		INSERT INTO entities (collection, id, fields, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
		    fields     = excluded.fields,
		    updated_at = excluded.updated_at,
		    deleted_at = excluded.deleted_at`
	if _, err := tx.ExecContext(ctx, q, collection, e.ID, fields, formatTime(e.UpdatedAt), formatTime(deletedAt)); err != nil {
		return fmt.Errorf("upserting %s: %w", e.ID, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows so the scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*model.Entity, error) {
	var e model.Entity
	var fields, updatedAt, deletedAt string

	err := s.Scan(&e.Collection, &e.ID, &fields, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entity row: %w", err)
	}

	if e.Fields, err = decodeFields(fields); err != nil {
		return nil, fmt.Errorf("decoding fields of %s/%s: %w", e.Collection, e.ID, err)
	}
	e.UpdatedAt, _ = parseTime(updatedAt)
	if t, _ := parseTime(deletedAt); !t.IsZero() {
		e.DeletedAt = &t
	}
	return &e, nil
}

func encodeFields(f model.Fields) (string, error) {
	b, err := model.MarshalFields(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeFields(s string) (model.Fields, error) {
	return model.UnmarshalFields([]byte(s))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
