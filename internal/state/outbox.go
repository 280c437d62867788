package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/njoerd114/tillsync/internal/model"
)

const selectOutbox = `
	SELECT sequence, collection, entity_id, operation, payload, enqueued_at,
	       attempts, last_error, dead_lettered
	FROM outbox`

// AppendOutboxEntry records entry in the outbox and applies its effect to the
// local entities table in one transaction. On success entry.Sequence holds the
// assigned sequence number.
//
// Creates replace the local entity with the payload, updates merge the payload
// into the existing fields, and deletes set the soft-delete marker.
func (s *Store) AppendOutboxEntry(ctx context.Context, entry *model.OutboxEntry) error {
	payload, err := encodePayload(entry.Payload)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", model.ErrInvalid, err)
	}

	kind := model.ChangeUpserted
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO outbox (collection, entity_id, operation, payload, enqueued_at)
			VALUES (?, ?, ?, ?, ?)`
		res, err := tx.ExecContext(ctx, q,
			entry.Collection, entry.EntityID, string(entry.Operation), payload, formatTime(entry.EnqueuedAt))
		if err != nil {
			return fmt.Errorf("inserting outbox entry: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading outbox sequence: %w", err)
		}
		entry.Sequence = seq

		switch entry.Operation {
		case model.OpCreate:
			return upsertEntity(ctx, tx, entry.Collection, &model.Entity{
				ID: entry.EntityID, Fields: entry.Payload.Clone(), UpdatedAt: entry.EnqueuedAt,
			})
		case model.OpUpdate:
			existing, err := scanEntity(tx.QueryRowContext(ctx,
				selectEntity+` WHERE collection = ? AND id = ?`, entry.Collection, entry.EntityID))
			if err != nil {
				return err
			}
			var fields model.Fields
			if existing != nil {
				fields = existing.Fields
			}
			return upsertEntity(ctx, tx, entry.Collection, &model.Entity{
				ID: entry.EntityID, Fields: fields.Merge(entry.Payload), UpdatedAt: entry.EnqueuedAt,
			})
		case model.OpDelete:
			kind = model.ChangeDeleted
			const del = `UPDATE entities SET deleted_at = ?, updated_at = ? WHERE collection = ? AND id = ?`
			ts := formatTime(entry.EnqueuedAt)
			if _, err := tx.ExecContext(ctx, del, ts, ts, entry.Collection, entry.EntityID); err != nil {
				return fmt.Errorf("soft-deleting %s: %w", entry.EntityID, err)
			}
			return nil
		default:
			return fmt.Errorf("unknown operation %q", entry.Operation)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: appending outbox entry for %s: %w", model.ErrLocalStorage, entry.Key(), err)
	}

	s.publish(model.Change{Kind: kind, Collection: entry.Collection, IDs: []string{entry.EntityID}})
	return nil
}

// PendingOutboxEntries returns up to limit entries that are not dead-lettered,
// in ascending sequence order. A limit of zero or less returns all of them.
func (s *Store) PendingOutboxEntries(ctx context.Context, limit int) ([]*model.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryOutbox(ctx, selectOutbox+` WHERE dead_lettered = 0 ORDER BY sequence LIMIT ?`, limit)
}

// DeadLetteredEntries returns every dead-lettered entry in sequence order.
func (s *Store) DeadLetteredEntries(ctx context.Context) ([]*model.OutboxEntry, error) {
	return s.queryOutbox(ctx, selectOutbox+` WHERE dead_lettered = 1 ORDER BY sequence`)
}

// OutboxEntry returns the entry with the given sequence, or (nil, nil).
func (s *Store) OutboxEntry(ctx context.Context, seq int64) (*model.OutboxEntry, error) {
	e, err := scanOutbox(s.db.QueryRowContext(ctx, selectOutbox+` WHERE sequence = ?`, seq))
	if err != nil {
		return nil, fmt.Errorf("%w: reading outbox entry %d: %w", model.ErrLocalStorage, seq, err)
	}
	return e, nil
}

// RemoveOutboxEntry deletes the entry with the given sequence. Removing an
// entry that does not exist is not an error.
//
// When the entry was a delete, the soft-deleted entity it referred to is
// purged unless another entry for the same entity is still queued.
func (s *Store) RemoveOutboxEntry(ctx context.Context, seq int64) error {
	var purged *model.OutboxEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanOutbox(tx.QueryRowContext(ctx, selectOutbox+` WHERE sequence = ?`, seq))
		if err != nil || e == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE sequence = ?`, seq); err != nil {
			return fmt.Errorf("removing outbox entry: %w", err)
		}
		if e.Operation != model.OpDelete {
			return nil
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM outbox WHERE collection = ? AND entity_id = ?`,
			e.Collection, e.EntityID).Scan(&remaining); err != nil {
			return fmt.Errorf("counting remaining entries: %w", err)
		}
		if remaining > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE collection = ? AND id = ? AND deleted_at != ''`,
			e.Collection, e.EntityID); err != nil {
			return fmt.Errorf("purging tombstone: %w", err)
		}
		purged = e
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: removing outbox entry %d: %w", model.ErrLocalStorage, seq, err)
	}

	if purged != nil {
		s.publish(model.Change{Kind: model.ChangeDeleted, Collection: purged.Collection, IDs: []string{purged.EntityID}})
	}
	return nil
}

// UpdateOutboxEntry persists the delivery bookkeeping of entry: attempts, last
// error and the dead-letter flag.
func (s *Store) UpdateOutboxEntry(ctx context.Context, entry *model.OutboxEntry) error {
	const q = `UPDATE outbox SET attempts = ?, last_error = ?, dead_lettered = ? WHERE sequence = ?`
	res, err := s.db.ExecContext(ctx, q, entry.Attempts, entry.LastError, boolToInt(entry.DeadLettered), entry.Sequence)
	if err != nil {
		return fmt.Errorf("%w: updating outbox entry %d: %w", model.ErrLocalStorage, entry.Sequence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: outbox entry %d not found", model.ErrInvalid, entry.Sequence)
	}
	return nil
}

// CountPending returns the number of entries awaiting delivery.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM outbox WHERE dead_lettered = 0`)
}

// CountDeadLettered returns the number of dead-lettered entries.
func (s *Store) CountDeadLettered(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM outbox WHERE dead_lettered = 1`)
}

// PendingEntityIDs returns the ids in collection that have at least one
// non-dead-lettered outbox entry. A pull must not overwrite or delete them.
func (s *Store) PendingEntityIDs(ctx context.Context, collection string) (map[string]bool, error) {
	ids, err := pendingIDs(ctx, s.db, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLocalStorage, err)
	}
	return ids, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func pendingIDs(ctx context.Context, q querier, collection string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM outbox WHERE collection = ? AND dead_lettered = 0`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing pending ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pending id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending ids: %w", err)
	}
	return ids, nil
}

// Cursor returns the pull cursor of collection. A collection that was never
// pulled returns a cursor with a zero LastPulledAt.
func (s *Store) Cursor(ctx context.Context, collection string) (model.Cursor, error) {
	c := model.Cursor{Collection: collection}
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_pulled_at FROM cursors WHERE collection = ?`, collection).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("%w: reading cursor of %s: %w", model.ErrLocalStorage, collection, err)
	}
	c.LastPulledAt, _ = parseTime(ts)
	return c, nil
}

// SetCursor stores the pull cursor.
func (s *Store) SetCursor(ctx context.Context, c model.Cursor) error {
	const q = `
		INSERT INTO cursors (collection, last_pulled_at) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET last_pulled_at = excluded.last_pulled_at`
	if _, err := s.db.ExecContext(ctx, q, c.Collection, formatTime(c.LastPulledAt)); err != nil {
		return fmt.Errorf("%w: writing cursor of %s: %w", model.ErrLocalStorage, c.Collection, err)
	}
	return nil
}

func (s *Store) queryOutbox(ctx context.Context, q string, args ...any) ([]*model.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying outbox: %w", model.ErrLocalStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrLocalStorage, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating outbox: %w", model.ErrLocalStorage, err)
	}
	return out, nil
}

func (s *Store) count(ctx context.Context, q string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting outbox: %w", model.ErrLocalStorage, err)
	}
	return n, nil
}

func scanOutbox(s scanner) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	var op, payload, enqueuedAt string
	var dead int

	err := s.Scan(&e.Sequence, &e.Collection, &e.EntityID, &op, &payload, &enqueuedAt,
		&e.Attempts, &e.LastError, &dead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning outbox row: %w", err)
	}

	e.Operation = model.Operation(op)
	e.DeadLettered = dead != 0
	e.EnqueuedAt, _ = parseTime(enqueuedAt)
	if e.Payload, err = decodeFields(payload); err != nil {
		return nil, fmt.Errorf("decoding payload of entry %d: %w", e.Sequence, err)
	}
	return &e, nil
}

func encodePayload(f model.Fields) (string, error) {
	if f == nil {
		return "null", nil
	}
	return encodeFields(f)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
