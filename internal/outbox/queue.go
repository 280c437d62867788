// Package outbox implements the durable queue of local mutations that still
// have to reach the remote store.
//
// Entries are delivered oldest-first and removed only after the remote store
// confirmed them. Entries for the same entity are never merged or dropped: a
// delete followed by a create of the same id is two real transitions the
// remote store must observe.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/njoerd114/tillsync/internal/model"
)

// DefaultMaxAttempts is the number of rejected deliveries after which an
// entry is dead-lettered.
const DefaultMaxAttempts = 5

// Store persists outbox entries. Implemented by [state.Store].
type Store interface {
	AppendOutboxEntry(ctx context.Context, entry *model.OutboxEntry) error
	PendingOutboxEntries(ctx context.Context, limit int) ([]*model.OutboxEntry, error)
	DeadLetteredEntries(ctx context.Context) ([]*model.OutboxEntry, error)
	OutboxEntry(ctx context.Context, seq int64) (*model.OutboxEntry, error)
	RemoveOutboxEntry(ctx context.Context, seq int64) error
	UpdateOutboxEntry(ctx context.Context, entry *model.OutboxEntry) error
	CountPending(ctx context.Context) (int, error)
}

// Queue is the outbox. Create one with [New].
type Queue struct {
	store       Store
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

// New creates a Queue. A maxAttempts of zero or less uses
// [DefaultMaxAttempts].
func New(store Store, maxAttempts int, logger *slog.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		store:       store,
		maxAttempts: maxAttempts,
		now:         time.Now,
		log:         logger,
	}
}

// MaxAttempts returns the dead-letter threshold.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueue appends a mutation and applies it to the local copy. It returns the
// assigned sequence number, which is strictly greater than every sequence
// handed out before.
func (q *Queue) Enqueue(ctx context.Context, op model.Operation, collection, id string, payload model.Fields) (int64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("%w: unknown operation %q", model.ErrInvalid, op)
	}
	if strings.TrimSpace(collection) == "" {
		return 0, fmt.Errorf("%w: collection is required", model.ErrInvalid)
	}
	if strings.TrimSpace(id) == "" {
		return 0, fmt.Errorf("%w: entity id is required", model.ErrInvalid)
	}
	if strings.Contains(id, "/") {
		return 0, fmt.Errorf("%w: entity id %q must not contain '/'", model.ErrInvalid, id)
	}
	if op == model.OpDelete {
		payload = nil
	} else if payload == nil {
		payload = model.Fields{}
	}

	entry := &model.OutboxEntry{
		Collection: collection,
		EntityID:   id,
		Operation:  op,
		Payload:    payload.Clone(),
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.store.AppendOutboxEntry(ctx, entry); err != nil {
		return 0, fmt.Errorf("enqueueing %s %s: %w", op, entry.Key(), err)
	}

	q.log.Debug("outbox entry enqueued",
		"sequence", entry.Sequence, "collection", collection, "entity_id", id, "operation", string(op))
	return entry.Sequence, nil
}

// PeekBatch returns up to max deliverable entries, oldest first. Dead-lettered
// entries are never returned.
func (q *Queue) PeekBatch(ctx context.Context, max int) ([]*model.OutboxEntry, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", model.ErrInvalid)
	}
	entries, err := q.store.PendingOutboxEntries(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("peeking outbox: %w", err)
	}
	return entries, nil
}

// MarkApplied removes a confirmed entry.
func (q *Queue) MarkApplied(ctx context.Context, seq int64) error {
	if err := q.store.RemoveOutboxEntry(ctx, seq); err != nil {
		return fmt.Errorf("marking entry %d applied: %w", seq, err)
	}
	return nil
}

// MarkFailed records a failed delivery of entry. The entry stays queued. When
// cause is a remote rejection and the entry has now failed maxAttempts times,
// it is dead-lettered and deadLettered is true.
func (q *Queue) MarkFailed(ctx context.Context, entry *model.OutboxEntry, cause error) (deadLettered bool, err error) {
	entry.Attempts++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if model.IsRejected(cause) && entry.Attempts >= q.maxAttempts {
		entry.DeadLettered = true
	}

	if err := q.store.UpdateOutboxEntry(ctx, entry); err != nil {
		return false, fmt.Errorf("marking entry %d failed: %w", entry.Sequence, err)
	}

	if entry.DeadLettered {
		q.log.Warn("outbox entry dead-lettered",
			"sequence", entry.Sequence, "collection", entry.Collection, "entity_id", entry.EntityID,
			"attempts", entry.Attempts, "error", entry.LastError)
	}
	return entry.DeadLettered, nil
}

// Len returns the number of entries awaiting delivery. Dead letters are not
// counted.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting outbox: %w", err)
	}
	return n, nil
}

// DeadLetters returns every dead-lettered entry, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*model.OutboxEntry, error) {
	entries, err := q.store.DeadLetteredEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return entries, nil
}

// ErrNotDeadLettered is returned by [Queue.Requeue] and [Queue.Discard] for
// entries that are still in normal delivery.
var ErrNotDeadLettered = errors.New("outbox entry is not dead-lettered")

// Requeue returns a dead-lettered entry to normal delivery with a fresh
// attempt budget. It keeps its original sequence, so it is retried before
// anything enqueued after it.
func (q *Queue) Requeue(ctx context.Context, seq int64) error {
	entry, err := q.deadLetter(ctx, seq)
	if err != nil {
		return err
	}
	entry.DeadLettered = false
	entry.Attempts = 0
	if err := q.store.UpdateOutboxEntry(ctx, entry); err != nil {
		return fmt.Errorf("requeueing entry %d: %w", seq, err)
	}
	q.log.Info("dead letter requeued", "sequence", seq, "collection", entry.Collection, "entity_id", entry.EntityID)
	return nil
}

// Discard drops a dead-lettered entry for good and returns it.
func (q *Queue) Discard(ctx context.Context, seq int64) (*model.OutboxEntry, error) {
	entry, err := q.deadLetter(ctx, seq)
	if err != nil {
		return nil, err
	}
	if err := q.store.RemoveOutboxEntry(ctx, seq); err != nil {
		return nil, fmt.Errorf("discarding entry %d: %w", seq, err)
	}
	q.log.Info("dead letter discarded", "sequence", seq, "collection", entry.Collection, "entity_id", entry.EntityID)
	return entry, nil
}

func (q *Queue) deadLetter(ctx context.Context, seq int64) (*model.OutboxEntry, error) {
	entry, err := q.store.OutboxEntry(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("reading entry %d: %w", seq, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: outbox entry %d not found", model.ErrInvalid, seq)
	}
	if !entry.DeadLettered {
		return nil, fmt.Errorf("entry %d: %w", seq, ErrNotDeadLettered)
	}
	return entry, nil
}
