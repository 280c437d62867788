package sync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/njoerd114/tillsync/internal/model"
	"github.com/njoerd114/tillsync/internal/outbox"
)

// Stats tracks what a single pass did.
type Stats struct {
	Pushed       int
	Rejected     int
	DeadLettered int
	Pulled       int
	Deleted      int
	Unchanged    int
	Protected    int

	// DeadLetters describes every entry dead-lettered during the pass.
	DeadLetters []string
}

// Reconciler performs a single push-then-pull pass. It is stateless between
// calls; the outbox, the cursors and the local copy all live in the
// [LocalStore].
type Reconciler struct {
	local       LocalStore
	remote      RemoteStore
	feed        ChangeFeed
	queue       *outbox.Queue
	limiter     *rate.Limiter
	collections []Collection
	batchSize   int
	opTimeout   time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// ReconcilerOptions tunes a [Reconciler].
type ReconcilerOptions struct {
	Collections []Collection
	// BatchSize is the number of outbox entries read per round trip.
	BatchSize int
	// OpTimeout bounds every individual remote call.
	OpTimeout time.Duration
	// RequestsPerSecond caps outbox writes sent to the remote store. Zero
	// disables the cap.
	RequestsPerSecond float64
}

// NewReconciler creates a Reconciler. When remote also implements
// [ChangeFeed], incremental collections use it.
func NewReconciler(local LocalStore, remote RemoteStore, queue *outbox.Queue, opts ReconcilerOptions, logger *slog.Logger) *Reconciler {
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}

	r := &Reconciler{
		local:       local,
		remote:      remote,
		queue:       queue,
		limiter:     rate.NewLimiter(limit, burst),
		collections: opts.Collections,
		batchSize:   opts.BatchSize,
		opTimeout:   opts.OpTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger,
	}
	if f, ok := remote.(ChangeFeed); ok {
		r.feed = f
	}
	return r
}

// Run pushes the outbox and then pulls every tracked collection. A transient
// push failure stops the pass before the pull so that the pull cannot race
// entries that are still undelivered.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := r.push(ctx, &stats); err != nil {
		return stats, err
	}
	if err := r.pull(ctx, &stats); err != nil {
		return stats, err
	}

	r.log.Info("sync pass complete",
		"pushed", stats.Pushed,
		"rejected", stats.Rejected,
		"dead_lettered", stats.DeadLettered,
		"pulled", stats.Pulled,
		"deleted", stats.Deleted,
		"protected", stats.Protected,
	)
	return stats, nil
}

// push drains the outbox in sequence order. A rejected entry blocks the rest
// of its entity's entries until the next pass, while other entities carry on.
func (r *Reconciler) push(ctx context.Context, stats *Stats) error {
	blocked := make(map[string]bool)
	skipped := make(map[int64]bool)

	for {
		limit := r.batchSize + len(skipped)
		batch, err := r.queue.PeekBatch(ctx, limit)
		if err != nil {
			return err
		}

		// fresh counts entries not yet seen this pass. Entries skipped
		// because their entity is blocked still move the scan forward.
		fresh := 0
		for _, entry := range batch {
			if skipped[entry.Sequence] {
				continue
			}
			fresh++
			if blocked[entry.Key()] {
				skipped[entry.Sequence] = true
				continue
			}

			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: waiting for rate limiter: %w", model.ErrTransient, err)
			}

			sendErr := r.send(ctx, entry)
			if sendErr == nil {
				if err := r.queue.MarkApplied(ctx, entry.Sequence); err != nil {
					return err
				}
				stats.Pushed++
				r.log.Debug("outbox entry applied",
					"sequence", entry.Sequence, "operation", entry.Operation, "entity", entry.Key())
				continue
			}

			dead, err := r.queue.MarkFailed(ctx, entry, sendErr)
			if err != nil {
				return err
			}
			if !model.IsRejected(sendErr) {
				return fmt.Errorf("pushing %s %s: %w", entry.Operation, entry.Key(), sendErr)
			}

			stats.Rejected++
			blocked[entry.Key()] = true
			if dead {
				stats.DeadLettered++
				stats.DeadLetters = append(stats.DeadLetters, fmt.Sprintf("%s %s dead-lettered after %d attempts: %s",
					entry.Operation, entry.Key(), entry.Attempts, entry.LastError))
			} else {
				skipped[entry.Sequence] = true
				r.log.Warn("remote rejected outbox entry",
					"sequence", entry.Sequence, "entity", entry.Key(),
					"attempts", entry.Attempts, "error", sendErr)
			}
		}

		if fresh == 0 || len(batch) < limit {
			return nil
		}
	}
}

func (r *Reconciler) send(ctx context.Context, entry *model.OutboxEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	switch entry.Operation {
	case model.OpCreate:
		_, err := r.remote.Create(ctx, entry.Collection, entry.EntityID, entry.Payload)
		return err
	case model.OpUpdate:
		return r.remote.Update(ctx, entry.Collection, entry.EntityID, entry.Payload)
	case model.OpDelete:
		return r.remote.Delete(ctx, entry.Collection, entry.EntityID)
	default:
		return fmt.Errorf("%w: unknown operation %q", model.ErrRejected, entry.Operation)
	}
}

func (r *Reconciler) pull(ctx context.Context, stats *Stats) error {
	for _, c := range r.collections {
		var err error
		switch {
		case c.Pull == PullNone:
			continue
		case c.Pull == PullIncremental && r.feed != nil:
			err = r.pullIncremental(ctx, c.Name, stats)
		default:
			err = r.pullFull(ctx, c.Name, stats)
		}
		if err != nil {
			return fmt.Errorf("pulling %s: %w", c.Name, err)
		}
	}
	return nil
}

// pullFull replaces the local copy of collection with the remote one. Local
// entities missing remotely are deleted.
func (r *Reconciler) pullFull(ctx context.Context, collection string, stats *Stats) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	remote, err := r.remote.GetAll(opCtx, collection, model.Query{})
	if err != nil {
		return err
	}
	localByID, err := r.localIndex(ctx, collection)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(remote))
	for _, e := range remote {
		seen[e.ID] = true
	}
	var gone []string
	for id := range localByID {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	slices.Sort(gone)

	return r.apply(ctx, collection, remote, gone, localByID, stats)
}

// pullIncremental applies only the documents changed since the collection's
// cursor. The first pull of a collection is a full one.
func (r *Reconciler) pullIncremental(ctx context.Context, collection string, stats *Stats) error {
	cur, err := r.local.Cursor(ctx, collection)
	if err != nil {
		return err
	}
	if cur.LastPulledAt.IsZero() {
		return r.pullFull(ctx, collection, stats)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	changes, err := r.feed.ChangesSince(opCtx, collection, cur.LastPulledAt)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	localByID, err := r.localIndex(ctx, collection)
	if err != nil {
		return err
	}
	return r.apply(ctx, collection, changes, nil, localByID, stats)
}

// apply writes pulled documents into the local store. Documents whose
// content already matches are skipped, and the local store leaves entities
// with undelivered outbox entries untouched. Remote tombstones and the ids in
// gone are deleted.
//
// The cursor never moves past a document that was held back, so the next
// incremental pull offers it again.
func (r *Reconciler) apply(ctx context.Context, collection string, docs []*model.Entity, gone []string, localByID map[string]*model.Entity, stats *Stats) error {
	var (
		upserts []*model.Entity
		deletes []string
	)
	for _, doc := range docs {
		local, exists := localByID[doc.ID]
		if doc.Deleted() {
			if exists {
				deletes = append(deletes, doc.ID)
			}
			continue
		}
		if exists && local.ContentHash() == doc.ContentHash() {
			stats.Unchanged++
			continue
		}
		upserts = append(upserts, doc)
	}
	deletes = append(deletes, gone...)

	protected, err := r.local.ApplyPull(ctx, collection, upserts, deletes)
	if err != nil {
		return err
	}
	upserted := len(upserts) - countIn(protected, upsertIDs(upserts))
	deleted := len(deletes) - countIn(protected, deletes)
	stats.Pulled += upserted
	stats.Deleted += deleted
	stats.Protected += len(protected)

	cursor := pullCursor(docs, protected)
	if cursor.IsZero() {
		cursor = r.now()
	}
	prev, err := r.local.Cursor(ctx, collection)
	if err != nil {
		return err
	}
	if cursor.After(prev.LastPulledAt) {
		if err := r.local.SetCursor(ctx, model.Cursor{Collection: collection, LastPulledAt: cursor}); err != nil {
			return err
		}
	}

	r.log.Debug("collection pulled", "collection", collection,
		"documents", len(docs), "upserted", upserted, "deleted", deleted, "protected", len(protected))
	return nil
}

// pullCursor returns the newest update time in docs, capped just below the
// oldest document that was held back.
func pullCursor(docs []*model.Entity, protected map[string]bool) time.Time {
	var newest, held time.Time
	for _, doc := range docs {
		if doc.UpdatedAt.After(newest) {
			newest = doc.UpdatedAt
		}
		if protected[doc.ID] && (held.IsZero() || doc.UpdatedAt.Before(held)) {
			held = doc.UpdatedAt
		}
	}
	if !held.IsZero() {
		return held.Add(-time.Nanosecond)
	}
	return newest
}

// refresh re-reads one entity and overwrites its local copy, unless it has
// queued entries again. Push-only collections are left alone.
func (r *Reconciler) refresh(ctx context.Context, collection, id string) error {
	if !slices.ContainsFunc(r.collections, func(c Collection) bool { return c.Name == collection && c.Pull != PullNone }) {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	doc, err := r.remote.Get(opCtx, collection, id)
	if err != nil {
		return fmt.Errorf("refreshing %s: %w", model.EntityKey(collection, id), err)
	}

	if doc == nil || doc.Deleted() {
		_, err = r.local.ApplyPull(ctx, collection, nil, []string{id})
	} else {
		_, err = r.local.ApplyPull(ctx, collection, []*model.Entity{doc}, nil)
	}
	return err
}

func upsertIDs(entities []*model.Entity) []string {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids
}

func countIn(set map[string]bool, ids []string) int {
	n := 0
	for _, id := range ids {
		if set[id] {
			n++
		}
	}
	return n
}

func (r *Reconciler) localIndex(ctx context.Context, collection string) (map[string]*model.Entity, error) {
	local, err := r.local.GetAllWithDeleted(ctx, collection)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Entity, len(local))
	for _, e := range local {
		byID[e.ID] = e
	}
	return byID, nil
}
