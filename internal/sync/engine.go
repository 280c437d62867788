package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/tillsync/internal/model"
	"github.com/njoerd114/tillsync/internal/outbox"
	"github.com/njoerd114/tillsync/internal/status"
)

// Defaults applied when the corresponding option is left at zero.
const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 10
	DefaultOpTimeout = 15 * time.Second
)

const (
	otelScope          = "tillsync/sync"
	spanPass           = "sync.pass"
	metricPushed       = "tillsync.sync.pushed"
	metricPulled       = "tillsync.sync.pulled"
	metricDeleted      = "tillsync.sync.deleted"
	metricRejected     = "tillsync.sync.rejected"
	metricDeadLettered = "tillsync.sync.dead_lettered"
	metricErrors       = "tillsync.sync.errors"
	metricPending      = "tillsync.outbox.pending"
)

// ErrEngineStopped is returned by [Engine.Start] after the engine's context
// has been cancelled.
var ErrEngineStopped = errors.New("sync engine stopped")

// Engine is the single owner of the outbox. Local writes go through
// [Engine.Enqueue]; passes run on a fixed interval while online, when
// connectivity is regained, after every enqueue, and on [Engine.ForceSync].
// Passes never overlap.
type Engine struct {
	reconciler  *Reconciler
	local       LocalStore
	queue       *outbox.Queue
	status      *status.Store
	conn        Connectivity
	collections []Collection
	interval    time.Duration
	now         func() time.Time
	log         *slog.Logger

	// pass holds a token while a pass is running.
	pass    chan struct{}
	trigger chan struct{}

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer          trace.Tracer
	cntPushed       metric.Int64Counter
	cntPulled       metric.Int64Counter
	cntDeleted      metric.Int64Counter
	cntRejected     metric.Int64Counter
	cntDeadLettered metric.Int64Counter
	cntErrors       metric.Int64Counter
}

// NewEngine creates an Engine around reconciler. Enqueue only accepts the
// collections the reconciler tracks. A non-positive interval selects
// [DefaultInterval].
func NewEngine(reconciler *Reconciler, local LocalStore, queue *outbox.Queue, st *status.Store, conn Connectivity, interval time.Duration, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		reconciler:  reconciler,
		local:       local,
		queue:       queue,
		status:      st,
		conn:        conn,
		collections: reconciler.collections,
		interval:    interval,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger,
		pass:        make(chan struct{}, 1),
		trigger:     make(chan struct{}, 1),

		tracer:          tracer,
		cntPushed:       mustCounter(metricPushed, "Number of outbox entries confirmed by the remote store"),
		cntPulled:       mustCounter(metricPulled, "Number of entities written locally by pulls"),
		cntDeleted:      mustCounter(metricDeleted, "Number of entities deleted locally by pulls"),
		cntRejected:     mustCounter(metricRejected, "Number of outbox deliveries rejected by the remote store"),
		cntDeadLettered: mustCounter(metricDeadLettered, "Number of outbox entries dead-lettered"),
		cntErrors:       mustCounter(metricErrors, "Number of failed sync passes"),
	}

	_, err := meter.Int64ObservableGauge(metricPending,
		metric.WithDescription("Number of outbox entries awaiting delivery"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.status.Snapshot().PendingCount))
			return nil
		}),
	)
	if err != nil {
		logger.Error("creating OTel gauge", "name", metricPending, "error", err)
	}
	return e
}

// Start launches the background loop and schedules an immediate pass.
// Calling Start on a running engine is a no-op. The loop exits on [Engine.Stop]
// or when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrEngineStopped
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.running = true
	e.stop = make(chan struct{})

	e.status.SetOnline(e.conn.Online())
	e.refreshPending(ctx)
	e.unsubscribe = e.conn.Subscribe(func(online bool) {
		e.status.SetOnline(online)
		if online {
			e.log.Info("connectivity regained, scheduling sync")
			e.requestPass()
		} else {
			e.log.Info("connectivity lost")
		}
	})

	e.wg.Add(1)
	go e.loop(context.WithoutCancel(ctx), ctx.Done(), e.stop)
	e.requestPass()

	e.log.Info("sync engine started", "interval", e.interval)
	return nil
}

// Stop halts the loop. A pass that is already running is allowed to finish;
// Stop returns once it has. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.log.Info("sync engine stopped")
}

// halt marks the run that owns stop as finished after its context was
// cancelled, so that a later Start launches a fresh loop.
func (e *Engine) halt(stop chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.stop != stop {
		return
	}
	e.running = false
	close(e.stop)
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.log.Info("sync engine stopped", "reason", "context cancelled")
}

// ForceSync runs one pass now. When a pass is already running, ForceSync
// waits for it and then runs exactly one more. Offline it returns
// immediately without error.
func (e *Engine) ForceSync(ctx context.Context) (Stats, error) {
	return e.runPass(ctx)
}

// Enqueue records a local mutation: it is applied to the local copy at once
// and delivered to the remote store by a later pass. It returns the entry's
// sequence number.
func (e *Engine) Enqueue(ctx context.Context, op model.Operation, collection, id string, payload model.Fields) (int64, error) {
	if !e.tracked(collection) {
		return 0, fmt.Errorf("%w: collection %q is not tracked", model.ErrInvalid, collection)
	}
	seq, err := e.queue.Enqueue(ctx, op, collection, id, payload)
	if err != nil {
		return 0, err
	}
	e.refreshPending(ctx)
	if e.conn.Online() {
		e.requestPass()
	}
	return seq, nil
}

// ReadCollection returns the live local copy of collection.
func (e *Engine) ReadCollection(ctx context.Context, collection string) ([]*model.Entity, error) {
	return e.local.GetAll(ctx, collection)
}

// Status returns the current sync status.
func (e *Engine) Status() status.Snapshot {
	return e.status.Snapshot()
}

// Subscribe registers fn for every status change.
func (e *Engine) Subscribe(fn func(status.Snapshot)) (unsubscribe func()) {
	return e.status.Subscribe(fn)
}

// DeadLetters lists the outbox entries that exhausted their attempts.
func (e *Engine) DeadLetters(ctx context.Context) ([]*model.OutboxEntry, error) {
	return e.queue.DeadLetters(ctx)
}

// Requeue returns a dead-lettered entry to delivery.
func (e *Engine) Requeue(ctx context.Context, seq int64) error {
	if err := e.queue.Requeue(ctx, seq); err != nil {
		return err
	}
	e.refreshPending(ctx)
	return nil
}

// Discard drops a dead-lettered entry. While online, the entity is then
// re-read from the remote store so the local copy stops showing the
// abandoned mutation. A failed re-read is left to the next pull.
func (e *Engine) Discard(ctx context.Context, seq int64) error {
	entry, err := e.queue.Discard(ctx, seq)
	if err != nil {
		return err
	}
	e.refreshPending(ctx)

	if e.conn.Online() {
		if err := e.reconciler.refresh(ctx, entry.Collection, entry.EntityID); err != nil {
			e.log.Warn("re-reading discarded entity", "entity", entry.Key(), "error", err)
		}
	}
	return nil
}

// ClearLocalData wipes the local copy, the outbox and the pull cursors, for
// instance on logout. It waits for a running pass to finish first.
func (e *Engine) ClearLocalData(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if err := e.local.ClearAll(ctx); err != nil {
		return err
	}
	e.status.ClearErrors()
	e.refreshPending(ctx)
	e.log.Info("local data cleared")
	return nil
}

func (e *Engine) loop(ctx context.Context, done <-chan struct{}, stop chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-done:
			e.halt(stop)
			return
		case <-ticker.C:
			if e.conn.Online() {
				e.background(ctx)
			}
		case <-e.trigger:
			e.background(ctx)
		}
	}
}

func (e *Engine) background(ctx context.Context) {
	if _, err := e.runPass(ctx); err != nil {
		e.log.Error("sync pass failed", "error", err)
	}
}

// requestPass schedules a pass. Requests made while one is already pending
// collapse into it.
func (e *Engine) requestPass() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.pass <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.pass }

// runPass runs one pass, recording a trace span and metrics. The pass itself
// ignores cancellation of ctx so that a remote write in flight is never
// abandoned halfway.
func (e *Engine) runPass(ctx context.Context) (Stats, error) {
	if err := e.acquire(ctx); err != nil {
		return Stats{}, err
	}
	defer e.release()

	ctx, span := e.tracer.Start(context.WithoutCancel(ctx), spanPass)
	defer span.End()

	online := e.conn.Online()
	e.status.SetOnline(online)
	if !online {
		e.log.Debug("offline, skipping sync pass")
		span.SetAttributes(attribute.Bool("sync.skipped", true))
		return Stats{}, nil
	}

	e.status.SetStatus(status.Syncing)
	stats, err := e.reconciler.Run(ctx)

	for _, msg := range stats.DeadLetters {
		e.status.AddError(status.KindDeadLetter, msg)
	}
	e.refreshPending(ctx)
	e.record(ctx, span, stats)

	switch {
	case err == nil:
		e.status.SetStatus(status.Idle)
		e.status.MarkSynced(e.now())
	case model.IsTransient(err):
		e.cntErrors.Add(ctx, 1)
		e.status.SetStatus(status.Idle)
		e.log.Warn("sync pass interrupted, will retry", "error", err)
	default:
		e.cntErrors.Add(ctx, 1)
		e.status.SetStatus(status.Error)
		e.status.AddError(status.KindSync, err.Error())
		span.SetStatus(codes.Error, err.Error())
	}
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

func (e *Engine) record(ctx context.Context, span trace.Span, stats Stats) {
	// Counters are no-ops when telemetry is disabled.
	if stats.Pushed > 0 {
		e.cntPushed.Add(ctx, int64(stats.Pushed))
	}
	if stats.Pulled > 0 {
		e.cntPulled.Add(ctx, int64(stats.Pulled))
	}
	if stats.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(stats.Deleted))
	}
	if stats.Rejected > 0 {
		e.cntRejected.Add(ctx, int64(stats.Rejected))
	}
	if stats.DeadLettered > 0 {
		e.cntDeadLettered.Add(ctx, int64(stats.DeadLettered))
	}

	span.SetAttributes(
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.pulled", stats.Pulled),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.rejected", stats.Rejected),
		attribute.Int("sync.dead_lettered", stats.DeadLettered),
	)
}

// refreshPending copies the outbox counters into the status store. Failures
// are logged; the previous counts stay in place.
func (e *Engine) refreshPending(ctx context.Context) {
	pending, err := e.queue.Len(ctx)
	if err != nil {
		e.log.Error("counting pending outbox entries", "error", err)
		return
	}
	dead, err := e.local.CountDeadLettered(ctx)
	if err != nil {
		e.log.Error("counting dead letters", "error", err)
		return
	}
	e.status.SetPending(pending, dead)
}

func (e *Engine) tracked(collection string) bool {
	if len(e.collections) == 0 {
		return true
	}
	return slices.ContainsFunc(e.collections, func(c Collection) bool { return c.Name == collection })
}
