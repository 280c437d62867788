package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/tillsync/internal/model"
	"github.com/njoerd114/tillsync/internal/outbox"
	"github.com/njoerd114/tillsync/internal/state"
	"github.com/njoerd114/tillsync/internal/status"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Mock Remote Store -------------------------------------------------------

type fault struct {
	err       error
	remaining int // <0 means forever
}

type mockRemote struct {
	mu        sync.Mutex
	docs      map[string]map[string]*model.Entity // collection → id → entity
	clock     time.Time
	calls     []string
	faults    map[string]*fault
	inFlight  int
	maxFlight int

	// onCall runs outside the lock after a call is recorded and before it
	// takes effect.
	onCall func(call string)
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		docs:   make(map[string]map[string]*model.Entity),
		clock:  time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		faults: make(map[string]*fault),
	}
}

// failOn makes the next times calls matching call (e.g. "create receipts/r1"
// or "getall products") fail with err. times < 0 fails forever.
func (m *mockRemote) failOn(call string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[call] = &fault{err: err, remaining: times}
}

// put seeds a document as if another terminal had written it.
func (m *mockRemote) put(collection, id string, fields model.Fields, deleted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &model.Entity{ID: id, Collection: collection, Fields: fields.Clone(), UpdatedAt: m.tick()}
	if deleted {
		t := e.UpdatedAt
		e.DeletedAt = &t
	}
	m.bucket(collection)[id] = e
}

func (m *mockRemote) doc(collection, id string) *model.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[collection][id]
	if !ok {
		return nil
	}
	return clone(e)
}

func (m *mockRemote) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *mockRemote) countCalls(prefix string) int {
	n := 0
	for _, c := range m.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (m *mockRemote) maxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFlight
}

func (m *mockRemote) enter(call string) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.inFlight++
	m.maxFlight = max(m.maxFlight, m.inFlight)
	var err error
	if f, ok := m.faults[call]; ok && f.remaining != 0 {
		err = f.err
		if f.remaining > 0 {
			f.remaining--
		}
	}
	hook := m.onCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func (m *mockRemote) exit() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

func (m *mockRemote) Create(_ context.Context, collection, id string, fields model.Fields) (*model.Entity, error) {
	defer m.exit()
	if err := m.enter(fmt.Sprintf("create %s/%s", collection, id)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &model.Entity{ID: id, Collection: collection, Fields: fields.Clone(), UpdatedAt: m.tick()}
	m.bucket(collection)[id] = e
	return clone(e), nil
}

func (m *mockRemote) Get(_ context.Context, collection, id string) (*model.Entity, error) {
	defer m.exit()
	if err := m.enter(fmt.Sprintf("get %s/%s", collection, id)); err != nil {
		return nil, err
	}
	return m.doc(collection, id), nil
}

func (m *mockRemote) GetAll(_ context.Context, collection string, _ model.Query) ([]*model.Entity, error) {
	defer m.exit()
	if err := m.enter("getall " + collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Entity
	for _, e := range m.docs[collection] {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRemote) Update(_ context.Context, collection, id string, fields model.Fields) error {
	defer m.exit()
	if err := m.enter(fmt.Sprintf("update %s/%s", collection, id)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.docs[collection][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s not found", model.ErrRejected, collection, id)
	}
	e.Fields = e.Fields.Merge(fields)
	e.UpdatedAt = m.tick()
	return nil
}

func (m *mockRemote) Delete(_ context.Context, collection, id string) error {
	defer m.exit()
	if err := m.enter(fmt.Sprintf("delete %s/%s", collection, id)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], id)
	return nil
}

func (m *mockRemote) ChangesSince(_ context.Context, collection string, since time.Time) ([]*model.Entity, error) {
	defer m.exit()
	if err := m.enter("changes " + collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Entity
	for _, e := range m.docs[collection] {
		if e.UpdatedAt.After(since) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *mockRemote) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *mockRemote) bucket(collection string) map[string]*model.Entity {
	b, ok := m.docs[collection]
	if !ok {
		b = make(map[string]*model.Entity)
		m.docs[collection] = b
	}
	return b
}

func clone(e *model.Entity) *model.Entity {
	cp := *e
	cp.Fields = e.Fields.Clone()
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// plainRemote hides the ChangeFeed of the wrapped store.
type plainRemote struct{ RemoteStore }

// --- Fake Connectivity -------------------------------------------------------

type fakeConn struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

func newFakeConn(online bool) *fakeConn {
	return &fakeConn{online: online, subs: make(map[int]func(bool))}
}

func (c *fakeConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) Subscribe(fn func(bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *fakeConn) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeConn) set(online bool) {
	c.mu.Lock()
	c.online = online
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

// --- Flaky outbox store ------------------------------------------------------

// flakyOutbox fails RemoveOutboxEntry a set number of times, simulating a
// crash between a confirmed remote write and the entry's removal.
type flakyOutbox struct {
	*state.Store
	mu          sync.Mutex
	failRemoves int
}

func (f *flakyOutbox) RemoveOutboxEntry(ctx context.Context, seq int64) error {
	f.mu.Lock()
	if f.failRemoves > 0 {
		f.failRemoves--
		f.mu.Unlock()
		return fmt.Errorf("%w: disk I/O error", model.ErrLocalStorage)
	}
	f.mu.Unlock()
	return f.Store.RemoveOutboxEntry(ctx, seq)
}

// --- Harness -----------------------------------------------------------------

var testCollections = []Collection{
	{Name: model.CollectionProducts, Pull: PullFull},
	{Name: model.CollectionCustomers, Pull: PullIncremental},
	{Name: model.CollectionReceipts, Pull: PullNone},
}

type harness struct {
	store  *state.Store
	remote *mockRemote
	conn   *fakeConn
	status *status.Store
	queue  *outbox.Queue
	engine *Engine
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	remote      RemoteStore
	outboxStore outbox.Store
	opts        ReconcilerOptions
	online      bool
}

func withoutChangeFeed() harnessOption {
	return func(c *harnessConfig) { c.remote = plainRemote{c.remote} }
}

func withOutboxStore(s outbox.Store) harnessOption {
	return func(c *harnessConfig) { c.outboxStore = s }
}

func offline() harnessOption {
	return func(c *harnessConfig) { c.online = false }
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newHarness(t *testing.T, store *state.Store, options ...harnessOption) *harness {
	t.Helper()
	if store == nil {
		store = openStore(t)
	}
	remote := newMockRemote()
	cfg := harnessConfig{
		remote:      remote,
		outboxStore: store,
		online:      true,
		opts: ReconcilerOptions{
			Collections: testCollections,
			BatchSize:   2,
			OpTimeout:   time.Second,
		},
	}
	for _, o := range options {
		o(&cfg)
	}

	conn := newFakeConn(cfg.online)
	st := status.New(status.DefaultMaxErrors)
	queue := outbox.New(cfg.outboxStore, outbox.DefaultMaxAttempts, testLogger)
	rec := NewReconciler(store, cfg.remote, queue, cfg.opts, testLogger)
	eng := NewEngine(rec, store, queue, st, conn, time.Hour, testLogger)
	t.Cleanup(eng.Stop)

	return &harness{store: store, remote: remote, conn: conn, status: st, queue: queue, engine: eng}
}

func (h *harness) enqueue(t *testing.T, op model.Operation, collection, id string, fields model.Fields) int64 {
	t.Helper()
	seq, err := h.engine.Enqueue(context.Background(), op, collection, id, fields)
	if err != nil {
		t.Fatalf("Enqueue(%s %s/%s): %v", op, collection, id, err)
	}
	return seq
}

func (h *harness) pending(t *testing.T) []*model.OutboxEntry {
	t.Helper()
	entries, err := h.store.PendingOutboxEntries(context.Background(), 0)
	if err != nil {
		t.Fatalf("PendingOutboxEntries: %v", err)
	}
	return entries
}

func (h *harness) local(t *testing.T, collection, id string) *model.Entity {
	t.Helper()
	e, err := h.store.GetByID(context.Background(), collection, id)
	if err != nil {
		t.Fatalf("GetByID(%s/%s): %v", collection, id, err)
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
