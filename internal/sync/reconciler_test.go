package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/tillsync/internal/model"
	"github.com/njoerd114/tillsync/internal/status"
)

var (
	errUnavailable = fmt.Errorf("%w: 503 service unavailable", model.ErrTransient)
	errDenied      = fmt.Errorf("%w: 403 permission denied", model.ErrRejected)
)

func TestPush_DeliversInEnqueueOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-1", model.Fields{"total": 12.5})
	h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "ord-1", model.Fields{"paid": true})
	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-2", model.Fields{"total": 3.0})
	h.enqueue(t, model.OpDelete, model.CollectionReceipts, "ord-2", nil)
	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-3", model.Fields{"total": 7.0})

	stats, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if stats.Pushed != 5 {
		t.Errorf("Pushed = %d, want 5", stats.Pushed)
	}

	var writes []string
	for _, c := range h.remote.callLog() {
		if !strings.HasPrefix(c, "getall") && !strings.HasPrefix(c, "changes") {
			writes = append(writes, c)
		}
	}
	want := []string{
		"create receipts/ord-1",
		"update receipts/ord-1",
		"create receipts/ord-2",
		"delete receipts/ord-2",
		"create receipts/ord-3",
	}
	if !slices.Equal(writes, want) {
		t.Errorf("remote writes = %v, want %v", writes, want)
	}

	if n := len(h.pending(t)); n != 0 {
		t.Errorf("outbox still holds %d entries", n)
	}
	doc := h.remote.doc(model.CollectionReceipts, "ord-1")
	if doc == nil || doc.Fields["paid"] != true || fmt.Sprint(doc.Fields["total"]) != "12.5" {
		t.Errorf("remote ord-1 = %+v", doc)
	}
	if h.remote.doc(model.CollectionReceipts, "ord-2") != nil {
		t.Error("ord-2 should be deleted remotely")
	}
	if h.local(t, model.CollectionReceipts, "ord-2") != nil {
		t.Error("confirmed delete should purge the local tombstone")
	}
}

func TestPush_TransientFailureKeepsEntryAndSkipsPull(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-1", model.Fields{"total": 1.0})
	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-2", model.Fields{"total": 2.0})
	h.remote.failOn("create receipts/ord-1", errUnavailable, 1)

	_, err := h.engine.ForceSync(ctx)
	if !model.IsTransient(err) {
		t.Fatalf("ForceSync error = %v, want transient", err)
	}

	pending := h.pending(t)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Errorf("first entry attempts=%d lastError=%q", pending[0].Attempts, pending[0].LastError)
	}
	if h.remote.countCalls("create receipts/ord-2") != 0 {
		t.Error("push should stop at the first transient failure")
	}
	if h.remote.countCalls("getall") != 0 {
		t.Error("pull must not run after a failed push")
	}

	snap := h.status.Snapshot()
	if snap.Status != status.Idle {
		t.Errorf("status = %s, want idle", snap.Status)
	}
	if len(snap.Errors) != 0 {
		t.Errorf("transient failures should not be logged as errors: %v", snap.Errors)
	}
	if snap.PendingCount != 2 {
		t.Errorf("PendingCount = %d, want 2", snap.PendingCount)
	}

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("second ForceSync: %v", err)
	}
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("outbox still holds %d entries", n)
	}
	if h.status.Snapshot().LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a successful pass")
	}
}

func TestPush_RejectionDeadLettersAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-bad", model.Fields{"total": -1.0})
	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-good", model.Fields{"total": 4.0})
	h.remote.failOn("create receipts/ord-bad", errDenied, -1)

	for pass := 1; pass <= 5; pass++ {
		stats, err := h.engine.ForceSync(ctx)
		if err != nil {
			t.Fatalf("pass %d: rejections should not fail the pass: %v", pass, err)
		}
		if stats.Rejected != 1 {
			t.Errorf("pass %d: Rejected = %d, want 1", pass, stats.Rejected)
		}
		if pass < 5 && stats.DeadLettered != 0 {
			t.Fatalf("pass %d: dead-lettered too early", pass)
		}
	}

	if h.remote.doc(model.CollectionReceipts, "ord-good") == nil {
		t.Error("a rejection must not block other entities")
	}
	if h.remote.countCalls("create receipts/ord-bad") != 5 {
		t.Errorf("ord-bad attempted %d times, want 5", h.remote.countCalls("create receipts/ord-bad"))
	}

	dead, err := h.engine.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].EntityID != "ord-bad" || dead[0].Attempts != 5 {
		t.Fatalf("dead letters = %+v", dead)
	}

	snap := h.status.Snapshot()
	if snap.PendingCount != 0 || snap.DeadLetters != 1 {
		t.Errorf("PendingCount=%d DeadLetters=%d, want 0 and 1", snap.PendingCount, snap.DeadLetters)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Kind != status.KindDeadLetter {
		t.Errorf("errors = %+v, want one dead_letter entry", snap.Errors)
	}

	// A sixth pass no longer touches the dead letter.
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if h.remote.countCalls("create receipts/ord-bad") != 5 {
		t.Error("dead letters must not be retried")
	}
}

func TestPush_RejectionHoldsBackSameEntity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-1", model.Fields{"total": 1.0})
	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-2", model.Fields{"total": 2.0})
	h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "ord-1", model.Fields{"paid": true})
	h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "ord-2", model.Fields{"paid": true})
	h.remote.failOn("create receipts/ord-1", errDenied, 1)

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if h.remote.countCalls("update receipts/ord-1") != 0 {
		t.Error("update of ord-1 must wait for its create")
	}
	if h.remote.countCalls("update receipts/ord-2") != 1 {
		t.Error("ord-2 should be fully delivered")
	}
	if n := len(h.pending(t)); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	doc := h.remote.doc(model.CollectionReceipts, "ord-1")
	if doc == nil || doc.Fields["paid"] != true {
		t.Errorf("ord-1 = %+v, want created and updated", doc)
	}
}

func TestPush_ReplayAfterCrashIsIdempotent(t *testing.T) {
	store := openStore(t)
	flaky := &flakyOutbox{Store: store, failRemoves: 1}
	h := newHarness(t, store, withOutboxStore(flaky))
	ctx := context.Background()

	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "ord-1", model.Fields{"total": 9.5})

	_, err := h.engine.ForceSync(ctx)
	if !errors.Is(err, model.ErrLocalStorage) {
		t.Fatalf("ForceSync error = %v, want local storage failure", err)
	}
	snap := h.status.Snapshot()
	if snap.Status != status.Error {
		t.Errorf("status = %s, want error", snap.Status)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Kind != status.KindSync {
		t.Errorf("errors = %+v, want one sync entry", snap.Errors)
	}

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("replay ForceSync: %v", err)
	}
	if got := h.remote.countCalls("create receipts/ord-1"); got != 2 {
		t.Errorf("create sent %d times, want 2", got)
	}
	doc := h.remote.doc(model.CollectionReceipts, "ord-1")
	if doc == nil || fmt.Sprint(doc.Fields["total"]) != "9.5" {
		t.Errorf("remote ord-1 = %+v", doc)
	}
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("outbox still holds %d entries", n)
	}
	if h.status.Snapshot().Status != status.Idle {
		t.Error("a successful pass should clear the error state")
	}
}

func TestPull_FullReplacesLocalCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.store.Upsert(ctx, model.CollectionProducts,
		&model.Entity{ID: "p1", Collection: model.CollectionProducts, Fields: model.Fields{"name": "Tea"}},
		&model.Entity{ID: "p2", Collection: model.CollectionProducts, Fields: model.Fields{"name": "Gone"}},
	)
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	h.remote.put(model.CollectionProducts, "p1", model.Fields{"name": "Green tea", "price": 2.5}, false)
	h.remote.put(model.CollectionProducts, "p3", model.Fields{"name": "Scone", "price": 3.0}, false)

	stats, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if stats.Pulled != 2 || stats.Deleted != 1 {
		t.Errorf("Pulled=%d Deleted=%d, want 2 and 1", stats.Pulled, stats.Deleted)
	}

	got, err := h.engine.ReadCollection(ctx, model.CollectionProducts)
	if err != nil {
		t.Fatalf("ReadCollection: %v", err)
	}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if !slices.Equal(ids, []string{"p1", "p3"}) {
		t.Errorf("local products = %v, want [p1 p3]", ids)
	}
	if got[0].Fields["name"] != "Green tea" {
		t.Errorf("p1 name = %v", got[0].Fields["name"])
	}

	// Nothing changed remotely: the second pass writes nothing.
	stats, err = h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if stats.Pulled != 0 || stats.Deleted != 0 || stats.Unchanged != 2 {
		t.Errorf("second pass stats = %+v", stats)
	}
}

func TestPull_NeverOverwritesPendingEntities(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionProducts, "p1", model.Fields{"name": "Remote"}, false)
	h.remote.put(model.CollectionProducts, "p2", model.Fields{"name": "Other"}, false)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	h.enqueue(t, model.OpUpdate, model.CollectionProducts, "p1", model.Fields{"name": "Local"})
	h.enqueue(t, model.OpCreate, model.CollectionProducts, "p9", model.Fields{"name": "Fresh"})
	h.remote.failOn("update products/p1", errDenied, 1)
	h.remote.failOn("create products/p9", errDenied, 1)
	h.remote.put(model.CollectionProducts, "p1", model.Fields{"name": "Remote v2"}, false)

	stats, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if stats.Protected != 2 {
		t.Errorf("Protected = %d, want 2", stats.Protected)
	}
	if e := h.local(t, model.CollectionProducts, "p1"); e == nil || e.Fields["name"] != "Local" {
		t.Errorf("pending p1 was overwritten: %+v", e)
	}
	if e := h.local(t, model.CollectionProducts, "p9"); e == nil {
		t.Error("pending p9 was deleted by the pull")
	}

	// Delivered on the next pass; the pull then agrees with the local copy.
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if e := h.local(t, model.CollectionProducts, "p1"); e.Fields["name"] != "Local" {
		t.Errorf("p1 name = %v, want Local", e.Fields["name"])
	}
	if e := h.remote.doc(model.CollectionProducts, "p9"); e == nil {
		t.Error("p9 should exist remotely")
	}
}

func TestPull_PendingDeleteIsNotResurrected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionProducts, "p1", model.Fields{"name": "Tea"}, false)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	h.enqueue(t, model.OpDelete, model.CollectionProducts, "p1", nil)
	h.remote.failOn("delete products/p1", errDenied, 1)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	got, err := h.engine.ReadCollection(ctx, model.CollectionProducts)
	if err != nil {
		t.Fatalf("ReadCollection: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("soft-deleted product reappeared: %+v", got)
	}
}

func TestPull_NoneModeNeverPulls(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionReceipts, "old", model.Fields{"total": 1.0}, false)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if h.remote.countCalls("getall receipts") != 0 {
		t.Error("push-only collection was pulled")
	}
	if e := h.local(t, model.CollectionReceipts, "old"); e != nil {
		t.Error("remote receipt leaked into the local copy")
	}
}

func TestPull_IncrementalUsesCursor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "Ann"}, false)
	h.remote.put(model.CollectionCustomers, "c2", model.Fields{"name": "Bob"}, false)

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if h.remote.countCalls("getall customers") != 1 {
		t.Fatal("first incremental pull should be a full one")
	}
	cur, err := h.store.Cursor(ctx, model.CollectionCustomers)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if !cur.LastPulledAt.Equal(h.remote.doc(model.CollectionCustomers, "c2").UpdatedAt) {
		t.Errorf("cursor = %v, want newest UpdatedAt", cur.LastPulledAt)
	}

	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "Ann Lee"}, false)
	h.remote.put(model.CollectionCustomers, "c2", model.Fields{"name": "Bob"}, true)

	stats, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if h.remote.countCalls("getall customers") != 1 || h.remote.countCalls("changes customers") != 1 {
		t.Errorf("calls = %v", h.remote.callLog())
	}
	if stats.Pulled != 1 || stats.Deleted != 1 {
		t.Errorf("Pulled=%d Deleted=%d, want 1 and 1", stats.Pulled, stats.Deleted)
	}
	if e := h.local(t, model.CollectionCustomers, "c1"); e == nil || e.Fields["name"] != "Ann Lee" {
		t.Errorf("c1 = %+v", e)
	}
	if e := h.local(t, model.CollectionCustomers, "c2"); e != nil {
		t.Errorf("tombstoned c2 still local: %+v", e)
	}
}

func TestPull_IncrementalFallsBackWithoutChangeFeed(t *testing.T) {
	h := newHarness(t, nil, withoutChangeFeed())
	ctx := context.Background()

	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "Ann"}, false)
	for range 2 {
		if _, err := h.engine.ForceSync(ctx); err != nil {
			t.Fatalf("ForceSync: %v", err)
		}
	}
	if h.remote.countCalls("getall customers") != 2 || h.remote.countCalls("changes") != 0 {
		t.Errorf("calls = %v", h.remote.callLog())
	}
}

func TestPull_Failures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus status.Status
		wantErrors int
	}{
		{"transient", errUnavailable, status.Idle, 0},
		{"permanent", errDenied, status.Error, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.remote.failOn("getall products", tt.err, 1)

			_, err := h.engine.ForceSync(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("ForceSync error = %v, want %v", err, tt.err)
			}
			snap := h.status.Snapshot()
			if snap.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", snap.Status, tt.wantStatus)
			}
			if len(snap.Errors) != tt.wantErrors {
				t.Errorf("errors = %+v, want %d", snap.Errors, tt.wantErrors)
			}
			if snap.LastSyncTime != nil {
				t.Error("a failed pass must not update LastSyncTime")
			}
		})
	}
}

func TestPush_BlockedEntriesDoNotStallTheScan(t *testing.T) {
	h := newHarness(t, nil) // two entries per batch
	ctx := context.Background()

	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "bad", model.Fields{"total": 1.0})
	for i := range 4 {
		h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "bad", model.Fields{"line": int64(i)})
	}
	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "good", model.Fields{"total": 2.0})
	h.remote.failOn("create receipts/bad", errDenied, -1)

	stats, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if h.remote.doc(model.CollectionReceipts, "good") == nil {
		t.Fatal("good was stuck behind the blocked entries of bad")
	}
	if stats.Pushed != 1 || stats.Rejected != 1 {
		t.Errorf("Pushed=%d Rejected=%d, want 1 and 1", stats.Pushed, stats.Rejected)
	}
	if n := h.remote.countCalls("update receipts/bad"); n != 0 {
		t.Errorf("updates of bad sent %d times before its create", n)
	}
	if n := len(h.pending(t)); n != 5 {
		t.Errorf("pending = %d, want the 5 entries of bad", n)
	}
}

func TestPush_RejectedEntitySpanningBatches(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "r1", model.Fields{"total": 1.0})
	h.enqueue(t, model.OpCreate, model.CollectionReceipts, "r2", model.Fields{"total": 2.0})
	h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "r1", model.Fields{"step": int64(1)})
	h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "r1", model.Fields{"step": int64(2)})
	h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "r2", model.Fields{"paid": true})
	h.enqueue(t, model.OpUpdate, model.CollectionReceipts, "r1", model.Fields{"step": int64(3)})
	h.remote.failOn("create receipts/r1", errDenied, 1)

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if doc := h.remote.doc(model.CollectionReceipts, "r2"); doc == nil || doc.Fields["paid"] != true {
		t.Errorf("r2 = %+v, want created and paid", doc)
	}
	if n := h.remote.countCalls("update receipts/r1"); n != 0 {
		t.Errorf("r1 updates sent %d times while its create was rejected", n)
	}
	pending := h.pending(t)
	if len(pending) != 4 {
		t.Fatalf("pending = %d, want the 4 entries of r1", len(pending))
	}
	for _, e := range pending {
		if e.EntityID != "r1" {
			t.Errorf("unexpected pending entry %s", e.Key())
		}
	}

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	var r1 []string
	for _, c := range h.remote.callLog() {
		if strings.HasSuffix(c, "receipts/r1") {
			r1 = append(r1, c)
		}
	}
	want := []string{
		"create receipts/r1",
		"create receipts/r1",
		"update receipts/r1",
		"update receipts/r1",
		"update receipts/r1",
	}
	if !slices.Equal(r1, want) {
		t.Errorf("r1 calls = %v, want %v", r1, want)
	}
	if doc := h.remote.doc(model.CollectionReceipts, "r1"); doc == nil || doc.Fields["step"] != int64(3) {
		t.Errorf("r1 = %+v, want step 3", doc)
	}
}

func TestPush_RecreateAfterDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionProducts, "p1", model.Fields{"name": "Old"}, false)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	h.enqueue(t, model.OpDelete, model.CollectionProducts, "p1", nil)
	h.enqueue(t, model.OpCreate, model.CollectionProducts, "p1", model.Fields{"name": "New"})

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	var writes []string
	for _, c := range h.remote.callLog() {
		if strings.HasSuffix(c, "products/p1") {
			writes = append(writes, c)
		}
	}
	if want := []string{"delete products/p1", "create products/p1"}; !slices.Equal(writes, want) {
		t.Errorf("writes = %v, want %v", writes, want)
	}

	local := h.local(t, model.CollectionProducts, "p1")
	if local == nil {
		t.Fatal("recreated p1 was purged locally")
	}
	if local.Deleted() || local.Fields["name"] != "New" {
		t.Errorf("local p1 = %+v, want live with name New", local)
	}
	if doc := h.remote.doc(model.CollectionProducts, "p1"); doc == nil || doc.Fields["name"] != "New" {
		t.Errorf("remote p1 = %+v", doc)
	}
}

func TestPull_HeldBackDocumentArrivesOnceReleased(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "Ann"}, false)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	h.enqueue(t, model.OpUpdate, model.CollectionCustomers, "c1", model.Fields{"name": "local"})
	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "remote"}, false)
	h.remote.failOn("update customers/c1", errDenied, -1)

	for pass := 1; pass <= 5; pass++ {
		if _, err := h.engine.ForceSync(ctx); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if pass < 5 {
			if e := h.local(t, model.CollectionCustomers, "c1"); e.Fields["name"] != "local" {
				t.Fatalf("pass %d: pending c1 overwritten: %+v", pass, e)
			}
		}
	}

	dead, err := h.engine.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if err := h.engine.Discard(ctx, dead[0].Sequence); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	for range 3 {
		if _, err := h.engine.ForceSync(ctx); err != nil {
			t.Fatalf("ForceSync: %v", err)
		}
	}

	local := h.local(t, model.CollectionCustomers, "c1")
	remote := h.remote.doc(model.CollectionCustomers, "c1")
	if local == nil || local.Fields["name"] != remote.Fields["name"] {
		t.Errorf("local c1 = %+v, want remote %+v", local, remote)
	}
}

func TestPull_CursorStopsBelowHeldBackDocument(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "Ann"}, false)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	h.enqueue(t, model.OpUpdate, model.CollectionCustomers, "c1", model.Fields{"name": "local"})
	h.remote.failOn("update customers/c1", errDenied, 1)
	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "remote", "tier": "gold"}, false)
	h.remote.put(model.CollectionCustomers, "c2", model.Fields{"name": "Bob"}, false)

	stats, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if stats.Protected != 1 {
		t.Errorf("Protected = %d, want 1", stats.Protected)
	}
	if e := h.local(t, model.CollectionCustomers, "c2"); e == nil {
		t.Error("c2 should have been pulled")
	}
	cur, err := h.store.Cursor(ctx, model.CollectionCustomers)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	held := h.remote.doc(model.CollectionCustomers, "c1").UpdatedAt
	if !cur.LastPulledAt.Before(held) {
		t.Errorf("cursor %v moved past held-back c1 at %v", cur.LastPulledAt, held)
	}

	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	e := h.local(t, model.CollectionCustomers, "c1")
	if e == nil || e.Fields["name"] != "local" || e.Fields["tier"] != "gold" {
		t.Errorf("c1 = %+v, want the delivered name and the remote tier", e)
	}
}

func TestDiscard_DropsEntityDeletedRemotely(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.remote.put(model.CollectionCustomers, "c1", model.Fields{"name": "Ann"}, false)
	if _, err := h.engine.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	// A hard delete never shows up in an incremental pull.
	if err := h.remote.Delete(ctx, model.CollectionCustomers, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	seq := h.enqueue(t, model.OpUpdate, model.CollectionCustomers, "c1", model.Fields{"name": "Ann Lee"})
	for range 5 {
		if _, err := h.engine.ForceSync(ctx); err != nil {
			t.Fatalf("ForceSync: %v", err)
		}
	}
	if e := h.local(t, model.CollectionCustomers, "c1"); e == nil {
		t.Fatal("c1 should still be local before the discard")
	}

	if err := h.engine.Discard(ctx, seq); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if h.remote.countCalls("get customers/c1") != 1 {
		t.Errorf("calls = %v, want one re-read of c1", h.remote.callLog())
	}
	if e := h.local(t, model.CollectionCustomers, "c1"); e != nil {
		t.Errorf("c1 = %+v, want it gone after the discard", e)
	}
}

func TestPullCursor(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	docs := []*model.Entity{
		{ID: "a", UpdatedAt: base.Add(1 * time.Second)},
		{ID: "b", UpdatedAt: base.Add(2 * time.Second)},
		{ID: "c", UpdatedAt: base.Add(3 * time.Second)},
	}

	if got := pullCursor(docs, nil); !got.Equal(base.Add(3 * time.Second)) {
		t.Errorf("no held docs: cursor = %v, want newest", got)
	}
	got := pullCursor(docs, map[string]bool{"b": true, "c": true})
	if want := base.Add(2*time.Second - time.Nanosecond); !got.Equal(want) {
		t.Errorf("cursor = %v, want %v", got, want)
	}
	if got := pullCursor(nil, nil); !got.IsZero() {
		t.Errorf("empty pull: cursor = %v, want zero", got)
	}
}
