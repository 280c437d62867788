// Package status holds the observable sync state that user interfaces render:
// the current phase, connectivity, pending mutation count, last successful
// sync, and a bounded error log.
//
// The sync engine is the only writer. Everything else receives a [Reader].
package status

import (
	"slices"
	"sync"
	"time"
)

// Status is the phase of the sync engine.
type Status string

const (
	Idle    Status = "idle"
	Syncing Status = "syncing"
	Offline Status = "offline"
	Error   Status = "error"
)

// DefaultMaxErrors caps the error log. The oldest entries are dropped first.
const DefaultMaxErrors = 50

// Error kinds recorded in the log.
const (
	KindSync       = "sync"
	KindDeadLetter = "dead_letter"
	KindManual     = "manual"
)

// ErrorEntry is one line of the error log.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the sync state. It shares no memory
// with the [Store] it came from.
type Snapshot struct {
	Status       Status       `json:"status"`
	IsOnline     bool         `json:"is_online"`
	PendingCount int          `json:"pending_count"`
	DeadLetters  int          `json:"dead_letters"`
	LastSyncTime *time.Time   `json:"last_sync_time,omitempty"`
	Errors       []ErrorEntry `json:"errors"`
}

// Reader is the read-only view of a [Store].
type Reader interface {
	Snapshot() Snapshot
	Subscribe(fn func(Snapshot)) (unsubscribe func())
}

// Store holds the sync state. The zero value is not usable; create one with
// [New].
type Store struct {
	mu        sync.Mutex
	state     Snapshot
	maxErrors int
	now       func() time.Time

	listeners map[int]func(Snapshot)
	nextSub   int
}

// New returns a Store in the Offline state. A maxErrors of zero or less uses
// [DefaultMaxErrors].
func New(maxErrors int) *Store {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &Store{
		state:     Snapshot{Status: Offline},
		maxErrors: maxErrors,
		now:       time.Now,
		listeners: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function removes the subscription. Callbacks run on the writer's
// goroutine, outside the store's lock.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
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

// SetStatus moves to st. While offline, only [Store.SetOnline] can leave the
// Offline state.
func (s *Store) SetStatus(st Status) {
	s.update(func(state *Snapshot) bool {
		if !state.IsOnline && st != Offline {
			st = Offline
		}
		if state.Status == st {
			return false
		}
		state.Status = st
		return true
	})
}

// SetOnline records connectivity. Going offline forces the Offline status;
// coming back online from Offline returns to Idle.
func (s *Store) SetOnline(online bool) {
	s.update(func(state *Snapshot) bool {
		changed := state.IsOnline != online
		state.IsOnline = online
		switch {
		case !online && state.Status != Offline:
			state.Status = Offline
			changed = true
		case online && state.Status == Offline:
			state.Status = Idle
			changed = true
		}
		return changed
	})
}

// SetPending records the outbox length and the dead-letter count.
func (s *Store) SetPending(pending, deadLetters int) {
	s.update(func(state *Snapshot) bool {
		if state.PendingCount == pending && state.DeadLetters == deadLetters {
			return false
		}
		state.PendingCount = pending
		state.DeadLetters = deadLetters
		return true
	})
}

// MarkSynced records a successful pass at t.
func (s *Store) MarkSynced(t time.Time) {
	s.update(func(state *Snapshot) bool {
		state.LastSyncTime = &t
		return true
	})
}

// AddError appends to the error log, dropping the oldest entries beyond the
// cap.
func (s *Store) AddError(kind, message string) {
	s.update(func(state *Snapshot) bool {
		state.Errors = append(state.Errors, ErrorEntry{Message: message, Kind: kind, Timestamp: s.now()})
		if over := len(state.Errors) - s.maxErrors; over > 0 {
			state.Errors = slices.Delete(state.Errors, 0, over)
		}
		return true
	})
}

// ClearErrors empties the error log.
func (s *Store) ClearErrors() {
	s.update(func(state *Snapshot) bool {
		if len(state.Errors) == 0 {
			return false
		}
		state.Errors = nil
		return true
	})
}

func (s *Store) update(fn func(state *Snapshot) bool) {
	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return
	}
	snap := s.copyLocked()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l)
	}
	s.mu.Unlock()

	for _, l := range fns {
		l(snap)
	}
}

func (s *Store) copyLocked() Snapshot {
	out := s.state
	out.Errors = slices.Clone(s.state.Errors)
	if s.state.LastSyncTime != nil {
		t := *s.state.LastSyncTime
		out.LastSyncTime = &t
	}
	return out
}
