// Package sync implements the offline-first reconciliation engine. Local
// mutations are queued in the outbox and pushed to the remote store when the
// terminal is online; afterwards every tracked collection is pulled back and
// the server's state overwrites the local copy, except for entities that still
// have undelivered mutations.
//
// The package contains three main components:
//
//   - [Engine] owns the lifecycle, the triggers and the sync status.
//   - [Reconciler] runs one push-then-pull pass.
//   - [Bootstrap] hydrates an empty local store on first run.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/tillsync/internal/model"
)

// RemoteStore is the networked document store that holds the source of
// truth. Reads must bypass any client-side cache. Implemented by
// [firestore.Client].
type RemoteStore interface {
	Create(ctx context.Context, collection, id string, fields model.Fields) (*model.Entity, error)
	Get(ctx context.Context, collection, id string) (*model.Entity, error)
	GetAll(ctx context.Context, collection string, q model.Query) ([]*model.Entity, error)
	Update(ctx context.Context, collection, id string, fields model.Fields) error
	Delete(ctx context.Context, collection, id string) error
}

// ChangeFeed is implemented by remote stores that can list the documents
// changed after a point in time. Collections configured for incremental pulls
// use it when available and fall back to full pulls otherwise.
type ChangeFeed interface {
	ChangesSince(ctx context.Context, collection string, since time.Time) ([]*model.Entity, error)
}

// LocalStore is the durable local copy. Implemented by [state.Store].
type LocalStore interface {
	GetAll(ctx context.Context, collection string) ([]*model.Entity, error)
	GetAllWithDeleted(ctx context.Context, collection string) ([]*model.Entity, error)
	Upsert(ctx context.Context, collection string, entities ...*model.Entity) error
	Delete(ctx context.Context, collection string, ids ...string) error
	ClearAll(ctx context.Context) error
	IsEmpty(ctx context.Context) (bool, error)
	// ApplyPull writes pulled upserts and deletes atomically, skipping
	// entities with undelivered outbox entries. It returns the skipped ids.
	ApplyPull(ctx context.Context, collection string, upserts []*model.Entity, deletes []string) (map[string]bool, error)
	CountDeadLettered(ctx context.Context) (int, error)
	Cursor(ctx context.Context, collection string) (model.Cursor, error)
	SetCursor(ctx context.Context, c model.Cursor) error
}

// Connectivity reports whether the remote store is reachable and announces
// transitions. Implemented by [netmon.Monitor].
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// PullMode selects how a collection is refreshed from the remote store.
type PullMode string

const (
	// PullFull fetches the whole collection and overwrites the local copy.
	PullFull PullMode = "full"
	// PullIncremental fetches only documents changed since the last pull.
	PullIncremental PullMode = "incremental"
	// PullNone never pulls; the collection is push-only.
	PullNone PullMode = "none"
)

// Collection is one tracked collection and how it is pulled.
type Collection struct {
	Name string
	Pull PullMode
}
