// Package model defines shared types used across the sync engine, the local
// store, and the remote adapters.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Well-known collection names. The remote database uses "receipts" for
// completed orders.
const (
	CollectionProducts   = "products"
	CollectionCategories = "categories"
	CollectionCustomers  = "customers"
	CollectionShifts     = "shifts"
	CollectionReceipts   = "receipts"
)

// Fields is the document body of an entity. Values are JSON-compatible:
// string, bool, float64, int64, json.Number, time.Time, nil, []any and
// map[string]any. Use [MarshalFields] to persist them; it keeps doubles
// and integers apart.
type Fields map[string]any

// Clone returns a shallow copy of f. Nested maps and slices are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// Merge returns a copy of f with every key in patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := make(Fields, len(f)+len(patch))
	maps.Copy(out, f)
	maps.Copy(out, patch)
	return out
}

// Entity is the envelope every synced record travels in, locally and
// remotely.
type Entity struct {
	// ID is stable across the local and remote stores. New records get a
	// client-side UUIDv7 from [NewID] so that offline creations never collide.
	ID string

	// Collection is the logical table the entity belongs to (e.g. "products").
	Collection string

	// Fields holds the document body.
	Fields Fields

	// UpdatedAt is the last modification time. For pulled entities this is the
	// server-assigned timestamp.
	UpdatedAt time.Time

	// DeletedAt marks a soft-deleted entity. Nil means live.
	DeletedAt *time.Time
}

// Deleted reports whether the entity carries a soft-delete marker.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// ContentHash returns a deterministic SHA-256 hex digest of the entity's
// fields and delete marker. UpdatedAt is excluded so that a pull can detect
// that nothing but the server timestamp moved.
func (e *Entity) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(e.Collection))
	h.Write([]byte("|"))
	h.Write([]byte(e.ID))
	h.Write([]byte("|"))
	// encoding/json sorts map keys, which makes the digest stable.
	b, err := MarshalFields(e.Fields)
	if err != nil {
		_, _ = fmt.Fprintf(h, "%v", e.Fields)
	} else {
		h.Write(b)
	}
	h.Write([]byte("|"))
	_, _ = fmt.Fprintf(h, "%t", e.Deleted())
	return hex.EncodeToString(h.Sum(nil))
}

// NewID returns a new time-ordered client-side identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Query narrows a remote collection read.
type Query struct {
	// Where keeps only documents whose field equals the given value.
	Where map[string]any

	// OrderBy names the field results are sorted by. Empty means document ID.
	OrderBy string

	// Desc reverses the sort order.
	Desc bool

	// Limit caps the number of documents returned. Zero means no limit.
	Limit int
}

// ChangeKind describes what happened to local entities.
type ChangeKind int

const (
	// ChangeUpserted means the listed entities were inserted or replaced.
	ChangeUpserted ChangeKind = iota + 1
	// ChangeDeleted means the listed entities were removed or soft-deleted.
	ChangeDeleted
	// ChangeCleared means every local collection was wiped.
	ChangeCleared
)

// String returns the lower-case label for the kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeUpserted:
		return "upserted"
	case ChangeDeleted:
		return "deleted"
	case ChangeCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Change is published by the local store after a committed write.
type Change struct {
	Kind       ChangeKind
	Collection string
	IDs        []string
}
