package model

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of mutation an outbox entry carries.
type Operation string

const (
	// OpCreate creates (or replaces) the entity.
	OpCreate Operation = "create"
	// OpUpdate patches the listed fields of an existing entity.
	OpUpdate Operation = "update"
	// OpDelete removes the entity.
	OpDelete Operation = "delete"
)

// ParseOperation maps a case-insensitive label to an [Operation].
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalid, s)
	}
}

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OutboxEntry is one not-yet-confirmed local mutation.
type OutboxEntry struct {
	// Sequence is strictly increasing across the lifetime of the outbox and is
	// never reused.
	Sequence int64

	Collection string
	EntityID   string
	Operation  Operation

	// Payload holds the fields written by the mutation. Nil for deletes.
	Payload Fields

	EnqueuedAt time.Time

	// Attempts counts failed deliveries.
	Attempts int

	// LastError is the message of the most recent failed delivery.
	LastError string

	// DeadLettered entries are excluded from automatic delivery until they are
	// requeued by an operator.
	DeadLettered bool
}

// Key returns the collection-qualified entity key used for per-entity
// ordering.
func (e *OutboxEntry) Key() string {
	return EntityKey(e.Collection, e.EntityID)
}

// EntityKey joins a collection and an id into a single map key.
func EntityKey(collection, id string) string {
	return collection + "/" + id
}

// Cursor records how far pulls of a collection have progressed.
type Cursor struct {
	Collection   string
	LastPulledAt time.Time
}
