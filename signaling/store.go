package signaling

import (
	"context"
	"errors"
)

// Sentinel errors for store operations.
// These enable reliable error classification with errors.Is().
var (
	// ErrAlreadyExists indicates a record with the same ID already exists.
	ErrAlreadyExists = errors.New("call record already exists")

	// ErrNotFound indicates no record exists for the given ID.
	ErrNotFound = errors.New("call record not found")

	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("signaling store unavailable")
)

// Unsubscribe cancels a change subscription. Safe to call more than once.
type Unsubscribe func()

// Store abstracts the external document store holding call records.
//
// This is the call subsystem's only integration point with the host
// application's persistence layer. Implementations must provide
// create-if-absent, field-merging partial updates, get-by-id and
// push-based change notifications. They are not required to guarantee
// exactly-once delivery or strict notification ordering; callers gate
// signal application through Filter instead.
type Store interface {
	// Create persists a new record. Fails with ErrAlreadyExists if the
	// ID collides.
	Create(ctx context.Context, rec *CallRecord) error

	// Get returns a snapshot of the record, or ErrNotFound.
	Get(ctx context.Context, id string) (*CallRecord, error)

	// Update merges the patch into the record. Store failures are always
	// propagated, never swallowed.
	Update(ctx context.Context, id string, patch Patch) error

	// Subscribe registers fn to be invoked with a record snapshot on
	// every mutation (including the subscriber's own writes). The
	// returned handle removes the listener.
	Subscribe(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error)
}
