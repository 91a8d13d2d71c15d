package core

import (
	"context"
	"time"

	"github.com/markdave123-py/Extracta/internal/models"
)

// Ledger is the durable record of every document. It is the single source of truth
// for lifecycle state and the only shared mutable resource: every write is conditional
// on the state the caller last observed.
type Ledger interface {
	// Create inserts a new record. It fails if the id already exists.
	Create(ctx context.Context, doc *models.Document) error
	// Get returns a NotFoundError for unknown ids.
	Get(ctx context.Context, id string) (*models.Document, error)
	// ApplyTransition performs a compare-and-swap on state. applied is false when the
	// stored state no longer equals t.From.
	ApplyTransition(ctx context.Context, id string, t models.Transition) (applied bool, err error)
	// MarkNotified flips notified and moves PROCESSED -> COMPLETED, only if the record is
	// still PROCESSED and not yet notified.
	MarkNotified(ctx context.Context, id string) (applied bool, err error)
	// MarkFailureNotified flips notified on a FAILED record without touching its state.
	MarkFailureNotified(ctx context.Context, id string) (applied bool, err error)
	// RecordDeliveryFailure bumps the attempt counter of a record that is still in
	// state and not notified. It returns the new count, or applied=false if the
	// record has moved on.
	RecordDeliveryFailure(ctx context.Context, id string, state models.State, reason string) (attempts int, applied bool, err error)
	// ListPendingNotifications returns PROCESSED, not-notified documents with a callback
	// URL that were last touched before olderThan, oldest first.
	ListPendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]models.Document, error)
	Close() error
}

// BlobStore holds the raw bytes of documents keyed by document id.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte, contentType string) error
	// Get returns a NotFoundError when no object exists for id.
	Get(ctx context.Context, id string) ([]byte, error)
}

// ChangeSource delivers ledger mutations to a handler, at least once.
type ChangeSource interface {
	// Listen blocks until ctx is done or the source fails permanently.
	Listen(ctx context.Context, handle func(context.Context, models.ChangeEvent)) error
}
