package notifier

import (
	"context"
	"time"
)

// Lease is a short-lived, best-effort claim on delivering a document's callback.
type Lease interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string)
}

// NoopLease always grants the claim.
type NoopLease struct{}

func (NoopLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoopLease) Release(context.Context, string)                              {}
