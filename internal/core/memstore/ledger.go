// Package memstore holds in-memory implementations of the ledger, blob store and
// change source. They back local development and the test suites.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/models"
)

var (
	_ core.Ledger       = (*Ledger)(nil)
	_ core.ChangeSource = (*Ledger)(nil)
)

// Ledger is a map-backed core.Ledger. The mutex stands in for the row-level atomicity
// a database gives each conditional update.
type Ledger struct {
	mu   sync.Mutex
	docs map[string]models.Document
	now  func() time.Time

	subMu sync.Mutex
	subs  []chan models.ChangeEvent
}

func NewLedger() *Ledger {
	return &Ledger{docs: make(map[string]models.Document), now: time.Now}
}

func (l *Ledger) Create(_ context.Context, doc *models.Document) error {
	const op = "memstore.Create"
	if doc == nil || doc.ID == "" {
		return core.E(core.KindValidation, op, "document id is required")
	}

	l.mu.Lock()
	if _, exists := l.docs[doc.ID]; exists {
		l.mu.Unlock()
		return core.Ef(core.KindStorage, op, "document %s already exists", doc.ID)
	}
	now := l.now()
	stored := clone(*doc)
	stored.CreatedAt, stored.UpdatedAt = now, now
	l.docs[doc.ID] = stored
	l.mu.Unlock()

	doc.CreatedAt, doc.UpdatedAt = now, now
	l.publish(models.ChangeEvent{ID: doc.ID, Kind: models.ChangeInsert, NewState: doc.State})
	return nil
}

func (l *Ledger) Get(_ context.Context, id string) (*models.Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.docs[id]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "memstore.Get", "document %s not found", id)
	}
	out := clone(d)
	return &out, nil
}

func (l *Ledger) ApplyTransition(_ context.Context, id string, t models.Transition) (bool, error) {
	const op = "memstore.ApplyTransition"

	l.mu.Lock()
	d, ok := l.docs[id]
	if !ok {
		l.mu.Unlock()
		return false, core.Ef(core.KindNotFound, op, "document %s not found", id)
	}
	if d.State != t.From {
		l.mu.Unlock()
		return false, nil
	}
	if err := t.Validate(d.FailureStage); err != nil {
		l.mu.Unlock()
		return false, core.E(core.KindInvalidState, op, err)
	}
	old := d.State
	d.State = t.To
	if t.Text != nil {
		text := *t.Text
		d.Text = &text
	}
	d.FailureStage = t.FailureStage
	d.FailureReason = t.FailureReason
	if t.From == models.StateFailed {
		// A retried extraction starts a fresh delivery cycle.
		d.Notified = false
		d.DeliveryAttempts = 0
		d.LastDeliveryError = ""
	}
	d.UpdatedAt = l.now()
	l.docs[id] = d
	l.mu.Unlock()

	l.publish(models.ChangeEvent{ID: id, Kind: models.ChangeModify, OldState: old, NewState: t.To})
	return true, nil
}

func (l *Ledger) MarkNotified(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	d, ok := l.docs[id]
	if !ok {
		l.mu.Unlock()
		return false, core.Ef(core.KindNotFound, "memstore.MarkNotified", "document %s not found", id)
	}
	if d.State != models.StateProcessed || d.Notified {
		l.mu.Unlock()
		return false, nil
	}
	d.Notified = true
	d.State = models.StateCompleted
	d.UpdatedAt = l.now()
	l.docs[id] = d
	l.mu.Unlock()

	l.publish(models.ChangeEvent{ID: id, Kind: models.ChangeModify, OldState: models.StateProcessed, NewState: models.StateCompleted})
	return true, nil
}

func (l *Ledger) MarkFailureNotified(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.docs[id]
	if !ok {
		return false, core.Ef(core.KindNotFound, "memstore.MarkFailureNotified", "document %s not found", id)
	}
	if d.State != models.StateFailed || d.Notified {
		return false, nil
	}
	d.Notified = true
	d.UpdatedAt = l.now()
	l.docs[id] = d
	return true, nil
}

func (l *Ledger) RecordDeliveryFailure(_ context.Context, id string, state models.State, reason string) (int, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.docs[id]
	if !ok {
		return 0, false, core.Ef(core.KindNotFound, "memstore.RecordDeliveryFailure", "document %s not found", id)
	}
	if d.State != state || d.Notified {
		return d.DeliveryAttempts, false, nil
	}
	d.DeliveryAttempts++
	d.LastDeliveryError = reason
	d.UpdatedAt = l.now()
	l.docs[id] = d
	return d.DeliveryAttempts, true, nil
}

func (l *Ledger) ListPendingNotifications(_ context.Context, olderThan time.Time, limit int) ([]models.Document, error) {
	l.mu.Lock()
	var out []models.Document
	for _, d := range l.docs {
		if d.State == models.StateProcessed && !d.Notified && d.HasCallback() && d.UpdatedAt.Before(olderThan) {
			out = append(out, clone(d))
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Listen forwards every state change made after the call to handle, one at a time,
// until ctx is done.
func (l *Ledger) Listen(ctx context.Context, handle func(context.Context, models.ChangeEvent)) error {
	ch := make(chan models.ChangeEvent, 256)
	l.subMu.Lock()
	l.subs = append(l.subs, ch)
	l.subMu.Unlock()

	defer func() {
		l.subMu.Lock()
		for i, s := range l.subs {
			if s == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		l.subMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			handle(ctx, ev)
		}
	}
}

func (l *Ledger) Close() error { return nil }

// publish never blocks the writer; a full subscriber drops the event, which the
// notification sweep later makes up for.
func (l *Ledger) publish(ev models.ChangeEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, s := range l.subs {
		select {
		case s <- ev:
		default:
		}
	}
}

func clone(d models.Document) models.Document {
	if d.Text != nil {
		t := *d.Text
		d.Text = &t
	}
	if d.CallbackURL != nil {
		u := *d.CallbackURL
		d.CallbackURL = &u
	}
	return d
}
