// Package notifier delivers completion callbacks for processed documents.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/models"
)

// Payload is the JSON body POSTed to a document's callback URL.
type Payload struct {
	FileID string  `json:"file_id"`
	Text   *string `json:"text,omitempty"`
	Status string  `json:"status,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Config tunes delivery.
type Config struct {
	Timeout         time.Duration
	MaxAttempts     int
	NotifyOnFailure bool
	LeaseTTL        time.Duration
}

// Dispatcher reacts to ledger changes and delivers at most one successful
// completion notification per document.
type Dispatcher struct {
	ledger core.Ledger
	client *http.Client
	lease  Lease
	cfg    Config
	log    zerolog.Logger
}

type Option func(*Dispatcher)

// WithHTTPClient overrides the client used for callbacks. Its Timeout is left as is.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithLease installs a dispatch lease used to avoid duplicate concurrent POSTs.
func WithLease(l Lease) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.lease = l
		}
	}
}

func NewDispatcher(ledger core.Ledger, cfg Config, log zerolog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * cfg.Timeout
	}
	d := &Dispatcher{
		ledger: ledger,
		client: &http.Client{Timeout: cfg.Timeout},
		lease:  NoopLease{},
		cfg:    cfg,
		log:    log.With().Str("component", "notifier").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnChange handles one observed ledger mutation. It may be called repeatedly for the
// same change; anything already delivered is a no-op.
func (d *Dispatcher) OnChange(ctx context.Context, ev models.ChangeEvent) error {
	switch ev.NewState {
	case models.StateProcessed:
	case models.StateFailed:
		if !d.cfg.NotifyOnFailure {
			return nil
		}
	default:
		return nil
	}

	doc, err := d.ledger.Get(ctx, ev.ID)
	if err != nil {
		return err
	}
	if doc.Notified || !doc.HasCallback() || doc.State != ev.NewState {
		d.log.Debug().Str("doc_id", doc.ID).Str("state", string(doc.State)).Bool("notified", doc.Notified).Msg("nothing to deliver")
		return nil
	}
	if doc.State == models.StateFailed && doc.FailureStage == models.FailureNotification {
		return nil
	}

	ok, err := d.lease.Acquire(ctx, doc.ID, d.cfg.LeaseTTL)
	if err != nil {
		d.log.Warn().Err(err).Str("doc_id", doc.ID).Msg("dispatch lease unavailable, delivering anyway")
	} else if !ok {
		d.log.Debug().Str("doc_id", doc.ID).Msg("delivery in progress elsewhere")
		return nil
	} else {
		defer d.lease.Release(context.WithoutCancel(ctx), doc.ID)
	}

	if doc.State == models.StateFailed {
		return d.deliverFailure(ctx, doc)
	}
	return d.deliverCompletion(ctx, doc)
}

func (d *Dispatcher) deliverCompletion(ctx context.Context, doc *models.Document) error {
	const op = "notifier.deliverCompletion"
	log := d.log.With().Str("doc_id", doc.ID).Logger()

	err := d.post(ctx, *doc.CallbackURL, Payload{FileID: doc.ID, Text: doc.Text})
	if err != nil {
		return d.recordFailure(ctx, doc, err)
	}

	applied, err := d.ledger.MarkNotified(ctx, doc.ID)
	if err != nil {
		return core.E(core.KindStorage, op, fmt.Errorf("mark notified: %w", err))
	}
	if !applied {
		log.Info().Msg("callback delivered but another dispatcher completed the document first")
		return nil
	}
	log.Info().Str("callback", *doc.CallbackURL).Msg("callback delivered, document completed")
	return nil
}

func (d *Dispatcher) deliverFailure(ctx context.Context, doc *models.Document) error {
	err := d.post(ctx, *doc.CallbackURL, Payload{FileID: doc.ID, Status: string(models.StateFailed), Error: doc.FailureReason})
	if err != nil {
		return d.recordFailure(ctx, doc, err)
	}
	applied, err := d.ledger.MarkFailureNotified(ctx, doc.ID)
	if err != nil {
		return core.E(core.KindStorage, "notifier.deliverFailure", err)
	}
	if applied {
		d.log.Info().Str("doc_id", doc.ID).Msg("failure callback delivered")
	}
	return nil
}

// recordFailure counts a failed attempt. Once the budget is spent a PROCESSED document
// is failed with CallbackUndeliverable and needs outside intervention.
// Failure and completion callbacks share delivery_attempts; a retried extraction
// resets it, so completion always starts with the full budget.
func (d *Dispatcher) recordFailure(ctx context.Context, doc *models.Document, cause error) error {
	const op = "notifier.recordFailure"
	log := d.log.With().Str("doc_id", doc.ID).Logger()

	attempts, applied, err := d.ledger.RecordDeliveryFailure(ctx, doc.ID, doc.State, cause.Error())
	if err != nil {
		return core.E(core.KindStorage, op, err)
	}
	if !applied {
		log.Debug().Msg("delivery failure ignored, document moved on")
		return nil
	}
	log.Warn().Err(cause).Int("attempt", attempts).Int("max_attempts", d.cfg.MaxAttempts).Msg("callback delivery failed")

	if attempts < d.cfg.MaxAttempts || doc.State != models.StateProcessed {
		return core.E(core.KindCallback, op, cause)
	}

	reason := fmt.Sprintf("%s after %d attempts: %v", core.KindCallbackUndeliverable, attempts, cause)
	applied, err = d.ledger.ApplyTransition(ctx, doc.ID, models.Transition{
		From:          models.StateProcessed,
		To:            models.StateFailed,
		FailureStage:  models.FailureNotification,
		FailureReason: reason,
	})
	if err != nil {
		return core.E(core.KindStorage, op, err)
	}
	if applied {
		log.Error().Int("attempt", attempts).Msg("callback undeliverable, document failed")
	}
	return core.E(core.KindCallbackUndeliverable, op, cause)
}

func (d *Dispatcher) post(ctx context.Context, target string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}
