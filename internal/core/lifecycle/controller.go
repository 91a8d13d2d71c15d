// Package lifecycle drives documents through upload and extraction.
//
// Every ledger write is a compare-and-swap on the state the controller last read.
// A lost swap means another trigger already handled the step, so it is reported as
// success rather than an error: upstream events are delivered at least once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/models"
)

// Controller owns the upload and extraction transitions of the document lifecycle.
type Controller struct {
	ledger    core.Ledger
	blobs     core.BlobStore
	extractor core.TextExtractor
	log       zerolog.Logger

	extractTimeout time.Duration
	staleAfter     time.Duration
	newID          func() string
	now            func() time.Time
}

type Option func(*Controller)

// WithExtractTimeout bounds a single extractor call. Zero disables the bound.
func WithExtractTimeout(d time.Duration) Option {
	return func(c *Controller) { c.extractTimeout = d }
}

// WithStaleAfter sets how long a document may sit in PROCESSING before another
// Extract call treats the running extraction as lost and takes it over. Zero keeps
// the default of the extract timeout plus one minute.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Controller) { c.staleAfter = d }
}

// WithIDGenerator replaces uuid.NewString, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func New(ledger core.Ledger, blobs core.BlobStore, extractor core.TextExtractor, log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		ledger:         ledger,
		blobs:          blobs,
		extractor:      extractor,
		log:            log.With().Str("component", "lifecycle").Logger(),
		extractTimeout: 2 * time.Minute,
		newID:          uuid.NewString,
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.staleAfter <= 0 {
		c.staleAfter = c.extractTimeout + time.Minute
	}
	return c
}

// CreateInput is the payload accepted at ingest.
type CreateInput struct {
	Content     []byte
	ContentType string
	CallbackURL string
}

// Create records a new document, stores its bytes and returns its id. On return the
// document is UPLOADED, or FAILED with an upload cause together with a StorageError.
func (c *Controller) Create(ctx context.Context, in CreateInput) (string, error) {
	const op = "lifecycle.Create"

	if len(in.Content) == 0 {
		return "", core.E(core.KindValidation, op, "document content is empty")
	}
	var callback *string
	if in.CallbackURL != "" {
		if err := validateCallbackURL(in.CallbackURL); err != nil {
			return "", core.E(core.KindValidation, op, err.Error())
		}
		u := in.CallbackURL
		callback = &u
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(in.Content)
	}

	id := c.newID()
	doc := &models.Document{
		ID:          id,
		State:       models.StateCreated,
		ContentType: contentType,
		CallbackURL: callback,
	}
	if err := c.ledger.Create(ctx, doc); err != nil {
		return "", core.E(core.KindStorage, op, fmt.Errorf("create ledger record: %w", err))
	}
	log := c.log.With().Str("doc_id", id).Logger()
	log.Info().Str("content_type", contentType).Bool("callback", callback != nil).Msg("document created")

	if _, err := c.ledger.ApplyTransition(ctx, id, models.Transition{From: models.StateCreated, To: models.StateUploading}); err != nil {
		c.fail(ctx, id, models.StateCreated, models.FailureUpload, err)
		return id, core.E(core.KindStorage, op, fmt.Errorf("mark uploading: %w", err))
	}

	if err := c.blobs.Put(ctx, id, in.Content, contentType); err != nil {
		log.Error().Err(err).Msg("blob upload failed")
		c.fail(ctx, id, models.StateUploading, models.FailureUpload, err)
		return id, core.E(core.KindStorage, op, fmt.Errorf("store document bytes: %w", err))
	}

	if err := c.OnUploaded(ctx, id); err != nil {
		c.fail(ctx, id, models.StateUploading, models.FailureUpload, err)
		return id, core.E(core.KindStorage, op, fmt.Errorf("mark uploaded: %w", err))
	}
	return id, nil
}

// OnUploaded moves UPLOADING -> UPLOADED. Repeated storage-completion events for a
// document that is already UPLOADED or further along are no-ops.
func (c *Controller) OnUploaded(ctx context.Context, id string) error {
	const op = "lifecycle.OnUploaded"

	doc, err := c.ledger.Get(ctx, id)
	if err != nil {
		return wrapLedger(op, err)
	}

	switch doc.State {
	case models.StateCreated:
		return core.Ef(core.KindInvalidState, op, "document %s has not started uploading", id)
	case models.StateUploading:
	default:
		c.log.Debug().Str("doc_id", id).Str("state", string(doc.State)).Msg("upload already recorded")
		return nil
	}

	applied, err := c.ledger.ApplyTransition(ctx, id, models.Transition{From: models.StateUploading, To: models.StateUploaded})
	if err != nil {
		return wrapLedger(op, err)
	}
	if applied {
		c.log.Info().Str("doc_id", id).Msg("document uploaded")
	}
	return nil
}

// Extract runs text extraction for a document that is UPLOADED, stuck in PROCESSING
// for longer than the stale-after window, or FAILED during a previous extraction. No ledger state is held while the extractor
// runs; the final write is conditional on the document still being PROCESSING.
func (c *Controller) Extract(ctx context.Context, id string) error {
	const op = "lifecycle.Extract"

	doc, err := c.ledger.Get(ctx, id)
	if err != nil {
		return wrapLedger(op, err)
	}
	log := c.log.With().Str("doc_id", id).Logger()

	switch {
	case doc.State == models.StateUploaded,
		doc.State == models.StateFailed && doc.FailureStage == models.FailureExtraction:
		applied, err := c.ledger.ApplyTransition(ctx, id, models.Transition{From: doc.State, To: models.StateProcessing})
		if err != nil {
			return wrapLedger(op, err)
		}
		if !applied {
			log.Debug().Str("state", string(doc.State)).Msg("extraction claimed elsewhere")
			return nil
		}
	case doc.State == models.StateProcessing:
		if age := c.now().Sub(doc.UpdatedAt); age < c.staleAfter {
			return core.Ef(core.KindInvalidState, op, "document %s is already being extracted", id)
		}
		log.Warn().Time("since", doc.UpdatedAt).Msg("retrying extraction of document left in processing")
	default:
		return core.Ef(core.KindInvalidState, op, "cannot extract document %s in state %s", id, doc.State)
	}

	data, err := c.blobs.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("read document bytes failed")
		c.fail(ctx, id, models.StateProcessing, models.FailureExtraction, fmt.Errorf("read document bytes: %w", err))
		return core.E(core.KindExtraction, op, fmt.Errorf("read document bytes: %w", err))
	}

	text, err := c.runExtractor(ctx, data, doc.ContentType)
	if err != nil {
		log.Error().Err(err).Msg("extraction failed")
		c.fail(ctx, id, models.StateProcessing, models.FailureExtraction, err)
		return core.E(core.KindExtraction, op, err)
	}

	applied, err := c.ledger.ApplyTransition(ctx, id, models.Transition{From: models.StateProcessing, To: models.StateProcessed, Text: &text})
	if err != nil {
		return wrapLedger(op, err)
	}
	if !applied {
		log.Info().Msg("extraction result discarded, document already moved on")
		return nil
	}
	log.Info().Int("text_len", len(text)).Msg("document processed")
	return nil
}

// Get returns the public projection of a document.
func (c *Controller) Get(ctx context.Context, id string) (models.DocumentView, error) {
	doc, err := c.ledger.Get(ctx, id)
	if err != nil {
		return models.DocumentView{}, wrapLedger("lifecycle.Get", err)
	}
	return doc.View(), nil
}

func (c *Controller) runExtractor(ctx context.Context, data []byte, contentType string) (string, error) {
	if c.extractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.extractTimeout)
		defer cancel()
	}
	text, err := c.extractor.ExtractText(ctx, data, contentType)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}

// fail records a failure with a fresh context so a cancelled request still leaves the
// ledger unambiguous.
func (c *Controller) fail(ctx context.Context, id string, from models.State, stage models.FailureStage, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	applied, err := c.ledger.ApplyTransition(ctx, id, models.Transition{
		From:          from,
		To:            models.StateFailed,
		FailureStage:  stage,
		FailureReason: cause.Error(),
	})
	switch {
	case err != nil:
		c.log.Error().Err(err).Str("doc_id", id).Msg("could not record failure")
	case applied:
		c.log.Warn().Str("doc_id", id).Str("stage", string(stage)).Str("reason", cause.Error()).Msg("document failed")
	}
}

func wrapLedger(op string, err error) error {
	var e *core.Error
	if errors.As(err, &e) && (e.Kind == core.KindNotFound || e.Kind == core.KindInvalidState) {
		return core.E(e.Kind, op, err)
	}
	return core.E(core.KindStorage, op, err)
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("callback_url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("callback_url has no host")
	}
	return nil
}
