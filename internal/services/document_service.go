package services

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/core/lifecycle"
	"github.com/markdave123-py/Extracta/internal/models"
)

// Enqueuer schedules background extraction of a document.
type Enqueuer interface {
	Enqueue(ctx context.Context, docID string) error
}

// DocumentService backs the ingest and query surfaces.
type DocumentService struct {
	lifecycle   *lifecycle.Controller
	queue       Enqueuer
	autoExtract bool
	log         zerolog.Logger
}

func NewDocumentService(lc *lifecycle.Controller, queue Enqueuer, autoExtract bool, log zerolog.Logger) *DocumentService {
	return &DocumentService{lifecycle: lc, queue: queue, autoExtract: autoExtract, log: log}
}

// IngestRequest is an upload whose bytes are already decoded.
type IngestRequest struct {
	Content     []byte
	ContentType string
	CallbackURL string
}

// Ingest stores a new document and, when auto extraction is on, schedules its
// extraction without waiting for a storage-completion event.
func (s *DocumentService) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	id, err := s.lifecycle.Create(ctx, lifecycle.CreateInput{
		Content:     req.Content,
		ContentType: req.ContentType,
		CallbackURL: strings.TrimSpace(req.CallbackURL),
	})
	if err != nil {
		return id, err
	}
	if s.autoExtract && s.queue != nil {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			// The document stays UPLOADED; a storage event or manual extract picks it up.
			s.log.Warn().Err(err).Str("doc_id", id).Msg("could not schedule extraction")
		}
	}
	return id, nil
}

// Get returns the public view of a document.
func (s *DocumentService) Get(ctx context.Context, id string) (models.DocumentView, error) {
	return s.lifecycle.Get(ctx, id)
}

// Extract runs extraction synchronously and returns the resulting view.
func (s *DocumentService) Extract(ctx context.Context, id string) (models.DocumentView, error) {
	if err := s.lifecycle.Extract(ctx, id); err != nil {
		return models.DocumentView{}, err
	}
	return s.lifecycle.Get(ctx, id)
}

// DecodeContent decodes the base64 "file" field of a JSON upload. Standard and
// URL-safe alphabets are accepted, padded or not.
func DecodeContent(encoded string) ([]byte, error) {
	const op = "services.DecodeContent"
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, core.E(core.KindValidation, op, "file is required")
	}
	// Tolerate data URLs: data:application/pdf;base64,....
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(encoded); err == nil {
			return data, nil
		}
	}
	return nil, core.E(core.KindValidation, op, "file is not valid base64")
}
