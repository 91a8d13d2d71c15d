package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/services"
)

// maxUploadBytes caps the decoded document size accepted at ingest.
const maxUploadBytes = 32 << 20

type DocumentHandler struct {
	docs *services.DocumentService
	log  zerolog.Logger
}

func NewDocumentHandler(docs *services.DocumentService, log zerolog.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, log: log}
}

type uploadRequest struct {
	File        string `json:"file"`
	CallbackURL string `json:"callback_url"`
	ContentType string `json:"content_type"`
}

type uploadResponse struct {
	FileID string `json:"file_id"`
}

// UploadDocument accepts either a JSON body with a base64 "file" field or a
// multipart form with a "file" part.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	req, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := h.docs.Ingest(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("doc_id", id).Msg("ingest failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{FileID: id})
}

func (h *DocumentHandler) readUpload(w http.ResponseWriter, r *http.Request) (services.IngestRequest, error) {
	const op = "handlers.UploadDocument"
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return services.IngestRequest{}, core.E(core.KindValidation, op, "invalid multipart form")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return services.IngestRequest{}, core.E(core.KindValidation, op, "file is required")
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			return services.IngestRequest{}, core.E(core.KindValidation, op, "could not read file")
		}
		if len(data) > maxUploadBytes {
			return services.IngestRequest{}, core.E(core.KindValidation, op, "file too large")
		}
		return services.IngestRequest{
			Content:     data,
			ContentType: header.Header.Get("Content-Type"),
			CallbackURL: r.FormValue("callback_url"),
		}, nil
	}

	// base64 inflates by 4/3.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes/3*4+1<<20)
	var body uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return services.IngestRequest{}, core.E(core.KindValidation, op, "file too large")
		}
		return services.IngestRequest{}, core.E(core.KindValidation, op, "invalid JSON body")
	}
	data, err := services.DecodeContent(body.File)
	if err != nil {
		return services.IngestRequest{}, err
	}
	if len(data) > maxUploadBytes {
		return services.IngestRequest{}, core.E(core.KindValidation, op, "file too large")
	}
	return services.IngestRequest{Content: data, ContentType: body.ContentType, CallbackURL: body.CallbackURL}, nil
}

// GetDocument returns {file_id, status, text}.
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	view, err := h.docs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ExtractDocument runs (re-)extraction synchronously.
func (h *DocumentHandler) ExtractDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.docs.Extract(r.Context(), id)
	if err != nil {
		h.log.Warn().Err(err).Str("doc_id", id).Msg("manual extraction failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
