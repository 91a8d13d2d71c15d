package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/markdave123-py/Extracta/internal/core"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    core.Kind `json:"kind"`
	Message string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status its kind maps to.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	msg := core.Message(err)
	if kind == core.KindInternal || kind == core.KindStorage {
		// Infrastructure details stay in the logs.
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindInvalidState:
		return http.StatusConflict
	case core.KindExtraction, core.KindCallback, core.KindCallbackUndeliverable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
