package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/services"
)

// TriggerHandler receives infrastructure events. It acknowledges every well-formed
// batch with 200 so the sender does not replay it indefinitely.
type TriggerHandler struct {
	triggers *services.TriggerService
}

func NewTriggerHandler(triggers *services.TriggerService) *TriggerHandler {
	return &TriggerHandler{triggers: triggers}
}

type triggerResponse struct {
	Records []services.RecordOutcome `json:"records"`
}

// StorageEvent handles S3 object-created notifications.
func (h *TriggerHandler) StorageEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.S3Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, core.E(core.KindValidation, "handlers.StorageEvent", "invalid storage event"))
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Records: h.triggers.HandleStorageEvent(r.Context(), ev)})
}

// ChangeEvent handles ledger change stream batches.
func (h *TriggerHandler) ChangeEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.DynamoDBEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, core.E(core.KindValidation, "handlers.ChangeEvent", "invalid change event"))
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Records: h.triggers.HandleChangeStream(r.Context(), ev)})
}
