package models

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a document. Values are stored verbatim in the ledger.
type State string

const (
	StateCreated    State = "CREATED"
	StateUploading  State = "UPLOADING"
	StateUploaded   State = "UPLOADED"
	StateProcessing State = "PROCESSING"
	StateProcessed  State = "PROCESSED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// FailureStage records which step moved a document into FAILED.
type FailureStage string

const (
	FailureNone         FailureStage = ""
	FailureUpload       FailureStage = "upload"
	FailureExtraction   FailureStage = "extraction"
	FailureNotification FailureStage = "notification"
)

// transitions is the complete edge set of the lifecycle graph.
// FAILED -> PROCESSING is further restricted to extraction failures, see Transition.Validate.
var transitions = map[State][]State{
	StateCreated:    {StateUploading, StateFailed},
	StateUploading:  {StateUploaded, StateFailed},
	StateUploaded:   {StateProcessing, StateFailed},
	StateProcessing: {StateProcessed, StateFailed},
	StateProcessed:  {StateCompleted, StateFailed},
	StateFailed:     {StateProcessing},
	StateCompleted:  nil,
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Document is the ledger record for one uploaded file.
type Document struct {
	ID                string       `db:"id" json:"file_id"`
	State             State        `db:"state" json:"status"`
	ContentType       string       `db:"content_type" json:"content_type,omitempty"`
	Text              *string      `db:"text" json:"text,omitempty"`
	CallbackURL       *string      `db:"callback_url" json:"callback_url,omitempty"`
	Notified          bool         `db:"notified" json:"notified"`
	DeliveryAttempts  int          `db:"delivery_attempts" json:"delivery_attempts"`
	LastDeliveryError string       `db:"last_delivery_error" json:"last_delivery_error,omitempty"`
	FailureStage      FailureStage `db:"failure_stage" json:"failure_stage,omitempty"`
	FailureReason     string       `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

// HasCallback reports whether a non-empty callback target was supplied at ingest.
func (d *Document) HasCallback() bool {
	return d.CallbackURL != nil && *d.CallbackURL != ""
}

// View projects the document onto its public read model.
func (d *Document) View() DocumentView {
	return DocumentView{ID: d.ID, Status: d.State, Text: d.Text}
}

// DocumentView is what callers of the query surface get back.
type DocumentView struct {
	ID     string  `json:"file_id"`
	Status State   `json:"status"`
	Text   *string `json:"text,omitempty"`
}

// Transition is one conditional state change. The ledger applies it only when the
// stored state still equals From.
type Transition struct {
	From          State
	To            State
	Text          *string
	FailureStage  FailureStage
	FailureReason string
}

// Validate rejects transitions the lifecycle graph does not allow, and payloads
// that would put the record into an impossible shape (text outside PROCESSED,
// failure details outside FAILED).
func (t Transition) Validate(current FailureStage) error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("illegal transition %s -> %s", t.From, t.To)
	}
	if t.From == StateFailed && current != FailureExtraction {
		return fmt.Errorf("illegal transition %s(%s) -> %s", t.From, current, t.To)
	}
	if t.Text != nil && t.To != StateProcessed {
		return fmt.Errorf("text may only be set entering %s, not %s", StateProcessed, t.To)
	}
	if t.To == StateProcessed && t.Text == nil {
		return fmt.Errorf("entering %s requires text", StateProcessed)
	}
	if t.To == StateFailed && t.FailureStage == FailureNone {
		return fmt.Errorf("entering %s requires a failure stage", StateFailed)
	}
	if t.To != StateFailed && (t.FailureStage != FailureNone || t.FailureReason != "") {
		return fmt.Errorf("failure details only apply entering %s", StateFailed)
	}
	return nil
}

// ChangeKind mirrors the mutation kinds a ledger change stream reports.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeModify ChangeKind = "MODIFY"
	ChangeRemove ChangeKind = "REMOVE"
)

// ChangeEvent describes one observed ledger mutation. OldState is empty for inserts.
type ChangeEvent struct {
	ID       string     `json:"id"`
	Kind     ChangeKind `json:"op"`
	OldState State      `json:"old_state,omitempty"`
	NewState State      `json:"new_state"`
}
