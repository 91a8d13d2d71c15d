package services

import (
	"context"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/core/lifecycle"
	objectclient "github.com/markdave123-py/Extracta/internal/core/object-client"
	"github.com/markdave123-py/Extracta/internal/models"
)

// ChangeHandler reacts to ledger change events.
type ChangeHandler interface {
	OnChange(ctx context.Context, ev models.ChangeEvent) error
}

// Outcome values reported per trigger record.
const (
	OutcomeApplied = "applied"
	OutcomeIgnored = "ignored"
	OutcomeNoop    = "noop"
	OutcomeFailed  = "failed"
)

// RecordOutcome is the acknowledgement for one record of a trigger batch.
type RecordOutcome struct {
	ID      string `json:"file_id,omitempty"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// TriggerService maps external event shapes onto lifecycle and dispatcher calls.
// Records are acknowledged individually; failures are already recorded in the ledger
// by the time they reach here, so redelivery is never requested.
type TriggerService struct {
	lifecycle  *lifecycle.Controller
	queue      Enqueuer
	dispatcher ChangeHandler
	bucket     string
	prefix     string
	log        zerolog.Logger
}

func NewTriggerService(lc *lifecycle.Controller, queue Enqueuer, dispatcher ChangeHandler, bucket, prefix string, log zerolog.Logger) *TriggerService {
	return &TriggerService{
		lifecycle:  lc,
		queue:      queue,
		dispatcher: dispatcher,
		bucket:     bucket,
		prefix:     prefix,
		log:        log.With().Str("component", "triggers").Logger(),
	}
}

// HandleStorageEvent treats each object-created record as an upload completion and
// schedules extraction.
func (s *TriggerService) HandleStorageEvent(ctx context.Context, ev events.S3Event) []RecordOutcome {
	out := make([]RecordOutcome, 0, len(ev.Records))
	for _, rec := range ev.Records {
		out = append(out, s.handleStorageRecord(ctx, rec))
	}
	return out
}

func (s *TriggerService) handleStorageRecord(ctx context.Context, rec events.S3EventRecord) RecordOutcome {
	if s.bucket != "" && rec.S3.Bucket.Name != s.bucket {
		return RecordOutcome{Outcome: OutcomeIgnored, Error: "unexpected bucket " + rec.S3.Bucket.Name}
	}
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		key = rec.S3.Object.Key
	}
	id, ok := objectclient.IDFromKey(s.prefix, key)
	if !ok {
		return RecordOutcome{Outcome: OutcomeIgnored, Error: "key outside document prefix: " + key}
	}

	log := s.log.With().Str("doc_id", id).Str("event", rec.EventName).Logger()
	if err := s.lifecycle.OnUploaded(ctx, id); err != nil {
		if core.IsKind(err, core.KindInvalidState) {
			log.Debug().Err(err).Msg("storage event ignored")
			return RecordOutcome{ID: id, Outcome: OutcomeNoop}
		}
		log.Error().Err(err).Msg("storage event failed")
		return RecordOutcome{ID: id, Outcome: OutcomeFailed, Error: err.Error()}
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			log.Error().Err(err).Msg("could not schedule extraction")
			return RecordOutcome{ID: id, Outcome: OutcomeFailed, Error: err.Error()}
		}
	}
	return RecordOutcome{ID: id, Outcome: OutcomeApplied}
}

// HandleChangeStream converts stream records carrying old/new images into change
// events. Only MODIFY records are forwarded.
func (s *TriggerService) HandleChangeStream(ctx context.Context, ev events.DynamoDBEvent) []RecordOutcome {
	out := make([]RecordOutcome, 0, len(ev.Records))
	for _, rec := range ev.Records {
		change, ok := changeFromRecord(rec)
		if !ok || change.Kind != models.ChangeModify {
			out = append(out, RecordOutcome{ID: change.ID, Outcome: OutcomeIgnored})
			continue
		}
		out = append(out, s.HandleChange(ctx, change))
	}
	return out
}

// HandleChange forwards one change to the dispatcher.
func (s *TriggerService) HandleChange(ctx context.Context, ev models.ChangeEvent) RecordOutcome {
	if err := s.dispatcher.OnChange(ctx, ev); err != nil {
		switch core.KindOf(err) {
		case core.KindInvalidState, core.KindNotFound:
			s.log.Debug().Err(err).Str("doc_id", ev.ID).Msg("change ignored")
			return RecordOutcome{ID: ev.ID, Outcome: OutcomeNoop}
		}
		s.log.Warn().Err(err).Str("doc_id", ev.ID).Msg("change handling failed")
		return RecordOutcome{ID: ev.ID, Outcome: OutcomeFailed, Error: err.Error()}
	}
	return RecordOutcome{ID: ev.ID, Outcome: OutcomeApplied}
}

func changeFromRecord(rec events.DynamoDBEventRecord) (models.ChangeEvent, bool) {
	ev := models.ChangeEvent{Kind: models.ChangeKind(rec.EventName)}
	ev.ID = stringAttr(rec.Change.NewImage, "file_id")
	if ev.ID == "" {
		ev.ID = stringAttr(rec.Change.OldImage, "file_id")
	}
	if ev.ID == "" {
		ev.ID = stringAttr(rec.Change.Keys, "file_id")
	}
	ev.OldState = models.State(stringAttr(rec.Change.OldImage, "status"))
	ev.NewState = models.State(stringAttr(rec.Change.NewImage, "status"))
	return ev, ev.ID != ""
}

func stringAttr(image map[string]events.DynamoDBAttributeValue, name string) string {
	av, ok := image[name]
	if !ok || av.DataType() != events.DataTypeString {
		return ""
	}
	return av.String()
}
