package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/models"
)

func s3Event(t *testing.T, bucket string, keys ...string) events.S3Event {
	t.Helper()
	type obj struct {
		Key string `json:"key"`
	}
	type rec struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object obj `json:"object"`
		} `json:"s3"`
	}
	var body struct {
		Records []rec `json:"Records"`
	}
	for _, k := range keys {
		r := rec{EventName: "ObjectCreated:Put"}
		r.S3.Bucket.Name = bucket
		r.S3.Object.Key = k
		body.Records = append(body.Records, r)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	var ev events.S3Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestHandleStorageEvent(t *testing.T) {
	lc, ledger := newLifecycle(t)
	ctx := context.Background()
	require.NoError(t, ledger.Create(ctx, &models.Document{ID: "doc-1", State: models.StateUploading}))
	require.NoError(t, ledger.Create(ctx, &models.Document{ID: "done", State: models.StateCompleted}))
	require.NoError(t, ledger.Create(ctx, &models.Document{ID: "fresh", State: models.StateCreated}))

	q := &recordingQueue{}
	svc := NewTriggerService(lc, q, &recordingHandler{}, "docs", "documents/", zerolog.Nop())

	out := svc.HandleStorageEvent(ctx, s3Event(t, "docs", "documents/doc-1", "documents/done", "documents/fresh", "other/doc-1", "documents/missing"))
	require.Len(t, out, 5)

	assert.Equal(t, RecordOutcome{ID: "doc-1", Outcome: OutcomeApplied}, out[0])
	assert.Equal(t, OutcomeApplied, out[1].Outcome)
	assert.Equal(t, RecordOutcome{ID: "fresh", Outcome: OutcomeNoop}, out[2])
	assert.Equal(t, OutcomeIgnored, out[3].Outcome)
	assert.Equal(t, OutcomeFailed, out[4].Outcome)
	assert.Equal(t, []string{"doc-1", "done"}, q.ids)

	doc, err := ledger.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateUploaded, doc.State)

	doc, err = ledger.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, doc.State)
}

func TestHandleStorageEvent_EscapedKeyAndBucket(t *testing.T) {
	lc, ledger := newLifecycle(t)
	ctx := context.Background()
	require.NoError(t, ledger.Create(ctx, &models.Document{ID: "a b", State: models.StateUploading}))

	svc := NewTriggerService(lc, nil, &recordingHandler{}, "docs", "documents/", zerolog.Nop())

	out := svc.HandleStorageEvent(ctx, s3Event(t, "elsewhere", "documents/a+b"))
	assert.Equal(t, OutcomeIgnored, out[0].Outcome)

	out = svc.HandleStorageEvent(ctx, s3Event(t, "docs", "documents/a+b"))
	assert.Equal(t, RecordOutcome{ID: "a b", Outcome: OutcomeApplied}, out[0])
}

const streamBatch = `{
  "Records": [
    {
      "eventName": "MODIFY",
      "dynamodb": {
        "Keys": {"file_id": {"S": "doc-1"}},
        "OldImage": {"file_id": {"S": "doc-1"}, "status": {"S": "PROCESSING"}},
        "NewImage": {"file_id": {"S": "doc-1"}, "status": {"S": "PROCESSED"}, "text": {"S": "HELLO"}}
      }
    },
    {
      "eventName": "INSERT",
      "dynamodb": {
        "Keys": {"file_id": {"S": "doc-2"}},
        "NewImage": {"file_id": {"S": "doc-2"}, "status": {"S": "CREATED"}}
      }
    },
    {
      "eventName": "MODIFY",
      "dynamodb": {
        "NewImage": {"status": {"S": "PROCESSED"}}
      }
    }
  ]
}`

func TestHandleChangeStream(t *testing.T) {
	var ev events.DynamoDBEvent
	require.NoError(t, json.Unmarshal([]byte(streamBatch), &ev))

	h := &recordingHandler{}
	svc := NewTriggerService(nil, nil, h, "", "", zerolog.Nop())

	out := svc.HandleChangeStream(context.Background(), ev)
	require.Len(t, out, 3)
	assert.Equal(t, RecordOutcome{ID: "doc-1", Outcome: OutcomeApplied}, out[0])
	assert.Equal(t, RecordOutcome{ID: "doc-2", Outcome: OutcomeIgnored}, out[1])
	assert.Equal(t, OutcomeIgnored, out[2].Outcome)

	require.Len(t, h.events, 1)
	assert.Equal(t, models.ChangeEvent{
		ID:       "doc-1",
		Kind:     models.ChangeModify,
		OldState: models.StateProcessing,
		NewState: models.StateProcessed,
	}, h.events[0])
}

func TestHandleChange_Outcomes(t *testing.T) {
	ev := models.ChangeEvent{ID: "doc-1", Kind: models.ChangeModify, NewState: models.StateProcessed}

	svc := NewTriggerService(nil, nil, &recordingHandler{err: core.E(core.KindNotFound, "op", "gone")}, "", "", zerolog.Nop())
	assert.Equal(t, OutcomeNoop, svc.HandleChange(context.Background(), ev).Outcome)

	svc = NewTriggerService(nil, nil, &recordingHandler{err: errors.New("callback returned 500")}, "", "", zerolog.Nop())
	out := svc.HandleChange(context.Background(), ev)
	assert.Equal(t, OutcomeFailed, out.Outcome)
	assert.Contains(t, out.Error, "500")
}
