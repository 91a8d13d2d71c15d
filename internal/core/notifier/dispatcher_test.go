package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/core/lifecycle"
	"github.com/markdave123-py/Extracta/internal/core/memstore"
	"github.com/markdave123-py/Extracta/internal/models"
)

type hook struct {
	srv    *httptest.Server
	status atomic.Int32
	calls  atomic.Int32

	mu       sync.Mutex
	payloads []Payload
}

func newHook(t *testing.T, status int) *hook {
	t.Helper()
	h := &hook{}
	h.status.Store(int32(status))
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		h.mu.Lock()
		h.payloads = append(h.payloads, p)
		h.mu.Unlock()
		h.calls.Add(1)
		w.WriteHeader(int(h.status.Load()))
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hook) last() Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payloads[len(h.payloads)-1]
}

func processedDoc(t *testing.T, l *memstore.Ledger, id, callback, text string) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{ID: id, State: models.StateProcessing}
	if callback != "" {
		doc.CallbackURL = &callback
	}
	require.NoError(t, l.Create(ctx, doc))
	applied, err := l.ApplyTransition(ctx, id, models.Transition{From: models.StateProcessing, To: models.StateProcessed, Text: &text})
	require.NoError(t, err)
	require.True(t, applied)
}

func processedEvent(id string) models.ChangeEvent {
	return models.ChangeEvent{ID: id, Kind: models.ChangeModify, OldState: models.StateProcessing, NewState: models.StateProcessed}
}

func TestOnChange_DeliversAndCompletes(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	processedDoc(t, l, "doc-1", h.srv.URL, "HELLO WORLD")
	d := NewDispatcher(l, Config{Timeout: time.Second}, zerolog.Nop())

	require.NoError(t, d.OnChange(context.Background(), processedEvent("doc-1")))

	assert.Equal(t, int32(1), h.calls.Load())
	p := h.last()
	assert.Equal(t, "doc-1", p.FileID)
	require.NotNil(t, p.Text)
	assert.Equal(t, "HELLO WORLD", *p.Text)

	doc, err := l.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, doc.State)
	assert.True(t, doc.Notified)

	// replayed event
	require.NoError(t, d.OnChange(context.Background(), processedEvent("doc-1")))
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestOnChange_IgnoresUnrelatedChanges(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	d := NewDispatcher(l, Config{}, zerolog.Nop())

	for _, s := range []models.State{models.StateCreated, models.StateUploading, models.StateUploaded, models.StateProcessing, models.StateCompleted, models.StateFailed} {
		require.NoError(t, d.OnChange(context.Background(), models.ChangeEvent{ID: "unknown", Kind: models.ChangeModify, NewState: s}))
	}
	assert.Zero(t, h.calls.Load())
}

func TestOnChange_NoCallbackStaysProcessed(t *testing.T) {
	l := memstore.NewLedger()
	processedDoc(t, l, "doc-1", "", "text")
	d := NewDispatcher(l, Config{}, zerolog.Nop())

	require.NoError(t, d.OnChange(context.Background(), processedEvent("doc-1")))

	doc, err := l.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessed, doc.State)
	assert.False(t, doc.Notified)
}

func TestOnChange_ConcurrentDispatchFlipsOnce(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	processedDoc(t, l, "doc-1", h.srv.URL, "HELLO")
	d := NewDispatcher(l, Config{Timeout: time.Second}, zerolog.Nop())

	var flips atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = l.Listen(ctx, func(_ context.Context, ev models.ChangeEvent) {
			if ev.NewState == models.StateCompleted {
				flips.Add(1)
			}
		})
	}()
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.OnChange(context.Background(), processedEvent("doc-1")))
		}()
	}
	wg.Wait()

	doc, err := l.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, doc.State)
	assert.True(t, doc.Notified)
	assert.GreaterOrEqual(t, h.calls.Load(), int32(1))
	assert.LessOrEqual(t, h.calls.Load(), int32(2))

	assert.Eventually(t, func() bool { return flips.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), flips.Load())
}

type memLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func (m *memLease) Acquire(_ context.Context, id string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[id] {
		return false, nil
	}
	m.held[id] = true
	return true, nil
}

func (m *memLease) Release(_ context.Context, id string) {
	m.mu.Lock()
	delete(m.held, id)
	m.mu.Unlock()
}

func TestOnChange_LeaseHeldSkipsDelivery(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	processedDoc(t, l, "doc-1", h.srv.URL, "HELLO")
	lease := &memLease{held: map[string]bool{"doc-1": true}}
	d := NewDispatcher(l, Config{}, zerolog.Nop(), WithLease(lease))

	require.NoError(t, d.OnChange(context.Background(), processedEvent("doc-1")))
	assert.Zero(t, h.calls.Load())

	lease.Release(context.Background(), "doc-1")
	require.NoError(t, d.OnChange(context.Background(), processedEvent("doc-1")))
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Empty(t, lease.held)
}

func TestOnChange_RetriesThenUndeliverable(t *testing.T) {
	h := newHook(t, http.StatusInternalServerError)
	l := memstore.NewLedger()
	processedDoc(t, l, "doc-1", h.srv.URL, "HELLO")
	d := NewDispatcher(l, Config{Timeout: time.Second, MaxAttempts: 3}, zerolog.Nop())
	ctx := context.Background()

	for i := 1; i < 3; i++ {
		err := d.OnChange(ctx, processedEvent("doc-1"))
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindCallback), "attempt %d: %v", i, err)

		doc, err := l.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, models.StateProcessed, doc.State)
		assert.Equal(t, i, doc.DeliveryAttempts)
		assert.Contains(t, doc.LastDeliveryError, "500")
	}

	err := d.OnChange(ctx, processedEvent("doc-1"))
	assert.True(t, core.IsKind(err, core.KindCallbackUndeliverable))

	doc, err := l.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, doc.State)
	assert.Equal(t, models.FailureNotification, doc.FailureStage)
	assert.Contains(t, doc.FailureReason, string(core.KindCallbackUndeliverable))
	assert.False(t, doc.Notified)
	require.NotNil(t, doc.Text)
	assert.Equal(t, "HELLO", *doc.Text)

	require.NoError(t, d.OnChange(ctx, processedEvent("doc-1")))
	assert.Equal(t, int32(3), h.calls.Load())
}

func TestOnChange_RecoversAfterTransientFailure(t *testing.T) {
	h := newHook(t, http.StatusServiceUnavailable)
	l := memstore.NewLedger()
	processedDoc(t, l, "doc-1", h.srv.URL, "HELLO")
	d := NewDispatcher(l, Config{Timeout: time.Second, MaxAttempts: 5}, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, core.IsKind(d.OnChange(ctx, processedEvent("doc-1")), core.KindCallback))

	h.status.Store(http.StatusNoContent)
	require.NoError(t, d.OnChange(ctx, processedEvent("doc-1")))

	doc, err := l.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, doc.State)
	assert.Equal(t, 1, doc.DeliveryAttempts)
}

func TestOnChange_FailureNotificationsAreOptIn(t *testing.T) {
	h := newHook(t, http.StatusOK)
	ctx := context.Background()

	setup := func() *memstore.Ledger {
		l := memstore.NewLedger()
		cb := h.srv.URL
		require.NoError(t, l.Create(ctx, &models.Document{ID: "doc-1", State: models.StateProcessing, CallbackURL: &cb}))
		_, err := l.ApplyTransition(ctx, "doc-1", models.Transition{From: models.StateProcessing, To: models.StateFailed, FailureStage: models.FailureExtraction, FailureReason: "unreadable"})
		require.NoError(t, err)
		return l
	}
	failed := models.ChangeEvent{ID: "doc-1", Kind: models.ChangeModify, OldState: models.StateProcessing, NewState: models.StateFailed}

	l := setup()
	require.NoError(t, NewDispatcher(l, Config{}, zerolog.Nop()).OnChange(ctx, failed))
	assert.Zero(t, h.calls.Load())

	l = setup()
	d := NewDispatcher(l, Config{NotifyOnFailure: true}, zerolog.Nop())
	require.NoError(t, d.OnChange(ctx, failed))
	assert.Equal(t, int32(1), h.calls.Load())
	p := h.last()
	assert.Equal(t, "FAILED", p.Status)
	assert.Equal(t, "unreadable", p.Error)
	assert.Nil(t, p.Text)

	doc, err := l.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, doc.State)
	assert.True(t, doc.Notified)

	require.NoError(t, d.OnChange(ctx, failed))
	assert.Equal(t, int32(1), h.calls.Load())
}

type flakyExtractor struct{ calls atomic.Int32 }

func (f *flakyExtractor) ExtractText(context.Context, []byte, string) (string, error) {
	if f.calls.Add(1) == 1 {
		return "", errors.New("ocr engine unavailable")
	}
	return "HELLO WORLD", nil
}

func TestOnChange_CompletesAfterFailureCallbackAndRetry(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	lc := lifecycle.New(l, memstore.NewBlobStore(), &flakyExtractor{}, zerolog.Nop())
	d := NewDispatcher(l, Config{Timeout: time.Second, NotifyOnFailure: true}, zerolog.Nop())
	ctx := context.Background()

	id, err := lc.Create(ctx, lifecycle.CreateInput{Content: []byte("hello"), CallbackURL: h.srv.URL})
	require.NoError(t, err)

	require.Error(t, lc.Extract(ctx, id))
	require.NoError(t, d.OnChange(ctx, models.ChangeEvent{ID: id, Kind: models.ChangeModify, OldState: models.StateProcessing, NewState: models.StateFailed}))
	assert.Equal(t, "FAILED", h.last().Status)

	require.NoError(t, lc.Extract(ctx, id))
	doc, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, doc.Notified)
	assert.Zero(t, doc.DeliveryAttempts)

	require.NoError(t, d.OnChange(ctx, processedEvent(id)))

	doc, err = l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, doc.State)
	assert.True(t, doc.Notified)
	assert.Equal(t, int32(2), h.calls.Load())
	p := h.last()
	require.NotNil(t, p.Text)
	assert.Equal(t, "HELLO WORLD", *p.Text)
}

func TestSweep_PicksUpRetriedDocumentAfterFailureCallback(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	lc := lifecycle.New(l, memstore.NewBlobStore(), &flakyExtractor{}, zerolog.Nop())
	d := NewDispatcher(l, Config{Timeout: time.Second, NotifyOnFailure: true}, zerolog.Nop())
	ctx := context.Background()

	id, err := lc.Create(ctx, lifecycle.CreateInput{Content: []byte("hello"), CallbackURL: h.srv.URL})
	require.NoError(t, err)
	require.Error(t, lc.Extract(ctx, id))
	require.NoError(t, d.OnChange(ctx, models.ChangeEvent{ID: id, Kind: models.ChangeModify, NewState: models.StateFailed}))
	require.NoError(t, lc.Extract(ctx, id))

	n, err := NewSweeper(l, d, time.Hour, -time.Second, zerolog.Nop()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, doc.State)
}

func TestOnChange_FailureCallbackAttemptsDoNotSpendCompletionBudget(t *testing.T) {
	h := newHook(t, http.StatusInternalServerError)
	l := memstore.NewLedger()
	lc := lifecycle.New(l, memstore.NewBlobStore(), &flakyExtractor{}, zerolog.Nop())
	d := NewDispatcher(l, Config{Timeout: time.Second, MaxAttempts: 2, NotifyOnFailure: true}, zerolog.Nop())
	ctx := context.Background()

	id, err := lc.Create(ctx, lifecycle.CreateInput{Content: []byte("hello"), CallbackURL: h.srv.URL})
	require.NoError(t, err)
	require.Error(t, lc.Extract(ctx, id))

	failed := models.ChangeEvent{ID: id, Kind: models.ChangeModify, OldState: models.StateProcessing, NewState: models.StateFailed}
	require.Error(t, d.OnChange(ctx, failed))
	require.Error(t, d.OnChange(ctx, failed))
	doc, err := l.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, doc.DeliveryAttempts)

	require.NoError(t, lc.Extract(ctx, id))

	// One failed completion attempt stays within the fresh budget.
	require.Error(t, d.OnChange(ctx, processedEvent(id)))
	doc, err = l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessed, doc.State)
	assert.Equal(t, 1, doc.DeliveryAttempts)

	h.status.Store(http.StatusOK)
	require.NoError(t, d.OnChange(ctx, processedEvent(id)))
	doc, err = l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, doc.State)
}
