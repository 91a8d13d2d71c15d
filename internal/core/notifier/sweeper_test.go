package notifier

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Extracta/internal/core/memstore"
	"github.com/markdave123-py/Extracta/internal/models"
)

func TestSweepOnce_RedeliversPending(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	processedDoc(t, l, "a", h.srv.URL, "A")
	processedDoc(t, l, "b", h.srv.URL, "B")
	processedDoc(t, l, "no-hook", "", "C")

	d := NewDispatcher(l, Config{Timeout: time.Second}, zerolog.Nop())
	s := NewSweeper(l, d, time.Hour, -time.Second, zerolog.Nop())

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), h.calls.Load())

	for _, id := range []string{"a", "b"} {
		doc, err := l.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, doc.State, id)
	}

	n, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepOnce_SkipsFreshDocuments(t *testing.T) {
	h := newHook(t, http.StatusOK)
	l := memstore.NewLedger()
	processedDoc(t, l, "a", h.srv.URL, "A")

	d := NewDispatcher(l, Config{}, zerolog.Nop())
	s := NewSweeper(l, d, time.Hour, time.Hour, zerolog.Nop())

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.calls.Load())
}

func TestSweepOnce_DeliveryFailuresAreRecorded(t *testing.T) {
	h := newHook(t, http.StatusBadGateway)
	l := memstore.NewLedger()
	processedDoc(t, l, "a", h.srv.URL, "A")

	d := NewDispatcher(l, Config{Timeout: time.Second, MaxAttempts: 10}, zerolog.Nop())
	s := NewSweeper(l, d, time.Hour, -time.Second, zerolog.Nop())

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := l.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessed, doc.State)
	assert.Equal(t, 1, doc.DeliveryAttempts)
}

func TestSweeperRun_StopsWithContext(t *testing.T) {
	l := memstore.NewLedger()
	s := NewSweeper(l, NewDispatcher(l, Config{}, zerolog.Nop()), 5*time.Millisecond, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
