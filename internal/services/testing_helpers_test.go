package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/core/lifecycle"
	"github.com/markdave123-py/Extracta/internal/core/memstore"
	"github.com/markdave123-py/Extracta/internal/models"
)

type upperExtractor struct{}

func (upperExtractor) ExtractText(_ context.Context, data []byte, _ string) (string, error) {
	return strings.ToUpper(string(data)), nil
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type recordingHandler struct {
	events []models.ChangeEvent
	err    error
}

func (h *recordingHandler) OnChange(_ context.Context, ev models.ChangeEvent) error {
	h.events = append(h.events, ev)
	return h.err
}

var _ core.TextExtractor = upperExtractor{}

func newLifecycle(t *testing.T) (*lifecycle.Controller, *memstore.Ledger) {
	t.Helper()
	ledger := memstore.NewLedger()
	return lifecycle.New(ledger, memstore.NewBlobStore(), upperExtractor{}, zerolog.Nop()), ledger
}
