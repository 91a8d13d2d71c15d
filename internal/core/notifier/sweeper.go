package notifier

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/models"
)

// Sweeper re-drives notifications whose change events were lost or whose delivery
// failed transiently.
type Sweeper struct {
	ledger      core.Ledger
	dispatcher  *Dispatcher
	log         zerolog.Logger
	interval    time.Duration
	minAge      time.Duration
	batch       int
	concurrency int
}

func NewSweeper(ledger core.Ledger, dispatcher *Dispatcher, interval, minAge time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		ledger:      ledger,
		dispatcher:  dispatcher,
		log:         log.With().Str("component", "sweeper").Logger(),
		interval:    interval,
		minAge:      minAge,
		batch:       100,
		concurrency: 8,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-t.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			} else if n > 0 {
				s.log.Info().Int("documents", n).Msg("sweep re-dispatched notifications")
			}
		}
	}
}

// SweepOnce re-dispatches one batch of pending notifications and returns its size.
// Individual delivery failures are recorded in the ledger, not returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	docs, err := s.ledger.ListPendingNotifications(ctx, time.Now().Add(-s.minAge), s.batch)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, doc := range docs {
		ev := models.ChangeEvent{ID: doc.ID, Kind: models.ChangeModify, OldState: doc.State, NewState: doc.State}
		g.Go(func() error {
			if err := s.dispatcher.OnChange(gctx, ev); err != nil {
				s.log.Warn().Err(err).Str("doc_id", ev.ID).Msg("sweep delivery failed")
			}
			return nil
		})
	}
	return len(docs), g.Wait()
}
