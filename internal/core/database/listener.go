package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/models"
)

// ChangeChannel is the NOTIFY channel the documents trigger publishes on.
const ChangeChannel = "document_changes"

var _ core.ChangeSource = (*ChangeListener)(nil)

// ChangeListener turns pg_notify messages from the documents trigger into change
// events. NOTIFY is not durable: messages sent while disconnected are lost, which the
// notification sweep covers.
type ChangeListener struct {
	databaseURL string
	log         zerolog.Logger
	maxBackoff  time.Duration
}

func NewChangeListener(databaseURL string, log zerolog.Logger) *ChangeListener {
	return &ChangeListener{
		databaseURL: databaseURL,
		log:         log.With().Str("component", "change_listener").Logger(),
		maxBackoff:  30 * time.Second,
	}
}

// Listen holds a dedicated connection and reconnects with exponential backoff until
// ctx is done.
func (l *ChangeListener) Listen(ctx context.Context, handle func(context.Context, models.ChangeEvent)) error {
	backoff := time.Second
	for {
		err := l.listenOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.Warn().Err(err).Dur("retry_in", backoff).Msg("change listener disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *ChangeListener) listenOnce(ctx context.Context, handle func(context.Context, models.ChangeEvent)) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.log.Info().Str("channel", ChangeChannel).Msg("listening for ledger changes")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		ev, err := ParseChangePayload(n.Payload)
		if err != nil {
			l.log.Error().Err(err).Str("payload", n.Payload).Msg("dropping malformed change notification")
			continue
		}
		handle(ctx, ev)
	}
}

// ParseChangePayload decodes the JSON emitted by documents_notify_change().
func ParseChangePayload(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("decode change payload: %w", err)
	}
	if ev.ID == "" {
		return models.ChangeEvent{}, fmt.Errorf("change payload has no id")
	}
	switch ev.Kind {
	case models.ChangeInsert, models.ChangeModify, models.ChangeRemove:
	default:
		return models.ChangeEvent{}, fmt.Errorf("unknown change op %q", ev.Kind)
	}
	return ev, nil
}
