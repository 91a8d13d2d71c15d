package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/Extracta/internal/core"
	"github.com/markdave123-py/Extracta/internal/models"
)

var _ core.Ledger = (*DatabaseClient)(nil)

// DatabaseClient is the Postgres ledger. Each conditional update is a single UPDATE
// whose WHERE clause carries the expected prior state, so row-level locking inside
// Postgres is the only synchronization.
type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, databaseURL string) (*DatabaseClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Ensure bootstrap once
	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

const documentColumns = `id, state, content_type, text, callback_url, notified, delivery_attempts,
	last_delivery_error, failure_stage, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d                                       models.Document
		text, callback, lastErr, stage, reason sql.NullString
	)
	if err := row.Scan(
		&d.ID, &d.State, &d.ContentType, &text, &callback, &d.Notified, &d.DeliveryAttempts,
		&lastErr, &stage, &reason, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if text.Valid {
		d.Text = &text.String
	}
	if callback.Valid {
		d.CallbackURL = &callback.String
	}
	d.LastDeliveryError = lastErr.String
	d.FailureStage = models.FailureStage(stage.String)
	d.FailureReason = reason.String
	return &d, nil
}

func (c *DatabaseClient) Create(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents (id, state, content_type, callback_url)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := c.db.QueryRowContext(ctx, q, doc.ID, doc.State, doc.ContentType, nullable(doc.CallbackURL)).
		Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return core.E(core.KindStorage, "db.Create", fmt.Errorf("insert document %s: %w", doc.ID, err))
	}
	return nil
}

func (c *DatabaseClient) Get(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.KindNotFound, "db.Get", "document %s not found", id)
	}
	if err != nil {
		return nil, core.E(core.KindStorage, "db.Get", err)
	}
	return d, nil
}

func (c *DatabaseClient) ApplyTransition(ctx context.Context, id string, t models.Transition) (bool, error) {
	const op = "db.ApplyTransition"

	current := models.FailureNone
	if t.From == models.StateFailed {
		doc, err := c.Get(ctx, id)
		if err != nil {
			return false, err
		}
		current = doc.FailureStage
	}
	if err := t.Validate(current); err != nil {
		return false, core.E(core.KindInvalidState, op, err)
	}

	// failure_stage is part of the predicate so a FAILED row can only be re-claimed
	// while its recorded stage still permits it. Leaving FAILED resets the delivery
	// bookkeeping a failure callback may have written.
	const q = `
		UPDATE documents
		SET state = $3,
		    text = COALESCE($4, text),
		    failure_stage = $5,
		    failure_reason = $6,
		    notified = CASE WHEN $8::boolean THEN false ELSE notified END,
		    delivery_attempts = CASE WHEN $8::boolean THEN 0 ELSE delivery_attempts END,
		    last_delivery_error = CASE WHEN $8::boolean THEN NULL ELSE last_delivery_error END,
		    updated_at = now()
		WHERE id = $1 AND state = $2 AND COALESCE(failure_stage, '') = $7
	`
	reset := t.From == models.StateFailed
	res, err := c.db.ExecContext(ctx, q, id, t.From, t.To, nullable(t.Text),
		nullString(string(t.FailureStage)), nullString(t.FailureReason), string(current), reset)
	if err != nil {
		return false, core.E(core.KindStorage, op, err)
	}
	return c.appliedOrMissing(ctx, res, id, op)
}

func (c *DatabaseClient) MarkNotified(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE documents
		SET notified = true, state = 'COMPLETED', updated_at = now()
		WHERE id = $1 AND state = 'PROCESSED' AND notified = false
	`
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, core.E(core.KindStorage, "db.MarkNotified", err)
	}
	return c.appliedOrMissing(ctx, res, id, "db.MarkNotified")
}

func (c *DatabaseClient) MarkFailureNotified(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE documents
		SET notified = true, updated_at = now()
		WHERE id = $1 AND state = 'FAILED' AND notified = false
	`
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, core.E(core.KindStorage, "db.MarkFailureNotified", err)
	}
	return c.appliedOrMissing(ctx, res, id, "db.MarkFailureNotified")
}

func (c *DatabaseClient) RecordDeliveryFailure(ctx context.Context, id string, state models.State, reason string) (int, bool, error) {
	const q = `
		UPDATE documents
		SET delivery_attempts = delivery_attempts + 1,
		    last_delivery_error = $3,
		    updated_at = now()
		WHERE id = $1 AND state = $2 AND notified = false
		RETURNING delivery_attempts
	`
	var attempts int
	err := c.db.QueryRowContext(ctx, q, id, state, reason).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := c.Get(ctx, id); gerr != nil {
			return 0, false, gerr
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, core.E(core.KindStorage, "db.RecordDeliveryFailure", err)
	}
	return attempts, true, nil
}

func (c *DatabaseClient) ListPendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + documentColumns + `
		FROM documents
		WHERE state = 'PROCESSED' AND notified = false
		  AND callback_url IS NOT NULL AND callback_url <> ''
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := c.db.QueryContext(ctx, q, olderThan, limit)
	if err != nil {
		return nil, core.E(core.KindStorage, "db.ListPendingNotifications", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, core.E(core.KindStorage, "db.ListPendingNotifications", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// appliedOrMissing turns a zero-row update into either "precondition no longer holds"
// or NotFound, depending on whether the row exists at all.
func (c *DatabaseClient) appliedOrMissing(ctx context.Context, res sql.Result, id, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, core.E(core.KindStorage, op, err)
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, core.E(core.KindStorage, op, err)
	}
	if !exists {
		return false, core.Ef(core.KindNotFound, op, "document %s not found", id)
	}
	return false, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
