package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

//go:embed scripts/initdb.sql
var initScript string

// bootstrapLockKey serialises concurrent bootstraps from several API instances.
const bootstrapLockKey = 0x657874726163

var versionStmt = regexp.MustCompile(`INSERT INTO extracta_meta \(version\) VALUES \((\d+)\)`)

type migration struct {
	version int
	script  string
}

// loadMigration returns the embedded schema script and the version it records.
func loadMigration() (migration, error) {
	m := versionStmt.FindStringSubmatch(initScript)
	if m == nil {
		return migration{}, errors.New("initdb.sql does not record a schema version")
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return migration{}, fmt.Errorf("parse schema version %q: %w", m[1], err)
	}
	return migration{version: v, script: initScript}, nil
}

// EnsureBootstrapped applies the embedded schema when the database is behind it.
func EnsureBootstrapped(ctx context.Context, db *sql.DB) error {
	mig, err := loadMigration()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	current, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}
	if current >= mig.version {
		return nil
	}
	return apply(ctx, db, mig)
}

// appliedVersion is 0 on a fresh database.
func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var present bool
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('extracta_meta') IS NOT NULL`).Scan(&present); err != nil {
		return 0, fmt.Errorf("meta table check: %w", err)
	}
	if !present {
		return 0, nil
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT max(version) FROM extracta_meta`).Scan(&v); err != nil {
		return 0, fmt.Errorf("meta version check: %w", err)
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, mig migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(bootstrapLockKey)); err != nil {
		return fmt.Errorf("bootstrap lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, mig.script); err != nil {
		return fmt.Errorf("apply schema v%d: %w", mig.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema v%d: %w", mig.version, err)
	}
	return nil
}
