// Package journal keeps a job lifecycle record in a sqlite database. It
// stores the spec shape and the counters only, never seeds or private
// keys.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/keygrind/keygrind/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Row struct {
	ID       string
	Scheme   string
	Kind     string
	Pattern  string
	Status   string
	Attempts uint64
	Matches  int
	Created  string
	Finished *string
	Failure  *string
}

type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at dbPath.
func Open(ctx context.Context, dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			scheme TEXT NOT NULL,
			kind TEXT NOT NULL,
			pattern TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			matches INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			finished_at TEXT DEFAULT NULL,
			failure TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Started persists a freshly submitted job.
func (j *Journal) Started(ctx context.Context, view model.JobView) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO jobs (id, scheme, kind, pattern, status, created_at)
		 VALUES (?,?,?,?,?,?);`,
		view.ID,
		string(view.Spec.Scheme),
		string(view.Spec.Kind),
		view.Spec.Pattern,
		string(view.Status),
		view.Created.Format("2006-01-02T15:04:05Z"),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Finished records the terminal status and the counters. Returns
// ErrAlreadyFinished when the row is already terminal and ErrNotFound when
// the job was never journaled.
func (j *Journal) Finished(ctx context.Context, view model.JobView) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer j.rollback(ctx, tx, view.ID)

	var finished sql.NullString
	row := tx.QueryRowContext(ctx,
		`SELECT finished_at FROM jobs WHERE id=?`, view.ID,
	)
	err = row.Scan(&finished)
	switch {
	case err == nil && finished.Valid:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var failure *string
	if view.Error != "" {
		failure = &view.Error
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
		 SET
			status = ?,
			attempts = ?,
			matches = ?,
			finished_at = ?,
			failure = ?
		WHERE id = ?;
		`,
		string(view.Status),
		view.TotalAttempts(),
		len(view.Matches),
		view.Finished.Format("2006-01-02T15:04:05Z"),
		failure,
		view.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the journaled row or ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (Row, error) {
	var r Row
	row := j.db.QueryRowContext(ctx,
		`SELECT id, scheme, kind, pattern, status, attempts, matches, created_at, finished_at, failure
		 FROM jobs WHERE id=?`, id,
	)
	err := row.Scan(
		&r.ID,
		&r.Scheme,
		&r.Kind,
		&r.Pattern,
		&r.Status,
		&r.Attempts,
		&r.Matches,
		&r.Created,
		&r.Finished,
		&r.Failure,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Row{}, ErrNotFound
	case err != nil:
		return Row{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// Deleted removes the row, ErrNotFound when it does not exist.
func (j *Journal) Deleted(ctx context.Context, id string) error {
	result, err := j.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id=?`, id,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

func (j *Journal) rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "transaction rollback failed", slog.String("job_id", id))
	}
}
