package repository

import (
	"context"
	"database/sql"
	"enrollment-reconciler/internal/domain"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// runLockKey identifies the reconciliation job among advisory locks.
const runLockKey int64 = 0x656e726f6c6c

var ErrRunInProgress = errors.New("another reconciliation run holds the lock")

type PostgresRunRepository struct {
	db *sql.DB
}

func NewPostgresRunRepository(db *sql.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

func (r *PostgresRunRepository) SaveOutcome(ctx context.Context, runID string, o domain.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const query = `
        INSERT INTO reconciliation_outcomes (run_id, order_id, payment_key, email, course_id, match_kind, state, reason, error_message)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `

	if _, err := r.db.ExecContext(ctx, query,
		runID, o.OrderID, o.PaymentKey, o.Email, o.CourseID, string(o.Match), string(o.State), o.Reason, errorMessage(o.Err),
	); err != nil {
		return fmt.Errorf("failed to insert reconciliation outcome: %w", err)
	}
	return nil
}

// SaveRun stores the tally of a finished (or aborted) run.
func (r *PostgresRunRepository) SaveRun(ctx context.Context, rc *domain.RunContext, finishedAt time.Time, runErr error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	log.WithFields(log.Fields{
		"run_id":  rc.RunID,
		"mode":    rc.Mode,
		"success": rc.Result.Success,
		"skipped": rc.Result.Skipped,
		"no_user": rc.Result.NoUser,
		"failed":  rc.Result.Failed,
	}).Debug("Saving reconciliation run to database")

	const query = `
        INSERT INTO reconciliation_runs (run_id, mode, window_start, window_end, started_at, finished_at, success, skipped, no_user, failed, error_message)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
    `

	if _, err := r.db.ExecContext(ctx, query,
		rc.RunID, string(rc.Mode), rc.Window.StartDate(), rc.Window.EndDate(), rc.StartedAt, finishedAt,
		rc.Result.Success, rc.Result.Skipped, rc.Result.NoUser, rc.Result.Failed, errorMessage(runErr),
	); err != nil {
		return fmt.Errorf("failed to insert reconciliation run: %w", err)
	}
	return nil
}

// RunLock is a session advisory lock held on a dedicated connection.
type RunLock struct {
	conn *sql.Conn
}

// AcquireRunLock takes the job-wide advisory lock without waiting. It returns
// ErrRunInProgress when another process holds it.
func (r *PostgresRunRepository) AcquireRunLock(ctx context.Context) (*RunLock, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", runLockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, ErrRunInProgress
	}
	return &RunLock{conn: conn}, nil
}

func (l *RunLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", runLockKey); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

func errorMessage(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}
