package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/meridian/internal/sqlutil"
)

// AppendExecution inserts a new QUEUED execution record.
func (s *Store) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	return sqlutil.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_record (execution_id, agent_name, trace_id, status, submitted_at, retries)
VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ExecutionID, rec.AgentName, rec.TraceID, string(rec.Status), rec.SubmittedAt, rec.Retries)
		if err != nil {
			return fmt.Errorf("%w: append execution: %v", ErrUnavailableB, err)
		}
		return nil
	})
}

// GetExecution loads a single execution record by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT execution_id, agent_name, trace_id, status, submitted_at, started_at, completed_at, result, error, retries
FROM execution_record WHERE execution_id = ?`, executionID)
	return scanExecution(row)
}

func scanExecution(row *sql.Row) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var status string
	var startedAt, completedAt sql.NullTime
	var result sql.NullString
	var errText sql.NullString
	if err := row.Scan(&rec.ExecutionID, &rec.AgentName, &rec.TraceID, &status, &rec.SubmittedAt, &startedAt, &completedAt, &result, &errText, &rec.Retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailableB, err)
	}
	rec.Status = ExecutionStatus(status)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	if errText.Valid {
		rec.Error = errText.String
	}
	return &rec, nil
}

// MarkRunning transitions QUEUED->RUNNING and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, executionID string) error {
	return s.updateStatus(ctx, executionID, ExecutionRunning, func(tx execer) error {
		_, err := tx.ExecContext(ctx, `UPDATE execution_record SET status=?, started_at=CURRENT_TIMESTAMP WHERE execution_id=?`,
			string(ExecutionRunning), executionID)
		return err
	})
}

// CompleteExecution transitions to COMPLETED with a result payload.
func (s *Store) CompleteExecution(ctx context.Context, executionID string, result []byte) error {
	return s.updateStatus(ctx, executionID, ExecutionCompleted, func(tx execer) error {
		_, err := tx.ExecContext(ctx, `UPDATE execution_record SET status=?, completed_at=CURRENT_TIMESTAMP, result=? WHERE execution_id=?`,
			string(ExecutionCompleted), result, executionID)
		return err
	})
}

// FailExecution transitions to FAILED with an error message, incrementing retries.
func (s *Store) FailExecution(ctx context.Context, executionID, errMsg string) error {
	return s.updateStatus(ctx, executionID, ExecutionFailed, func(tx execer) error {
		_, err := tx.ExecContext(ctx, `UPDATE execution_record SET status=?, completed_at=CURRENT_TIMESTAMP, error=? WHERE execution_id=?`,
			string(ExecutionFailed), errMsg, executionID)
		return err
	})
}

// TimeoutExecution transitions to TIMEOUT.
func (s *Store) TimeoutExecution(ctx context.Context, executionID string) error {
	return s.updateStatus(ctx, executionID, ExecutionTimeout, func(tx execer) error {
		_, err := tx.ExecContext(ctx, `UPDATE execution_record SET status=?, completed_at=CURRENT_TIMESTAMP, error='timeout' WHERE execution_id=?`,
			string(ExecutionTimeout), executionID)
		return err
	})
}

// CancelExecution transitions to CANCELLED.
func (s *Store) CancelExecution(ctx context.Context, executionID string) (previous ExecutionStatus, err error) {
	rec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	previous = rec.Status
	if rec.Status.IsTerminal() {
		return previous, nil
	}
	err = s.updateStatus(ctx, executionID, ExecutionCancelled, func(tx execer) error {
		_, err := tx.ExecContext(ctx, `UPDATE execution_record SET status=?, completed_at=CURRENT_TIMESTAMP WHERE execution_id=?`,
			string(ExecutionCancelled), executionID)
		return err
	})
	return previous, err
}

// IncrementRetries bumps the retries counter on an execution record.
func (s *Store) IncrementRetries(ctx context.Context, executionID string) error {
	return sqlutil.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE execution_record SET retries = retries + 1 WHERE execution_id = ?`, executionID)
		return err
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) updateStatus(ctx context.Context, executionID string, _ ExecutionStatus, fn func(execer) error) error {
	return sqlutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailableB, err)
		}
		return tx.Commit()
	})
}

// ListExecutionsByAgent returns recent executions for an agent, newest first.
func (s *Store) ListExecutionsByAgent(ctx context.Context, agentName string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT execution_id, agent_name, trace_id, status, submitted_at, started_at, completed_at, result, error, retries
FROM execution_record WHERE agent_name = ? ORDER BY submitted_at DESC LIMIT ?`, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailableB, err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var status string
		var startedAt, completedAt sql.NullTime
		var result sql.NullString
		var errText sql.NullString
		if err := rows.Scan(&rec.ExecutionID, &rec.AgentName, &rec.TraceID, &status, &rec.SubmittedAt, &startedAt, &completedAt, &result, &errText, &rec.Retries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailableB, err)
		}
		rec.Status = ExecutionStatus(status)
		if startedAt.Valid {
			rec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		if result.Valid {
			rec.Result = []byte(result.String)
		}
		if errText.Valid {
			rec.Error = errText.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
