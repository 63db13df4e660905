package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/meridian/internal/sqlutil"
)

// SavePlan durably upserts a collaborative plan's run state, keyed by
// task_id (UNIQUE). Plan state is persisted as a single JSON blob rather
// than normalized rows.
func (s *Store) SavePlan(ctx context.Context, state PlanRunState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return sqlutil.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO plan_run (task_id, plan, current_step, status, updated_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(task_id) DO UPDATE SET plan=excluded.plan, current_step=excluded.current_step, status=excluded.status, updated_at=CURRENT_TIMESTAMP`,
			state.TaskID, raw, state.CurrentStep, string(state.Status))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailableB, err)
		}
		return nil
	})
}

// LoadPlan loads the durable run state for a collaborative task.
func (s *Store) LoadPlan(ctx context.Context, taskID string) (*PlanRunState, error) {
	var raw []byte
	var currentStep int
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT plan, current_step, status, updated_at FROM plan_run WHERE task_id = ?`, taskID).
		Scan(&raw, &currentStep, &status, new(sql.NullTime))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailableB, err)
	}

	var full PlanRunState
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	full.TaskID = taskID
	full.CurrentStep = currentStep
	full.Status = PlanStatus(status)
	return &full, nil
}
