package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/meridian/internal/sqlutil"
)

type continuousPayload struct {
	Conversation []ConversationTurn `json:"conversation"`
	Memory       map[string]any     `json:"memory"`
	EventCount   int                `json:"event_count"`
	LastActivity string             `json:"last_activity"`
}

// SaveContinuous performs a conditional upsert: it succeeds iff the stored
// version equals expectedVersion, then increments. On mismatch it returns
// ErrStaleVersion and the caller must reload and retry.
func (s *Store) SaveContinuous(ctx context.Context, state ContinuousAgentState, expectedVersion int64) error {
	payload := continuousPayload{
		Conversation: state.Conversation,
		Memory:       state.Memory,
		EventCount:   state.EventCount,
		LastActivity: state.LastActivity.Format(rfc3339),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return sqlutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var currentVersion int64
		err = tx.QueryRowContext(ctx, `SELECT version FROM continuous_state WHERE name = ?`, state.AgentName).Scan(&currentVersion)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if expectedVersion != 0 {
				return ErrStaleVersion
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO continuous_state (name, payload, version, updated_at) VALUES (?, ?, 1, CURRENT_TIMESTAMP)`,
				state.AgentName, raw); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailableB, err)
			}
		case err != nil:
			return fmt.Errorf("%w: %v", ErrUnavailableB, err)
		default:
			if currentVersion != expectedVersion {
				return ErrStaleVersion
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE continuous_state SET payload=?, version=version+1, updated_at=CURRENT_TIMESTAMP WHERE name=?`,
				raw, state.AgentName); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailableB, err)
			}
		}
		return tx.Commit()
	})
}

// LoadContinuous loads the durable continuous state for an agent. It returns
// ErrNotFound if no state has been saved yet.
func (s *Store) LoadContinuous(ctx context.Context, agentName string) (*ContinuousAgentState, error) {
	var raw []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, version FROM continuous_state WHERE name = ?`, agentName).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailableB, err)
	}

	var payload continuousPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	lastActivity := parseRFC3339(payload.LastActivity)
	return &ContinuousAgentState{
		AgentName:    agentName,
		Conversation: payload.Conversation,
		Memory:       payload.Memory,
		EventCount:   payload.EventCount,
		LastActivity: lastActivity,
		Version:      version,
	}, nil
}
