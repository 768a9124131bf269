package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// PostgresCheckpointStore persists workflow state in the
// copilot_checkpoints table, one JSONB snapshot per session. The
// suspended_stage column is denormalized so operators can query for
// stuck sessions without unpacking JSON.
type PostgresCheckpointStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointStore creates a checkpoint store over the pool.
func NewPostgresCheckpointStore(pool *pgxpool.Pool) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{pool: pool}
}

func (s *PostgresCheckpointStore) Put(ctx context.Context, state *workflow.State) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	var suspended *string
	if state.SuspendedAt != "" {
		v := string(state.SuspendedAt)
		suspended = &v
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO copilot_checkpoints (session_id, state, suspended_stage, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id)
		DO UPDATE SET state = $2, suspended_stage = $3, updated_at = NOW()
	`, state.SessionID, raw, suspended)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) Get(ctx context.Context, sessionID string) (*workflow.State, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT state FROM copilot_checkpoints WHERE session_id = $1
	`, sessionID).Scan(&raw)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var state workflow.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

func (s *PostgresCheckpointStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM copilot_checkpoints WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}
