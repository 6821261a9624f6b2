package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scholarwatch/scholarwatch/internal/store"
)

// SafetyStore implements store.SafetyStore.
type SafetyStore struct {
	pool Pool
}

// NewSafetyStore constructs a SafetyStore on the shared pool.
func NewSafetyStore(pool Pool) *SafetyStore {
	return &SafetyStore{pool: pool}
}

// Get returns the user's safety row, zero value when none exists.
func (s *SafetyStore) Get(ctx context.Context, userID uuid.UUID) (store.SafetyState, error) {
	query := `
		SELECT user_id, trigger_class, cooldown_until, rejections, alert_sent, updated_at
		FROM safety_states
		WHERE user_id = $1;`
	var st store.SafetyState
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&st.UserID,
		&st.TriggerClass,
		&st.CooldownUntil,
		&st.Rejections,
		&st.AlertSent,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SafetyState{UserID: userID}, nil
	}
	if err != nil {
		return store.SafetyState{}, fmt.Errorf("get safety state: %w", err)
	}
	return st, nil
}

// Put upserts the user's safety row.
func (s *SafetyStore) Put(ctx context.Context, state store.SafetyState) error {
	query := `
		INSERT INTO safety_states (user_id, trigger_class, cooldown_until, rejections, alert_sent, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id) DO UPDATE
		SET trigger_class = EXCLUDED.trigger_class,
			cooldown_until = EXCLUDED.cooldown_until,
			rejections = EXCLUDED.rejections,
			alert_sent = EXCLUDED.alert_sent,
			updated_at = EXCLUDED.updated_at;`
	_, err := s.pool.Exec(ctx, query,
		state.UserID, state.TriggerClass, state.CooldownUntil,
		state.Rejections, state.AlertSent, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put safety state: %w", err)
	}
	return nil
}

// ClearCooldown resets the breaker for the user.
func (s *SafetyStore) ClearCooldown(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM safety_states WHERE user_id = $1;`, userID)
	if err != nil {
		return fmt.Errorf("clear safety cooldown: %w", err)
	}
	return nil
}
