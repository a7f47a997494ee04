package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stocklend/borrowdesk/internal/models"
)

// BrokerConfigsRepo reads the broker_configs table.
type BrokerConfigsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewBrokerConfigsRepo(db *sqlx.DB, timeout time.Duration) *BrokerConfigsRepo {
	return &BrokerConfigsRepo{db: db, timeout: timeout}
}

// GetActiveBrokerConfig returns the single active config for a client.
// Inactive or unknown clients report ErrNotFound; the orchestrator maps
// that to ClientNotFound.
func (r *BrokerConfigsRepo) GetActiveBrokerConfig(ctx context.Context, clientID string) (models.BrokerConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT client_id, markup_pct, txn_fee_type, txn_fee_amount, tier, active
		FROM broker_configs
		WHERE client_id = $1 AND active = TRUE`

	var cfg models.BrokerConfig
	err := r.db.GetContext(ctx, &cfg, query, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BrokerConfig{}, fmt.Errorf("broker config %s: %w", clientID, models.ErrNotFound)
	}
	if err != nil {
		return models.BrokerConfig{}, fmt.Errorf("get broker config %s: %w", clientID, err)
	}
	return cfg, nil
}
