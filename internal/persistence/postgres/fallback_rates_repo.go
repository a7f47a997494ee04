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

// FallbackRatesRepo reads the fallback_min_rates table, the per-ticker
// floor of last resort when the rate feed is down.
type FallbackRatesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewFallbackRatesRepo(db *sqlx.DB, timeout time.Duration) *FallbackRatesRepo {
	return &FallbackRatesRepo{db: db, timeout: timeout}
}

// GetFallbackMinRate returns the persisted fallback rate for ticker, or
// ErrNotFound.
func (r *FallbackRatesRepo) GetFallbackMinRate(ctx context.Context, ticker string) (models.FallbackMinRate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT ticker, rate, updated_at
		FROM fallback_min_rates
		WHERE ticker = $1`

	var fb models.FallbackMinRate
	err := r.db.GetContext(ctx, &fb, query, ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FallbackMinRate{}, fmt.Errorf("fallback rate %s: %w", ticker, models.ErrNotFound)
	}
	if err != nil {
		return models.FallbackMinRate{}, fmt.Errorf("get fallback rate %s: %w", ticker, err)
	}
	return fb, nil
}
