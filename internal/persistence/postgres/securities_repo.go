// Package postgres implements the reference data store repositories over
// sqlx. Reads are indexed primary-key lookups; every write path lives in
// seed/admin tooling, never in request handling, except the append-only
// audit sink.
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

// SecuritiesRepo reads the securities table.
type SecuritiesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewSecuritiesRepo(db *sqlx.DB, timeout time.Duration) *SecuritiesRepo {
	return &SecuritiesRepo{db: db, timeout: timeout}
}

// GetSecurity returns the reference row for ticker, or ErrNotFound.
func (r *SecuritiesRepo) GetSecurity(ctx context.Context, ticker string) (models.Security, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT ticker, borrow_status, min_borrow_rate, last_updated
		FROM securities
		WHERE ticker = $1`

	var sec models.Security
	err := r.db.GetContext(ctx, &sec, query, ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Security{}, fmt.Errorf("security %s: %w", ticker, models.ErrNotFound)
	}
	if err != nil {
		return models.Security{}, fmt.Errorf("get security %s: %w", ticker, err)
	}
	return sec, nil
}
