package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stocklend/borrowdesk/internal/models"
)

// AuditRepo appends calculation audit records. Rows are write-once and
// indexed by (client_id, ts).
type AuditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewAuditRepo(db *sqlx.DB, timeout time.Duration) *AuditRepo {
	return &AuditRepo{db: db, timeout: timeout}
}

// Insert persists one audit record. Inputs, result and provenance are
// stored as JSONB so schema evolution never loses captured detail.
func (r *AuditRepo) Insert(ctx context.Context, rec models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal audit inputs: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal audit result: %w", err)
	}
	provenance, err := json.Marshal(rec.Provenance)
	if err != nil {
		return fmt.Errorf("marshal audit provenance: %w", err)
	}

	const query = `
		INSERT INTO audit_log (id, fingerprint, client_id, ticker, inputs, result, provenance, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.Fingerprint, rec.ClientID, rec.Ticker,
		inputs, result, provenance, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
