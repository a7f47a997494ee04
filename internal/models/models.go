package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BorrowStatus categorizes how hard a security is to locate.
type BorrowStatus string

const (
	BorrowStatusEasy   BorrowStatus = "EASY"
	BorrowStatusMedium BorrowStatus = "MEDIUM"
	BorrowStatusHard   BorrowStatus = "HARD"
)

// TxnFeeType selects how BrokerConfig.TxnFeeAmount is interpreted.
type TxnFeeType string

const (
	TxnFeeFlat       TxnFeeType = "FLAT"
	TxnFeePercentage TxnFeeType = "PERCENTAGE"
)

// ClientTier drives per-client admission limits.
type ClientTier string

const (
	TierStandard ClientTier = "standard"
	TierPremium  ClientTier = "premium"
	TierInternal ClientTier = "internal"
)

// Provenance tags where a resolved pricing input actually came from.
type Provenance string

const (
	SourceLiveFeed      Provenance = "LIVE_FEED"
	SourceFreshCache    Provenance = "FRESH_CACHE"
	SourceStaleCache    Provenance = "FALLBACK_STALE_CACHE"
	SourceStoredMinRate Provenance = "FALLBACK_MIN_RATE"
	SourceGlobalDefault Provenance = "FALLBACK_GLOBAL_DEFAULT"
)

// Fallback reports whether the value bypassed the live feed entirely.
func (p Provenance) Fallback() bool {
	switch p {
	case SourceStaleCache, SourceStoredMinRate, SourceGlobalDefault:
		return true
	}
	return false
}

// Security is a persisted reference row for a borrowable instrument.
type Security struct {
	Ticker        string       `db:"ticker" json:"ticker"`
	BorrowStatus  BorrowStatus `db:"borrow_status" json:"borrow_status"`
	MinBorrowRate decimal.Decimal `db:"min_borrow_rate" json:"min_borrow_rate"`
	LastUpdated   time.Time    `db:"last_updated" json:"last_updated"`
}

// BrokerConfig is the per-client markup and transaction-fee policy.
// Exactly one active row exists per client_id.
type BrokerConfig struct {
	ClientID     string          `db:"client_id" json:"client_id"`
	MarkupPct    decimal.Decimal `db:"markup_pct" json:"markup_pct"`
	TxnFeeType   TxnFeeType      `db:"txn_fee_type" json:"txn_fee_type"`
	TxnFeeAmount decimal.Decimal `db:"txn_fee_amount" json:"txn_fee_amount"`
	Tier         ClientTier      `db:"tier" json:"tier"`
	Active       bool            `db:"active" json:"active"`
}

// VolatilitySample is an ephemeral market observation for a ticker.
type VolatilitySample struct {
	Ticker          string          `json:"ticker"`
	VolatilityIndex decimal.Decimal `json:"vix_like_index"`
	EventRiskFactor int             `json:"event_risk_factor"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// BorrowRateQuote is an annualized borrow rate for a ticker.
type BorrowRateQuote struct {
	Ticker         string          `json:"ticker"`
	AnnualizedRate decimal.Decimal `json:"annualized_rate"`
	Status         BorrowStatus    `json:"status"`
	AsOf           time.Time       `json:"as_of"`
	Source         Provenance      `json:"source"`
}

// FallbackMinRate is the persisted per-ticker floor used when the
// live rate feed is unavailable.
type FallbackMinRate struct {
	Ticker    string          `db:"ticker" json:"ticker"`
	Rate      decimal.Decimal `db:"rate" json:"rate"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// FeeBreakdown holds the components of a locate fee.
// TotalFee = BorrowCost + Markup + TransactionFees, each rounded to cents.
type FeeBreakdown struct {
	BorrowCost      decimal.Decimal `json:"borrow_cost"`
	Markup          decimal.Decimal `json:"markup"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
	TotalFee        decimal.Decimal `json:"total_fee"`
}

// CalculationResult is the full outcome of a fee calculation.
type CalculationResult struct {
	Fingerprint    string          `json:"fingerprint"`
	Ticker         string          `json:"ticker"`
	ClientID       string          `json:"client_id"`
	PositionValue  decimal.Decimal `json:"position_value"`
	LoanDays       int             `json:"loan_days"`
	BorrowRateUsed decimal.Decimal `json:"borrow_rate_used"`
	BorrowStatus   BorrowStatus    `json:"borrow_status"`
	Breakdown      FeeBreakdown    `json:"breakdown"`
	RateSource     Provenance      `json:"rate_source"`
	Timestamp      time.Time       `json:"timestamp"`
}

// InputProvenance records where each feed-supplied input was resolved from.
type InputProvenance struct {
	Rate       Provenance `json:"rate"`
	Volatility Provenance `json:"volatility"`
	EventRisk  Provenance `json:"event_risk"`
}

// AuditRecord is the write-once durable copy of a calculation.
type AuditRecord struct {
	ID          string            `db:"id" json:"id"`
	Fingerprint string            `db:"fingerprint" json:"fingerprint"`
	ClientID    string            `db:"client_id" json:"client_id"`
	Ticker      string            `db:"ticker" json:"ticker"`
	Inputs      CalculationInputs `db:"-" json:"inputs"`
	Result      CalculationResult `db:"-" json:"result"`
	Provenance  InputProvenance   `db:"-" json:"provenance"`
	Timestamp   time.Time         `db:"ts" json:"timestamp"`
}

// CalculationInputs echoes the request verbatim for the audit trail.
type CalculationInputs struct {
	Ticker        string          `json:"ticker"`
	ClientID      string          `json:"client_id"`
	PositionValue decimal.Decimal `json:"position_value"`
	LoanDays      int             `json:"loan_days"`
}
