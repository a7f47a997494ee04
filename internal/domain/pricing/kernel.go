// Package pricing implements the locate-fee formula kernel.
//
// Every function here is pure: no I/O, no logging, no clocks. Inputs are
// decimal-typed; binary floats never enter monetary math. Rounding is
// banker's (half-even), 4 places for rates and 2 for currency amounts,
// applied only when a component value crosses the kernel boundary.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stocklend/borrowdesk/internal/models"
)

// ErrInvalidInput reports a kernel input outside its domain. The
// orchestrator maps it to the ValidationError kind.
var ErrInvalidInput = errors.New("invalid input")

const (
	ratePlaces     = 4
	currencyPlaces = 2
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// RateInputs are the fully materialized inputs to the borrow-rate formula.
type RateInputs struct {
	BaseRate        decimal.Decimal // annualized live or fallback rate
	VolatilityIndex decimal.Decimal // raw index, e.g. 20.0
	EventRiskFactor int             // 0..10
	TickerMinRate   decimal.Decimal // per-security floor
	GlobalMinRate   decimal.Decimal // configured floor
	VolFactor       decimal.Decimal // default 0.01
	EventFactor     decimal.Decimal // default 0.05
}

// FeeInputs are the fully materialized inputs to the fee formula.
type FeeInputs struct {
	AnnualRate    decimal.Decimal
	PositionValue decimal.Decimal
	LoanDays      int
	DaysInYear    int
	MarkupPct     decimal.Decimal // percent, 5.0 == 5%
	TxnFeeType    models.TxnFeeType
	TxnFeeAmount  decimal.Decimal // dollars if FLAT, percent if PERCENTAGE
}

// BorrowRate applies the volatility and event-risk multiplier to the base
// rate, then floors the result at the ticker and global minimums:
//
//	adjusted = base × (1 + vix×volFactor + eventRisk×eventFactor)
//	rate     = max(adjusted, tickerMin, globalMin)
//
// The returned rate is rounded half-even to 4 places.
func BorrowRate(in RateInputs) (decimal.Decimal, error) {
	if in.BaseRate.IsNegative() || in.VolatilityIndex.IsNegative() ||
		in.TickerMinRate.IsNegative() || in.GlobalMinRate.IsNegative() {
		return decimal.Zero, ErrInvalidInput
	}
	if in.EventRiskFactor < 0 || in.EventRiskFactor > 10 {
		return decimal.Zero, ErrInvalidInput
	}

	multiplier := one.
		Add(in.VolatilityIndex.Mul(in.VolFactor)).
		Add(decimal.NewFromInt(int64(in.EventRiskFactor)).Mul(in.EventFactor))

	adjusted := in.BaseRate.Mul(multiplier)
	floored := decimal.Max(adjusted, in.TickerMinRate, in.GlobalMinRate)
	return floored.RoundBank(ratePlaces), nil
}

// Fee computes the full locate-fee breakdown:
//
//	borrow_cost      = position × rate × days / daysInYear
//	markup           = borrow_cost × markupPct / 100
//	transaction_fees = flat amount, or position × pct / 100
//	total            = borrow_cost + markup + transaction_fees
//
// Components are rounded to cents independently; the total is the exact sum
// of the rounded components, so total == cost + markup + fees always holds.
func Fee(in FeeInputs) (models.FeeBreakdown, error) {
	switch {
	case in.AnnualRate.IsNegative(),
		in.PositionValue.IsNegative(), in.PositionValue.IsZero(),
		in.MarkupPct.IsNegative(), in.TxnFeeAmount.IsNegative():
		return models.FeeBreakdown{}, ErrInvalidInput
	case in.LoanDays <= 0 || in.DaysInYear <= 0:
		return models.FeeBreakdown{}, ErrInvalidInput
	}

	days := decimal.NewFromInt(int64(in.LoanDays))
	year := decimal.NewFromInt(int64(in.DaysInYear))

	borrowCost := in.PositionValue.Mul(in.AnnualRate).Mul(days).Div(year)

	markup := borrowCost.Mul(in.MarkupPct).Div(hundred)

	var txnFees decimal.Decimal
	switch in.TxnFeeType {
	case models.TxnFeePercentage:
		txnFees = in.PositionValue.Mul(in.TxnFeeAmount).Div(hundred)
	case models.TxnFeeFlat:
		txnFees = in.TxnFeeAmount
	default:
		return models.FeeBreakdown{}, ErrInvalidInput
	}

	b := models.FeeBreakdown{
		BorrowCost:      borrowCost.RoundBank(currencyPlaces),
		Markup:          markup.RoundBank(currencyPlaces),
		TransactionFees: txnFees.RoundBank(currencyPlaces),
	}
	b.TotalFee = b.BorrowCost.Add(b.Markup).Add(b.TransactionFees)
	return b, nil
}
