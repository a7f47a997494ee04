// Package pricing assembles the inputs for a locate-fee calculation,
// invokes the formula kernel, and owns the request's in-flight state:
// result-cache probe, five-way fan-out, fallback policy, audit emission.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/stocklend/borrowdesk/internal/config"
	kernel "github.com/stocklend/borrowdesk/internal/domain/pricing"
	"github.com/stocklend/borrowdesk/internal/infrastructure/cache"
	"github.com/stocklend/borrowdesk/internal/infrastructure/feeds"
	"github.com/stocklend/borrowdesk/internal/models"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

// SecurityStore reads security reference rows.
type SecurityStore interface {
	GetSecurity(ctx context.Context, ticker string) (models.Security, error)
}

// BrokerStore reads active broker configurations.
type BrokerStore interface {
	GetActiveBrokerConfig(ctx context.Context, clientID string) (models.BrokerConfig, error)
}

// RateSource resolves borrow-rate quotes; fallback is internal to it.
type RateSource interface {
	Quote(ctx context.Context, ticker string) models.BorrowRateQuote
}

// VolatilitySource resolves the current volatility index.
type VolatilitySource interface {
	Index(ctx context.Context, ticker string) feeds.IndexResult
}

// EventRiskSource resolves the event-risk factor.
type EventRiskSource interface {
	RiskFactor(ctx context.Context, ticker string) feeds.RiskResult
}

// Orchestrator drives fee and rate calculations.
type Orchestrator struct {
	cfg        config.PricingConfig
	tier       *cache.Tier
	securities SecurityStore
	brokers    BrokerStore
	rates      RateSource
	volatility VolatilitySource
	events     EventRiskSource
	audit      *AuditQueue

	group singleflight.Group
	log   zerolog.Logger
	now   func() time.Time
}

func NewOrchestrator(
	cfg config.PricingConfig,
	tier *cache.Tier,
	securities SecurityStore,
	brokers BrokerStore,
	rates RateSource,
	volatility VolatilitySource,
	events EventRiskSource,
	audit *AuditQueue,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		tier:       tier,
		securities: securities,
		brokers:    brokers,
		rates:      rates,
		volatility: volatility,
		events:     events,
		audit:      audit,
		log:        log.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

// assembled carries the resolved fan-out inputs into the kernel step.
type assembled struct {
	security models.Security
	broker   models.BrokerConfig
	quote    models.BorrowRateQuote
	vol      feeds.IndexResult
	risk     feeds.RiskResult
}

// ComputeFee prices a locate for client/ticker. Identical requests inside
// the result-cache TTL return the cached result; a concurrent burst of
// identical requests performs one computation.
func (o *Orchestrator) ComputeFee(ctx context.Context, clientID, ticker string, positionValue decimal.Decimal, loanDays int) (models.CalculationResult, error) {
	ticker, err := NormalizeTicker(ticker)
	if err != nil {
		return models.CalculationResult{}, err
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return models.CalculationResult{}, fmt.Errorf("client_id is required: %w", models.ErrValidation)
	}
	if !positionValue.IsPositive() {
		return models.CalculationResult{}, fmt.Errorf("position_value must be positive: %w", models.ErrValidation)
	}
	if loanDays <= 0 {
		return models.CalculationResult{}, fmt.Errorf("loan_days must be positive: %w", models.ErrValidation)
	}

	fp := Fingerprint(clientID, ticker, positionValue, loanDays)
	if data, ok := o.tier.Get(ctx, cache.CategoryCalculation, fp); ok {
		var cached models.CalculationResult
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
	}

	v, err, _ := o.group.Do(fp, func() (interface{}, error) {
		return o.computeFee(ctx, fp, clientID, ticker, positionValue, loanDays)
	})
	if err != nil {
		return models.CalculationResult{}, err
	}
	return v.(models.CalculationResult), nil
}

func (o *Orchestrator) computeFee(ctx context.Context, fp, clientID, ticker string, positionValue decimal.Decimal, loanDays int) (models.CalculationResult, error) {
	in, err := o.assemble(ctx, ticker, &clientID)
	if err != nil {
		return models.CalculationResult{}, err
	}

	rate, err := kernel.BorrowRate(kernel.RateInputs{
		BaseRate:        in.quote.AnnualizedRate,
		VolatilityIndex: in.vol.Index,
		EventRiskFactor: in.risk.Factor,
		TickerMinRate:   in.security.MinBorrowRate,
		GlobalMinRate:   o.cfg.GlobalMinRate,
		VolFactor:       o.cfg.VolFactor,
		EventFactor:     o.cfg.EventFactor,
	})
	if err != nil {
		// Inputs were validated and fallbacks are non-negative; a kernel
		// rejection here is a bug, not a client error.
		return models.CalculationResult{}, fmt.Errorf("borrow rate kernel: %v: %w", err, models.ErrInternal)
	}

	breakdown, err := kernel.Fee(kernel.FeeInputs{
		AnnualRate:    rate,
		PositionValue: positionValue,
		LoanDays:      loanDays,
		DaysInYear:    o.cfg.DaysInYear,
		MarkupPct:     in.broker.MarkupPct,
		TxnFeeType:    in.broker.TxnFeeType,
		TxnFeeAmount:  in.broker.TxnFeeAmount,
	})
	if err != nil {
		return models.CalculationResult{}, fmt.Errorf("fee kernel: %v: %w", err, models.ErrInternal)
	}

	result := models.CalculationResult{
		Fingerprint:    fp,
		Ticker:         ticker,
		ClientID:       clientID,
		PositionValue:  positionValue,
		LoanDays:       loanDays,
		BorrowRateUsed: rate,
		BorrowStatus:   resolveBorrowStatus(in.quote, in.security),
		Breakdown:      breakdown,
		RateSource:     in.quote.Source,
		Timestamp:      o.now().UTC(),
	}

	if data, err := json.Marshal(result); err == nil {
		o.tier.Put(ctx, cache.CategoryCalculation, fp, data)
	}

	o.audit.Enqueue(models.AuditRecord{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		ClientID:    clientID,
		Ticker:      ticker,
		Inputs: models.CalculationInputs{
			Ticker:        ticker,
			ClientID:      clientID,
			PositionValue: positionValue,
			LoanDays:      loanDays,
		},
		Result: result,
		Provenance: models.InputProvenance{
			Rate:       in.quote.Source,
			Volatility: in.vol.Source,
			EventRisk:  in.risk.Source,
		},
		Timestamp: result.Timestamp,
	})

	return result, nil
}

// CurrentRate resolves the effective borrow rate for a ticker: the same
// input assembly as a fee calculation minus the broker and fee steps. No
// audit record is emitted.
func (o *Orchestrator) CurrentRate(ctx context.Context, ticker string) (models.BorrowRateQuote, error) {
	ticker, err := NormalizeTicker(ticker)
	if err != nil {
		return models.BorrowRateQuote{}, err
	}

	in, err := o.assemble(ctx, ticker, nil)
	if err != nil {
		return models.BorrowRateQuote{}, err
	}

	rate, err := kernel.BorrowRate(kernel.RateInputs{
		BaseRate:        in.quote.AnnualizedRate,
		VolatilityIndex: in.vol.Index,
		EventRiskFactor: in.risk.Factor,
		TickerMinRate:   in.security.MinBorrowRate,
		GlobalMinRate:   o.cfg.GlobalMinRate,
		VolFactor:       o.cfg.VolFactor,
		EventFactor:     o.cfg.EventFactor,
	})
	if err != nil {
		return models.BorrowRateQuote{}, fmt.Errorf("borrow rate kernel: %v: %w", err, models.ErrInternal)
	}

	return models.BorrowRateQuote{
		Ticker:         ticker,
		AnnualizedRate: rate,
		Status:         resolveBorrowStatus(in.quote, in.security),
		AsOf:           in.quote.AsOf,
		Source:         in.quote.Source,
	}, nil
}

// assemble fans out the input lookups concurrently. Reference-store misses
// are fatal and cancel the remaining branches; feed branches cannot fail,
// they fall back internally. clientID nil skips the broker lookup.
func (o *Orchestrator) assemble(ctx context.Context, ticker string, clientID *string) (assembled, error) {
	var in assembled

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sec, err := o.cachedSecurity(gctx, ticker)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("%s: %w", ticker, models.ErrTickerNotFound)
			}
			return err
		}
		in.security = sec
		return nil
	})
	if clientID != nil {
		id := *clientID
		g.Go(func() error {
			broker, err := o.cachedBroker(gctx, id)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return fmt.Errorf("%s: %w", id, models.ErrClientNotFound)
				}
				return err
			}
			in.broker = broker
			return nil
		})
	}
	g.Go(func() error {
		in.quote = o.rates.Quote(gctx, ticker)
		return nil
	})
	g.Go(func() error {
		in.vol = o.volatility.Index(gctx, ticker)
		return nil
	})
	g.Go(func() error {
		in.risk = o.events.RiskFactor(gctx, ticker)
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return assembled{}, fmt.Errorf("input assembly: %w", models.ErrTimeout)
		}
		return assembled{}, err
	}
	if ctx.Err() != nil {
		return assembled{}, fmt.Errorf("input assembly: %w", models.ErrTimeout)
	}
	return in, nil
}

func (o *Orchestrator) cachedSecurity(ctx context.Context, ticker string) (models.Security, error) {
	data, _, err := o.tier.GetOrLoad(ctx, cache.CategorySecurity, ticker, func(ctx context.Context) ([]byte, error) {
		sec, err := o.securities.GetSecurity(ctx, ticker)
		if err != nil {
			return nil, err
		}
		return json.Marshal(sec)
	})
	if err != nil {
		return models.Security{}, err
	}
	var sec models.Security
	if err := json.Unmarshal(data, &sec); err != nil {
		return models.Security{}, fmt.Errorf("decode cached security: %w", err)
	}
	return sec, nil
}

func (o *Orchestrator) cachedBroker(ctx context.Context, clientID string) (models.BrokerConfig, error) {
	data, _, err := o.tier.GetOrLoad(ctx, cache.CategoryBroker, clientID, func(ctx context.Context) ([]byte, error) {
		cfg, err := o.brokers.GetActiveBrokerConfig(ctx, clientID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cfg)
	})
	if err != nil {
		return models.BrokerConfig{}, err
	}
	var cfg models.BrokerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return models.BrokerConfig{}, fmt.Errorf("decode cached broker config: %w", err)
	}
	return cfg, nil
}

// ClientTier resolves the admission tier for a client from the cached
// broker configuration only. It runs ahead of rate limiting, so it must
// never trigger a store lookup; a client not yet in cache is admitted at
// the standard tier and refined once a priced request populates it. The
// pricing path reports a missing client itself.
func (o *Orchestrator) ClientTier(ctx context.Context, clientID string) models.ClientTier {
	data, ok := o.tier.Get(ctx, cache.CategoryBroker, clientID)
	if !ok {
		return models.TierStandard
	}
	var cfg models.BrokerConfig
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.Tier == "" {
		return models.TierStandard
	}
	return cfg.Tier
}

// resolveBorrowStatus prefers the feed's live view of borrow difficulty;
// once the rate comes from any fallback tier the persisted reference row
// is authoritative.
func resolveBorrowStatus(quote models.BorrowRateQuote, sec models.Security) models.BorrowStatus {
	if !quote.Source.Fallback() && quote.Status != "" {
		return quote.Status
	}
	return sec.BorrowStatus
}

// NormalizeTicker uppercases and validates a ticker symbol.
func NormalizeTicker(raw string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(raw))
	if !tickerPattern.MatchString(t) {
		return "", fmt.Errorf("ticker %q must be 1-10 alphanumeric characters: %w", raw, models.ErrValidation)
	}
	return t, nil
}
