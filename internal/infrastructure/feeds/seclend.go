package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/infrastructure/cache"
	"github.com/stocklend/borrowdesk/internal/metrics"
	"github.com/stocklend/borrowdesk/internal/models"
)

// MinRateStore supplies the persisted per-ticker fallback rate.
type MinRateStore interface {
	GetFallbackMinRate(ctx context.Context, ticker string) (models.FallbackMinRate, error)
}

// SecLend resolves annualized borrow rates. Feed failure is absorbed by the
// fallback chain: stale cache, then the persisted per-ticker minimum, then
// the configured global default; provenance rides on the returned quote.
type SecLend struct {
	client    *client
	tier      *cache.Tier
	store     MinRateStore
	globalMin decimal.Decimal
	log       zerolog.Logger
	now       func() time.Time
}

func NewSecLend(cfg config.FeedConfig, tier *cache.Tier, store MinRateStore, globalMin decimal.Decimal, log zerolog.Logger) *SecLend {
	return &SecLend{
		client:    newClient(FeedSecLend, cfg, log),
		tier:      tier,
		store:     store,
		globalMin: globalMin,
		log:       log.With().Str("feed", FeedSecLend).Logger(),
		now:       time.Now,
	}
}

// quotePayload is the cached wire form of a borrow-rate observation.
type quotePayload struct {
	Rate   decimal.Decimal     `json:"rate"`
	Status models.BorrowStatus `json:"status"`
	AsOf   time.Time           `json:"as_of"`
}

// secLendResponse is the upstream shape. Both fields are required; absence
// is a feed failure, unknown extra fields are ignored.
type secLendResponse struct {
	Rate   *decimal.Decimal `json:"rate"`
	Status *string          `json:"status"`
}

// Quote returns the borrow-rate quote for ticker. It never fails on feed
// trouble; the Source field records which tier produced the value.
func (s *SecLend) Quote(ctx context.Context, ticker string) models.BorrowRateQuote {
	data, src, err := s.tier.GetOrLoad(ctx, cache.CategoryBorrowRate, ticker, func(ctx context.Context) ([]byte, error) {
		return s.fetch(ctx, ticker)
	})
	if err == nil {
		var p quotePayload
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil {
			prov := models.SourceLiveFeed
			if src != cache.SourceLoader {
				prov = models.SourceFreshCache
			}
			return models.BorrowRateQuote{
				Ticker:         ticker,
				AnnualizedRate: p.Rate,
				Status:         p.Status,
				AsOf:           p.AsOf,
				Source:         prov,
			}
		}
	}

	if !breakerOpen(err) {
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("rate feed unavailable, using fallback")
	}
	return s.fallback(ctx, ticker)
}

func (s *SecLend) fetch(ctx context.Context, ticker string) ([]byte, error) {
	var resp secLendResponse
	q := url.Values{"ticker": []string{ticker}}
	if err := s.client.getJSON(ctx, "/api/v1/rates", q, &resp); err != nil {
		return nil, err
	}
	if resp.Rate == nil || resp.Status == nil {
		return nil, fmt.Errorf("seclend: response missing required fields")
	}
	if resp.Rate.IsNegative() {
		return nil, fmt.Errorf("seclend: negative rate %s", resp.Rate)
	}
	status, err := mapBorrowStatus(*resp.Status)
	if err != nil {
		return nil, err
	}
	return json.Marshal(quotePayload{
		Rate:   *resp.Rate,
		Status: status,
		AsOf:   s.now().UTC(),
	})
}

func (s *SecLend) fallback(ctx context.Context, ticker string) models.BorrowRateQuote {
	// Stale cache first: the most recent successful observation, expired
	// or not, beats the daily persisted floor.
	if data, _, ok := s.tier.GetStale(ctx, cache.CategoryBorrowRate, ticker); ok {
		var p quotePayload
		if err := json.Unmarshal(data, &p); err == nil {
			metrics.FeedFallbacks.WithLabelValues(FeedSecLend, string(models.SourceStaleCache)).Inc()
			return models.BorrowRateQuote{
				Ticker:         ticker,
				AnnualizedRate: p.Rate,
				Status:         p.Status,
				AsOf:           p.AsOf,
				Source:         models.SourceStaleCache,
			}
		}
	}

	if rate, ok := s.storedMinRate(ctx, ticker); ok {
		metrics.FeedFallbacks.WithLabelValues(FeedSecLend, string(models.SourceStoredMinRate)).Inc()
		return models.BorrowRateQuote{
			Ticker:         ticker,
			AnnualizedRate: rate,
			AsOf:           s.now().UTC(),
			Source:         models.SourceStoredMinRate,
		}
	}

	metrics.FeedFallbacks.WithLabelValues(FeedSecLend, string(models.SourceGlobalDefault)).Inc()
	return models.BorrowRateQuote{
		Ticker:         ticker,
		AnnualizedRate: s.globalMin,
		AsOf:           s.now().UTC(),
		Source:         models.SourceGlobalDefault,
	}
}

// storedMinRate reads the persisted per-ticker fallback through the cache
// tier so a Postgres blip cannot stall the fallback path.
func (s *SecLend) storedMinRate(ctx context.Context, ticker string) (decimal.Decimal, bool) {
	data, _, err := s.tier.GetOrLoad(ctx, cache.CategoryMinRate, ticker, func(ctx context.Context) ([]byte, error) {
		fb, err := s.store.GetFallbackMinRate(ctx, ticker)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fb)
	})
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.log.Warn().Err(err).Str("ticker", ticker).Msg("fallback min rate lookup failed")
		}
		return decimal.Zero, false
	}
	var fb models.FallbackMinRate
	if err := json.Unmarshal(data, &fb); err != nil {
		return decimal.Zero, false
	}
	return fb.Rate, true
}

func mapBorrowStatus(raw string) (models.BorrowStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "EASY", "ETB":
		return models.BorrowStatusEasy, nil
	case "MEDIUM":
		return models.BorrowStatusMedium, nil
	case "HARD", "HTB":
		return models.BorrowStatusHard, nil
	default:
		return "", fmt.Errorf("seclend: unknown borrow status %q", raw)
	}
}

// BreakerState exposes the SecLend breaker for health reporting.
func (s *SecLend) BreakerState() string {
	return s.client.State().String()
}
