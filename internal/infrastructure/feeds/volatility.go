package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/infrastructure/cache"
	"github.com/stocklend/borrowdesk/internal/metrics"
	"github.com/stocklend/borrowdesk/internal/models"
)

// Volatility resolves the current VIX-like index for a ticker. On feed
// failure it falls back to the last cached observation, then the
// configured default index.
type Volatility struct {
	client       *client
	tier         *cache.Tier
	defaultIndex decimal.Decimal
	log          zerolog.Logger
	now          func() time.Time
}

func NewVolatility(cfg config.FeedConfig, tier *cache.Tier, defaultIndex decimal.Decimal, log zerolog.Logger) *Volatility {
	return &Volatility{
		client:       newClient(FeedVolatility, cfg, log),
		tier:         tier,
		defaultIndex: defaultIndex,
		log:          log.With().Str("feed", FeedVolatility).Logger(),
		now:          time.Now,
	}
}

type volatilityPayload struct {
	Index decimal.Decimal `json:"index"`
	AsOf  time.Time       `json:"as_of"`
}

type volatilityResponse struct {
	Value *decimal.Decimal `json:"value"`
}

// IndexResult is a resolved volatility observation with provenance.
type IndexResult struct {
	Index      decimal.Decimal
	ObservedAt time.Time
	Source     models.Provenance
}

// Index returns the current volatility index for ticker, never erroring on
// feed trouble.
func (v *Volatility) Index(ctx context.Context, ticker string) IndexResult {
	data, src, err := v.tier.GetOrLoad(ctx, cache.CategoryVolatility, ticker, func(ctx context.Context) ([]byte, error) {
		return v.fetch(ctx, ticker)
	})
	if err == nil {
		var p volatilityPayload
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil {
			prov := models.SourceLiveFeed
			if src != cache.SourceLoader {
				prov = models.SourceFreshCache
			}
			return IndexResult{Index: p.Index, ObservedAt: p.AsOf, Source: prov}
		}
	}

	if !breakerOpen(err) {
		v.log.Warn().Err(err).Str("ticker", ticker).Msg("volatility feed unavailable, using fallback")
	}

	if data, _, ok := v.tier.GetStale(ctx, cache.CategoryVolatility, ticker); ok {
		var p volatilityPayload
		if err := json.Unmarshal(data, &p); err == nil {
			metrics.FeedFallbacks.WithLabelValues(FeedVolatility, string(models.SourceStaleCache)).Inc()
			return IndexResult{Index: p.Index, ObservedAt: p.AsOf, Source: models.SourceStaleCache}
		}
	}

	metrics.FeedFallbacks.WithLabelValues(FeedVolatility, string(models.SourceGlobalDefault)).Inc()
	return IndexResult{Index: v.defaultIndex, ObservedAt: v.now().UTC(), Source: models.SourceGlobalDefault}
}

func (v *Volatility) fetch(ctx context.Context, ticker string) ([]byte, error) {
	var resp volatilityResponse
	q := url.Values{"ticker": []string{ticker}}
	if err := v.client.getJSON(ctx, "/api/v1/volatility", q, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("volatility: response missing value")
	}
	if resp.Value.IsNegative() {
		return nil, fmt.Errorf("volatility: negative index %s", resp.Value)
	}
	return json.Marshal(volatilityPayload{Index: *resp.Value, AsOf: v.now().UTC()})
}

// BreakerState exposes the volatility breaker for health reporting.
func (v *Volatility) BreakerState() string {
	return v.client.State().String()
}
