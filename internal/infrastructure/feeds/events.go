package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/infrastructure/cache"
	"github.com/stocklend/borrowdesk/internal/metrics"
	"github.com/stocklend/borrowdesk/internal/models"
)

// defaultEventWeight applies to event types absent from the configured
// weight table.
const defaultEventWeight = 2

// Events resolves the corporate-event risk factor (0..10) for a ticker
// from the event-calendar feed. The aggregation policy is configurable;
// the default takes the maximum type weight over events inside the horizon.
type Events struct {
	client  *client
	tier    *cache.Tier
	horizon time.Duration
	weights map[string]int
	log     zerolog.Logger
	now     func() time.Time
}

func NewEvents(cfg config.FeedConfig, tier *cache.Tier, horizon time.Duration, weights map[string]int, log zerolog.Logger) *Events {
	return &Events{
		client:  newClient(FeedEvents, cfg, log),
		tier:    tier,
		horizon: horizon,
		weights: weights,
		log:     log.With().Str("feed", FeedEvents).Logger(),
		now:     time.Now,
	}
}

type eventsPayload struct {
	Factor int       `json:"factor"`
	AsOf   time.Time `json:"as_of"`
}

type eventsResponse struct {
	Events *[]upcomingEvent `json:"events"`
}

type upcomingEvent struct {
	Type        string    `json:"type"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// RiskResult is a resolved event-risk factor with provenance.
type RiskResult struct {
	Factor     int
	ObservedAt time.Time
	Source     models.Provenance
}

// RiskFactor returns the event-risk factor for ticker. Feed failure falls
// back to the last cached factor, then to zero risk.
func (e *Events) RiskFactor(ctx context.Context, ticker string) RiskResult {
	data, src, err := e.tier.GetOrLoad(ctx, cache.CategoryEventRisk, ticker, func(ctx context.Context) ([]byte, error) {
		return e.fetch(ctx, ticker)
	})
	if err == nil {
		var p eventsPayload
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil {
			prov := models.SourceLiveFeed
			if src != cache.SourceLoader {
				prov = models.SourceFreshCache
			}
			return RiskResult{Factor: p.Factor, ObservedAt: p.AsOf, Source: prov}
		}
	}

	if !breakerOpen(err) {
		e.log.Warn().Err(err).Str("ticker", ticker).Msg("event feed unavailable, using fallback")
	}

	if data, _, ok := e.tier.GetStale(ctx, cache.CategoryEventRisk, ticker); ok {
		var p eventsPayload
		if err := json.Unmarshal(data, &p); err == nil {
			metrics.FeedFallbacks.WithLabelValues(FeedEvents, string(models.SourceStaleCache)).Inc()
			return RiskResult{Factor: p.Factor, ObservedAt: p.AsOf, Source: models.SourceStaleCache}
		}
	}

	metrics.FeedFallbacks.WithLabelValues(FeedEvents, string(models.SourceGlobalDefault)).Inc()
	return RiskResult{Factor: 0, ObservedAt: e.now().UTC(), Source: models.SourceGlobalDefault}
}

func (e *Events) fetch(ctx context.Context, ticker string) ([]byte, error) {
	var resp eventsResponse
	q := url.Values{"ticker": []string{ticker}}
	if err := e.client.getJSON(ctx, "/api/v1/events", q, &resp); err != nil {
		return nil, err
	}
	if resp.Events == nil {
		return nil, fmt.Errorf("events: response missing events list")
	}
	return json.Marshal(eventsPayload{
		Factor: e.aggregate(*resp.Events),
		AsOf:   e.now().UTC(),
	})
}

// aggregate maps upcoming events to a single 0..10 factor: the maximum
// configured weight over events scheduled inside the horizon. Past events
// and events beyond the horizon contribute nothing.
func (e *Events) aggregate(events []upcomingEvent) int {
	now := e.now()
	cutoff := now.Add(e.horizon)

	factor := 0
	for _, ev := range events {
		if ev.ScheduledAt.Before(now) || ev.ScheduledAt.After(cutoff) {
			continue
		}
		w, ok := e.weights[strings.ToLower(strings.TrimSpace(ev.Type))]
		if !ok {
			w = defaultEventWeight
		}
		if w > factor {
			factor = w
		}
	}
	if factor > 10 {
		factor = 10
	}
	if factor < 0 {
		factor = 0
	}
	return factor
}

// BreakerState exposes the event-calendar breaker for health reporting.
func (e *Events) BreakerState() string {
	return e.client.State().String()
}
