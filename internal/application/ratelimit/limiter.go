// Package ratelimit enforces per-client admission ahead of the pricing
// orchestrator. A local token bucket smooths bursts inside one replica; a
// shared Redis window keeps the per-minute count correct across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/metrics"
	"github.com/stocklend/borrowdesk/internal/models"
)

// Limiter gates requests per client identity. The Redis layer may be nil,
// in which case enforcement is local-only (single replica deployments).
type Limiter struct {
	cfg    config.LimitsConfig
	shared redis.UniversalClient

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	log zerolog.Logger
	now func() time.Time
}

func New(cfg config.LimitsConfig, shared redis.UniversalClient, log zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		shared:  shared,
		buckets: make(map[string]*rate.Limiter),
		log:     log.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
	}
}

// perMinute returns the tier's request budget.
func (l *Limiter) perMinute(tier models.ClientTier) int {
	switch tier {
	case models.TierPremium:
		return l.cfg.PremiumPerMinute
	case models.TierInternal:
		return l.cfg.InternalPerMinute
	default:
		return l.cfg.StandardPerMinute
	}
}

// Allow admits or rejects one request for clientID. On rejection the error
// wraps ErrRateLimited and retryAfter carries the Retry-After hint.
func (l *Limiter) Allow(ctx context.Context, clientID string, tier models.ClientTier) (retryAfter time.Duration, err error) {
	limit := l.perMinute(tier)
	if limit <= 0 {
		return 0, nil
	}

	if !l.bucket(clientID, limit).Allow() {
		metrics.RateLimited.WithLabelValues(string(tier)).Inc()
		return time.Second, fmt.Errorf("client %s: %w", clientID, models.ErrRateLimited)
	}

	if l.shared == nil {
		return 0, nil
	}

	// Fixed one-minute window shared across replicas. INCR+EXPIRE is
	// atomic enough here: an extra request on window rollover is
	// acceptable, sustained overrun is not.
	window := l.now().Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%d", clientID, window)

	count, redisErr := l.shared.Incr(ctx, key).Result()
	if redisErr != nil {
		// Shared state unavailable: admit on the local decision alone
		// rather than failing the request.
		l.log.Warn().Err(redisErr).Msg("shared rate-limit window unavailable")
		return 0, nil
	}
	if count == 1 {
		l.shared.Expire(ctx, key, 2*time.Minute)
	}
	if count > int64(limit) {
		metrics.RateLimited.WithLabelValues(string(tier)).Inc()
		nextWindow := time.Unix((window+1)*60, 0)
		return nextWindow.Sub(l.now()), fmt.Errorf("client %s: %w", clientID, models.ErrRateLimited)
	}
	return 0, nil
}

// bucket returns the local limiter for clientID, creating it on first use.
// Refill rate is the per-minute budget; burst capacity is shared config.
func (l *Limiter) bucket(clientID string, perMinute int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[clientID]; ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), l.cfg.Burst)
	l.buckets[clientID] = b
	return b
}
