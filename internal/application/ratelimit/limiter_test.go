package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/models"
)

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		StandardPerMinute: 60,
		PremiumPerMinute:  300,
		InternalPerMinute: 1000,
		Burst:             100,
	}
}

func TestAllowLocalOnly(t *testing.T) {
	l := New(testLimits(), nil, zerolog.Nop())

	// Burst capacity admits the full burst instantly.
	for i := 0; i < 100; i++ {
		_, err := l.Allow(context.Background(), "client-1", models.TierStandard)
		require.NoError(t, err, "request %d", i)
	}

	// The bucket is drained; the next request is rejected.
	retryAfter, err := l.Allow(context.Background(), "client-1", models.TierStandard)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Other clients have their own buckets.
	_, err = l.Allow(context.Background(), "client-2", models.TierStandard)
	assert.NoError(t, err)
}

func TestAllowSharedWindowRejectsAtLimit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := New(testLimits(), client, zerolog.Nop())

	frozen := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return frozen }
	key := fmt.Sprintf("ratelimit:client-1:%d", frozen.Unix()/60)

	// 60th request within the window: admitted.
	mock.ExpectIncr(key).SetVal(60)
	_, err := l.Allow(context.Background(), "client-1", models.TierStandard)
	require.NoError(t, err)

	// 61st request: rejected with a retry hint inside the window.
	mock.ExpectIncr(key).SetVal(61)
	retryAfter, err := l.Allow(context.Background(), "client-1", models.TierStandard)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.Equal(t, time.Minute, retryAfter)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowFirstHitSetsWindowExpiry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := New(testLimits(), client, zerolog.Nop())

	frozen := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return frozen }
	key := fmt.Sprintf("ratelimit:premium-1:%d", frozen.Unix()/60)

	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, 2*time.Minute).SetVal(true)

	_, err := l.Allow(context.Background(), "premium-1", models.TierPremium)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowRedisOutageFailsOpen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := New(testLimits(), client, zerolog.Nop())

	frozen := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return frozen }
	key := fmt.Sprintf("ratelimit:client-1:%d", frozen.Unix()/60)

	mock.ExpectIncr(key).SetErr(fmt.Errorf("connection refused"))

	_, err := l.Allow(context.Background(), "client-1", models.TierStandard)
	assert.NoError(t, err, "shared-state outage must not reject traffic")
}

func TestTierBudgets(t *testing.T) {
	l := New(testLimits(), nil, zerolog.Nop())

	assert.Equal(t, 60, l.perMinute(models.TierStandard))
	assert.Equal(t, 300, l.perMinute(models.TierPremium))
	assert.Equal(t, 1000, l.perMinute(models.TierInternal))
	assert.Equal(t, 60, l.perMinute(models.ClientTier("unknown")))
}
