package pricing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/infrastructure/cache"
	"github.com/stocklend/borrowdesk/internal/infrastructure/feeds"
	"github.com/stocklend/borrowdesk/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubSecurities struct {
	sec   models.Security
	err   error
	calls int
}

func (s *stubSecurities) GetSecurity(ctx context.Context, ticker string) (models.Security, error) {
	s.calls++
	if s.err != nil {
		return models.Security{}, s.err
	}
	return s.sec, nil
}

type stubBrokers struct {
	cfg   models.BrokerConfig
	err   error
	calls int
}

func (s *stubBrokers) GetActiveBrokerConfig(ctx context.Context, clientID string) (models.BrokerConfig, error) {
	s.calls++
	if s.err != nil {
		return models.BrokerConfig{}, s.err
	}
	return s.cfg, nil
}

type stubRates struct {
	quote models.BorrowRateQuote
	calls int
}

func (s *stubRates) Quote(ctx context.Context, ticker string) models.BorrowRateQuote {
	s.calls++
	return s.quote
}

type stubVolatility struct{ result feeds.IndexResult }

func (s *stubVolatility) Index(ctx context.Context, ticker string) feeds.IndexResult {
	return s.result
}

type stubEvents struct{ result feeds.RiskResult }

func (s *stubEvents) RiskFactor(ctx context.Context, ticker string) feeds.RiskResult {
	return s.result
}

type captureSink struct {
	mu   sync.Mutex
	recs []models.AuditRecord
}

func (c *captureSink) Insert(ctx context.Context, rec models.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureSink) records() []models.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.AuditRecord, len(c.recs))
	copy(out, c.recs)
	return out
}

type fixture struct {
	orc        *Orchestrator
	securities *stubSecurities
	brokers    *stubBrokers
	rates      *stubRates
	vol        *stubVolatility
	events     *stubEvents
	audit      *AuditQueue
	sink       *captureSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tier := cache.New(cache.NewLocal(128), nil, map[string]time.Duration{
		cache.CategorySecurity:    time.Minute,
		cache.CategoryBroker:      time.Minute,
		cache.CategoryCalculation: time.Minute,
	})

	f := &fixture{
		securities: &stubSecurities{sec: models.Security{
			Ticker:        "AAPL",
			BorrowStatus:  models.BorrowStatusEasy,
			MinBorrowRate: dec("0.003"),
		}},
		brokers: &stubBrokers{cfg: models.BrokerConfig{
			ClientID:     "client-1",
			MarkupPct:    dec("5.0"),
			TxnFeeType:   models.TxnFeeFlat,
			TxnFeeAmount: dec("25.0"),
			Tier:         models.TierStandard,
			Active:       true,
		}},
		rates: &stubRates{quote: models.BorrowRateQuote{
			Ticker:         "AAPL",
			AnnualizedRate: dec("0.05"),
			Status:         models.BorrowStatusEasy,
			Source:         models.SourceLiveFeed,
		}},
		vol:    &stubVolatility{result: feeds.IndexResult{Index: dec("20.0"), Source: models.SourceLiveFeed}},
		events: &stubEvents{result: feeds.RiskResult{Factor: 0, Source: models.SourceLiveFeed}},
		sink:   &captureSink{},
	}

	f.audit = NewAuditQueue(f.sink, 64, time.Second, zerolog.Nop())
	f.audit.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.audit.Close(ctx)
	})

	f.orc = NewOrchestrator(
		config.PricingConfig{
			GlobalMinRate: dec("0.0001"),
			VolFactor:     dec("0.01"),
			EventFactor:   dec("0.05"),
			DaysInYear:    365,
		},
		tier,
		f.securities, f.brokers, f.rates, f.vol, f.events,
		f.audit,
		zerolog.Nop(),
	)
	return f
}

func TestComputeFeeBaseline(t *testing.T) {
	f := newFixture(t)

	// base 0.05 at vix 20, no event risk: 0.05 * 1.20 = 0.06.
	res, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 30)
	require.NoError(t, err)

	assert.True(t, res.BorrowRateUsed.Equal(dec("0.06")), "rate %s", res.BorrowRateUsed)
	assert.True(t, res.Breakdown.BorrowCost.Equal(dec("493.15")), "cost %s", res.Breakdown.BorrowCost)
	assert.True(t, res.Breakdown.Markup.Equal(dec("24.66")), "markup %s", res.Breakdown.Markup)
	assert.True(t, res.Breakdown.TransactionFees.Equal(dec("25.00")), "fees %s", res.Breakdown.TransactionFees)
	assert.True(t, res.Breakdown.TotalFee.Equal(dec("542.81")), "total %s", res.Breakdown.TotalFee)
	assert.Equal(t, models.BorrowStatusEasy, res.BorrowStatus)
	assert.Equal(t, models.SourceLiveFeed, res.RateSource)
	assert.Equal(t, "AAPL", res.Ticker)
	assert.NotEmpty(t, res.Fingerprint)
}

func TestComputeFeePercentageTxnFee(t *testing.T) {
	f := newFixture(t)
	f.brokers.cfg.TxnFeeType = models.TxnFeePercentage
	f.brokers.cfg.TxnFeeAmount = dec("0.5")

	res, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 30)
	require.NoError(t, err)

	assert.True(t, res.Breakdown.TransactionFees.Equal(dec("500.00")), "fees %s", res.Breakdown.TransactionFees)
}

func TestComputeFeeTickerMinRateFloor(t *testing.T) {
	f := newFixture(t)
	f.rates.quote.AnnualizedRate = dec("0.001")
	f.vol.result.Index = decimal.Zero
	f.securities.sec.MinBorrowRate = dec("0.05")

	res, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 30)
	require.NoError(t, err)

	assert.True(t, res.BorrowRateUsed.Equal(dec("0.05")), "rate %s", res.BorrowRateUsed)
}

func TestComputeFeeFallbackProvenance(t *testing.T) {
	f := newFixture(t)
	f.securities.sec.BorrowStatus = models.BorrowStatusHard
	f.rates.quote = models.BorrowRateQuote{
		Ticker:         "AAPL",
		AnnualizedRate: dec("0.0001"),
		Source:         models.SourceGlobalDefault,
	}
	f.vol.result.Source = models.SourceStaleCache
	f.events.result.Source = models.SourceGlobalDefault

	res, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 30)
	require.NoError(t, err)

	// The rate bypassed the feed, so the reference row decides the status.
	assert.Equal(t, models.BorrowStatusHard, res.BorrowStatus)
	assert.Equal(t, models.SourceGlobalDefault, res.RateSource)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.audit.Close(ctx))

	recs := f.sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, models.SourceGlobalDefault, recs[0].Provenance.Rate)
	assert.Equal(t, models.SourceStaleCache, recs[0].Provenance.Volatility)
	assert.Equal(t, res.Fingerprint, recs[0].Fingerprint)
	assert.Equal(t, "client-1", recs[0].ClientID)
}

func TestComputeFeeResultCache(t *testing.T) {
	f := newFixture(t)

	first, err := f.orc.ComputeFee(context.Background(), "client-1", "aapl", dec("100000"), 30)
	require.NoError(t, err)

	// Identical request inside the TTL: served from the result cache, no
	// second round of lookups.
	second, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 30)
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.True(t, first.Breakdown.TotalFee.Equal(second.Breakdown.TotalFee))
	assert.Equal(t, first.Timestamp, second.Timestamp)
	assert.Equal(t, 1, f.rates.calls)
	assert.Equal(t, 1, f.securities.calls)
	assert.Equal(t, 1, f.brokers.calls)

	// Different loan days: a distinct fingerprint, computed fresh.
	third, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 31)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
	assert.Equal(t, 2, f.rates.calls)
}

func TestComputeFeeValidation(t *testing.T) {
	f := newFixture(t)

	cases := map[string]func() error{
		"empty ticker": func() error {
			_, err := f.orc.ComputeFee(context.Background(), "client-1", "", dec("100000"), 30)
			return err
		},
		"bad ticker chars": func() error {
			_, err := f.orc.ComputeFee(context.Background(), "client-1", "AA-PL", dec("100000"), 30)
			return err
		},
		"ticker too long": func() error {
			_, err := f.orc.ComputeFee(context.Background(), "client-1", "ABCDEFGHIJK", dec("100000"), 30)
			return err
		},
		"empty client": func() error {
			_, err := f.orc.ComputeFee(context.Background(), "  ", "AAPL", dec("100000"), 30)
			return err
		},
		"zero position": func() error {
			_, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", decimal.Zero, 30)
			return err
		},
		"negative position": func() error {
			_, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("-1"), 30)
			return err
		},
		"zero days": func() error {
			_, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 0)
			return err
		},
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), models.ErrValidation)
		})
	}
}

func TestComputeFeeUnknownTicker(t *testing.T) {
	f := newFixture(t)
	f.securities.err = models.ErrNotFound

	_, err := f.orc.ComputeFee(context.Background(), "client-1", "ZZZZ", dec("100000"), 30)
	assert.ErrorIs(t, err, models.ErrTickerNotFound)
}

func TestComputeFeeUnknownClient(t *testing.T) {
	f := newFixture(t)
	f.brokers.err = models.ErrNotFound

	_, err := f.orc.ComputeFee(context.Background(), "ghost", "AAPL", dec("100000"), 30)
	assert.ErrorIs(t, err, models.ErrClientNotFound)
}

func TestComputeFeeDeadline(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.orc.ComputeFee(ctx, "client-1", "AAPL", dec("100000"), 30)
	assert.ErrorIs(t, err, models.ErrTimeout)
}

func TestCurrentRateLiveStatusWins(t *testing.T) {
	f := newFixture(t)
	f.securities.sec.BorrowStatus = models.BorrowStatusEasy
	f.rates.quote.Status = models.BorrowStatusHard

	q, err := f.orc.CurrentRate(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", q.Ticker)
	assert.Equal(t, models.BorrowStatusHard, q.Status, "live feed status is authoritative")
	assert.True(t, q.AnnualizedRate.Equal(dec("0.06")), "rate %s", q.AnnualizedRate)
	assert.Equal(t, models.SourceLiveFeed, q.Source)
	assert.Equal(t, 0, f.brokers.calls, "rate lookups never touch broker config")
}

func TestCurrentRateUnknownTicker(t *testing.T) {
	f := newFixture(t)
	f.securities.err = models.ErrNotFound

	_, err := f.orc.CurrentRate(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, models.ErrTickerNotFound)
}

func TestClientTierCacheOnly(t *testing.T) {
	f := newFixture(t)
	f.brokers.cfg.Tier = models.TierPremium

	// Tier resolution runs before admission, so it must never reach the
	// broker store; an uncached client is admitted at the standard tier.
	assert.Equal(t, models.TierStandard, f.orc.ClientTier(context.Background(), "client-1"))
	assert.Equal(t, 0, f.brokers.calls)

	_, err := f.orc.ComputeFee(context.Background(), "client-1", "AAPL", dec("100000"), 30)
	require.NoError(t, err)
	require.Equal(t, 1, f.brokers.calls)

	// The priced request cached the broker config; the tier now resolves
	// from it without another store read.
	assert.Equal(t, models.TierPremium, f.orc.ClientTier(context.Background(), "client-1"))
	assert.Equal(t, 1, f.brokers.calls)
}

func TestFingerprintCanonicalization(t *testing.T) {
	base := Fingerprint("client-1", "AAPL", dec("100000"), 30)

	// Ticker case and decimal rendering never split identical requests.
	assert.Equal(t, base, Fingerprint("client-1", "aapl", dec("100000"), 30))
	assert.Equal(t, base, Fingerprint("client-1", "AAPL", dec("100000.00"), 30))
	assert.Equal(t, base, Fingerprint(" client-1 ", "AAPL", dec("100000"), 30))

	assert.NotEqual(t, base, Fingerprint("client-1", "AAPL", dec("100000"), 31))
	assert.NotEqual(t, base, Fingerprint("client-1", "AAPL", dec("100000.01"), 30))
	assert.NotEqual(t, base, Fingerprint("client-2", "AAPL", dec("100000"), 30))
}
