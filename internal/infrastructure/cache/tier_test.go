package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		CategoryBorrowRate:  5 * time.Minute,
		CategoryVolatility:  15 * time.Minute,
		CategoryCalculation: time.Minute,
	}
}

func TestGetOrLoadMissLoadsAndCaches(t *testing.T) {
	tier := New(NewLocal(100), nil, testTTLs())
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{"rate":0.05}`), nil
	}

	data, src, err := tier.GetOrLoad(ctx, CategoryBorrowRate, "AAPL", load)
	require.NoError(t, err)
	assert.Equal(t, SourceLoader, src)
	assert.JSONEq(t, `{"rate":0.05}`, string(data))

	// Second read is an L1 hit; the loader must not run again.
	data, src, err = tier.GetOrLoad(ctx, CategoryBorrowRate, "AAPL", load)
	require.NoError(t, err)
	assert.Equal(t, SourceL1, src)
	assert.JSONEq(t, `{"rate":0.05}`, string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetOrLoadZeroTTLBypassesCache(t *testing.T) {
	tier := New(NewLocal(100), nil, testTTLs())
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("x"), nil
	}

	for i := 0; i < 3; i++ {
		_, src, err := tier.GetOrLoad(ctx, "uncachedcategory", "id", load)
		require.NoError(t, err)
		assert.Equal(t, SourceLoader, src)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetOrLoadSingleFlight(t *testing.T) {
	tier := New(NewLocal(100), nil, testTTLs())
	ctx := context.Background()

	var calls int32
	gate := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return []byte("shared"), nil
	}

	const waiters = 16
	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = tier.GetOrLoad(ctx, CategoryVolatility, "TSLA", load)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "burst must share one loader call")
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i])
	}
}

func TestGetOrLoadLoaderErrorFailsAllWaiters(t *testing.T) {
	tier := New(NewLocal(100), nil, testTTLs())
	ctx := context.Background()

	boom := errors.New("feed down")
	load := func(ctx context.Context) ([]byte, error) { return nil, boom }

	_, _, err := tier.GetOrLoad(ctx, CategoryBorrowRate, "GME", load)
	assert.ErrorIs(t, err, boom)

	// Errors are not cached; the next call retries the loader.
	_, _, err = tier.GetOrLoad(ctx, CategoryBorrowRate, "GME", func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	assert.NoError(t, err)
}

func TestGetOrLoadL2HitSkipsLoader(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := New(NewLocal(100), NewRemote(client), testTTLs())
	now := time.Now()
	tier.now = func() time.Time { return now }
	ctx := context.Background()

	sealed, err := seal([]byte(`{"rate":0.04}`), now.Add(-time.Minute))
	require.NoError(t, err)
	mock.ExpectGet("rate:AAPL").SetVal(string(sealed))

	data, src, err := tier.GetOrLoad(ctx, CategoryBorrowRate, "AAPL", func(ctx context.Context) ([]byte, error) {
		t.Fatal("loader must not run on L2 hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceL2, src)
	assert.JSONEq(t, `{"rate":0.04}`, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())

	// The hit is promoted into L1.
	_, ok := tier.local.Get("rate:AAPL")
	assert.True(t, ok)
}

func TestGetOrLoadExpiredEnvelopeFallsThrough(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := New(NewLocal(100), NewRemote(client), testTTLs())
	now := time.Now()
	tier.now = func() time.Time { return now }
	ctx := context.Background()

	// Stored ten minutes ago against a five-minute TTL.
	sealed, err := seal([]byte(`{"rate":0.04}`), now.Add(-10*time.Minute))
	require.NoError(t, err)
	mock.ExpectGet("rate:AAPL").SetVal(string(sealed))

	fresh, err := seal([]byte(`{"rate":0.05}`), now)
	require.NoError(t, err)
	mock.ExpectSet("rate:AAPL", fresh, 5*time.Minute).SetVal("OK")
	mock.ExpectSet("stale:rate:AAPL", fresh, staleTTL).SetVal("OK")

	data, src, err := tier.GetOrLoad(ctx, CategoryBorrowRate, "AAPL", func(ctx context.Context) ([]byte, error) {
		return []byte(`{"rate":0.05}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceLoader, src)
	assert.JSONEq(t, `{"rate":0.05}`, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrLoadVersionMismatchTreatedAsMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := New(NewLocal(100), NewRemote(client), testTTLs())
	now := time.Now()
	tier.now = func() time.Time { return now }
	ctx := context.Background()

	poisoned, err := json.Marshal(envelope{Version: 99, StoredAt: now, Payload: []byte(`"old"`)})
	require.NoError(t, err)
	mock.ExpectGet("vol:NVDA").SetVal(string(poisoned))

	fresh, err := seal([]byte(`"new"`), now)
	require.NoError(t, err)
	mock.ExpectSet("vol:NVDA", fresh, 15*time.Minute).SetVal("OK")
	mock.ExpectSet("stale:vol:NVDA", fresh, staleTTL).SetVal("OK")

	data, src, err := tier.GetOrLoad(ctx, CategoryVolatility, "NVDA", func(ctx context.Context) ([]byte, error) {
		return []byte(`"new"`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceLoader, src)
	assert.Equal(t, `"new"`, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStalePrefersL1ThenMirror(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tier := New(NewLocal(100), NewRemote(client), testTTLs())
	now := time.Now()
	tier.now = func() time.Time { return now }
	ctx := context.Background()

	// Nothing local: live L2 key missing, stale mirror present.
	mock.ExpectGet("rate:AMC").RedisNil()
	sealed, err := seal([]byte(`{"rate":0.04}`), now.Add(-2*time.Hour))
	require.NoError(t, err)
	mock.ExpectGet("stale:rate:AMC").SetVal(string(sealed))

	data, fresh, ok := tier.GetStale(ctx, CategoryBorrowRate, "AMC")
	assert.True(t, ok)
	assert.False(t, fresh)
	assert.JSONEq(t, `{"rate":0.04}`, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())

	// An expired L1 entry short-circuits Redis entirely.
	tier.local.Set("rate:BBBY", []byte(`{"rate":0.09}`), time.Nanosecond)
	time.Sleep(time.Millisecond)
	tier.now = time.Now
	data, fresh, ok = tier.GetStale(ctx, CategoryBorrowRate, "BBBY")
	assert.True(t, ok)
	assert.False(t, fresh)
	assert.JSONEq(t, `{"rate":0.09}`, string(data))
}

func TestPurgeCategory(t *testing.T) {
	tier := New(NewLocal(100), nil, testTTLs())
	ctx := context.Background()

	tier.Put(ctx, CategoryCalculation, "fp1", []byte("a"))
	tier.Put(ctx, CategoryCalculation, "fp2", []byte("b"))
	tier.Put(ctx, CategoryBorrowRate, "AAPL", []byte("c"))

	removed, err := tier.PurgeCategory(ctx, CategoryCalculation)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := tier.Get(ctx, CategoryCalculation, "fp1")
	assert.False(t, ok)
	_, ok = tier.Get(ctx, CategoryBorrowRate, "AAPL")
	assert.True(t, ok)
}
