// Package cache implements the two-level keyed store fronting every pricing
// input: a process-local LRU (L1) under a Redis layer shared by all
// replicas (L2), with single-flight de-duplication on the miss path.
package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stocklend/borrowdesk/internal/metrics"
	"github.com/stocklend/borrowdesk/internal/models"
)

// staleTTL bounds how long the L2 mirror of the last good feed value
// survives for outage fallback.
const staleTTL = 24 * time.Hour

// LoaderFunc produces the value for a key on a cache miss.
type LoaderFunc func(ctx context.Context) ([]byte, error)

// Source reports which layer satisfied a read.
type Source int

const (
	SourceLoader Source = iota
	SourceL1
	SourceL2
)

// Tier is the logical cache over both layers. The remote layer may be nil,
// in which case the tier degrades to L1-only.
type Tier struct {
	local  *Local
	remote *Remote
	ttls   map[string]time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// New assembles the tier. ttls maps category to its TTL; a missing or zero
// TTL disables caching for that category.
func New(local *Local, remote *Remote, ttls map[string]time.Duration) *Tier {
	return &Tier{
		local:  local,
		remote: remote,
		ttls:   ttls,
		now:    time.Now,
	}
}

type flightResult struct {
	data []byte
	src  Source
}

// GetOrLoad reads through L1 then L2, invoking load on a full miss and
// writing the result back to both layers. Concurrent misses for the same
// key share one loader call; a loader error fails every waiter.
func (t *Tier) GetOrLoad(ctx context.Context, category, id string, load LoaderFunc) ([]byte, Source, error) {
	key := Key(category, id)
	ttl := t.ttls[category]
	if ttl <= 0 {
		data, err := load(ctx)
		return data, SourceLoader, err
	}

	if data, ok := t.local.Get(key); ok {
		metrics.CacheHits.WithLabelValues("l1", category).Inc()
		return data, SourceL1, nil
	}

	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		// A waiter may have populated L1 while we queued.
		if data, ok := t.local.Get(key); ok {
			return flightResult{data: data, src: SourceL1}, nil
		}

		if t.remote != nil {
			raw, ok, err := t.remote.Get(ctx, key)
			if err == nil && ok {
				payload, storedAt, err := open(raw)
				if err == nil {
					remaining := ttl - t.now().Sub(storedAt)
					if remaining > 0 {
						t.local.Set(key, payload, remaining)
						return flightResult{data: payload, src: SourceL2}, nil
					}
				}
				// Unreadable or expired envelope: fall through to the loader.
			}
		}

		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		t.writeBack(ctx, category, key, data, ttl)
		return flightResult{data: data, src: SourceLoader}, nil
	})
	if err != nil {
		return nil, SourceLoader, err
	}

	res := v.(flightResult)
	switch res.src {
	case SourceL2:
		metrics.CacheHits.WithLabelValues("l2", category).Inc()
	case SourceLoader:
		metrics.CacheMisses.WithLabelValues(category).Inc()
	}
	return res.data, res.src, nil
}

// Refresh bypasses the read path: load, then overwrite both layers.
func (t *Tier) Refresh(ctx context.Context, category, id string, load LoaderFunc) ([]byte, error) {
	data, err := load(ctx)
	if err != nil {
		return nil, err
	}
	t.writeBack(ctx, category, Key(category, id), data, t.ttls[category])
	return data, nil
}

// Put stores an externally produced value, e.g. a calculation result.
func (t *Tier) Put(ctx context.Context, category, id string, data []byte) {
	t.writeBack(ctx, category, Key(category, id), data, t.ttls[category])
}

// Get reads through L1 then L2 without a loader.
func (t *Tier) Get(ctx context.Context, category, id string) ([]byte, bool) {
	key := Key(category, id)
	if t.ttls[category] <= 0 {
		return nil, false
	}
	if data, ok := t.local.Get(key); ok {
		metrics.CacheHits.WithLabelValues("l1", category).Inc()
		return data, true
	}
	if t.remote != nil {
		raw, ok, err := t.remote.Get(ctx, key)
		if err == nil && ok {
			payload, storedAt, err := open(raw)
			if err == nil {
				remaining := t.ttls[category] - t.now().Sub(storedAt)
				if remaining > 0 {
					t.local.Set(key, payload, remaining)
					metrics.CacheHits.WithLabelValues("l2", category).Inc()
					return payload, true
				}
			}
		}
	}
	return nil, false
}

// GetStale returns the most recent cached value for a key regardless of
// expiry: fresh or expired L1 entry first, then the live L2 key, then the
// long-lived L2 stale mirror. fresh reports whether the value was unexpired.
func (t *Tier) GetStale(ctx context.Context, category, id string) (data []byte, fresh, ok bool) {
	key := Key(category, id)

	if data, fresh, ok := t.local.GetStale(key); ok {
		return data, fresh, true
	}
	if t.remote == nil {
		return nil, false, false
	}

	if raw, ok, err := t.remote.Get(ctx, key); err == nil && ok {
		if payload, storedAt, err := open(raw); err == nil {
			fresh := t.now().Sub(storedAt) < t.ttls[category]
			return payload, fresh, true
		}
	}
	if raw, ok, err := t.remote.Get(ctx, staleKey(key)); err == nil && ok {
		if payload, _, err := open(raw); err == nil {
			return payload, false, true
		}
	}
	return nil, false, false
}

// Purge removes one key from both layers.
func (t *Tier) Purge(ctx context.Context, category, id string) error {
	key := Key(category, id)
	t.local.Delete(key)
	t.local.Delete(staleKey(key))
	if t.remote == nil {
		return nil
	}
	if err := t.remote.Delete(ctx, key); err != nil {
		return err
	}
	return t.remote.Delete(ctx, staleKey(key))
}

// PurgeCategory removes every key in a category from both layers.
func (t *Tier) PurgeCategory(ctx context.Context, category string) (int, error) {
	removed := t.local.PurgePrefix(category + ":")
	t.local.PurgePrefix(stalePrefix + category + ":")
	if t.remote == nil {
		return removed, nil
	}
	n, err := t.remote.PurgePattern(ctx, category+":*")
	removed += n
	if err != nil {
		return removed, err
	}
	n, err = t.remote.PurgePattern(ctx, stalePrefix+category+":*")
	removed += n
	return removed, err
}

// Healthy reports L2 reachability; an L1-only tier is always healthy.
func (t *Tier) Healthy(ctx context.Context) error {
	if t.remote == nil {
		return nil
	}
	if err := t.remote.Ping(ctx); err != nil {
		return fmt.Errorf("%w: cache layer unreachable", models.ErrUpstreamUnavailable)
	}
	return nil
}

func (t *Tier) writeBack(ctx context.Context, category, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	t.local.Set(key, data, ttl)
	if t.remote == nil {
		return
	}
	sealed, err := seal(data, t.now())
	if err != nil {
		return
	}
	// Write-back failures degrade to L1-only; callers never see them.
	_ = t.remote.Set(ctx, key, sealed, ttl)
	if mirroredCategories[category] {
		_ = t.remote.Set(ctx, staleKey(key), sealed, staleTTL)
	}
}
