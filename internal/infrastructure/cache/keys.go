package cache

import "strings"

// Cache categories. Each category carries its own TTL and key prefix; keys
// are deterministic canonical strings like "vol:AAPL" or "calc:<fingerprint>".
const (
	CategoryBorrowRate  = "rate"
	CategorySecurity    = "sec"
	CategoryVolatility  = "vol"
	CategoryEventRisk   = "event"
	CategoryBroker      = "broker"
	CategoryCalculation = "calc"
	CategoryMinRate     = "minrate"
)

// stalePrefix marks the long-lived mirror of the last good feed value,
// consulted only by the fallback chain.
const stalePrefix = "stale:"

// Key canonicalizes a category+identity pair into the shared key form.
// Identities are trimmed but not case-folded; tickers are normalized to
// uppercase before they reach the cache.
func Key(category, id string) string {
	return category + ":" + strings.TrimSpace(id)
}

// ValidCategory reports whether a category name is one the tier manages.
// The admin purge endpoint rejects anything else.
func ValidCategory(category string) bool {
	switch category {
	case CategoryBorrowRate, CategorySecurity, CategoryVolatility,
		CategoryEventRisk, CategoryBroker, CategoryCalculation, CategoryMinRate:
		return true
	}
	return false
}

// staleKey returns the stale-mirror key for a live key.
func staleKey(key string) string {
	return stalePrefix + key
}

// mirroredCategories are feed-derived values whose last good observation is
// retained past its TTL for outage fallback.
var mirroredCategories = map[string]bool{
	CategoryBorrowRate: true,
	CategoryVolatility: true,
	CategoryEventRisk:  true,
}
