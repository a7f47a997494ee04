package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelopeVersion is bumped whenever a cached payload schema changes, so a
// rolling deploy cannot poison caches shared between replica generations.
const envelopeVersion = 1

// envelope wraps every cached value with its schema version and store time.
type envelope struct {
	Version  int             `json:"v"`
	StoredAt time.Time       `json:"at"`
	Payload  json.RawMessage `json:"data"`
}

// seal wraps payload bytes into a versioned envelope.
func seal(payload []byte, now time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		Version:  envelopeVersion,
		StoredAt: now.UTC(),
		Payload:  payload,
	})
}

// open unwraps an envelope, rejecting version mismatches as misses.
func open(raw []byte) (payload []byte, storedAt time.Time, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("cache envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, time.Time{}, fmt.Errorf("cache envelope: version %d, want %d", env.Version, envelopeVersion)
	}
	return env.Payload, env.StoredAt, nil
}
