// Package cache is the tiered read cache between the aggregation layer
// and its upstreams. A ristretto memory tier fronts a persistent Redis
// tier; reads promote persistent hits into memory, and fetch failures
// downgrade to logically expired persistent entries so an upstream
// outage serves stale data instead of nothing.
package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// Source records where a cached payload came from. Fallback marks a
// logically expired entry served because a fresh fetch failed.
type Source string

const (
	SourceAPI      Source = "api"
	SourceOnChain  Source = "onchain"
	SourceFallback Source = "fallback"
)

// Category selects the TTL tier a key belongs to.
type Category string

const (
	CategoryPools     Category = "pools"
	CategoryPositions Category = "positions"
	CategoryPrices    Category = "prices"
	CategoryMetadata  Category = "metadata"
)

// Key addresses one cached record. Optional fields narrow the scope:
// pool lists carry a protocol, prices an asset, positions a user.
type Key struct {
	Category Category
	ChainID  int64
	Protocol lending.Protocol
	Asset    string
	User     string
}

// String renders the Redis key. Empty optional segments are skipped.
func (k Key) String() string {
	parts := []string{"lending", string(k.Category), fmt.Sprintf("%d", k.ChainID)}
	if k.Protocol != "" {
		parts = append(parts, string(k.Protocol))
	}
	if k.Asset != "" {
		parts = append(parts, strings.ToUpper(k.Asset))
	}
	if k.User != "" {
		parts = append(parts, strings.ToLower(k.User))
	}
	return strings.Join(parts, ":")
}

// Entry is the stored envelope. Logical expiry lives here, not in the
// store's TTL: the persistent tier deliberately retains entries past
// ExpiresAt so they can be served as fallback.
type Entry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Source    Source          `json:"source"`
	CachedAt  time.Time       `json:"cachedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the entry is past its logical TTL.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Age returns how long ago the entry was cached.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Decode unmarshals the payload. A nil dest skips decoding for callers
// that only need the envelope metadata.
func (e *Entry) Decode(dest interface{}) error {
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return errors.Wrapf(err, "decode cache entry %s", e.Key)
	}
	return nil
}
