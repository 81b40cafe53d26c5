package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto"

	"atlas/internal/adapters/config"
	"atlas/internal/metrics"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// entryOverheadCost pads the payload size for envelope fields when
// charging the memory tier.
const entryOverheadCost = 64

// Store is the persistent tier. The Redis adapter satisfies it; a
// missing key must map to ErrCacheMiss.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

// FetchFunc loads fresh data for GetOrFetch.
type FetchFunc func(ctx context.Context) (interface{}, error)

// TaggedFetchFunc loads fresh data and reports its provenance, for
// fetch paths that span sources with different provenance (an on-chain
// oracle falling back to a REST API).
type TaggedFetchFunc func(ctx context.Context) (interface{}, Source, error)

// Tiered layers a ristretto memory cache over a persistent store.
// A nil store degrades to memory-only operation.
type Tiered struct {
	mem   *ristretto.Cache
	store Store
	cfg   config.CacheConfig
	log   *logger.Logger
}

// New builds the tiered cache.
func New(cfg config.CacheConfig, store Store, log *logger.Logger) (*Tiered, error) {
	mem, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MemoryNumCounters,
		MaxCost:     cfg.MemoryMaxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "memory tier")
	}
	return &Tiered{
		mem:   mem,
		store: store,
		cfg:   cfg,
		log:   log.Named("cache"),
	}, nil
}

// TTL returns the logical lifetime for a category.
func (t *Tiered) TTL(category Category) time.Duration {
	switch category {
	case CategoryPools:
		return t.cfg.PoolTTL
	case CategoryPositions:
		return t.cfg.PositionTTL
	case CategoryPrices:
		return t.cfg.PriceTTL
	case CategoryMetadata:
		return t.cfg.MetadataTTL
	default:
		return t.cfg.PositionTTL
	}
}

// retention is the physical TTL for the persistent tier. Entries
// outlive their logical expiry by the fallback window so stale serves
// have something to read.
func (t *Tiered) retention(category Category) time.Duration {
	ttl := t.TTL(category)
	if t.cfg.FallbackTTL > ttl {
		return t.cfg.FallbackTTL
	}
	return ttl
}

// Put stores a value in both tiers and returns the written envelope.
func (t *Tiered) Put(ctx context.Context, key Key, value interface{}, source Source) (*Entry, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", key.String())
	}

	now := time.Now().UTC()
	entry := &Entry{
		Key:       key.String(),
		Payload:   payload,
		Source:    source,
		CachedAt:  now,
		ExpiresAt: now.Add(t.TTL(key.Category)),
	}

	t.setMemory(entry, t.TTL(key.Category))

	if t.store != nil {
		if err := t.store.Set(ctx, entry.Key, entry, t.retention(key.Category)); err != nil {
			// the memory tier already has the data; losing the
			// persistent copy only narrows the fallback window
			t.log.Warnw("persistent cache write failed", "key", entry.Key, "error", err)
		}
	}
	return entry, nil
}

// Get reads a fresh entry, memory first. Persistent hits are promoted
// into memory with their remaining lifetime. Logically expired entries
// count as misses here; only GetOrFetch may serve them.
func (t *Tiered) Get(ctx context.Context, key Key, dest interface{}) (*Entry, error) {
	now := time.Now().UTC()
	k := key.String()

	if cached, ok := t.mem.Get(k); ok {
		entry := cached.(*Entry)
		if !entry.Expired(now) {
			if err := entry.Decode(dest); err != nil {
				return nil, err
			}
			metrics.RecordCacheOperation(string(key.Category), "hit_memory")
			return entry, nil
		}
		t.mem.Del(k)
	}

	if t.store == nil {
		metrics.RecordCacheOperation(string(key.Category), "miss")
		return nil, errors.Wrapf(errors.ErrCacheMiss, "%s", k)
	}

	var entry Entry
	if err := t.store.Get(ctx, k, &entry); err != nil {
		if errors.Is(err, errors.ErrCacheMiss) {
			metrics.RecordCacheOperation(string(key.Category), "miss")
		}
		return nil, err
	}
	if entry.Expired(now) {
		metrics.RecordCacheOperation(string(key.Category), "miss")
		return nil, errors.Wrapf(errors.ErrCacheMiss, "%s expired", k)
	}

	t.setMemory(&entry, entry.ExpiresAt.Sub(now))
	if err := entry.Decode(dest); err != nil {
		return nil, err
	}
	metrics.RecordCacheOperation(string(key.Category), "hit_persistent")
	return &entry, nil
}

// GetOrFetch returns a fresh entry, fetching and caching on a miss.
// When the fetch fails with a connectivity-class error, a logically
// expired persistent entry is served instead, marked as fallback.
// Validation and integrity failures never fall back.
func (t *Tiered) GetOrFetch(ctx context.Context, key Key, dest interface{}, source Source, fetch FetchFunc) (*Entry, error) {
	return t.GetOrFetchTagged(ctx, key, dest, func(ctx context.Context) (interface{}, Source, error) {
		value, err := fetch(ctx)
		return value, source, err
	})
}

// GetOrFetchTagged is GetOrFetch for fetches whose provenance is only
// known after the fetch runs.
func (t *Tiered) GetOrFetchTagged(ctx context.Context, key Key, dest interface{}, fetch TaggedFetchFunc) (*Entry, error) {
	entry, err := t.Get(ctx, key, dest)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, errors.ErrCacheMiss) {
		t.log.Debugw("cache read failed, fetching", "key", key.String(), "error", err)
	}

	value, source, fetchErr := fetch(ctx)
	if fetchErr == nil {
		entry, err := t.Put(ctx, key, value, source)
		if err != nil {
			return nil, err
		}
		if err := entry.Decode(dest); err != nil {
			return nil, err
		}
		return entry, nil
	}

	if !errors.IsConnectivity(fetchErr) {
		return nil, fetchErr
	}

	stale, staleErr := t.getStale(ctx, key)
	if staleErr != nil {
		return nil, errors.Wrapf(fetchErr, "no stale fallback for %s", key.String())
	}
	if err := stale.Decode(dest); err != nil {
		return nil, err
	}

	t.log.Warnw("serving stale cache entry after fetch failure",
		"key", key.String(),
		"age", stale.Age(time.Now().UTC()).Truncate(time.Second).String(),
		"error", fetchErr,
	)
	metrics.RecordCacheOperation(string(key.Category), "fallback")
	served := *stale
	served.Source = SourceFallback
	return &served, nil
}

// Invalidate removes the key from both tiers.
func (t *Tiered) Invalidate(ctx context.Context, key Key) error {
	k := key.String()
	t.mem.Del(k)
	if t.store == nil {
		return nil
	}
	return t.store.Delete(ctx, k)
}

// Close releases the memory tier.
func (t *Tiered) Close() {
	t.mem.Close()
}

// getStale reads a persistent entry regardless of logical expiry. The
// stale copy is not promoted to memory so recovery retries the fetch.
func (t *Tiered) getStale(ctx context.Context, key Key) (*Entry, error) {
	if t.store == nil {
		return nil, errors.Wrapf(errors.ErrCacheMiss, "%s", key.String())
	}
	var entry Entry
	if err := t.store.Get(ctx, key.String(), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// setMemory writes an entry to the memory tier and flushes the set
// buffer so the write is immediately readable. Writes happen at scan
// cadence, so the flush cost does not matter.
func (t *Tiered) setMemory(entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cost := int64(len(entry.Payload)) + entryOverheadCost
	t.mem.SetWithTTL(entry.Key, entry, cost, ttl)
	t.mem.Wait()
}
