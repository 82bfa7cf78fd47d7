package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"authcore.io/internal/obs"
)

// ReadThrough returns the cached value under key, loading and caching it on
// a miss. Cache failures (as opposed to misses) degrade to a plain load and
// never fail the request. Writers must call Invalidate synchronously before
// returning, so a read-after-write through this helper observes the write.
func ReadThrough[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if c != nil {
		raw, err := c.Get(ctx, key)
		switch {
		case err == nil:
			var v T
			if jerr := json.Unmarshal([]byte(raw), &v); jerr == nil {
				obs.CacheLookup("hit")
				return v, nil
			}
			// Undecodable entry: treat as miss and overwrite below.
			obs.CacheLookup("error")
		case errors.Is(err, ErrMiss):
			obs.CacheLookup("miss")
		default:
			obs.CacheLookup("error")
		}
	}
	v, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if c != nil {
		if raw, jerr := json.Marshal(v); jerr == nil {
			if serr := c.Set(ctx, key, string(raw), ttl); serr != nil {
				obs.Log("warn", "cache set failed", map[string]any{"key": key, "error": serr.Error()})
			}
		}
	}
	return v, nil
}

// Invalidate drops keys, logging rather than propagating failures. A failed
// delete leaves at most one TTL window of staleness, so the error is worth a
// log line but not a failed mutation.
func Invalidate(ctx context.Context, c Cache, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.Del(ctx, keys...); err != nil {
		obs.Log("warn", "cache invalidate failed", map[string]any{"keys": keys, "error": err.Error()})
	}
}
