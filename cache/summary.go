/*
Package cache provides a Redis read-through cache for outstanding-balance
summaries.

PURPOSE:
  GetUnpaidObligations walks every student in a term, which is the most
  expensive read the API serves. Results are cached as JSON under a
  versioned key. Any successful write bumps the version, so stale entries
  are never read again and simply expire with their TTL.

KEYS:
  fees:version                                  global version counter
  fees:unpaid:<year>:<term>:<filter...>:<ver>   cached []StudentObligationSummary

CONCURRENCY:
  Concurrent misses for the same key share one load (singleflight).

NIL SAFETY:
  A nil *SummaryCache or one without a client passes straight through to
  the source, so callers never branch on whether Redis is configured.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/warp/fee-engine/fees"
)

const versionKey = "fees:version"

// Source loads summaries on a cache miss. *fees.Engine satisfies it.
type Source interface {
	GetUnpaidObligations(ctx context.Context, filter fees.StudentSetFilter) ([]fees.StudentObligationSummary, error)
}

// SummaryCache wraps Redis based caching with versioning controls.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	source Source
	logger *slog.Logger
	group  singleflight.Group
}

// New instantiates the cache. client may be nil.
func New(client *redis.Client, ttl time.Duration, source Source, logger *slog.Logger) *SummaryCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummaryCache{client: client, ttl: ttl, source: source, logger: logger}
}

func (c *SummaryCache) enabled() bool {
	return c != nil && c.client != nil
}

// Version returns the current cache version, initialising when missing.
func (c *SummaryCache) Version(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key for filter with the current version.
func (c *SummaryCache) BuildKey(ctx context.Context, filter fees.StudentSetFilter) (string, error) {
	ids := make([]string, len(filter.StudentIDs))
	for i, id := range filter.StudentIDs {
		ids[i] = string(id)
	}
	sort.Strings(ids)
	asOf := ""
	if !filter.AsOf.IsZero() {
		asOf = filter.AsOf.UTC().Format(time.DateOnly)
	}
	base := strings.Join([]string{
		"fees", "unpaid",
		string(filter.AcademicYearID), string(filter.TermID),
		filter.ClassID, filter.GradeID,
		strings.Join(ids, ","),
		strconv.FormatBool(filter.RequireClass),
		strconv.FormatBool(filter.IncludeSettled),
		strconv.FormatBool(filter.OnlyOutstanding),
		asOf,
	}, ":")
	if !c.enabled() {
		return base, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// GetUnpaidObligations serves from Redis when possible and falls back to
// the source. Redis errors degrade to a direct load.
func (c *SummaryCache) GetUnpaidObligations(ctx context.Context, filter fees.StudentSetFilter) ([]fees.StudentObligationSummary, error) {
	if !c.enabled() {
		return c.source.GetUnpaidObligations(ctx, filter)
	}
	key, err := c.BuildKey(ctx, filter)
	if err != nil {
		c.logger.Warn("summary cache unavailable", "error", err)
		return c.source.GetUnpaidObligations(ctx, filter)
	}

	var out []fees.StudentObligationSummary
	err = c.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return c.source.GetUnpaidObligations(ctx, filter)
	})
	return out, err
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *SummaryCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("summary cache read failed", "key", key, "error", err)
	}

	resultChan := c.group.DoChan(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("summary cache write failed", "key", key, "error", err)
		}
		return raw, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	}
}

// Bump invalidates every cached summary by incrementing the version.
func (c *SummaryCache) Bump(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Incr(ctx, versionKey).Err()
}
