// Package search answers keyword searches from the store, caching grouped
// results in Redis until the next ingest run changes the data.
package search

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/propbot/propbot/internal/store"
	"github.com/propbot/propbot/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "search:"

// sharedQueryTimeout bounds a store query shared by concurrent misses.
const sharedQueryTimeout = 30 * time.Second

// Backend runs an uncached search.
type Backend interface {
	Search(ctx context.Context, q string, limit int) (*store.SearchResult, error)
}

// KV is the subset of the Redis client the cache uses.
type KV interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Service is a read-through cache in front of Backend. A nil KV disables
// caching.
type Service struct {
	backend Backend
	kv      KV
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(backend Backend, kv KV, ttl time.Duration) *Service {
	return &Service{
		backend: backend,
		kv:      kv,
		ttl:     ttl,
		logger:  slog.Default().With("component", "search-cache"),
	}
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Search returns the grouped matches for q, reporting whether they came
// from the cache. The query is space-normalized before it reaches the store
// so a cache entry always holds what the store returns for its key.
// Concurrent misses for the same key share one store query, which runs
// detached from any single caller's cancellation. Cache failures fall
// through to the store.
func (s *Service) Search(ctx context.Context, q string, limit int) (*store.SearchResult, bool, error) {
	q = NormalizeQuery(q)
	if s.kv == nil {
		res, err := s.backend.Search(ctx, q, limit)
		return res, false, err
	}

	key := buildKey(q, limit)
	if res, ok := s.get(ctx, key); ok {
		return res, true, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedQueryTimeout)
		defer cancel()
		if res, ok := s.get(qctx, key); ok {
			return res, nil
		}
		res, err := s.backend.Search(qctx, q, limit)
		if err != nil {
			return nil, err
		}
		if err := s.kv.SetJSON(qctx, key, res, s.ttl); err != nil {
			s.logger.Error("cache set failed", "key", key, "error", err)
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val.(*store.SearchResult), false, nil
	}
}

func (s *Service) get(ctx context.Context, key string) (*store.SearchResult, bool) {
	var res store.SearchResult
	found, err := s.kv.GetJSON(ctx, key, &res)
	if err != nil {
		s.logger.Error("cache get failed", "key", key, "error", err)
	}
	if err != nil || !found {
		if s.metrics != nil {
			s.metrics.CacheMissesTotal.Inc()
		}
		return nil, false
	}
	if s.metrics != nil {
		s.metrics.CacheHitsTotal.Inc()
	}
	return &res, true
}

// Invalidate drops every cached search.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	deleted, err := s.kv.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating search cache: %w", err)
	}
	s.logger.Info("search cache invalidated", "keys_deleted", deleted)
	return nil
}

// NormalizeQuery trims q and collapses runs of whitespace to one space.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// buildKey hashes the case-folded query with the limit. Store matching is
// case-insensitive, so case does not change the result.
func buildKey(q string, limit int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:limit=%d", strings.ToLower(q), limit)))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
