package metadata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
	"github.com/fedgate/fedgate/internal/metrics"
)

// Fetcher loads relying-party registrations from the backing metadata source
type Fetcher interface {
	Fetch(ctx context.Context, entityID string) (*RelyingParty, error)
}

type cacheEntry struct {
	rp        *RelyingParty
	fetchedAt time.Time
}

// Resolver caches relying-party metadata with a TTL. Stale entries are
// refreshed with a blocking fetch before being returned; concurrent
// resolvers for the same entity ID share a single in-flight refresh while
// distinct entity IDs refresh in parallel.
type Resolver struct {
	fetcher Fetcher
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// NewResolver creates a metadata resolver with the given cache TTL and
// per-fetch timeout
func NewResolver(fetcher Fetcher, ttl, timeout time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		ttl:     ttl,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "metadata_resolver")),
		cache:   make(map[string]cacheEntry),
	}
}

// Resolve returns the current relying-party snapshot for entityID.
// A fresh cache entry is served directly. A stale or missing entry triggers
// a blocking refresh; if the backing source is unreachable an existing entry
// is served stale rather than failing (stale-but-available beats unavailable),
// but a stale entry is never served silently when the source is healthy.
func (r *Resolver) Resolve(ctx context.Context, entityID string) (*RelyingParty, error) {
	r.mu.RLock()
	entry, ok := r.cache[entityID]
	r.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < r.ttl {
		metrics.MetadataResolutionsTotal.WithLabelValues("hit").Inc()
		return entry.rp, nil
	}

	rp, err := r.refresh(ctx, entityID)
	if err != nil {
		if ok && apperrors.Is(err, apperrors.ErrMetadataUnavailable) {
			metrics.MetadataResolutionsTotal.WithLabelValues("stale").Inc()
			r.logger.Warn("Metadata source unavailable, serving stale entry",
				zap.String("entity_id", entityID),
				zap.Duration("age", time.Since(entry.fetchedAt)))
			return entry.rp, nil
		}
		return nil, err
	}
	return rp, nil
}

// ForceRefresh drops the cached snapshot and refetches. Callers use it at
// most once per signature-validation attempt to cover key-rollover races.
func (r *Resolver) ForceRefresh(ctx context.Context, entityID string) (*RelyingParty, error) {
	r.Invalidate(entityID)
	return r.refresh(ctx, entityID)
}

// Invalidate evicts a cache entry; management writes call this after updates
func (r *Resolver) Invalidate(entityID string) {
	r.mu.Lock()
	delete(r.cache, entityID)
	r.mu.Unlock()
}

func (r *Resolver) refresh(ctx context.Context, entityID string) (*RelyingParty, error) {
	result, err, _ := r.group.Do(entityID, func() (interface{}, error) {
		fetchCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		rp, err := r.fetcher.Fetch(fetchCtx, entityID)
		if err != nil {
			if fetchCtx.Err() != nil {
				return nil, apperrors.MetadataUnavailable(fetchCtx.Err())
			}
			return nil, err
		}

		r.mu.Lock()
		r.cache[entityID] = cacheEntry{rp: rp, fetchedAt: time.Now()}
		r.mu.Unlock()

		return rp, nil
	})
	if err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.ErrMetadataNotFound:
			metrics.MetadataResolutionsTotal.WithLabelValues("not_found").Inc()
			// A deleted registration must not linger in the cache
			r.Invalidate(entityID)
		case apperrors.ErrMetadataUnavailable:
			metrics.MetadataResolutionsTotal.WithLabelValues("unavailable").Inc()
		}
		return nil, err
	}

	metrics.MetadataResolutionsTotal.WithLabelValues("refresh").Inc()
	return result.(*RelyingParty), nil
}
