// Package ticket implements the short-lived ticket bridge backing artifact
// resolution, attribute queries, security tokens, and parked request state.
package ticket

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/fedgate/fedgate/internal/common/errors"
)

// Registry is the Redis-backed ticket store. Every operation is bounded by
// the configured timeout so a slow store cannot stall a profile request.
type Registry struct {
	client  *redis.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates a ticket registry
func NewRegistry(client *redis.Client, timeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		client:  client,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "ticket_registry")),
	}
}

func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, func() {}
}

// Put stores a ticket payload under key with the given store-level TTL
func (r *Registry) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Error("Failed to store ticket", zap.String("key", key), zap.Error(err))
		return apperrors.TicketStoreUnavailable(err)
	}
	return nil
}

// GetDelete atomically reads and removes a ticket, the consume-on-read
// primitive that makes replayed identifiers miss. found is false when the
// key does not exist.
func (r *Registry) GetDelete(ctx context.Context, key string) (value []byte, found bool, err error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	data, err := r.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		r.logger.Error("Failed to consume ticket", zap.String("key", key), zap.Error(err))
		return nil, false, apperrors.TicketStoreUnavailable(err)
	}
	return data, true, nil
}

// Get reads a ticket without consuming it
func (r *Registry) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, apperrors.TicketStoreUnavailable(err)
	}
	return data, true, nil
}

// Delete removes a ticket unconditionally
func (r *Registry) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return apperrors.TicketStoreUnavailable(err)
	}
	return nil
}

// Ping verifies the store is reachable
func (r *Registry) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
