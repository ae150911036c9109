package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// CachedResolver keeps recently resolved users in an expiring LRU so the
// booking path does not hit the users table on every request. Misses are not
// cached: a user created a moment ago must be resolvable immediately.
type CachedResolver struct {
	source Source
	cache  *expirable.LRU[uuid.UUID, User]
	log    *zap.Logger
}

// NewCachedResolver wraps source. A ttl <= 0 disables caching entirely.
func NewCachedResolver(source Source, size int, ttl time.Duration, log *zap.Logger) *CachedResolver {
	r := &CachedResolver{
		source: source,
		log:    log.Named("identity"),
	}
	if ttl > 0 && size > 0 {
		r.cache = expirable.NewLRU[uuid.UUID, User](size, nil, ttl)
	}
	return r
}

func (r *CachedResolver) ResolveUser(ctx context.Context, id uuid.UUID) (*User, error) {
	if r.cache != nil {
		if u, ok := r.cache.Get(id); ok {
			return &u, nil
		}
	}

	u, err := r.source.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Add(id, *u)
		r.log.Debug("identity.cache.store", zap.String("user_id", id.String()))
	}
	return u, nil
}

// Forget drops a cached entry, for callers that just changed a user's role or status.
func (r *CachedResolver) Forget(id uuid.UUID) {
	if r.cache != nil {
		r.cache.Remove(id)
	}
}
