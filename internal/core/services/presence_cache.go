package services

import (
	"context"
	"fmt"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
	"tripsync/pkg/cache"
	"tripsync/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// PresenceCache answers "does this user have a private profile" without
// hitting the user store on every join/leave, caching answers with a TTL.
// A circuit breaker sheds lookups while the store is down.
type PresenceCache struct {
	users   ports.UserRepository
	cache   *cache.Cache
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
	logger  *zap.SugaredLogger
}

func NewPresenceCache(users ports.UserRepository, ttl time.Duration, logger *zap.SugaredLogger) *PresenceCache {
	return &PresenceCache{
		users:   users,
		cache:   cache.New(ttl),
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		ttl:     ttl,
		logger:  logger,
	}
}

// IsPrivate reports whether the user's profile is private. A failed store
// lookup is treated as private: not announcing a user is recoverable,
// leaking a private one is not.
func (p *PresenceCache) IsPrivate(ctx context.Context, userID domain.UserID) bool {
	key := fmt.Sprintf("privacy:%s", userID)
	if v, ok := p.cache.Get(key); ok {
		return v.(bool)
	}

	var user *domain.User
	err := p.breaker.Execute(func() error {
		var lookupErr error
		user, lookupErr = p.users.GetByID(ctx, userID)
		return lookupErr
	})
	if err != nil {
		p.logger.Warnw("privacy lookup failed", "user_id", userID, "error", err)
		return true
	}

	p.cache.Set(key, user.PrivateProfile)
	return user.PrivateProfile
}

// Invalidate drops the cached answer for a user, e.g. after a profile
// settings change.
func (p *PresenceCache) Invalidate(userID domain.UserID) {
	p.cache.Delete(fmt.Sprintf("privacy:%s", userID))
}

// Sweep removes entries older than twice the TTL. Called by the cleanup
// supervisor.
func (p *PresenceCache) Sweep() int {
	return p.cache.Purge(2 * p.ttl)
}

// Size returns the number of cached entries.
func (p *PresenceCache) Size() int {
	return p.cache.Size()
}
