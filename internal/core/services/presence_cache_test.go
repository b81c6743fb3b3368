package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
	"tripsync/internal/core/services"
	"tripsync/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingUserRepository records lookups and can be switched to fail.
type countingUserRepository struct {
	ports.UserRepository
	lookups int
	fail    bool
}

func (r *countingUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	r.lookups++
	if r.fail {
		return nil, errors.New("store unavailable")
	}
	return r.UserRepository.GetByID(ctx, id)
}

func TestIsPrivateCachesAnswer(t *testing.T) {
	inner := memory.NewMemoryUserRepository()
	require.NoError(t, inner.Save(context.Background(), &domain.User{ID: "open", PrivateProfile: false}))
	require.NoError(t, inner.Save(context.Background(), &domain.User{ID: "hidden", PrivateProfile: true}))
	users := &countingUserRepository{UserRepository: inner}

	cache := services.NewPresenceCache(users, time.Minute, testLogger())
	ctx := context.Background()

	assert.False(t, cache.IsPrivate(ctx, "open"))
	assert.True(t, cache.IsPrivate(ctx, "hidden"))
	assert.Equal(t, 2, users.lookups)

	// Second round is served from the cache.
	assert.False(t, cache.IsPrivate(ctx, "open"))
	assert.True(t, cache.IsPrivate(ctx, "hidden"))
	assert.Equal(t, 2, users.lookups)
	assert.Equal(t, 2, cache.Size())
}

func TestIsPrivateFailsPrivate(t *testing.T) {
	users := &countingUserRepository{UserRepository: memory.NewMemoryUserRepository(), fail: true}
	cache := services.NewPresenceCache(users, time.Minute, testLogger())

	// A failed lookup must never surface a user as public.
	assert.True(t, cache.IsPrivate(context.Background(), "anyone"))
}

func TestInvalidateForcesRefresh(t *testing.T) {
	inner := memory.NewMemoryUserRepository()
	require.NoError(t, inner.Save(context.Background(), &domain.User{ID: "u1", PrivateProfile: false}))
	users := &countingUserRepository{UserRepository: inner}

	cache := services.NewPresenceCache(users, time.Minute, testLogger())
	ctx := context.Background()

	assert.False(t, cache.IsPrivate(ctx, "u1"))

	// Profile flips to private; the cache still has the old answer.
	require.NoError(t, inner.Save(ctx, &domain.User{ID: "u1", PrivateProfile: true}))
	assert.False(t, cache.IsPrivate(ctx, "u1"))

	cache.Invalidate("u1")
	assert.True(t, cache.IsPrivate(ctx, "u1"))
}
