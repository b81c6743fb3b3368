package repositories

import (
	"context"

	"tripsync/internal/core/ports"
	"tripsync/internal/infrastructure/repositories/memory"
	redisrepo "tripsync/internal/infrastructure/repositories/redis"
	"tripsync/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	// Try to connect to Redis if enabled
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateResourceRepository creates a resource repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateResourceRepository() ports.ResourceRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisResourceRepository(f.redisClient, f.logger)
	}
	return memory.NewMemoryResourceRepository()
}

// CreateAuditRepository creates an audit repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateAuditRepository() ports.AuditRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisAuditRepository(f.redisClient, f.logger)
	}
	return memory.NewMemoryAuditRepository()
}

// CreateUserRepository creates a user repository (always memory for now)
func (f *RepositoryFactory) CreateUserRepository() ports.UserRepository {
	// Profiles come from the identity provider; the local store is a
	// session-lifetime cache. Can be extended to Redis later if needed.
	return memory.NewMemoryUserRepository()
}

// RedisClient exposes the underlying client for health checks.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
