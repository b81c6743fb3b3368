package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisResourceRepository struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRedisResourceRepository(client *redis.Client, logger *zap.SugaredLogger) ports.ResourceRepository {
	return &RedisResourceRepository{
		client: client,
		logger: logger,
	}
}

func resourceKey(resourceType domain.ResourceType, id domain.ResourceID) string {
	return fmt.Sprintf("tripsync:resource:%s:%s", resourceType, id)
}

func (r *RedisResourceRepository) Create(ctx context.Context, resource *domain.Resource) error {
	stored := *resource
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal resource: %w", err)
	}

	ok, err := r.client.SetNX(ctx, resourceKey(resource.Type, resource.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store resource: %w", err)
	}
	if !ok {
		return fmt.Errorf("resource already exists: %s", resource.Key())
	}
	return nil
}

func (r *RedisResourceRepository) GetByID(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) (*domain.Resource, error) {
	data, err := r.client.Get(ctx, resourceKey(resourceType, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrResourceNotFound
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	var resource domain.Resource
	if err := json.Unmarshal(data, &resource); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource: %w", err)
	}
	return &resource, nil
}

// UpdatePermissions performs the conditional write with a WATCH on the
// resource key: the transaction aborts if the key changes between the
// version check and the write, and a mismatch between the stored version
// and expectedVersion surfaces as domain.ErrVersionConflict.
func (r *RedisResourceRepository) UpdatePermissions(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, expectedVersion int64, owner domain.UserID, permissions []domain.Permission) error {
	key := resourceKey(resourceType, id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrResourceNotFound
			}
			return err
		}

		var resource domain.Resource
		if err := json.Unmarshal(data, &resource); err != nil {
			return fmt.Errorf("failed to unmarshal resource: %w", err)
		}
		if resource.Version != expectedVersion {
			return domain.ErrVersionConflict
		}

		resource.Permissions = permissions
		resource.OwnerID = owner
		resource.Version++
		resource.UpdatedAt = time.Now()

		next, err := json.Marshal(&resource)
		if err != nil {
			return fmt.Errorf("failed to marshal resource: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the key mid-transaction.
		return domain.ErrVersionConflict
	}
	return err
}

func (r *RedisResourceRepository) Delete(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) error {
	removed, err := r.client.Del(ctx, resourceKey(resourceType, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	if removed == 0 {
		return domain.ErrResourceNotFound
	}
	return nil
}
