package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
	"tripsync/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisAuditRepository struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRedisAuditRepository(client *redis.Client, logger *zap.SugaredLogger) ports.AuditRepository {
	return &RedisAuditRepository{
		client: client,
		logger: logger,
	}
}

func auditListKey(resourceType domain.ResourceType, id domain.ResourceID) string {
	return fmt.Sprintf("tripsync:audit:%s:%s", resourceType, id)
}

func auditTokenKey(token string) string {
	return fmt.Sprintf("tripsync:audit:token:%s", token)
}

func auditIDKey(id domain.AuditID) string {
	return fmt.Sprintf("tripsync:audit:id:%s", id)
}

func (r *RedisAuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Newest first.
		pipe.LPush(ctx, auditListKey(entry.ResourceType, entry.ResourceID), entry.ID)
		pipe.Set(ctx, auditIDKey(entry.ID), data, 0)
		pipe.Set(ctx, auditTokenKey(entry.RollbackToken), string(entry.ID), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r *RedisAuditRepository) GetByToken(ctx context.Context, token string) (*domain.AuditEntry, error) {
	id, err := r.client.Get(ctx, auditTokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrAuditEntryNotFound
		}
		return nil, fmt.Errorf("failed to resolve rollback token: %w", err)
	}
	return r.getByID(ctx, domain.AuditID(id))
}

func (r *RedisAuditRepository) getByID(ctx context.Context, id domain.AuditID) (*domain.AuditEntry, error) {
	data, err := r.client.Get(ctx, auditIDKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrAuditEntryNotFound
		}
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}

	var entry domain.AuditEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
	}
	return &entry, nil
}

// MarkRolledBack spends the entry's rollback token. The read-check-write
// is serialized across instances with a short-lived lock so two rollback
// requests cannot both pass the single-use check.
func (r *RedisAuditRepository) MarkRolledBack(ctx context.Context, id domain.AuditID) error {
	lock := distributed.NewMutex(r.client, fmt.Sprintf("tripsync:lock:audit:%s", id), 5*time.Second)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to lock audit entry: %w", err)
	}
	defer lock.Release(ctx)

	entry, err := r.getByID(ctx, id)
	if err != nil {
		return err
	}
	if entry.RolledBackAt != nil {
		return domain.ErrTokenAlreadyUsed
	}

	now := time.Now()
	entry.RolledBackAt = &now
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return r.client.Set(ctx, auditIDKey(id), data, 0).Err()
}

func (r *RedisAuditRepository) ListByResource(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, filter domain.AuditFilter) ([]*domain.AuditEntry, error) {
	ids, err := r.client.LRange(ctx, auditListKey(resourceType, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	var out []*domain.AuditEntry
	for _, entryID := range ids {
		entry, err := r.getByID(ctx, domain.AuditID(entryID))
		if err != nil {
			if errors.Is(err, domain.ErrAuditEntryNotFound) {
				continue
			}
			return nil, err
		}
		if !filter.Matches(entry) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
