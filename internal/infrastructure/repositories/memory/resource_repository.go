package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
)

type MemoryResourceRepository struct {
	resources map[string]*domain.Resource
	mu        sync.RWMutex
}

func NewMemoryResourceRepository() ports.ResourceRepository {
	return &MemoryResourceRepository{
		resources: make(map[string]*domain.Resource),
	}
}

func storeKey(resourceType domain.ResourceType, id domain.ResourceID) string {
	return fmt.Sprintf("%s:%s", resourceType, id)
}

func (r *MemoryResourceRepository) Create(ctx context.Context, resource *domain.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := storeKey(resource.Type, resource.ID)
	if _, exists := r.resources[key]; exists {
		return fmt.Errorf("resource already exists: %s", key)
	}

	stored := cloneResource(resource)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()
	r.resources[key] = stored
	return nil
}

func (r *MemoryResourceRepository) GetByID(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) (*domain.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resource, exists := r.resources[storeKey(resourceType, id)]
	if !exists {
		return nil, domain.ErrResourceNotFound
	}

	// Callers get a copy: the stored record only changes through
	// UpdatePermissions.
	return cloneResource(resource), nil
}

func (r *MemoryResourceRepository) UpdatePermissions(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, expectedVersion int64, owner domain.UserID, permissions []domain.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	resource, exists := r.resources[storeKey(resourceType, id)]
	if !exists {
		return domain.ErrResourceNotFound
	}
	if resource.Version != expectedVersion {
		return domain.ErrVersionConflict
	}

	next := make([]domain.Permission, len(permissions))
	copy(next, permissions)
	resource.Permissions = next
	resource.OwnerID = owner
	resource.Version++
	resource.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryResourceRepository) Delete(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := storeKey(resourceType, id)
	if _, exists := r.resources[key]; !exists {
		return domain.ErrResourceNotFound
	}
	delete(r.resources, key)
	return nil
}

func cloneResource(src *domain.Resource) *domain.Resource {
	dst := *src
	dst.Permissions = make([]domain.Permission, len(src.Permissions))
	copy(dst.Permissions, src.Permissions)
	return &dst
}
