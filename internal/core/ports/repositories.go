package ports

import (
	"context"

	"tripsync/internal/core/domain"
)

// ResourceRepository is the pluggable store for Experience, Destination and
// Plan records. Implementations must return deep copies from GetByID so a
// caller's snapshot is not aliased by concurrent writers.
type ResourceRepository interface {
	Create(ctx context.Context, resource *domain.Resource) error
	GetByID(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) (*domain.Resource, error)
	// UpdatePermissions is the single conditional write used by the
	// permission enforcer: it replaces the permission list and legacy owner
	// atomically iff the stored version still equals expectedVersion,
	// advancing the version on success. Returns domain.ErrVersionConflict
	// when another writer won the race.
	UpdatePermissions(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, expectedVersion int64, owner domain.UserID, permissions []domain.Permission) error
	Delete(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) error
}

// AuditRepository persists immutable audit entries and resolves rollback
// tokens.
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	GetByToken(ctx context.Context, token string) (*domain.AuditEntry, error)
	MarkRolledBack(ctx context.Context, id domain.AuditID) error
	ListByResource(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, filter domain.AuditFilter) ([]*domain.AuditEntry, error)
}

type UserRepository interface {
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	Save(ctx context.Context, user *domain.User) error
}
