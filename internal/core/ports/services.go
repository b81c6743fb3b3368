package ports

import (
	"context"

	"tripsync/internal/core/domain"
)

// PermissionResolver computes effective roles over the inheritance graph.
type PermissionResolver interface {
	// Resolve returns the map of user id to highest effective role for the
	// resource, following inheritance edges up to the hop limit.
	Resolve(ctx context.Context, resource *domain.Resource) map[domain.UserID]domain.Role
	// EffectiveRole returns the single user's resolved role, or "" if none.
	EffectiveRole(ctx context.Context, userID domain.UserID, resource *domain.Resource) domain.Role
	// HasRole reports whether the user's effective role meets or exceeds
	// the required role. The super admin always passes.
	HasRole(ctx context.Context, userID domain.UserID, resource *domain.Resource, required domain.Role) bool
	// IsSuperAdmin reports whether the user is the designated super-admin
	// principal, granted Owner-equivalent rights on every resource.
	IsSuperAdmin(userID domain.UserID) bool
}

// Decision is the structured answer to an authorization question.
type Decision struct {
	Allowed bool        `json:"allowed"`
	Reason  string      `json:"reason,omitempty"`
	Role    domain.Role `json:"role,omitempty"`
}

// PermissionService is the only sanctioned write path for a resource's
// permission list. Route and realtime code consume this interface; direct
// mutation of Resource.Permissions is forbidden.
type PermissionService interface {
	Can(ctx context.Context, userID domain.UserID, resource *domain.Resource, action domain.Action) Decision

	AddPermission(ctx context.Context, resource *domain.Resource, perm domain.Permission, actorID domain.UserID, reason string) (*domain.AuditEntry, error)
	RemovePermission(ctx context.Context, resource *domain.Resource, entityID string, entityType domain.EntityType, actorID domain.UserID, reason string) (*domain.AuditEntry, error)
	UpdatePermission(ctx context.Context, resource *domain.Resource, perm domain.Permission, actorID domain.UserID, reason string) (*domain.AuditEntry, error)
	TransferOwnership(ctx context.Context, resource *domain.Resource, oldOwnerID, newOwnerID, actorID domain.UserID, reason string) (*domain.AuditEntry, error)
	RollbackChange(ctx context.Context, rollbackToken string, actorID domain.UserID, reason string) (*domain.AuditEntry, error)
	GetAuditLog(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, filter domain.AuditFilter) ([]*domain.AuditEntry, error)
}

// VerificationPredicate is the pluggable gate consulted before edit,
// delete and manage_permissions. Federated identities are exempt before
// the predicate is called.
type VerificationPredicate func(ctx context.Context, user *domain.User) bool
