package services

import (
	"context"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"

	"go.uber.org/zap"
)

// maxInheritanceDepth bounds how many inheritance hops resolution follows.
const maxInheritanceDepth = 3

// permissionResolver computes effective roles over the resource graph.
// Resolution is a pure function of the graph at call time; it holds no
// cache of its own.
type permissionResolver struct {
	resources    ports.ResourceRepository
	superAdminID domain.UserID
	logger       *zap.SugaredLogger
}

func NewPermissionResolver(resources ports.ResourceRepository, superAdminID domain.UserID, logger *zap.SugaredLogger) ports.PermissionResolver {
	return &permissionResolver{
		resources:    resources,
		superAdminID: superAdminID,
		logger:       logger,
	}
}

// frame is one unit of traversal work. Each frame carries its own copy of
// the path-visited set so diamond-shaped graphs still merge roles from
// every path while cycles are cut.
type frame struct {
	resource *domain.Resource
	depth    int
	visited  map[string]struct{}
}

func (r *permissionResolver) Resolve(ctx context.Context, resource *domain.Resource) map[domain.UserID]domain.Role {
	out := make(map[domain.UserID]domain.Role)
	if resource == nil {
		return out
	}

	stack := []frame{{
		resource: resource,
		depth:    0,
		visited:  map[string]struct{}{},
	}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := f.resource.Key()
		if _, seen := f.visited[key]; seen {
			continue
		}
		f.visited[key] = struct{}{}

		// Legacy single-owner field seeds the map.
		if f.resource.OwnerID != "" {
			upsertRole(out, f.resource.OwnerID, domain.RoleOwner)
		}

		for _, perm := range f.resource.Permissions {
			switch perm.EntityType {
			case domain.EntityUser:
				upsertRole(out, domain.UserID(perm.EntityID), perm.Role)

			case domain.EntityDestination, domain.EntityExperience:
				// Stop inheriting past the hop limit.
				if f.depth+1 >= maxInheritanceDepth {
					continue
				}
				child, err := r.resources.GetByID(ctx, perm.EntityType.ResourceType(), domain.ResourceID(perm.EntityID))
				if err != nil {
					// A failed inheritance lookup degrades to "no
					// permission found", never to a grant.
					r.logger.Warnw("inheritance lookup failed",
						"resource", key,
						"entity_type", perm.EntityType,
						"entity_id", perm.EntityID,
						"error", err,
					)
					continue
				}
				stack = append(stack, frame{
					resource: child,
					depth:    f.depth + 1,
					visited:  copyVisited(f.visited),
				})
			}
		}
	}

	return out
}

func (r *permissionResolver) EffectiveRole(ctx context.Context, userID domain.UserID, resource *domain.Resource) domain.Role {
	if resource == nil {
		return ""
	}
	// Direct-owner short circuit avoids graph traversal for the common case.
	if resource.OwnerID == userID {
		return domain.RoleOwner
	}
	return r.Resolve(ctx, resource)[userID]
}

func (r *permissionResolver) HasRole(ctx context.Context, userID domain.UserID, resource *domain.Resource, required domain.Role) bool {
	if r.IsSuperAdmin(userID) {
		return true
	}
	role := r.EffectiveRole(ctx, userID, resource)
	return role.Priority() >= required.Priority() && role.Priority() > 0
}

// IsSuperAdmin reports whether the user is the designated super-admin
// principal, granted Owner-equivalent rights everywhere.
func (r *permissionResolver) IsSuperAdmin(userID domain.UserID) bool {
	return r.superAdminID != "" && userID == r.superAdminID
}

// upsertRole applies the never-downgrade merge rule: an existing role is
// only replaced by one of strictly higher priority.
func upsertRole(m map[domain.UserID]domain.Role, userID domain.UserID, role domain.Role) {
	if !role.IsValid() {
		return
	}
	if existing, ok := m[userID]; ok && existing.Priority() >= role.Priority() {
		return
	}
	m[userID] = role
}

func copyVisited(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for k := range src {
		dst[k] = struct{}{}
	}
	return dst
}
