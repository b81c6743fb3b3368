package services

import (
	"context"
	"fmt"
	"time"

	"tripsync/internal/core/domain"
	"tripsync/internal/core/ports"
	apperrors "tripsync/pkg/errors"
	"tripsync/pkg/retry"
	"tripsync/pkg/tracing"
	"tripsync/pkg/utils"
	"tripsync/pkg/validation"

	"go.uber.org/zap"
)

// maxWriteAttempts bounds the optimistic-concurrency retry loop.
const maxWriteAttempts = 3

// permissionEnforcer is the stateful facade over the resolver: it answers
// authorization questions and performs the only sanctioned permission
// mutations, with validation, optimistic-concurrency retry and an audit
// trail. All other write paths to Resource.Permissions are forbidden.
type permissionEnforcer struct {
	resolver  ports.PermissionResolver
	resources ports.ResourceRepository
	audits    ports.AuditRepository
	users     ports.UserRepository
	verified  ports.VerificationPredicate
	logger    *zap.SugaredLogger
}

// NewPermissionEnforcer builds the enforcer. verified may be nil, in which
// case the external verification gate is skipped.
func NewPermissionEnforcer(
	resolver ports.PermissionResolver,
	resources ports.ResourceRepository,
	audits ports.AuditRepository,
	users ports.UserRepository,
	verified ports.VerificationPredicate,
	logger *zap.SugaredLogger,
) ports.PermissionService {
	return &permissionEnforcer{
		resolver:  resolver,
		resources: resources,
		audits:    audits,
		users:     users,
		verified:  verified,
		logger:    logger,
	}
}

// verificationGated actions additionally require the actor to pass the
// external verification predicate.
func verificationGated(action domain.Action) bool {
	switch action {
	case domain.ActionEdit, domain.ActionDelete, domain.ActionManagePermissions:
		return true
	}
	return false
}

func (e *permissionEnforcer) Can(ctx context.Context, userID domain.UserID, resource *domain.Resource, action domain.Action) ports.Decision {
	if resource == nil {
		return ports.Decision{Allowed: false, Reason: "resource is required"}
	}
	if !action.IsValid() {
		return ports.Decision{Allowed: false, Reason: fmt.Sprintf("unknown action: %s", action)}
	}

	// Super admin bypasses role resolution entirely.
	if e.resolver.IsSuperAdmin(userID) {
		return ports.Decision{Allowed: true, Role: domain.RoleOwner, Reason: "super admin"}
	}

	// Public resources are viewable without any role.
	if action == domain.ActionView && resource.PubliclyVisible() {
		return ports.Decision{Allowed: true, Reason: "public resource"}
	}

	// EffectiveRole short-circuits the direct-owner case before touching
	// the inheritance graph.
	role := e.resolver.EffectiveRole(ctx, userID, resource)
	if role == "" {
		return ports.Decision{Allowed: false, Reason: "no permission on resource"}
	}
	if !role.Allows(action) {
		return ports.Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("role %s does not allow %s", role, action),
			Role:    role,
		}
	}
	if verificationGated(action) && !e.passesVerification(ctx, userID, action) {
		return ports.Decision{Allowed: false, Reason: "account verification required", Role: role}
	}
	return ports.Decision{Allowed: true, Role: role}
}

// passesVerification applies the pluggable verification predicate for
// gated actions. Federated identities are exempt. A failed user lookup
// degrades to deny.
func (e *permissionEnforcer) passesVerification(ctx context.Context, userID domain.UserID, action domain.Action) bool {
	if !verificationGated(action) || e.verified == nil {
		return true
	}
	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		e.logger.Warnw("verification lookup failed", "user_id", userID, "error", err)
		return false
	}
	if user.Federated {
		return true
	}
	return e.verified(ctx, user)
}

func (e *permissionEnforcer) AddPermission(ctx context.Context, resource *domain.Resource, perm domain.Permission, actorID domain.UserID, reason string) (*domain.AuditEntry, error) {
	ctx, span := tracing.TracePermissionMutation(ctx, "add", string(resource.Type), string(resource.ID), string(actorID))
	defer span.End()

	if err := validatePermission(perm); err != nil {
		return nil, err
	}
	if err := validation.ValidateReason(reason); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	if resource.FindPermission(perm.EntityID, perm.EntityType) != nil {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("permission for %s:%s already exists", perm.EntityType, perm.EntityID))
	}

	// Only an owner or the super admin may grant, with one narrow
	// exception: a user may add themselves as Contributor.
	selfEnroll := perm.EntityType == domain.EntityUser &&
		perm.EntityID == string(actorID) &&
		perm.Role == domain.RoleContributor
	if !selfEnroll {
		if err := e.requireOwner(ctx, actorID, resource, "add permission"); err != nil {
			return nil, err
		}
	}

	perm.GrantedAt = time.Now()
	perm.GrantedBy = actorID

	entry, err := e.mutate(ctx, resource, actorID, reason, domain.AuditPermissionAdded,
		func(fresh *domain.Resource, stale bool) (domain.UserID, []domain.Permission, error) {
			if fresh.FindPermission(perm.EntityID, perm.EntityType) != nil {
				// The version advanced under us and the fresh copy already
				// carries the entry: another writer won.
				return "", nil, apperrors.NewConflictError(
					fmt.Sprintf("permission for %s:%s already exists", perm.EntityType, perm.EntityID))
			}
			return fresh.OwnerID, append(fresh.ClonePermissions(), perm), nil
		})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	entry.EntityID = perm.EntityID
	entry.EntityType = perm.EntityType
	entry.Role = perm.Role
	if err := e.audits.Append(ctx, entry); err != nil {
		e.logger.Errorw("failed to write audit entry", "resource", resource.Key(), "error", err)
	}

	e.logger.Infow("permission added",
		"resource", resource.Key(),
		"entity_id", perm.EntityID,
		"entity_type", perm.EntityType,
		"role", perm.Role,
		"actor_id", actorID,
	)
	return entry, nil
}

func (e *permissionEnforcer) RemovePermission(ctx context.Context, resource *domain.Resource, entityID string, entityType domain.EntityType, actorID domain.UserID, reason string) (*domain.AuditEntry, error) {
	ctx, span := tracing.TracePermissionMutation(ctx, "remove", string(resource.Type), string(resource.ID), string(actorID))
	defer span.End()

	if err := validation.ValidateID(entityID, "entity id"); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if !entityType.IsValid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown entity type: %s", entityType))
	}

	target := resource.FindPermission(entityID, entityType)
	if target == nil {
		return nil, apperrors.NewNotFoundError("permission entry")
	}
	if err := e.requireOwner(ctx, actorID, resource, "remove permission"); err != nil {
		return nil, err
	}

	entry, err := e.mutate(ctx, resource, actorID, reason, domain.AuditPermissionRemoved,
		func(fresh *domain.Resource, stale bool) (domain.UserID, []domain.Permission, error) {
			freshTarget := fresh.FindPermission(entityID, entityType)
			if freshTarget == nil {
				return "", nil, apperrors.NewNotFoundError("permission entry")
			}
			// A user-Owner entry may not be removed when it is the
			// resource's only owner signal.
			if freshTarget.EntityType == domain.EntityUser && freshTarget.Role == domain.RoleOwner {
				if fresh.OwnerSignals() <= 1 {
					return "", nil, apperrors.WrapError(domain.ErrLastOwner, apperrors.ErrCodeValidation,
						"a resource must retain at least one owner", 400)
				}
			}
			next := make([]domain.Permission, 0, len(fresh.Permissions)-1)
			for _, p := range fresh.Permissions {
				if p.EntityID == entityID && p.EntityType == entityType {
					continue
				}
				next = append(next, p)
			}
			return fresh.OwnerID, next, nil
		})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	entry.EntityID = entityID
	entry.EntityType = entityType
	entry.Role = target.Role
	if err := e.audits.Append(ctx, entry); err != nil {
		e.logger.Errorw("failed to write audit entry", "resource", resource.Key(), "error", err)
	}

	e.logger.Infow("permission removed",
		"resource", resource.Key(),
		"entity_id", entityID,
		"entity_type", entityType,
		"actor_id", actorID,
	)
	return entry, nil
}

// UpdatePermission is composed of remove-then-add. The composition is not
// atomic: when the add half fails the remove has already been persisted,
// and the returned error carries the remove's rollback token under the
// "rollback_token" context key so the caller can reinstate the old entry
// via RollbackChange.
func (e *permissionEnforcer) UpdatePermission(ctx context.Context, resource *domain.Resource, perm domain.Permission, actorID domain.UserID, reason string) (*domain.AuditEntry, error) {
	ctx, span := tracing.TracePermissionMutation(ctx, "update", string(resource.Type), string(resource.ID), string(actorID))
	defer span.End()

	if err := validatePermission(perm); err != nil {
		return nil, err
	}

	removed, err := e.RemovePermission(ctx, resource, perm.EntityID, perm.EntityType, actorID, reason)
	if err != nil {
		return nil, err
	}

	added, err := e.AddPermission(ctx, resource, perm, actorID, reason)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.WrapError(err, apperrors.ErrCodeConflict,
			"permission update failed after removal; use the rollback token to restore the previous entry", 409).
			WithContext("rollback_token", removed.RollbackToken)
	}
	added.Action = domain.AuditPermissionUpdated
	return added, nil
}

func (e *permissionEnforcer) TransferOwnership(ctx context.Context, resource *domain.Resource, oldOwnerID, newOwnerID, actorID domain.UserID, reason string) (*domain.AuditEntry, error) {
	ctx, span := tracing.TracePermissionMutation(ctx, "transfer", string(resource.Type), string(resource.ID), string(actorID))
	defer span.End()

	if err := validation.ValidateID(string(newOwnerID), "new owner id"); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	if oldOwnerID == newOwnerID {
		return nil, apperrors.NewValidationError("new owner must differ from the current owner")
	}

	// Only the current owner or the super admin may transfer.
	if err := e.requireOwner(ctx, actorID, resource, "transfer ownership"); err != nil {
		return nil, err
	}

	now := time.Now()
	entry, err := e.mutate(ctx, resource, actorID, reason, domain.AuditOwnershipTransferred,
		func(fresh *domain.Resource, stale bool) (domain.UserID, []domain.Permission, error) {
			next := fresh.ClonePermissions()

			// Demote the outgoing owner's entry to Contributor.
			demoted := false
			for i := range next {
				if next[i].EntityType == domain.EntityUser && next[i].EntityID == string(oldOwnerID) {
					next[i].Role = domain.RoleContributor
					next[i].GrantedAt = now
					next[i].GrantedBy = actorID
					demoted = true
				}
			}
			if !demoted && oldOwnerID != "" {
				next = append(next, domain.Permission{
					EntityID:   string(oldOwnerID),
					EntityType: domain.EntityUser,
					Role:       domain.RoleContributor,
					GrantedAt:  now,
					GrantedBy:  actorID,
				})
			}

			// Promote or create the incoming owner's entry.
			promoted := false
			for i := range next {
				if next[i].EntityType == domain.EntityUser && next[i].EntityID == string(newOwnerID) {
					next[i].Role = domain.RoleOwner
					next[i].GrantedAt = now
					next[i].GrantedBy = actorID
					promoted = true
				}
			}
			if !promoted {
				next = append(next, domain.Permission{
					EntityID:   string(newOwnerID),
					EntityType: domain.EntityUser,
					Role:       domain.RoleOwner,
					GrantedAt:  now,
					GrantedBy:  actorID,
				})
			}

			// The legacy owner field follows the transfer.
			return newOwnerID, next, nil
		})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	entry.EntityID = string(newOwnerID)
	entry.EntityType = domain.EntityUser
	entry.Role = domain.RoleOwner
	if err := e.audits.Append(ctx, entry); err != nil {
		e.logger.Errorw("failed to write audit entry", "resource", resource.Key(), "error", err)
	}

	e.logger.Infow("ownership transferred",
		"resource", resource.Key(),
		"old_owner", oldOwnerID,
		"new_owner", newOwnerID,
		"actor_id", actorID,
	)
	return entry, nil
}

func (e *permissionEnforcer) RollbackChange(ctx context.Context, rollbackToken string, actorID domain.UserID, reason string) (*domain.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "permissions.rollback")
	defer span.End()

	original, err := e.audits.GetByToken(ctx, rollbackToken)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeNotFound, "rollback token not found", 404)
	}
	if original.RolledBackAt != nil {
		return nil, apperrors.WrapError(domain.ErrTokenAlreadyUsed, apperrors.ErrCodeConflict,
			"rollback token has already been used", 409)
	}

	resource, err := e.resources.GetByID(ctx, original.ResourceType, original.ResourceID)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeNotFound, "resource not found", 404)
	}
	if err := e.requireOwner(ctx, actorID, resource, "rollback change"); err != nil {
		return nil, err
	}

	entry, err := e.mutate(ctx, resource, actorID, reason, domain.AuditRollback,
		func(fresh *domain.Resource, stale bool) (domain.UserID, []domain.Permission, error) {
			before := make([]domain.Permission, len(original.Before))
			copy(before, original.Before)
			owner := original.BeforeOwner
			if owner == "" {
				owner = fresh.OwnerID
			}
			return owner, before, nil
		})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	if err := e.audits.MarkRolledBack(ctx, original.ID); err != nil {
		e.logger.Errorw("failed to mark audit entry rolled back", "audit_id", original.ID, "error", err)
	}
	if err := e.audits.Append(ctx, entry); err != nil {
		e.logger.Errorw("failed to write audit entry", "resource", resource.Key(), "error", err)
	}

	e.logger.Infow("permission change rolled back",
		"resource", resource.Key(),
		"original_audit_id", original.ID,
		"actor_id", actorID,
	)
	return entry, nil
}

func (e *permissionEnforcer) GetAuditLog(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID, filter domain.AuditFilter) ([]*domain.AuditEntry, error) {
	if !resourceType.IsValid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown resource type: %s", resourceType))
	}
	return e.audits.ListByResource(ctx, resourceType, id, filter)
}

// requireOwner verifies the actor holds Owner standing (directly, via
// inheritance, or as super admin). Denied attempts are logged: they are
// audit-worthy even though no state changed.
func (e *permissionEnforcer) requireOwner(ctx context.Context, actorID domain.UserID, resource *domain.Resource, operation string) error {
	if e.resolver.HasRole(ctx, actorID, resource, domain.RoleOwner) {
		return nil
	}
	e.logger.Warnw("permission mutation denied",
		"operation", operation,
		"resource", resource.Key(),
		"actor_id", actorID,
	)
	return apperrors.NewAccessDeniedError(
		fmt.Sprintf("only an owner may %s", operation))
}

// mutate runs the optimistic-concurrency write loop shared by every
// mutation: re-read the persisted state, let compute derive the next
// permission list from the fresh copy, then issue a conditional write
// keyed on the version marker, retrying on conflict up to the attempt
// bound. On success the caller's resource snapshot is refreshed and a
// prepared (not yet persisted) audit entry is returned.
func (e *permissionEnforcer) mutate(
	ctx context.Context,
	resource *domain.Resource,
	actorID domain.UserID,
	reason string,
	action domain.AuditAction,
	compute func(fresh *domain.Resource, stale bool) (domain.UserID, []domain.Permission, error),
) (*domain.AuditEntry, error) {
	var entry *domain.AuditEntry

	cfg := retry.Config{
		MaxAttempts:     maxWriteAttempts,
		InitialDelay:    20 * time.Millisecond,
		MaxDelay:        200 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: []error{domain.ErrVersionConflict},
	}

	err := retry.Do(ctx, cfg, func() error {
		fresh, err := e.resources.GetByID(ctx, resource.Type, resource.ID)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "resource not found", 404)
		}

		stale := fresh.Version != resource.Version
		owner, next, err := compute(fresh, stale)
		if err != nil {
			return err
		}

		if err := e.resources.UpdatePermissions(ctx, fresh.Type, fresh.ID, fresh.Version, owner, next); err != nil {
			return err
		}

		entry = &domain.AuditEntry{
			ID:            domain.AuditID(utils.GenerateAuditID()),
			ResourceID:    fresh.ID,
			ResourceType:  fresh.Type,
			ActorID:       actorID,
			Action:        action,
			Before:        fresh.ClonePermissions(),
			After:         next,
			BeforeOwner:   fresh.OwnerID,
			AfterOwner:    owner,
			Reason:        reason,
			RollbackToken: utils.GenerateRollbackToken(),
			CreatedAt:     time.Now(),
		}

		// Refresh the caller's snapshot so follow-up calls on the same
		// object observe the committed state.
		resource.OwnerID = owner
		resource.Permissions = next
		resource.Version = fresh.Version + 1
		return nil
	})
	if err != nil {
		if apperrors.IsAppError(err) && apperrors.CodeOf(err) != apperrors.ErrCodeInternal {
			return nil, err
		}
		// Retries exhausted on version conflicts: report a conflict,
		// distinct from validation and "already exists".
		return nil, apperrors.WrapError(err, apperrors.ErrCodeConflict,
			"could not persist permission change after concurrent updates", 409)
	}
	return entry, nil
}

// validatePermission checks the shape of a permission entry before any
// store access.
func validatePermission(perm domain.Permission) error {
	if err := validation.ValidateID(perm.EntityID, "entity id"); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if !perm.EntityType.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unknown entity type: %s", perm.EntityType))
	}
	if perm.EntityType == domain.EntityUser {
		if perm.Role == "" {
			return apperrors.NewValidationError("role is required for user permissions")
		}
		if !perm.Role.IsValid() {
			return apperrors.NewValidationError(fmt.Sprintf("unknown role: %s", perm.Role))
		}
	} else if perm.Role != "" && !perm.Role.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unknown role: %s", perm.Role))
	}
	return nil
}
