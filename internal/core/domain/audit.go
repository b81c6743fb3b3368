package domain

import "time"

type AuditID string

type AuditAction string

const (
	AuditPermissionAdded      AuditAction = "permission_added"
	AuditPermissionRemoved    AuditAction = "permission_removed"
	AuditPermissionUpdated    AuditAction = "permission_updated"
	AuditOwnershipTransferred AuditAction = "ownership_transferred"
	AuditRollback             AuditAction = "rollback"
)

// AuditEntry is an immutable record of a permission mutation. Before and
// After snapshot the full permission list around the change so the prior
// state can be reconstructed. RollbackToken is single-use; RolledBackAt is
// set once the token has been spent.
type AuditEntry struct {
	ID            AuditID      `json:"id"`
	ResourceID    ResourceID   `json:"resource_id"`
	ResourceType  ResourceType `json:"resource_type"`
	ActorID       UserID       `json:"actor_id"`
	Action        AuditAction  `json:"action"`
	EntityID      string       `json:"entity_id,omitempty"`
	EntityType    EntityType   `json:"entity_type,omitempty"`
	Role          Role         `json:"role,omitempty"`
	Before        []Permission `json:"before"`
	After         []Permission `json:"after"`
	BeforeOwner   UserID       `json:"before_owner"`
	AfterOwner    UserID       `json:"after_owner"`
	Reason        string       `json:"reason,omitempty"`
	RollbackToken string       `json:"rollback_token"`
	RolledBackAt  *time.Time   `json:"rolled_back_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// AuditFilter narrows an audit-log query. Zero values mean "no filter".
type AuditFilter struct {
	ActorID UserID
	From    time.Time
	To      time.Time
	Limit   int
}

// Matches reports whether the entry passes the filter.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}
