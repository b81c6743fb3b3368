package domain

import (
	"fmt"
	"time"
)

type ResourceID string

type ResourceType string

const (
	ResourceExperience  ResourceType = "experience"
	ResourceDestination ResourceType = "destination"
	ResourcePlan        ResourceType = "plan"
)

func (t ResourceType) IsValid() bool {
	switch t {
	case ResourceExperience, ResourceDestination, ResourcePlan:
		return true
	}
	return false
}

// EntityType is the kind of principal a permission entry points at. A user
// entry grants a role directly; a destination or experience entry is an
// inheritance edge propagating that resource's effective roles.
type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityDestination EntityType = "destination"
	EntityExperience  EntityType = "experience"
)

func (t EntityType) IsValid() bool {
	switch t {
	case EntityUser, EntityDestination, EntityExperience:
		return true
	}
	return false
}

// ResourceType returns the resource type an inheritance entry refers to.
func (t EntityType) ResourceType() ResourceType {
	switch t {
	case EntityDestination:
		return ResourceDestination
	case EntityExperience:
		return ResourceExperience
	}
	return ""
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Permission is a single entry in a resource's permission list. Role is
// required when EntityType is user and ignored for inheritance entries.
type Permission struct {
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	Role       Role       `json:"role,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	GrantedBy  UserID     `json:"granted_by"`
}

// Resource is an Experience, Destination or Plan record that can hold
// permissions. OwnerID is the legacy single-owner field, kept alongside
// Owner-typed permission entries; both are first-class owner signals.
// Version is the optimistic-concurrency marker advanced on every
// permission write.
type Resource struct {
	ID          ResourceID   `json:"id"`
	Type        ResourceType `json:"type"`
	Name        string       `json:"name"`
	OwnerID     UserID       `json:"owner_id"`
	Visibility  Visibility   `json:"visibility"`
	Permissions []Permission `json:"permissions"`
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Key returns the canonical "<type>:<id>" identifier used for cycle
// detection and room naming.
func (r *Resource) Key() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// FindPermission returns the entry matching (entityID, entityType), or nil.
func (r *Resource) FindPermission(entityID string, entityType EntityType) *Permission {
	for i := range r.Permissions {
		p := &r.Permissions[i]
		if p.EntityID == entityID && p.EntityType == entityType {
			return p
		}
	}
	return nil
}

// OwnerSignals counts the distinct owner signals on the resource: the
// legacy OwnerID field plus every user entry carrying the Owner role. A
// user entry that duplicates the legacy owner counts once.
func (r *Resource) OwnerSignals() int {
	seen := make(map[string]bool)
	if r.OwnerID != "" {
		seen[string(r.OwnerID)] = true
	}
	for _, p := range r.Permissions {
		if p.EntityType == EntityUser && p.Role == RoleOwner {
			seen[p.EntityID] = true
		}
	}
	return len(seen)
}

// PubliclyVisible reports whether the resource may be viewed without a
// role. Destinations default to public when no visibility is set;
// experiences and plans default to private.
func (r *Resource) PubliclyVisible() bool {
	if r.Visibility != "" {
		return r.Visibility == VisibilityPublic
	}
	return r.Type == ResourceDestination
}

// ClonePermissions returns a copy of the permission list safe to mutate.
func (r *Resource) ClonePermissions() []Permission {
	out := make([]Permission, len(r.Permissions))
	copy(out, r.Permissions)
	return out
}
