package domain

type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleContributor  Role = "contributor"
)

// Role priorities. A higher priority role implies every capability of a
// lower one.
const (
	PriorityOwner        = 100
	PriorityCollaborator = 50
	PriorityContributor  = 10
)

func (r Role) Priority() int {
	switch r {
	case RoleOwner:
		return PriorityOwner
	case RoleCollaborator:
		return PriorityCollaborator
	case RoleContributor:
		return PriorityContributor
	default:
		return 0
	}
}

func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleCollaborator, RoleContributor:
		return true
	}
	return false
}

type Action string

const (
	ActionView              Action = "view"
	ActionEdit              Action = "edit"
	ActionDelete            Action = "delete"
	ActionManagePermissions Action = "manage_permissions"
	ActionContribute        Action = "contribute"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionView, ActionEdit, ActionDelete, ActionManagePermissions, ActionContribute:
		return true
	}
	return false
}

var roleActions = map[Role]map[Action]bool{
	RoleOwner: {
		ActionView:              true,
		ActionEdit:              true,
		ActionDelete:            true,
		ActionManagePermissions: true,
		ActionContribute:        true,
	},
	RoleCollaborator: {
		ActionView:       true,
		ActionEdit:       true,
		ActionContribute: true,
	},
	RoleContributor: {
		ActionView:       true,
		ActionContribute: true,
	},
}

// Allows reports whether the role grants the given action.
func (r Role) Allows(a Action) bool {
	return roleActions[r][a]
}
