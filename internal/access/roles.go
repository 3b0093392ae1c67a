package access

import "strings"

// Role is a canonical team membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	// RoleNone is what unrecognized stored roles migrate to. It is granted nothing.
	RoleNone Role = ""
)

// Roles that older team records may still carry.
const (
	legacyEditor = "editor"
	legacyViewer = "viewer"
)

var roleMigrations = map[string]Role{
	string(RoleOwner):  RoleOwner,
	string(RoleAdmin):  RoleAdmin,
	string(RoleMember): RoleMember,
	legacyEditor:       RoleAdmin,
	legacyViewer:       RoleMember,
}

// MigrateRole maps a stored role name to its canonical role. It is applied on
// every read of a membership record. Canonical names map to themselves and
// anything unrecognized maps to RoleNone.
func MigrateRole(stored string) Role {
	return roleMigrations[strings.ToLower(strings.TrimSpace(stored))]
}

// Valid reports whether r is one of the canonical roles.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// Action is something an actor may attempt on a resource.
type Action string

const (
	ActionView   Action = "view"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionClone  Action = "clone"
	ActionSync   Action = "sync"
	ActionShare  Action = "share"
)

// Team roles allowed to perform each action on a resource they do not own.
// Actions missing from the table are reserved to the owner.
var actionRoles = map[Action][]Role{
	ActionView:  {RoleOwner, RoleAdmin, RoleMember},
	ActionClone: {RoleOwner, RoleAdmin},
	ActionSync:  {RoleOwner, RoleAdmin},
	ActionShare: {RoleOwner, RoleAdmin},
}

// AllowedRoles returns the team roles permitted to perform action.
func AllowedRoles(action Action) []Role {
	roles := actionRoles[action]
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

func roleAllows(action Action, role Role) bool {
	for _, r := range actionRoles[action] {
		if r == role {
			return true
		}
	}
	return false
}
