package models

import "github.com/google/uuid"

// Role is the caller's role as validated by the upstream auth collaborator.
type Role string

const (
	RoleClient     Role = "client"
	RolePorter     Role = "porter"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// Valid returns true if the role is valid.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RolePorter, RoleAdmin, RoleSuperadmin:
		return true
	default:
		return false
	}
}

// Admin reports whether the role grants admin-scoped mutations.
func (r Role) Admin() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

// Principal is the validated caller identity attached to every request.
// Credential verification happens upstream; the core only enforces
// role and ownership rules.
type Principal struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
}
