// Package auth defines the role model and actor context trusted by the
// engine. Identity verification happens at the request layer; the engine
// receives an already-authenticated Actor.
package auth

import (
	"fmt"
)

// Role is a closed set; free-text roles are rejected at parse time.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleSafetyManager Role = "safety_manager"
	RoleSupervisor    Role = "supervisor"
	RoleFieldWorker   Role = "field_worker"
)

var roleRank = map[Role]int{
	RoleFieldWorker:   1,
	RoleSupervisor:    2,
	RoleSafetyManager: 3,
	RoleAdmin:         4,
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Roles lists all valid roles, lowest rank first.
func Roles() []Role {
	return []Role{RoleFieldWorker, RoleSupervisor, RoleSafetyManager, RoleAdmin}
}

// HasRole reports whether actual satisfies required in the role
// hierarchy. Unknown roles rank below everything, so a garbled actual
// role always denies.
func HasRole(actual, required Role) bool {
	return roleRank[actual] >= roleRank[required] && roleRank[actual] > 0
}

// Actor is the pre-verified caller identity supplied by the request
// layer.
type Actor struct {
	ID    string
	Name  string
	Role  Role
	OrgID string
}

// ForbiddenError indicates the actor does not satisfy the role or
// approver requirement for an operation.
type ForbiddenError struct {
	Required Role
	ActorID  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s lacks role %s and is not a listed approver", e.ActorID, e.Required)
}
