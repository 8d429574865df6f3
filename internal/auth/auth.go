// Package auth is the permission boundary in front of the coordinator. Login,
// registration and token issuance live outside this module; the coordinator
// only asks whether an identity may perform an action in a department.
package auth

import (
	"strings"
)

// Actions checked by the coordinator.
const (
	ActionAdd    = "add"
	ActionEdit   = "edit"
	ActionDelete = "delete"
	ActionView   = "view"
)

// RoleManager may act on every department.
const RoleManager = "manager"

// Authorizer decides whether identity may perform action on department.
type Authorizer interface {
	Allowed(identity, action, department string) bool
}

// AllowAll permits everything. It is used when no users are configured.
type AllowAll struct{}

// Allowed always returns true.
func (AllowAll) Allowed(string, string, string) bool { return true }

// User is one identity known to a StaticPolicy.
type User struct {
	Role       string
	Department string
}

// StaticPolicy authorizes a fixed set of identities. Managers may do
// anything; every other role may add, edit, delete and view files of its own
// department only. Unknown identities are denied.
type StaticPolicy struct {
	users map[string]User
}

// NewStaticPolicy builds a policy keyed by identity.
func NewStaticPolicy(users map[string]User) *StaticPolicy {
	p := &StaticPolicy{users: make(map[string]User, len(users))}
	for id, u := range users {
		p.users[id] = u
	}
	return p
}

// Allowed implements Authorizer.
func (p *StaticPolicy) Allowed(identity, action, department string) bool {
	u, ok := p.users[identity]
	if !ok {
		return false
	}
	if strings.EqualFold(u.Role, RoleManager) {
		return true
	}
	switch action {
	case ActionAdd, ActionEdit, ActionDelete, ActionView:
		return u.Department == department
	default:
		return false
	}
}
