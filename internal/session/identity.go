// Package session authenticates connections at accept time and holds the
// identity snapshot that authorization checks run against. The snapshot is
// not refreshed while the connection lives; staleness is bounded only by
// reconnection.
package session

import "slices"

// Identity is the authenticated principal bound to one connection.
type Identity struct {
	UserID      string
	Name        string
	Email       string
	Role        string
	Permissions []string
	Guest       bool
}

// HasRole reports whether the identity holds any of the given roles.
func (id Identity) HasRole(roles ...string) bool {
	return slices.Contains(roles, id.Role)
}

// HasPermission reports whether the snapshot carries the permission.
func (id Identity) HasPermission(perm string) bool {
	return slices.Contains(id.Permissions, perm)
}
