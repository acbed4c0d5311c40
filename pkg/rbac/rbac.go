// Package rbac provides per-command permission checks.
package rbac

import "github.com/nexuschat/nexus/pkg/model"

// Allowed reports whether the session may perform the action guarded by perm.
// Administrators bypass the stored permission set entirely.
func Allowed(session *model.Session, perm model.Permission) bool {
	if session.IsAdmin {
		return true
	}
	return session.Permissions.Has(perm)
}

// Require returns an error message if the session lacks the permission, or
// empty string if allowed.
func Require(session *model.Session, perm model.Permission) string {
	if Allowed(session, perm) {
		return ""
	}
	return "permission denied: " + string(perm) + " required"
}
