package model

import (
	"fmt"
	"sort"
)

// Permission names a capability that is checked per command. Administrators
// hold every permission implicitly; their stored set is never consulted.
type Permission string

const (
	PermSendChat     Permission = "send-chat"
	PermReceiveChat  Permission = "receive-chat"
	PermBroadcast    Permission = "broadcast"
	PermViewUserList Permission = "view-user-list"
	PermViewUserInfo Permission = "view-user-info"
	PermCreateUser   Permission = "create-user"
	PermDeleteUser   Permission = "delete-user"
	PermEditUser     Permission = "edit-user"
	PermKickUser     Permission = "kick-user"
	PermSendMessage  Permission = "send-message"
	PermViewTopic    Permission = "view-topic"
	PermEditTopic    Permission = "edit-topic"
)

// AllPermissions lists every recognised permission.
var AllPermissions = []Permission{
	PermSendChat,
	PermReceiveChat,
	PermBroadcast,
	PermViewUserList,
	PermViewUserInfo,
	PermCreateUser,
	PermDeleteUser,
	PermEditUser,
	PermKickUser,
	PermSendMessage,
	PermViewTopic,
	PermEditTopic,
}

// Valid returns true if p is a recognised permission name.
func (p Permission) Valid() bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// PermissionSet is a set of granted permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Names returns the set's permission names, sorted for stable output.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for p := range s {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// ParsePermissions converts permission names into a set, rejecting unknown
// names.
func ParsePermissions(names []string) (PermissionSet, error) {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		p := Permission(name)
		if !p.Valid() {
			return nil, fmt.Errorf("unknown permission %q", name)
		}
		set[p] = struct{}{}
	}
	return set, nil
}
