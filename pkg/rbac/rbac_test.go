package rbac

import (
	"testing"

	"github.com/nexuschat/nexus/pkg/model"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name    string
		session *model.Session
		perm    model.Permission
		want    bool
	}{
		{
			"granted permission",
			&model.Session{Permissions: model.NewPermissionSet(model.PermSendChat)},
			model.PermSendChat,
			true,
		},
		{
			"missing permission",
			&model.Session{Permissions: model.NewPermissionSet(model.PermSendChat)},
			model.PermBroadcast,
			false,
		},
		{
			"empty set",
			&model.Session{Permissions: model.PermissionSet{}},
			model.PermSendChat,
			false,
		},
		{
			"admin bypasses empty set",
			&model.Session{IsAdmin: true, Permissions: model.PermissionSet{}},
			model.PermDeleteUser,
			true,
		},
		{
			"admin bypasses nil set",
			&model.Session{IsAdmin: true},
			model.PermEditTopic,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.session, tt.perm); got != tt.want {
				t.Errorf("Allowed(%v) = %v, want %v", tt.perm, got, tt.want)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	admin := &model.Session{IsAdmin: true}
	if msg := Require(admin, model.PermKickUser); msg != "" {
		t.Errorf("Require(admin) = %q, want empty", msg)
	}

	user := &model.Session{Permissions: model.PermissionSet{}}
	msg := Require(user, model.PermKickUser)
	if msg == "" {
		t.Fatalf("Require(user without perm) = empty, want denial message")
	}
	want := "permission denied: kick-user required"
	if msg != want {
		t.Errorf("Require = %q, want %q", msg, want)
	}
}
