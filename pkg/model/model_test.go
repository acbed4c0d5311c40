package model

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid mixed", "A-b_3", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"way too long", strings.Repeat("x", 65), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"contains @", "user@name", ErrUsernameInvalidChars},
		{"sql quote", "' OR '1'='1", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"emoji", "user😀", ErrUsernameInvalidChars},
		{"tab character", "user\tname", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestPermissionValid(t *testing.T) {
	for _, p := range AllPermissions {
		if !p.Valid() {
			t.Errorf("Permission(%q).Valid() = false, want true", p)
		}
	}
	for _, p := range []Permission{"", "send_chat", "SEND-CHAT", "sudo"} {
		if p.Valid() {
			t.Errorf("Permission(%q).Valid() = true, want false", p)
		}
	}
}

func TestPermissionSet(t *testing.T) {
	set := NewPermissionSet(PermSendChat, PermViewTopic)

	if !set.Has(PermSendChat) {
		t.Errorf("Has(PermSendChat) = false, want true")
	}
	if set.Has(PermBroadcast) {
		t.Errorf("Has(PermBroadcast) = true, want false")
	}

	names := set.Names()
	if len(names) != 2 || names[0] != "send-chat" || names[1] != "view-topic" {
		t.Errorf("Names() = %v, want sorted [send-chat view-topic]", names)
	}
}

func TestParsePermissions(t *testing.T) {
	set, err := ParsePermissions([]string{"send-chat", "broadcast"})
	if err != nil {
		t.Fatalf("ParsePermissions: unexpected error: %v", err)
	}
	if !set.Has(PermSendChat) || !set.Has(PermBroadcast) {
		t.Errorf("ParsePermissions dropped a permission: %v", set.Names())
	}

	if _, err := ParsePermissions([]string{"send-chat", "fly"}); err == nil {
		t.Errorf("ParsePermissions: expected error for unknown name, got nil")
	}

	empty, err := ParsePermissions(nil)
	if err != nil {
		t.Fatalf("ParsePermissions(nil): unexpected error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ParsePermissions(nil) = %v, want empty set", empty.Names())
	}
}
