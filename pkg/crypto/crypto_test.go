package crypto

import (
	"bytes"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	if len(salt) != SaltLength {
		t.Fatalf("salt length = %d, want %d", len(salt), SaltLength)
	}

	hash := HashPassword("correct horse", salt)

	if !VerifyPassword("correct horse", salt, hash) {
		t.Errorf("VerifyPassword with right password = false")
	}
	if VerifyPassword("wrong horse", salt, hash) {
		t.Errorf("VerifyPassword with wrong password = true")
	}
	if VerifyPassword("", salt, hash) {
		t.Errorf("VerifyPassword with empty password = true")
	}
}

func TestHashPasswordSaltMatters(t *testing.T) {
	s1, _ := GenerateSalt()
	s2, _ := GenerateSalt()
	if bytes.Equal(s1, s2) {
		t.Fatalf("two generated salts are identical")
	}

	h1 := HashPassword("pw", s1)
	h2 := HashPassword("pw", s2)
	if bytes.Equal(h1, h2) {
		t.Errorf("same password with different salts produced identical hashes")
	}

	// Same inputs must stay deterministic or stored hashes become useless.
	if !bytes.Equal(h1, HashPassword("pw", s1)) {
		t.Errorf("hash is not deterministic for identical inputs")
	}
}

func TestGeneratePassword(t *testing.T) {
	p1, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if len(p1) != 32 {
		t.Errorf("password length = %d, want 32 hex chars", len(p1))
	}

	p2, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if p1 == p2 {
		t.Errorf("two generated passwords are identical")
	}
}
