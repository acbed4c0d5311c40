package server

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/nexuschat/nexus/pkg/datastore"
)

func newTestStore(t *testing.T) *datastore.ProviderFactory {
	t.Helper()
	st, err := datastore.NewProviderFactory(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestImportUsersFromYAML(t *testing.T) {
	st := newTestStore(t)

	data := []byte(`
users:
  - username: root
    password: s3cret
    is_admin: true
  - username: alice
    password: hunter2
    permissions: [send-chat, receive-chat]
  - username: mallory
    password: pw
    enabled: false
`)
	if err := ImportUsersFromYAML(data, st); err != nil {
		t.Fatalf("ImportUsersFromYAML: %v", err)
	}

	root, err := st.NonTx().GetAccountByUsername("root")
	if err != nil || root == nil {
		t.Fatalf("root missing after import: %v", err)
	}
	if !root.IsAdmin {
		t.Errorf("root not admin")
	}

	alice, err := st.NonTx().GetAccountByUsername("alice")
	if err != nil || alice == nil {
		t.Fatalf("alice missing after import: %v", err)
	}
	perms, err := st.NonTx().GetPermissions(alice.ID)
	if err != nil {
		t.Fatalf("GetPermissions: %v", err)
	}
	if len(perms) != 2 {
		t.Errorf("alice permissions = %v, want 2", perms.Names())
	}
	if _, err := st.NonTx().Authenticate("alice", "hunter2"); err != nil {
		t.Errorf("imported password rejected: %v", err)
	}

	mallory, err := st.NonTx().GetAccountByUsername("mallory")
	if err != nil || mallory == nil {
		t.Fatalf("mallory missing after import: %v", err)
	}
	if mallory.Enabled {
		t.Errorf("mallory enabled despite enabled: false")
	}
}

func TestImportUsersFromYAMLIdempotent(t *testing.T) {
	st := newTestStore(t)

	data := []byte("users:\n  - username: root\n    password: s3cret\n    is_admin: true\n")
	if err := ImportUsersFromYAML(data, st); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if err := st.NonTx().UpdatePassword(1, "changed"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}

	// A second import leaves the existing account untouched.
	if err := ImportUsersFromYAML(data, st); err != nil {
		t.Fatalf("second import: %v", err)
	}
	count, err := st.NonTx().CountAccounts()
	if err != nil || count != 1 {
		t.Fatalf("account count = %d err = %v, want 1", count, err)
	}
	if _, err := st.NonTx().Authenticate("root", "changed"); err != nil {
		t.Errorf("re-import overwrote the stored password: %v", err)
	}
}

func TestImportUsersRejectsBadYAML(t *testing.T) {
	st := newTestStore(t)
	if err := ImportUsersFromYAML([]byte("users: [not a mapping"), st); err == nil {
		t.Fatalf("malformed YAML accepted")
	}
}

func TestExportUsersYAML(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.NonTx().CreateAccount("root", "s3cret", true, nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	out, err := ExportUsersYAML(st)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, "username: root") {
		t.Errorf("export missing username:\n%s", text)
	}
	if !strings.Contains(text, "is_admin: true") {
		t.Errorf("export missing admin flag:\n%s", text)
	}
	// Credentials never leave the database.
	if strings.Contains(text, "password") || strings.Contains(text, "s3cret") {
		t.Errorf("export leaked credential material:\n%s", text)
	}
}
