package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexuschat/nexus/pkg/crypto"
	"github.com/nexuschat/nexus/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// ErrLastAdmin marks the designed rejection of a mutation that would leave
// the server with zero enabled administrators. It is a recoverable,
// user-facing outcome, distinguishable from storage faults.
var ErrLastAdmin = errors.New("datastore: operation would leave no enabled administrator")

var ErrAccountNotFound = errors.New("datastore: account not found")
var ErrBadCredentials = errors.New("datastore: invalid username or password")
var ErrUsernameTaken = errors.New("datastore: username already taken")

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for all Nexus entities.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL COLLATE NOCASE UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash BLOB    NOT NULL,
		salt          BLOB    NOT NULL,
		is_admin      INTEGER NOT NULL DEFAULT 0,
		enabled       INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS account_permissions (
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		permission TEXT    NOT NULL,
		PRIMARY KEY (account_id, permission)
	);

	CREATE TABLE IF NOT EXISTS server_config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Accounts ----

// CreateAccount creates a new account with a freshly salted Argon2id password
// hash and the given permission set, returning it with the assigned ID.
func (s *baseProvider) CreateAccount(username, password string, isAdmin bool, perms model.PermissionSet) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	hash := crypto.HashPassword(password, salt)

	res, err := s.ExecContext(context.Background(),
		"INSERT INTO accounts (username, password_hash, salt, is_admin) VALUES (?, ?, ?, ?)",
		username, hash, salt, boolToInt(isAdmin))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	id, _ := res.LastInsertId()

	for p := range perms {
		if _, err := s.ExecContext(context.Background(),
			"INSERT INTO account_permissions (account_id, permission) VALUES (?, ?)", id, string(p)); err != nil {
			return nil, fmt.Errorf("datastore: create account permissions: %w", err)
		}
	}

	return &model.Account{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
		IsAdmin:      isAdmin,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *baseProvider) scanAccount(row *sql.Row) (*model.Account, error) {
	a := &model.Account{}
	var adminInt, enabledInt int
	var createdAt string
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Salt, &adminInt, &enabledInt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: scan account: %w", err)
	}
	a.IsAdmin = adminInt != 0
	a.Enabled = enabledInt != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: scan account: %w", err)
	}
	a.CreatedAt = parsed
	return a, nil
}

const accountColumns = "id, username, password_hash, salt, is_admin, enabled, created_at"

// GetAccountByUsername retrieves an account by username. Matching is
// case-insensitive. Returns (nil, nil) when no account exists.
func (s *baseProvider) GetAccountByUsername(username string) (*model.Account, error) {
	return s.scanAccount(s.QueryRowContext(context.Background(),
		"SELECT "+accountColumns+" FROM accounts WHERE username = ?", username))
}

// GetAccountByID retrieves an account by ID. Returns (nil, nil) when no
// account exists.
func (s *baseProvider) GetAccountByID(id int64) (*model.Account, error) {
	return s.scanAccount(s.QueryRowContext(context.Background(),
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
}

// ListAccounts returns all accounts.
func (s *baseProvider) ListAccounts() ([]model.Account, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var adminInt, enabledInt int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Salt, &adminInt, &enabledInt, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan account: %w", err)
		}
		a.IsAdmin = adminInt != 0
		a.Enabled = enabledInt != 0
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan account: %w", err)
		}
		a.CreatedAt = parsed
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// CountAccounts returns the total number of accounts.
func (s *baseProvider) CountAccounts() (int, error) {
	var count int
	if err := s.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		return 0, fmt.Errorf("datastore: count accounts: %w", err)
	}
	return count, nil
}

// CountEnabledAdmins returns the number of accounts that are both admin and
// enabled.
func (s *baseProvider) CountEnabledAdmins() (int, error) {
	var count int
	if err := s.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM accounts WHERE is_admin = 1 AND enabled = 1").Scan(&count); err != nil {
		return 0, fmt.Errorf("datastore: count admins: %w", err)
	}
	return count, nil
}

// Authenticate verifies a username/password pair and returns the account on
// success. The password comparison is constant time. Disabled accounts still
// authenticate; the caller decides whether to admit them.
func (s *baseProvider) Authenticate(username, password string) (*model.Account, error) {
	account, err := s.GetAccountByUsername(username)
	if err != nil {
		return nil, err
	}
	if account == nil {
		// Burn a hash anyway so unknown usernames take as long as bad
		// passwords.
		crypto.HashPassword(password, make([]byte, crypto.SaltLength))
		return nil, ErrBadCredentials
	}
	if !crypto.VerifyPassword(password, account.Salt, account.PasswordHash) {
		return nil, ErrBadCredentials
	}
	return account, nil
}

// UpdateUsername renames an account.
func (s *baseProvider) UpdateUsername(accountID int64, newUsername string) error {
	if err := model.ValidateUsername(newUsername); err != nil {
		return fmt.Errorf("datastore: update username: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"UPDATE accounts SET username = ? WHERE id = ?", newUsername, accountID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("datastore: update username: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdatePassword re-salts and re-hashes an account's password.
func (s *baseProvider) UpdatePassword(accountID int64, newPassword string) error {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("datastore: update password: %w", err)
	}
	hash := crypto.HashPassword(newPassword, salt)
	res, err := s.ExecContext(context.Background(),
		"UPDATE accounts SET password_hash = ?, salt = ? WHERE id = ?", hash, salt, accountID)
	if err != nil {
		return fmt.Errorf("datastore: update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// The guard clause shared by the conditional writes below: the mutation is
// allowed when the target is not itself an enabled admin, or when at least
// one other enabled admin exists at the moment the statement commits. SQLite
// evaluates the subquery and the write in one atomic statement, which closes
// the race where two concurrent demotions both observe "another admin
// exists".
const otherEnabledAdminExists = "(SELECT COUNT(*) FROM accounts WHERE is_admin = 1 AND enabled = 1 AND id != ?) >= 1"

// SetAdmin flips an account's admin flag. Demoting the last enabled admin is
// rejected with ErrLastAdmin; promotions always succeed.
func (s *baseProvider) SetAdmin(accountID int64, isAdmin bool) error {
	res, err := s.ExecContext(context.Background(),
		"UPDATE accounts SET is_admin = ? WHERE id = ? AND (? = 1 OR is_admin = 0 OR enabled = 0 OR "+otherEnabledAdminExists+")",
		boolToInt(isAdmin), accountID, boolToInt(isAdmin), accountID)
	if err != nil {
		return fmt.Errorf("datastore: set admin: %w", err)
	}
	return s.classifyGuardedResult(res, accountID)
}

// SetEnabled flips an account's enabled flag. Disabling the last enabled
// admin is rejected with ErrLastAdmin; enabling always succeeds.
func (s *baseProvider) SetEnabled(accountID int64, enabled bool) error {
	res, err := s.ExecContext(context.Background(),
		"UPDATE accounts SET enabled = ? WHERE id = ? AND (? = 1 OR is_admin = 0 OR enabled = 0 OR "+otherEnabledAdminExists+")",
		boolToInt(enabled), accountID, boolToInt(enabled), accountID)
	if err != nil {
		return fmt.Errorf("datastore: set enabled: %w", err)
	}
	return s.classifyGuardedResult(res, accountID)
}

// DeleteAccount removes an account and (via FK cascade) its permissions.
// Deleting the last enabled admin is rejected with ErrLastAdmin.
func (s *baseProvider) DeleteAccount(accountID int64) error {
	res, err := s.ExecContext(context.Background(),
		"DELETE FROM accounts WHERE id = ? AND (is_admin = 0 OR enabled = 0 OR "+otherEnabledAdminExists+")",
		accountID, accountID)
	if err != nil {
		return fmt.Errorf("datastore: delete account: %w", err)
	}
	return s.classifyGuardedResult(res, accountID)
}

// classifyGuardedResult distinguishes "no such account" from "guard refused"
// after a conditional write touched zero rows. The follow-up read is only for
// error reporting; the invariant itself was already enforced atomically by
// the statement.
func (s *baseProvider) classifyGuardedResult(res sql.Result, accountID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("datastore: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	account, err := s.GetAccountByID(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return ErrAccountNotFound
	}
	return ErrLastAdmin
}

// ---- Permissions ----

// GetPermissions returns an account's stored permission set. The stored set
// is irrelevant for admins, who bypass it at evaluation time.
func (s *baseProvider) GetPermissions(accountID int64) (model.PermissionSet, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT permission FROM account_permissions WHERE account_id = ?", accountID)
	if err != nil {
		return nil, fmt.Errorf("datastore: get permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	perms := make(model.PermissionSet)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("datastore: scan permission: %w", err)
		}
		perms[model.Permission(name)] = struct{}{}
	}
	return perms, rows.Err()
}

// ReplacePermissions swaps an account's entire permission set inside the
// surrounding transaction.
func (s *txProvider) ReplacePermissions(accountID int64, perms model.PermissionSet) error {
	ctx := context.Background()
	if _, err := s.ExecContext(ctx,
		"DELETE FROM account_permissions WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("datastore: clear permissions: %w", err)
	}
	for p := range perms {
		if _, err := s.ExecContext(ctx,
			"INSERT INTO account_permissions (account_id, permission) VALUES (?, ?)",
			accountID, string(p)); err != nil {
			return fmt.Errorf("datastore: insert permission: %w", err)
		}
	}
	return nil
}

// ---- Topic ----

const topicKey = "topic"

// GetTopic returns the server topic, or empty string if unset.
func (s *baseProvider) GetTopic() (string, error) {
	var topic string
	err := s.QueryRowContext(context.Background(),
		"SELECT value FROM server_config WHERE key = ?", topicKey).Scan(&topic)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("datastore: get topic: %w", err)
	}
	return topic, nil
}

// SetTopic stores the server topic.
func (s *baseProvider) SetTopic(topic string) error {
	_, err := s.ExecContext(context.Background(),
		"INSERT INTO server_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		topicKey, topic)
	if err != nil {
		return fmt.Errorf("datastore: set topic: %w", err)
	}
	return nil
}
