package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nexuschat/nexus/pkg/datastore"
	"github.com/nexuschat/nexus/pkg/model"
	"gopkg.in/yaml.v3"
)

// UserYAML represents a user in YAML config and export.
type UserYAML struct {
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password,omitempty"` // import only, never exported
	IsAdmin     bool     `yaml:"is_admin,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
	CreatedAt   string   `yaml:"created_at,omitempty"` // export only
}

// UsersConfig is the top-level YAML for user import and export.
type UsersConfig struct {
	Users []UserYAML `yaml:"users"`
}

// LoadUsersFromYAML reads a users YAML file and creates missing accounts.
func LoadUsersFromYAML(path string, st datastore.DataProviderFactory) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read users config: %w", err)
	}
	return ImportUsersFromYAML(data, st)
}

// ImportUsersFromYAML parses YAML data and creates the accounts it lists.
// Existing accounts are left untouched so the file can be applied repeatedly.
func ImportUsersFromYAML(data []byte, st datastore.DataProviderFactory) error {
	var cfg UsersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse users config: %w", err)
	}

	created := 0
	for _, u := range cfg.Users {
		if err := ensureUser(st, u); err != nil {
			slog.Error("failed to create user from config", "username", u.Username, "err", err)
			continue
		}
		created++
	}

	slog.Info("imported users from YAML", "listed", len(cfg.Users), "applied", created)
	return nil
}

func ensureUser(st datastore.DataProviderFactory, u UserYAML) error {
	existing, err := st.NonTx().GetAccountByUsername(u.Username)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if u.Password == "" {
		return fmt.Errorf("user %q has no password", u.Username)
	}

	perms, err := model.ParsePermissions(u.Permissions)
	if err != nil {
		return err
	}

	tx, err := st.Tx(context.Background())
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	account, err := tx.CreateAccount(u.Username, u.Password, u.IsAdmin, perms)
	if err != nil {
		return err
	}
	if u.Enabled != nil && !*u.Enabled {
		if err := tx.SetEnabled(account.ID, false); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("created user from config", "username", u.Username, "admin", u.IsAdmin)
	return nil
}

// ExportUsersYAML exports all accounts as YAML. Password hashes are never
// included.
func ExportUsersYAML(st datastore.DataProviderFactory) ([]byte, error) {
	accounts, err := st.NonTx().ListAccounts()
	if err != nil {
		return nil, err
	}

	export := UsersConfig{}
	for _, a := range accounts {
		perms, err := st.NonTx().GetPermissions(a.ID)
		if err != nil {
			return nil, err
		}
		enabled := a.Enabled
		export.Users = append(export.Users, UserYAML{
			Username:    a.Username,
			IsAdmin:     a.IsAdmin,
			Enabled:     &enabled,
			Permissions: perms.Names(),
			CreatedAt:   a.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
