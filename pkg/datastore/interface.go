package datastore

import (
	"context"
	"time"

	"github.com/nexuschat/nexus/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	PermissionTransactionProvider
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all Nexus entities.
// Implementations include the default SQLite store and can be extended to
// support PostgreSQL or any other backend with atomic conditional writes.
type DataStore interface {
	ConfigReadProvider

	AccountReadProvider
	AccountWriteProvider

	PermissionReadProvider

	TopicReadProvider
	TopicWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
	Close() error
}

type AccountReadProvider interface {
	GetAccountByUsername(username string) (*model.Account, error)
	GetAccountByID(id int64) (*model.Account, error)
	ListAccounts() ([]model.Account, error)
	CountAccounts() (int, error)
	CountEnabledAdmins() (int, error)
	Authenticate(username, password string) (*model.Account, error)
}

type AccountWriteProvider interface {
	CreateAccount(username, password string, isAdmin bool, perms model.PermissionSet) (*model.Account, error)
	UpdateUsername(accountID int64, newUsername string) error
	UpdatePassword(accountID int64, newPassword string) error

	// SetAdmin, SetEnabled, and DeleteAccount are conditional writes: the
	// store refuses, in the same atomic step as the write, any mutation that
	// would leave zero enabled administrators, reporting ErrLastAdmin.
	SetAdmin(accountID int64, isAdmin bool) error
	SetEnabled(accountID int64, enabled bool) error
	DeleteAccount(accountID int64) error
}

type PermissionReadProvider interface {
	GetPermissions(accountID int64) (model.PermissionSet, error)
}

// PermissionTransactionProvider replaces an account's whole permission set in
// one transaction.
type PermissionTransactionProvider interface {
	ReplacePermissions(accountID int64, perms model.PermissionSet) error
}

type TopicReadProvider interface {
	GetTopic() (string, error)
}

type TopicWriteProvider interface {
	SetTopic(topic string) error
}
