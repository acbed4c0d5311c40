package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexuschat/nexus/pkg/crypto"
	"github.com/nexuschat/nexus/pkg/datastore"
	"github.com/nexuschat/nexus/pkg/model"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	st := s.store
	defer func() { _ = st.NonTx().Close() }()

	// Bootstrap an administrator on first run so the server is reachable.
	if err := s.ensureAdminAccount(st); err != nil {
		return err
	}

	// Create accounts from YAML config if provided
	if s.cfg.UsersFile != "" {
		if err := LoadUsersFromYAML(s.cfg.UsersFile, st); err != nil {
			slog.Error("failed to load users config", "err", err)
		}
	}

	if err := s.Start(); err != nil {
		return err
	}

	slog.Info("Nexus server running",
		"control", s.cfg.ListenAddr,
		"metrics", s.cfg.MetricsAddr,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(s.ctx, 60*time.Second)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, sess := range s.sessions.All() {
		sess.Outbox.Close()
	}
	s.conns.closeAll()
}

// ensureAdminAccount creates the initial administrator only on first run,
// when the database holds no accounts at all.
func (s *Server) ensureAdminAccount(st datastore.DataProviderFactory) error {
	count, err := st.NonTx().CountAccounts()
	if err != nil {
		return fmt.Errorf("server: count accounts: %w", err)
	}
	if count > 0 {
		return nil // accounts already exist, nothing to bootstrap
	}

	password, err := crypto.GeneratePassword()
	if err != nil {
		return fmt.Errorf("server: generate admin password: %w", err)
	}

	if _, err := st.NonTx().CreateAccount("admin", password, true, model.PermissionSet{}); err != nil {
		return fmt.Errorf("server: create admin account: %w", err)
	}

	slog.Info("========================================")
	slog.Info("ADMIN PASSWORD (save this!):", "username", "admin", "password", password)
	slog.Info("========================================")
	return nil
}
