package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9702 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("nexus_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("nexus_connections_active", "Current active control connections.", "gauge",
		m.ActiveConnections.Load())
	write("nexus_connections_total", "Lifetime TLS connections accepted.", "counter",
		m.TotalConnections.Load())
	write("nexus_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("nexus_auth_success_total", "Successful authentication attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("nexus_auth_failed_total", "Failed authentication attempts.", "counter",
		m.FailedAuths.Load())

	write("nexus_frames_in_total", "Total frames decoded from clients.", "counter",
		m.FramesIn.Load())
	write("nexus_frames_out_total", "Total frames delivered to clients.", "counter",
		m.FramesOut.Load())
	write("nexus_framing_errors_total", "Frames rejected by the wire codec.", "counter",
		m.FramingErrors.Load())
	write("nexus_sessions_reaped_total", "Sessions removed after failed delivery.", "counter",
		m.SessionsReaped.Load())

	write("nexus_chat_messages_total", "Total chat messages relayed.", "counter",
		m.ChatMessages.Load())
	write("nexus_broadcasts_delivered_total", "Frames delivered by broadcast fan-out.", "counter",
		m.BroadcastsDelivered.Load())
	write("nexus_private_messages_total", "Total direct messages relayed.", "counter",
		m.PrivateMessages.Load())
	write("nexus_topic_changes_total", "Topic updates applied.", "counter",
		m.TopicChanges.Load())

	write("nexus_users_created_total", "Accounts created.", "counter",
		m.UsersCreated.Load())
	write("nexus_users_deleted_total", "Accounts deleted.", "counter",
		m.UsersDeleted.Load())
	write("nexus_kicks_total", "Users kicked.", "counter",
		m.KickCount.Load())
	write("nexus_guard_rejections_total", "Mutations refused to protect the last enabled admin.", "counter",
		m.GuardRejections.Load())
}
