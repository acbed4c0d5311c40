package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server counters with atomic operations, safe for concurrent
// use without locks.
type Metrics struct {
	startTime time.Time

	TotalConnections  atomic.Int64
	ActiveConnections atomic.Int64
	TotalDisconnects  atomic.Int64

	SuccessfulAuths atomic.Int64
	FailedAuths     atomic.Int64

	FramesIn       atomic.Int64
	FramesOut      atomic.Int64
	FramingErrors  atomic.Int64
	SessionsReaped atomic.Int64

	ChatMessages        atomic.Int64
	BroadcastsDelivered atomic.Int64
	PrivateMessages     atomic.Int64
	TopicChanges        atomic.Int64

	UsersCreated    atomic.Int64
	UsersDeleted    atomic.Int64
	KickCount       atomic.Int64
	GuardRejections atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	UptimeSeconds int64 `json:"uptime_seconds"`

	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	SuccessfulAuths int64 `json:"successful_auths"`
	FailedAuths     int64 `json:"failed_auths"`

	FramesIn       int64 `json:"frames_in"`
	FramesOut      int64 `json:"frames_out"`
	FramingErrors  int64 `json:"framing_errors"`
	SessionsReaped int64 `json:"sessions_reaped"`

	ChatMessages        int64 `json:"chat_messages"`
	BroadcastsDelivered int64 `json:"broadcasts_delivered"`
	PrivateMessages     int64 `json:"private_messages"`
	TopicChanges        int64 `json:"topic_changes"`

	UsersCreated    int64 `json:"users_created"`
	UsersDeleted    int64 `json:"users_deleted"`
	KickCount       int64 `json:"kick_count"`
	GuardRejections int64 `json:"guard_rejections"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		TotalConnections:    m.TotalConnections.Load(),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		FramesIn:            m.FramesIn.Load(),
		FramesOut:           m.FramesOut.Load(),
		FramingErrors:       m.FramingErrors.Load(),
		SessionsReaped:      m.SessionsReaped.Load(),
		ChatMessages:        m.ChatMessages.Load(),
		BroadcastsDelivered: m.BroadcastsDelivered.Load(),
		PrivateMessages:     m.PrivateMessages.Load(),
		TopicChanges:        m.TopicChanges.Load(),
		UsersCreated:        m.UsersCreated.Load(),
		UsersDeleted:        m.UsersDeleted.Load(),
		KickCount:           m.KickCount.Load(),
		GuardRejections:     m.GuardRejections.Load(),
	}
}

// JSON renders the snapshot for the metrics endpoint and debug logging.
func (m *Metrics) JSON() ([]byte, error) {
	return json.MarshalIndent(m.Snapshot(), "", "  ")
}

// LogSummary writes a one-line summary at info level.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("server metrics",
		"uptime_s", s.UptimeSeconds,
		"active_conns", s.ActiveConnections,
		"total_conns", s.TotalConnections,
		"auths_ok", s.SuccessfulAuths,
		"auths_failed", s.FailedAuths,
		"frames_in", s.FramesIn,
		"frames_out", s.FramesOut,
		"framing_errors", s.FramingErrors,
		"chat", s.ChatMessages,
		"pm", s.PrivateMessages,
		"reaped", s.SessionsReaped,
	)
}

// StartPeriodicLog emits the summary every interval until ctx is cancelled.
func (m *Metrics) StartPeriodicLog(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
