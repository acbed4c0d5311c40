package model

import (
	"sync"
	"time"

	"github.com/nexuschat/nexus/pkg/protocol"
)

// Session represents one live, authenticated connection. A single account may
// hold several concurrent sessions (multi-device). All fields except Outbox
// are guarded by the registry that owns the session; readers outside the
// registry work on snapshot copies.
type Session struct {
	ID          uint64
	AccountID   int64
	Username    string
	IsAdmin     bool
	Permissions PermissionSet // ignored when IsAdmin is true
	RemoteAddr  string
	Locale      string
	Features    map[string]bool
	CreatedAt   time.Time
	LoginTime   time.Time

	Outbox *Outbox
}

// HasFeature reports whether the session negotiated the named feature at
// login.
func (s *Session) HasFeature(name string) bool {
	return s.Features[name]
}

// Send queues a frame for the session's writer. See Outbox.TrySend.
func (s *Session) Send(f *protocol.Frame) bool {
	return s.Outbox.TrySend(f)
}

// Outbox is the buffered send side of one session's connection. The reader
// task closes it on disconnect or protocol violation; closing is the sole
// cancellation signal for the paired writer task.
type Outbox struct {
	frames chan *protocol.Frame
	done   chan struct{}
	once   sync.Once
}

// NewOutbox creates an outbox with the given queue capacity.
func NewOutbox(size int) *Outbox {
	return &Outbox{
		frames: make(chan *protocol.Frame, size),
		done:   make(chan struct{}),
	}
}

// TrySend queues a frame without blocking. It returns false when the outbox
// is closed or its queue is full; either way the session is stale and should
// be scheduled for reaping rather than treated as an error.
func (o *Outbox) TrySend(f *protocol.Frame) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.frames <- f:
		return true
	case <-o.done:
		return false
	default:
		return false
	}
}

// Frames returns the FIFO queue drained by the writer task.
func (o *Outbox) Frames() <-chan *protocol.Frame {
	return o.frames
}

// Done is closed when the outbox is shut down.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close shuts the outbox down. Safe to call more than once and from any
// goroutine.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}
