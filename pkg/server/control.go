package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nexuschat/nexus/pkg/model"
	"github.com/nexuschat/nexus/pkg/protocol"
)

// handshakeTimeout bounds how long a fresh connection may idle before
// completing the handshake and login.
const handshakeTimeout = 30 * time.Second

// connState tracks where a connection is in its lifecycle. Any message
// arriving out of order is fatal to that connection only.
type connState int

const (
	statePreHandshake connState = iota
	stateHandshakeOK
	stateAuthenticated
)

// connTable maps live session ids to their network connections so
// administrative commands can force a disconnect.
type connTable struct {
	mu    sync.RWMutex
	conns map[uint64]net.Conn
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[uint64]net.Conn)}
}

func (t *connTable) set(sessionID uint64, conn net.Conn) {
	t.mu.Lock()
	t.conns[sessionID] = conn
	t.mu.Unlock()
}

func (t *connTable) remove(sessionID uint64) {
	t.mu.Lock()
	delete(t.conns, sessionID)
	t.mu.Unlock()
}

func (t *connTable) get(sessionID uint64) (net.Conn, bool) {
	t.mu.RLock()
	conn, ok := t.conns[sessionID]
	t.mu.RUnlock()
	return conn, ok
}

func (t *connTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, conn := range t.conns {
		_ = conn.Close()
		delete(t.conns, id)
	}
}

// Start begins accepting control connections.
func (s *Server) Start() error {
	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return fmt.Errorf("server: tls: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	slog.Info("control plane listening", "addr", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleConn(conn)
		}
	}()

	return nil
}

// handleConn drives one connection: it is the reader half of the task pair,
// decoding frames and dispatching commands. The paired writer (writeLoop)
// drains the session's outbox; closing the outbox is the only signal that
// stops it.
func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	remoteAddr := conn.RemoteAddr().String()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	slog.Debug("new connection", "remote", remoteAddr)

	dec := protocol.NewDecoder(conn, s.types)
	state := statePreHandshake

	// Pre-auth phase: replies are written directly since no session (and so
	// no writer task) exists yet.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var sess *model.Session
	for sess == nil {
		f, err := dec.ReadFrame()
		if err != nil {
			s.logReadError(err, remoteAddr, "")
			return
		}
		s.metrics.FramesIn.Add(1)

		switch {
		case state == statePreHandshake && f.Type == protocol.TypeHandshake:
			ok := s.handleHandshake(conn, f)
			if !ok {
				return
			}
			state = stateHandshakeOK

		case f.Type == protocol.TypeHandshake:
			// Duplicate handshake is a sequence violation.
			s.sendErrorFrame(conn, f.ID, protocol.CodeSequence, "handshake already completed")
			return

		case state == statePreHandshake:
			s.sendErrorFrame(conn, f.ID, protocol.CodeSequence, "handshake required")
			return

		case f.Type == protocol.TypePing:
			s.handlePingDirect(conn, f)

		case f.Type == protocol.TypeLogin:
			sess = s.handleLogin(conn, f, remoteAddr)
			// Failed login leaves the connection open for another attempt.

		default:
			s.sendErrorFrame(conn, f.ID, protocol.CodeSequence, "authentication required")
			return
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	state = stateAuthenticated
	_ = state

	s.conns.set(sess.ID, conn)
	go s.writeLoop(conn, sess.Outbox)

	defer func() {
		sess.Outbox.Close()
		s.conns.remove(sess.ID)
		s.metrics.TotalDisconnects.Add(1)
		gone := s.sessions.Reap([]uint64{sess.ID})
		slog.Info("client disconnected", "user", sess.Username, "session", sess.ID, "announced", len(gone) > 0)
	}()

	// Authenticated message loop.
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		f, err := dec.ReadFrame()
		if err != nil {
			s.logReadError(err, remoteAddr, sess.Username)
			return
		}
		s.metrics.FramesIn.Add(1)

		if f.Type == protocol.TypeHandshake {
			// Sequence violation: the handshake is over.
			s.sendSessionError(sess, f.ID, protocol.CodeSequence, "handshake already completed")
			return
		}
		if !s.dispatch(sess.ID, f) {
			return
		}
	}
}

// dispatch routes one authenticated frame. It returns false when the
// connection must be terminated.
func (s *Server) dispatch(sessionID uint64, f *protocol.Frame) bool {
	// Snapshot per command so permission changes propagated by an
	// administrative update take effect on the very next command.
	snap, ok := s.sessions.Get(sessionID)
	if !ok {
		return false
	}

	switch f.Type {
	case protocol.TypeLogin:
		s.sendSessionError(&snap, f.ID, protocol.CodeInvalid, "already logged in")
	case protocol.TypeChat:
		s.handleChat(&snap, f)
	case protocol.TypeBroadcast:
		s.handleBroadcast(&snap, f)
	case protocol.TypeMessage:
		s.handleMessage(&snap, f)
	case protocol.TypeUserList:
		s.handleUserList(&snap, f)
	case protocol.TypeUserInfo:
		s.handleUserInfo(&snap, f)
	case protocol.TypeCreateUser:
		s.handleCreateUser(&snap, f)
	case protocol.TypeDeleteUser:
		s.handleDeleteUser(&snap, f)
	case protocol.TypeEditUser:
		s.handleEditUser(&snap, f)
	case protocol.TypeKickUser:
		s.handleKickUser(&snap, f)
	case protocol.TypeTopicGet:
		s.handleTopicGet(&snap, f)
	case protocol.TypeTopicSet:
		s.handleTopicSet(&snap, f)
	case protocol.TypePing:
		s.handlePing(&snap, f)
	default:
		s.sendSessionError(&snap, f.ID, protocol.CodeInvalid, "unexpected message type "+f.Type)
	}
	return true
}

// writeLoop is the writer half of the task pair: it drains the outbox and
// writes encoded frames. When the outbox closes it flushes whatever is still
// queued, then closes the connection to unblock the reader.
func (s *Server) writeLoop(conn net.Conn, out *model.Outbox) {
	defer func() { _ = conn.Close() }()
	for {
		select {
		case <-out.Done():
			for {
				select {
				case f := <-out.Frames():
					if err := protocol.WriteFrame(conn, f); err != nil {
						return
					}
					s.metrics.FramesOut.Add(1)
				default:
					return
				}
			}
		case f := <-out.Frames():
			if err := protocol.WriteFrame(conn, f); err != nil {
				out.Close()
				return
			}
			s.metrics.FramesOut.Add(1)
		}
	}
}

// handleHandshake answers the version exchange. A mismatch gets a reply with
// success=false and the connection is closed after the reply is flushed.
func (s *Server) handleHandshake(conn net.Conn, f *protocol.Frame) bool {
	var req protocol.HandshakeRequest
	if err := f.DecodePayload(&req); err != nil {
		s.sendErrorFrame(conn, f.ID, protocol.CodeInvalid, "malformed handshake payload")
		return false
	}

	ok := req.Version == protocol.Version
	reply := &protocol.HandshakeReply{
		Success:       ok,
		ServerVersion: protocol.Version,
	}
	if !ok {
		reply.Message = fmt.Sprintf("protocol version mismatch: server %s, client %s", protocol.Version, req.Version)
	}
	s.writeDirect(conn, f.ID, protocol.TypeHandshakeReply, reply)
	return ok
}

// handleLogin authenticates the connection and, on success, registers the
// session and returns it. On failure it returns nil and leaves the
// connection in the handshake-complete state.
func (s *Server) handleLogin(conn net.Conn, f *protocol.Frame, remoteAddr string) *model.Session {
	var req protocol.LoginRequest
	if err := f.DecodePayload(&req); err != nil {
		s.writeDirect(conn, f.ID, protocol.TypeLoginReply, &protocol.LoginReply{Success: false, Message: "malformed login payload"})
		return nil
	}

	st := s.store.NonTx()
	account, err := st.Authenticate(req.Username, req.Password)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		s.writeDirect(conn, f.ID, protocol.TypeLoginReply, &protocol.LoginReply{Success: false, Message: "invalid username or password"})
		return nil
	}
	if !account.Enabled {
		s.metrics.FailedAuths.Add(1)
		s.writeDirect(conn, f.ID, protocol.TypeLoginReply, &protocol.LoginReply{Success: false, Message: "account is disabled"})
		return nil
	}

	perms, err := st.GetPermissions(account.ID)
	if err != nil {
		s.writeDirect(conn, f.ID, protocol.TypeLoginReply, &protocol.LoginReply{Success: false, Message: "internal error"})
		return nil
	}
	topic, err := st.GetTopic()
	if err != nil {
		topic = ""
	}

	firstSession := len(s.sessions.SessionIDsForAccount(account.ID)) == 0

	sess := s.sessions.Add(SessionParams{
		AccountID:   account.ID,
		Username:    account.Username,
		IsAdmin:     account.IsAdmin,
		Permissions: perms,
		RemoteAddr:  remoteAddr,
		Features:    req.Features,
		Locale:      req.Locale,
	})

	// The reply goes through the outbox once the writer starts, so queue it
	// first to keep the per-session FIFO order ahead of any broadcast.
	reply, err := protocol.ReplyFrame(f.ID, protocol.TypeLoginReply, &protocol.LoginReply{
		Success:     true,
		SessionID:   sess.ID,
		Username:    sess.Username,
		IsAdmin:     sess.IsAdmin,
		Permissions: perms.Names(),
		Topic:       topic,
	})
	if err == nil {
		sess.Send(reply)
	}

	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("client authenticated", "user", account.Username, "session", sess.ID, "remote", remoteAddr)

	if firstSession {
		if event, err := protocol.NewFrame(protocol.TypeUserConnected, &protocol.UserConnectedEvent{Username: sess.Username}); err == nil {
			s.broadcast(event, func(target *model.Session) bool {
				return target.ID != sess.ID && HasPermission(model.PermViewUserList)(target)
			})
		}
	}
	return sess
}

// broadcast fans a frame out through the registry and schedules cleanup for
// any session whose outbox turned out to be dead.
func (s *Server) broadcast(f *protocol.Frame, filter func(*model.Session) bool) int {
	delivered, dead := s.sessions.Broadcast(f, filter)
	s.metrics.BroadcastsDelivered.Add(int64(delivered))
	if len(dead) > 0 {
		s.metrics.SessionsReaped.Add(int64(len(dead)))
		for _, id := range dead {
			if conn, ok := s.conns.get(id); ok {
				_ = conn.Close()
			}
		}
		gone := s.sessions.Reap(dead)
		if len(gone) > 0 {
			slog.Debug("reaped stale sessions", "count", len(dead), "users_gone", gone)
		}
	}
	return delivered
}

// kickSession queues a kick notice and shuts the session's outbox down; the
// writer flushes the notice, closes the connection, and the reader's own
// cleanup removes and announces the session.
func (s *Server) kickSession(sessionID uint64, reason string) {
	snap, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	if f, err := protocol.NewFrame(protocol.TypeKicked, &protocol.KickedEvent{Reason: reason}); err == nil {
		snap.Outbox.TrySend(f)
	}
	snap.Outbox.Close()
}

func (s *Server) handlePingDirect(conn net.Conn, f *protocol.Frame) {
	var ping protocol.Ping
	_ = f.DecodePayload(&ping)
	s.writeDirect(conn, f.ID, protocol.TypePong, &protocol.Pong{Timestamp: ping.Timestamp})
}

// writeDirect writes a reply straight to the connection. Only used before a
// session (and its writer task) exists.
func (s *Server) writeDirect(conn net.Conn, id, msgType string, payload any) {
	f, err := protocol.ReplyFrame(id, msgType, payload)
	if err != nil {
		return
	}
	if err := protocol.WriteFrame(conn, f); err == nil {
		s.metrics.FramesOut.Add(1)
	}
}

func (s *Server) sendErrorFrame(conn net.Conn, id string, code int, message string) {
	s.writeDirect(conn, id, protocol.TypeError, &protocol.ErrorReply{Code: code, Message: message})
}

// sendSessionError queues an error reply on an authenticated session.
func (s *Server) sendSessionError(sess *model.Session, id string, code int, message string) {
	f, err := protocol.ReplyFrame(id, protocol.TypeError, &protocol.ErrorReply{Code: code, Message: message})
	if err != nil {
		return
	}
	sess.Send(f)
}

func (s *Server) logReadError(err error, remoteAddr, username string) {
	switch {
	case errors.Is(err, io.EOF) || isClosedErr(err):
		// Clean or already-handled disconnect.
	case protocol.IsFrameError(err):
		s.metrics.FramingErrors.Add(1)
		slog.Warn("malformed frame", "remote", remoteAddr, "user", username, "err", err)
	default:
		slog.Debug("read error", "remote", remoteAddr, "user", username, "err", err)
	}
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		err.Error() == "use of closed network connection" ||
		err.Error() == "tls: use of closed connection"
}
