package server

import (
	"crypto/tls"
	"io"
	"testing"
	"time"

	"github.com/nexuschat/nexus/pkg/client"
	"github.com/nexuschat/nexus/pkg/datastore"
	"github.com/nexuschat/nexus/pkg/model"
	"github.com/nexuschat/nexus/pkg/protocol"
)

const testTimeout = 5 * time.Second

// newTestServer starts a server on a loopback port with a fresh database and
// returns it with its dial address.
func newTestServer(t *testing.T) (*Server, *datastore.ProviderFactory, string) {
	t.Helper()

	dir := t.TempDir()
	st, err := datastore.NewProviderFactory(dir + "/test.db")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "" // no metrics endpoint in tests
	cfg.DataDir = dir

	srv := New(cfg, Dependencies{Store: st})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	return srv, st, srv.ListenAddr().String()
}

func mustAccount(t *testing.T, st *datastore.ProviderFactory, username string, isAdmin bool, perms ...model.Permission) *model.Account {
	t.Helper()
	account, err := st.NonTx().CreateAccount(username, "hunter2", isAdmin, model.NewPermissionSet(perms...))
	if err != nil {
		t.Fatalf("CreateAccount(%q): %v", username, err)
	}
	return account
}

func dialAndLogin(t *testing.T, addr, username string) *client.Client {
	t.Helper()
	c, err := client.Dial(client.Options{
		Addr:               addr,
		InsecureSkipVerify: true,
		Features:           []string{protocol.FeatureChat},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if _, err := c.Login(username, "hunter2"); err != nil {
		t.Fatalf("Login(%q): %v", username, err)
	}
	return c
}

func waitEvent(t *testing.T, c *client.Client, msgType string) *protocol.Frame {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case f, ok := <-c.Events():
			if !ok {
				t.Fatalf("connection closed while waiting for %s", msgType)
			}
			if f.Type == msgType {
				return f
			}
			// Skip unrelated events (connect notices and the like).
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

// rawDial opens a TLS connection without the client wrapper, for driving the
// protocol by hand.
func rawDial(t *testing.T, addr string) (*tls.Conn, *protocol.Decoder) {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // test server uses a self-signed cert
		MinVersion:         tls.VersionTLS13,
	})
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, protocol.NewDecoder(conn, protocol.DefaultTypes())
}

func TestHandshakeVersionMismatch(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)

	conn, dec := rawDial(t, addr)

	f, err := protocol.NewFrame(protocol.TypeHandshake, &protocol.HandshakeRequest{Version: "99.0.0"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := protocol.WriteFrame(conn, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	reply, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var hr protocol.HandshakeReply
	if err := reply.DecodePayload(&hr); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if hr.Success {
		t.Errorf("mismatched version accepted")
	}
	if hr.ServerVersion != protocol.Version {
		t.Errorf("server version = %q, want %q", hr.ServerVersion, protocol.Version)
	}

	// Server closes the connection after the rejection.
	if _, err := dec.ReadFrame(); err == nil {
		t.Errorf("expected closed connection after rejected handshake")
	}
}

func TestCommandBeforeHandshakeTerminates(t *testing.T) {
	srv, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)

	conn, dec := rawDial(t, addr)

	f, err := protocol.NewFrame(protocol.TypeChat, &protocol.ChatSend{Text: "hi"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := protocol.WriteFrame(conn, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	reply, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", reply.Type, protocol.TypeError)
	}
	var er protocol.ErrorReply
	if err := reply.DecodePayload(&er); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if er.Code != protocol.CodeSequence {
		t.Errorf("error code = %d, want %d", er.Code, protocol.CodeSequence)
	}

	if _, err := dec.ReadFrame(); err == nil {
		t.Errorf("expected closed connection after sequence violation")
	}

	// The rejected connection never became a session.
	if n := srv.Sessions().Count(); n != 0 {
		t.Errorf("session count = %d after rejected connection, want 0", n)
	}
}

func TestLoginFailureLeavesConnectionOpen(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "alice", false)

	c, err := client.Dial(client.Options{Addr: addr, InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if _, err := c.Login("alice", "wrong"); err == nil {
		t.Fatalf("login with wrong password succeeded")
	}

	// Same connection, second attempt.
	if _, err := c.Login("alice", "hunter2"); err != nil {
		t.Fatalf("retry after failed login: %v", err)
	}
}

func TestDisabledAccountCannotLogin(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)
	account := mustAccount(t, st, "alice", false)
	if err := st.NonTx().SetEnabled(account.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	c, err := client.Dial(client.Options{Addr: addr, InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if _, err := c.Login("alice", "hunter2"); err == nil {
		t.Fatalf("disabled account logged in")
	}
}

func TestChatBetweenClients(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "alice", false, model.PermSendChat, model.PermReceiveChat)
	mustAccount(t, st, "bob", false, model.PermReceiveChat)

	alice := dialAndLogin(t, addr, "alice")
	bob := dialAndLogin(t, addr, "bob")

	if err := alice.RequestAck(protocol.TypeChat, &protocol.ChatSend{Text: "hello bob"}); err != nil {
		t.Fatalf("chat send: %v", err)
	}

	f := waitEvent(t, bob, protocol.TypeChatEvent)
	var ev protocol.ChatEvent
	if err := f.DecodePayload(&ev); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ev.From != "alice" || ev.Text != "hello bob" {
		t.Errorf("chat event = %+v, want from alice with text", ev)
	}

	// The sender hears their own message back as delivery confirmation.
	f = waitEvent(t, alice, protocol.TypeChatEvent)
	if err := f.DecodePayload(&ev); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ev.From != "alice" {
		t.Errorf("echoed chat event from %q, want alice", ev.From)
	}
}

func TestChatPermissionDenied(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)
	mustAccount(t, st, "bob", false, model.PermReceiveChat)

	bob := dialAndLogin(t, addr, "bob")

	err := bob.RequestAck(protocol.TypeChat, &protocol.ChatSend{Text: "let me in"})
	if err == nil {
		t.Fatalf("chat without send-chat permission succeeded")
	}

	// The denial is fatal to nothing: the connection keeps working.
	if _, err := bob.Request(protocol.TypePing, &protocol.Ping{Timestamp: 1}); err != nil {
		t.Fatalf("connection dead after permission denial: %v", err)
	}
}

func TestAdminBypassesPermissions(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true) // empty permission set

	root := dialAndLogin(t, addr, "root")

	if err := root.RequestAck(protocol.TypeChat, &protocol.ChatSend{Text: "admin speaking"}); err != nil {
		t.Fatalf("admin chat denied: %v", err)
	}
	if err := root.RequestAck(protocol.TypeTopicSet, &protocol.TopicSetRequest{Topic: "maintenance"}); err != nil {
		t.Fatalf("admin topic set denied: %v", err)
	}
}

func TestPrivateMessage(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "alice", false, model.PermSendMessage)
	mustAccount(t, st, "bob", false)

	alice := dialAndLogin(t, addr, "alice")
	bob := dialAndLogin(t, addr, "bob")

	if err := alice.RequestAck(protocol.TypeMessage, &protocol.MessageSend{To: "bob", Text: "psst"}); err != nil {
		t.Fatalf("private message: %v", err)
	}

	f := waitEvent(t, bob, protocol.TypeMessageEvent)
	var ev protocol.MessageEvent
	if err := f.DecodePayload(&ev); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ev.From != "alice" || ev.Text != "psst" {
		t.Errorf("message event = %+v", ev)
	}

	// Offline target is a clean refusal.
	if err := alice.RequestAck(protocol.TypeMessage, &protocol.MessageSend{To: "nobody", Text: "hello?"}); err == nil {
		t.Errorf("message to offline user succeeded")
	}
}

func TestKickUser(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)
	mustAccount(t, st, "bob", false)

	root := dialAndLogin(t, addr, "root")
	bob := dialAndLogin(t, addr, "bob")

	if err := root.RequestAck(protocol.TypeKickUser, &protocol.KickUserRequest{Username: "bob", Reason: "testing"}); err != nil {
		t.Fatalf("kick: %v", err)
	}

	f := waitEvent(t, bob, protocol.TypeKicked)
	var ev protocol.KickedEvent
	if err := f.DecodePayload(&ev); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ev.Reason != "testing" {
		t.Errorf("kick reason = %q, want testing", ev.Reason)
	}

	select {
	case <-bob.Done():
	case <-time.After(testTimeout):
		t.Fatalf("kicked client's connection not closed")
	}
}

func TestTopicChangeBroadcast(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)
	mustAccount(t, st, "alice", false, model.PermViewTopic)

	alice := dialAndLogin(t, addr, "alice")
	root := dialAndLogin(t, addr, "root")

	if err := root.RequestAck(protocol.TypeTopicSet, &protocol.TopicSetRequest{Topic: "release day"}); err != nil {
		t.Fatalf("topic set: %v", err)
	}

	f := waitEvent(t, alice, protocol.TypeTopicChangedEvent)
	var ev protocol.TopicChangedEvent
	if err := f.DecodePayload(&ev); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ev.Topic != "release day" || ev.ChangedBy != "root" {
		t.Errorf("topic event = %+v", ev)
	}

	// The new topic is persisted.
	topic, err := st.NonTx().GetTopic()
	if err != nil || topic != "release day" {
		t.Errorf("persisted topic = %q err = %v", topic, err)
	}
}

func TestDeleteUserGuardOverWire(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)

	root := dialAndLogin(t, addr, "root")

	// The sole enabled admin cannot delete itself; the reply carries the
	// dedicated code so clients can tell it from a storage fault.
	reply, err := root.Request(protocol.TypeDeleteUser, &protocol.DeleteUserRequest{Username: "root"})
	if err != nil {
		t.Fatalf("delete request: %v", err)
	}
	var ack protocol.Ack
	if err := reply.DecodePayload(&ack); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ack.Success {
		t.Fatalf("deleting the last enabled admin succeeded")
	}
	if ack.Code != protocol.CodeLastAdmin {
		t.Errorf("code = %d, want %d", ack.Code, protocol.CodeLastAdmin)
	}

	admins, err := st.NonTx().CountEnabledAdmins()
	if err != nil || admins != 1 {
		t.Errorf("enabled admins = %d err = %v, want 1", admins, err)
	}
}

func TestUserListOverWire(t *testing.T) {
	_, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)
	mustAccount(t, st, "alice", false)

	root := dialAndLogin(t, addr, "root")

	reply, err := root.Request(protocol.TypeUserList, &protocol.UserListRequest{})
	if err != nil {
		t.Fatalf("user list: %v", err)
	}
	var list protocol.UserListReply
	if err := reply.DecodePayload(&list); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !list.Success || len(list.Users) != 2 {
		t.Fatalf("user list = %+v, want 2 users", list)
	}

	byName := map[string]protocol.UserSummary{}
	for _, u := range list.Users {
		byName[u.Username] = u
	}
	if !byName["root"].Online {
		t.Errorf("root not marked online")
	}
	if byName["alice"].Online {
		t.Errorf("alice marked online without a session")
	}
}

func TestSequenceViolationAfterAuth(t *testing.T) {
	srv, st, addr := newTestServer(t)
	mustAccount(t, st, "root", true)

	conn, dec := rawDial(t, addr)

	send := func(msgType string, payload any) {
		t.Helper()
		f, err := protocol.NewFrame(msgType, payload)
		if err != nil {
			t.Fatalf("NewFrame: %v", err)
		}
		if err := protocol.WriteFrame(conn, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	send(protocol.TypeHandshake, &protocol.HandshakeRequest{Version: protocol.Version})
	if _, err := dec.ReadFrame(); err != nil {
		t.Fatalf("handshake reply: %v", err)
	}
	send(protocol.TypeLogin, &protocol.LoginRequest{Username: "root", Password: "hunter2"})
	if _, err := dec.ReadFrame(); err != nil {
		t.Fatalf("login reply: %v", err)
	}

	// A second handshake after authentication is fatal to this connection.
	send(protocol.TypeHandshake, &protocol.HandshakeRequest{Version: protocol.Version})

	deadline := time.Now().Add(testTimeout)
	for {
		f, err := dec.ReadFrame()
		if err != nil {
			if err == io.EOF || time.Now().After(deadline) {
				break
			}
			// Connection teardown can surface as a non-EOF transport error.
			break
		}
		if f.Type == protocol.TypeError {
			var er protocol.ErrorReply
			if err := f.DecodePayload(&er); err == nil && er.Code == protocol.CodeSequence {
				break
			}
		}
	}

	// The session is eventually removed by the reader's cleanup.
	waitFor(t, func() bool { return srv.Sessions().Count() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", testTimeout)
}
