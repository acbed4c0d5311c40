package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/nexuschat/nexus/pkg/datastore"
	"github.com/nexuschat/nexus/pkg/model"
	"github.com/nexuschat/nexus/pkg/protocol"
	"github.com/nexuschat/nexus/pkg/rbac"
)

const maxChatLength = 2000
const maxTopicLength = 1024
const maxReasonLength = 256

// ack queues a generic reply on the session, echoing the request id.
func (s *Server) ack(sess *model.Session, requestID, replyType string, code int, message string) {
	f, err := protocol.ReplyFrame(requestID, replyType, &protocol.Ack{
		Success: code == protocol.CodeOK,
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	sess.Send(f)
}

// storeAck maps a datastore error onto the reply, keeping the designed
// last-admin rejection distinguishable from a generic storage fault.
func (s *Server) storeAck(sess *model.Session, requestID, replyType string, err error) {
	switch {
	case err == nil:
		s.ack(sess, requestID, replyType, protocol.CodeOK, "")
	case errors.Is(err, datastore.ErrLastAdmin):
		s.metrics.GuardRejections.Add(1)
		s.ack(sess, requestID, replyType, protocol.CodeLastAdmin, "cannot remove the last enabled administrator")
	case errors.Is(err, datastore.ErrAccountNotFound):
		s.ack(sess, requestID, replyType, protocol.CodeNotFound, "no such user")
	case errors.Is(err, datastore.ErrUsernameTaken):
		s.ack(sess, requestID, replyType, protocol.CodeInvalid, "username already taken")
	default:
		slog.Error("store operation failed", "user", sess.Username, "err", err)
		s.ack(sess, requestID, replyType, protocol.CodeStoreError, "storage error")
	}
}

func (s *Server) handleChat(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermSendChat); msg != "" {
		s.ack(sess, f.ID, protocol.TypeChatReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.ChatSend
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeChatReply, protocol.CodeInvalid, "malformed payload")
		return
	}
	text := sanitizeText(strings.TrimSpace(req.Text))
	if len(text) == 0 || len(text) > maxChatLength {
		s.ack(sess, f.ID, protocol.TypeChatReply, protocol.CodeInvalid, "message must be 1-2000 characters")
		return
	}

	event, err := protocol.NewFrame(protocol.TypeChatEvent, &protocol.ChatEvent{
		From:   sess.Username,
		Text:   text,
		SentAt: time.Now().Unix(),
	})
	if err != nil {
		s.ack(sess, f.ID, protocol.TypeChatReply, protocol.CodeInternal, "internal error")
		return
	}

	// Chat reaches sessions that negotiated the chat feature and may receive
	// chat. The sender gets the event too, as delivery confirmation.
	s.broadcast(event, func(target *model.Session) bool {
		return target.HasFeature(protocol.FeatureChat) && rbac.Allowed(target, model.PermReceiveChat)
	})
	s.metrics.ChatMessages.Add(1)
	s.ack(sess, f.ID, protocol.TypeChatReply, protocol.CodeOK, "")
}

func (s *Server) handleBroadcast(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermBroadcast); msg != "" {
		s.ack(sess, f.ID, protocol.TypeBroadcastReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.BroadcastSend
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeBroadcastReply, protocol.CodeInvalid, "malformed payload")
		return
	}
	text := sanitizeText(strings.TrimSpace(req.Text))
	if len(text) == 0 || len(text) > maxChatLength {
		s.ack(sess, f.ID, protocol.TypeBroadcastReply, protocol.CodeInvalid, "message must be 1-2000 characters")
		return
	}

	event, err := protocol.NewFrame(protocol.TypeBroadcastEvent, &protocol.BroadcastEvent{
		From:   sess.Username,
		Text:   text,
		SentAt: time.Now().Unix(),
	})
	if err != nil {
		s.ack(sess, f.ID, protocol.TypeBroadcastReply, protocol.CodeInternal, "internal error")
		return
	}

	// Server-wide announcement: every session receives it.
	s.broadcast(event, nil)
	s.ack(sess, f.ID, protocol.TypeBroadcastReply, protocol.CodeOK, "")
}

func (s *Server) handleMessage(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermSendMessage); msg != "" {
		s.ack(sess, f.ID, protocol.TypeMessageReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.MessageSend
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeMessageReply, protocol.CodeInvalid, "malformed payload")
		return
	}
	text := sanitizeText(strings.TrimSpace(req.Text))
	if len(text) == 0 || len(text) > maxChatLength {
		s.ack(sess, f.ID, protocol.TypeMessageReply, protocol.CodeInvalid, "message must be 1-2000 characters")
		return
	}

	targets := s.sessions.SessionIDsForUsername(req.To)
	if len(targets) == 0 {
		s.ack(sess, f.ID, protocol.TypeMessageReply, protocol.CodeNotFound, "user not online")
		return
	}

	event, err := protocol.NewFrame(protocol.TypeMessageEvent, &protocol.MessageEvent{
		From:   sess.Username,
		Text:   text,
		SentAt: time.Now().Unix(),
	})
	if err != nil {
		s.ack(sess, f.ID, protocol.TypeMessageReply, protocol.CodeInternal, "internal error")
		return
	}

	// Deliver to every device the target is logged in from.
	var dead []uint64
	for _, id := range targets {
		if target, ok := s.sessions.Get(id); ok {
			if !target.Send(event) {
				dead = append(dead, id)
			}
		}
	}
	if len(dead) > 0 {
		s.sessions.Reap(dead)
		s.metrics.SessionsReaped.Add(int64(len(dead)))
	}
	s.metrics.PrivateMessages.Add(1)
	s.ack(sess, f.ID, protocol.TypeMessageReply, protocol.CodeOK, "")
}

func (s *Server) handleUserList(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermViewUserList); msg != "" {
		s.ack(sess, f.ID, protocol.TypeUserListReply, protocol.CodePermissionDenied, msg)
		return
	}

	accounts, err := s.store.NonTx().ListAccounts()
	if err != nil {
		s.storeAck(sess, f.ID, protocol.TypeUserListReply, err)
		return
	}

	users := make([]protocol.UserSummary, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, protocol.UserSummary{
			Username: a.Username,
			IsAdmin:  a.IsAdmin,
			Enabled:  a.Enabled,
			Online:   len(s.sessions.SessionIDsForAccount(a.ID)) > 0,
		})
	}

	reply, err := protocol.ReplyFrame(f.ID, protocol.TypeUserListReply, &protocol.UserListReply{
		Ack:   protocol.Ack{Success: true},
		Users: users,
	})
	if err != nil {
		return
	}
	sess.Send(reply)
}

func (s *Server) handleUserInfo(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermViewUserInfo); msg != "" {
		s.ack(sess, f.ID, protocol.TypeUserInfoReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.UserInfoRequest
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeUserInfoReply, protocol.CodeInvalid, "malformed payload")
		return
	}

	st := s.store.NonTx()
	account, err := st.GetAccountByUsername(req.Username)
	if err != nil {
		s.storeAck(sess, f.ID, protocol.TypeUserInfoReply, err)
		return
	}
	if account == nil {
		s.ack(sess, f.ID, protocol.TypeUserInfoReply, protocol.CodeNotFound, "no such user")
		return
	}
	perms, err := st.GetPermissions(account.ID)
	if err != nil {
		s.storeAck(sess, f.ID, protocol.TypeUserInfoReply, err)
		return
	}

	var sessions []protocol.SessionInfo
	for _, id := range s.sessions.SessionIDsForAccount(account.ID) {
		if snap, ok := s.sessions.Get(id); ok {
			sessions = append(sessions, protocol.SessionInfo{
				SessionID:  snap.ID,
				RemoteAddr: snap.RemoteAddr,
				LoginTime:  snap.LoginTime.Unix(),
			})
		}
	}

	reply, err := protocol.ReplyFrame(f.ID, protocol.TypeUserInfoReply, &protocol.UserInfoReply{
		Ack: protocol.Ack{Success: true},
		User: &protocol.UserDetail{
			Username:    account.Username,
			IsAdmin:     account.IsAdmin,
			Enabled:     account.Enabled,
			Permissions: perms.Names(),
			CreatedAt:   account.CreatedAt.Unix(),
			Sessions:    sessions,
		},
	})
	if err != nil {
		return
	}
	sess.Send(reply)
}

func (s *Server) handleCreateUser(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermCreateUser); msg != "" {
		s.ack(sess, f.ID, protocol.TypeCreateUserReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.CreateUserRequest
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeCreateUserReply, protocol.CodeInvalid, "malformed payload")
		return
	}
	if err := model.ValidateUsername(req.Username); err != nil {
		s.ack(sess, f.ID, protocol.TypeCreateUserReply, protocol.CodeInvalid, err.Error())
		return
	}
	if req.Password == "" {
		s.ack(sess, f.ID, protocol.TypeCreateUserReply, protocol.CodeInvalid, "password must not be empty")
		return
	}
	perms, err := model.ParsePermissions(req.Permissions)
	if err != nil {
		s.ack(sess, f.ID, protocol.TypeCreateUserReply, protocol.CodeInvalid, err.Error())
		return
	}

	ctx := context.Background()
	tx, err := s.store.Tx(ctx)
	if err != nil {
		s.storeAck(sess, f.ID, protocol.TypeCreateUserReply, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.CreateAccount(req.Username, req.Password, req.IsAdmin, perms); err != nil {
		s.storeAck(sess, f.ID, protocol.TypeCreateUserReply, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.storeAck(sess, f.ID, protocol.TypeCreateUserReply, err)
		return
	}

	s.metrics.UsersCreated.Add(1)
	slog.Info("user created", "username", req.Username, "admin", req.IsAdmin, "by", sess.Username)
	s.ack(sess, f.ID, protocol.TypeCreateUserReply, protocol.CodeOK, "")
}

func (s *Server) handleDeleteUser(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermDeleteUser); msg != "" {
		s.ack(sess, f.ID, protocol.TypeDeleteUserReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.DeleteUserRequest
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeDeleteUserReply, protocol.CodeInvalid, "malformed payload")
		return
	}

	st := s.store.NonTx()
	account, err := st.GetAccountByUsername(req.Username)
	if err != nil {
		s.storeAck(sess, f.ID, protocol.TypeDeleteUserReply, err)
		return
	}
	if account == nil {
		s.ack(sess, f.ID, protocol.TypeDeleteUserReply, protocol.CodeNotFound, "no such user")
		return
	}

	// The guard inside DeleteAccount refuses to remove the last enabled
	// administrator atomically with the delete itself.
	if err := st.DeleteAccount(account.ID); err != nil {
		s.storeAck(sess, f.ID, protocol.TypeDeleteUserReply, err)
		return
	}

	for _, id := range s.sessions.SessionIDsForAccount(account.ID) {
		s.kickSession(id, "account deleted")
	}

	s.metrics.UsersDeleted.Add(1)
	slog.Info("user deleted", "username", req.Username, "by", sess.Username)
	s.ack(sess, f.ID, protocol.TypeDeleteUserReply, protocol.CodeOK, "")
}

func (s *Server) handleEditUser(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermEditUser); msg != "" {
		s.ack(sess, f.ID, protocol.TypeEditUserReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.EditUserRequest
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeEditUserReply, protocol.CodeInvalid, "malformed payload")
		return
	}

	st := s.store.NonTx()
	account, err := st.GetAccountByUsername(req.Username)
	if err != nil {
		s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
		return
	}
	if account == nil {
		s.ack(sess, f.ID, protocol.TypeEditUserReply, protocol.CodeNotFound, "no such user")
		return
	}

	if req.NewPassword != nil {
		if *req.NewPassword == "" {
			s.ack(sess, f.ID, protocol.TypeEditUserReply, protocol.CodeInvalid, "password must not be empty")
			return
		}
		if err := st.UpdatePassword(account.ID, *req.NewPassword); err != nil {
			s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
			return
		}
	}

	if req.NewUsername != nil {
		if err := st.UpdateUsername(account.ID, *req.NewUsername); err != nil {
			s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
			return
		}
		// Propagate to every live session of the account so the rename takes
		// effect without reconnecting.
		touched := s.sessions.RenameAccount(account.ID, *req.NewUsername)
		slog.Info("username changed", "old", req.Username, "new", *req.NewUsername, "sessions", touched, "by", sess.Username)
	}

	if req.SetAdmin != nil {
		if err := st.SetAdmin(account.ID, *req.SetAdmin); err != nil {
			s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
			return
		}
		account.IsAdmin = *req.SetAdmin
	}

	if req.SetEnabled != nil {
		if err := st.SetEnabled(account.ID, *req.SetEnabled); err != nil {
			s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
			return
		}
		if !*req.SetEnabled {
			for _, id := range s.sessions.SessionIDsForAccount(account.ID) {
				s.kickSession(id, "account disabled")
			}
		}
	}

	if req.Permissions != nil {
		perms, err := model.ParsePermissions(*req.Permissions)
		if err != nil {
			s.ack(sess, f.ID, protocol.TypeEditUserReply, protocol.CodeInvalid, err.Error())
			return
		}
		ctx := context.Background()
		tx, err := s.store.Tx(ctx)
		if err != nil {
			s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
			return
		}
		if err := tx.ReplacePermissions(account.ID, perms); err != nil {
			_ = tx.Rollback()
			s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
			return
		}
		if err := tx.Commit(); err != nil {
			s.storeAck(sess, f.ID, protocol.TypeEditUserReply, err)
			return
		}
		// Refresh cached sets so the next command from any live session of
		// this account sees the new permissions.
		s.sessions.UpdatePermissions(account.ID, account.IsAdmin, perms)
	} else if req.SetAdmin != nil {
		perms, err := st.GetPermissions(account.ID)
		if err == nil {
			s.sessions.UpdatePermissions(account.ID, account.IsAdmin, perms)
		}
	}

	s.ack(sess, f.ID, protocol.TypeEditUserReply, protocol.CodeOK, "")
}

func (s *Server) handleKickUser(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermKickUser); msg != "" {
		s.ack(sess, f.ID, protocol.TypeKickUserReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.KickUserRequest
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeKickUserReply, protocol.CodeInvalid, "malformed payload")
		return
	}
	reason := sanitizeText(strings.TrimSpace(req.Reason))
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}

	targets := s.sessions.SessionIDsForUsername(req.Username)
	if len(targets) == 0 {
		s.ack(sess, f.ID, protocol.TypeKickUserReply, protocol.CodeNotFound, "user not online")
		return
	}
	for _, id := range targets {
		s.kickSession(id, reason)
	}

	s.metrics.KickCount.Add(1)
	slog.Info("user kicked", "target", req.Username, "sessions", len(targets), "by", sess.Username, "reason", reason)
	s.ack(sess, f.ID, protocol.TypeKickUserReply, protocol.CodeOK, "")
}

func (s *Server) handleTopicGet(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermViewTopic); msg != "" {
		s.ack(sess, f.ID, protocol.TypeTopicGetReply, protocol.CodePermissionDenied, msg)
		return
	}

	topic, err := s.store.NonTx().GetTopic()
	if err != nil {
		s.storeAck(sess, f.ID, protocol.TypeTopicGetReply, err)
		return
	}
	reply, err := protocol.ReplyFrame(f.ID, protocol.TypeTopicGetReply, &protocol.TopicGetReply{
		Ack:   protocol.Ack{Success: true},
		Topic: topic,
	})
	if err != nil {
		return
	}
	sess.Send(reply)
}

func (s *Server) handleTopicSet(sess *model.Session, f *protocol.Frame) {
	if msg := rbac.Require(sess, model.PermEditTopic); msg != "" {
		s.ack(sess, f.ID, protocol.TypeTopicSetReply, protocol.CodePermissionDenied, msg)
		return
	}

	var req protocol.TopicSetRequest
	if err := f.DecodePayload(&req); err != nil {
		s.ack(sess, f.ID, protocol.TypeTopicSetReply, protocol.CodeInvalid, "malformed payload")
		return
	}
	topic := sanitizeText(strings.TrimSpace(req.Topic))
	if len(topic) > maxTopicLength {
		s.ack(sess, f.ID, protocol.TypeTopicSetReply, protocol.CodeInvalid, "topic too long")
		return
	}

	if err := s.store.NonTx().SetTopic(topic); err != nil {
		s.storeAck(sess, f.ID, protocol.TypeTopicSetReply, err)
		return
	}

	if event, err := protocol.NewFrame(protocol.TypeTopicChangedEvent, &protocol.TopicChangedEvent{
		Topic:     topic,
		ChangedBy: sess.Username,
	}); err == nil {
		s.broadcast(event, HasPermission(model.PermViewTopic))
	}

	s.metrics.TopicChanges.Add(1)
	slog.Info("topic changed", "by", sess.Username)
	s.ack(sess, f.ID, protocol.TypeTopicSetReply, protocol.CodeOK, "")
}

func (s *Server) handlePing(sess *model.Session, f *protocol.Frame) {
	var ping protocol.Ping
	_ = f.DecodePayload(&ping)
	if reply, err := protocol.ReplyFrame(f.ID, protocol.TypePong, &protocol.Pong{Timestamp: ping.Timestamp}); err == nil {
		sess.Send(reply)
	}
}

// sanitizeText strips control characters (except newline) from user-supplied
// text to prevent UI spoofing, terminal escape injection, and null-byte
// attacks.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' ' // collapse newlines to spaces
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
