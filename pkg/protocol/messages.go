package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version exchanged during handshake. The server
// rejects clients whose version does not match.
const Version = "1.0.0"

// Message types, client to server.
const (
	TypeHandshake  = "Handshake"
	TypeLogin      = "Login"
	TypeChat       = "Chat"
	TypeBroadcast  = "Broadcast"
	TypeUserList   = "UserList"
	TypeUserInfo   = "UserInfo"
	TypeCreateUser = "CreateUser"
	TypeDeleteUser = "DeleteUser"
	TypeEditUser   = "EditUser"
	TypeKickUser   = "KickUser"
	TypeMessage    = "Message"
	TypeTopicGet   = "TopicGet"
	TypeTopicSet   = "TopicSet"
	TypePing       = "Ping"
)

// Message types, server to client. Replies echo the request's message id;
// events carry fresh ids.
const (
	TypeHandshakeReply  = "HandshakeReply"
	TypeLoginReply      = "LoginReply"
	TypeChatReply       = "ChatReply"
	TypeBroadcastReply  = "BroadcastReply"
	TypeUserListReply   = "UserListReply"
	TypeUserInfoReply   = "UserInfoReply"
	TypeCreateUserReply = "CreateUserReply"
	TypeDeleteUserReply = "DeleteUserReply"
	TypeEditUserReply   = "EditUserReply"
	TypeKickUserReply   = "KickUserReply"
	TypeMessageReply    = "MessageReply"
	TypeTopicGetReply   = "TopicGetReply"
	TypeTopicSetReply   = "TopicSetReply"
	TypePong            = "Pong"

	TypeChatEvent         = "ChatEvent"
	TypeBroadcastEvent    = "BroadcastEvent"
	TypeMessageEvent      = "MessageEvent"
	TypeUserConnected     = "UserConnected"
	TypeUserDisconnected  = "UserDisconnected"
	TypeTopicChangedEvent = "TopicChanged"
	TypeKicked            = "Kicked"
	TypeError             = "Error"
)

// Ack error codes. CodeLastAdmin marks the designed rejection of a mutation
// that would leave the server without an enabled administrator, as opposed to
// a generic storage fault (CodeStoreError).
const (
	CodeOK               = 0
	CodeSequence         = 1
	CodeAuthFailed       = 2
	CodeInternal         = 3
	CodePermissionDenied = 30
	CodeInvalid          = 31
	CodeNotFound         = 32
	CodeStoreError       = 33
	CodeLastAdmin        = 40
)

// FeatureChat is the login feature flag gating chat fan-out delivery.
const FeatureChat = "chat"

// ----- Handshake / login -----

type HandshakeRequest struct {
	Version string `json:"version"`
}

type HandshakeReply struct {
	Success       bool   `json:"success"`
	ServerVersion string `json:"server_version"`
	Message       string `json:"message,omitempty"`
}

type LoginRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Features []string `json:"features,omitempty"`
	Locale   string   `json:"locale,omitempty"`
}

type LoginReply struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message,omitempty"`
	SessionID   uint64   `json:"session_id,omitempty"`
	Username    string   `json:"username,omitempty"`
	IsAdmin     bool     `json:"is_admin,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Topic       string   `json:"topic,omitempty"`
}

// Ack is the generic response payload for commands that carry no data of
// their own.
type Ack struct {
	Success bool   `json:"success"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ----- Chat / broadcast / messages -----

type ChatSend struct {
	Text string `json:"text"`
}

type ChatEvent struct {
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"`
}

type BroadcastSend struct {
	Text string `json:"text"`
}

type BroadcastEvent struct {
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"`
}

type MessageSend struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type MessageEvent struct {
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"`
}

// ----- Users -----

type UserListRequest struct{}

type UserSummary struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	Enabled  bool   `json:"enabled"`
	Online   bool   `json:"online"`
}

type UserListReply struct {
	Ack
	Users []UserSummary `json:"users,omitempty"`
}

type UserInfoRequest struct {
	Username string `json:"username"`
}

type SessionInfo struct {
	SessionID  uint64 `json:"session_id"`
	RemoteAddr string `json:"remote_addr"`
	LoginTime  int64  `json:"login_time"`
}

type UserDetail struct {
	Username    string        `json:"username"`
	IsAdmin     bool          `json:"is_admin"`
	Enabled     bool          `json:"enabled"`
	Permissions []string      `json:"permissions"`
	CreatedAt   int64         `json:"created_at"`
	Sessions    []SessionInfo `json:"sessions,omitempty"`
}

type UserInfoReply struct {
	Ack
	User *UserDetail `json:"user,omitempty"`
}

type CreateUserRequest struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	IsAdmin     bool     `json:"is_admin,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DeleteUserRequest struct {
	Username string `json:"username"`
}

// EditUserRequest mutates an existing account. Nil fields are left untouched.
type EditUserRequest struct {
	Username    string    `json:"username"`
	NewUsername *string   `json:"new_username,omitempty"`
	NewPassword *string   `json:"new_password,omitempty"`
	SetAdmin    *bool     `json:"set_admin,omitempty"`
	SetEnabled  *bool     `json:"set_enabled,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
}

type KickUserRequest struct {
	Username string `json:"username"`
	Reason   string `json:"reason,omitempty"`
}

// ----- Topic -----

type TopicGetRequest struct{}

type TopicGetReply struct {
	Ack
	Topic string `json:"topic,omitempty"`
}

type TopicSetRequest struct {
	Topic string `json:"topic"`
}

type TopicChangedEvent struct {
	Topic     string `json:"topic"`
	ChangedBy string `json:"changed_by"`
}

// ----- Events / misc -----

type UserConnectedEvent struct {
	Username string `json:"username"`
}

type UserDisconnectedEvent struct {
	Username string `json:"username"`
}

type KickedEvent struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorReply struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// TypeRegistry answers whether a message type is known and what its maximum
// payload length is, so the decoder can bound memory before reading.
type TypeRegistry struct {
	limits map[string]int
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{limits: make(map[string]int)}
}

// Register adds a message type with its payload cap.
func (tr *TypeRegistry) Register(msgType string, maxPayload int) {
	tr.limits[msgType] = maxPayload
}

// MaxPayload returns the payload cap for a type, and whether the type is
// known at all.
func (tr *TypeRegistry) MaxPayload(msgType string) (int, bool) {
	limit, ok := tr.limits[msgType]
	return limit, ok
}

// Known reports whether msgType is registered.
func (tr *TypeRegistry) Known(msgType string) bool {
	_, ok := tr.limits[msgType]
	return ok
}

// DefaultTypes returns the full message catalogue with per-type payload caps.
// Both ends decode with the same registry.
func DefaultTypes() *TypeRegistry {
	tr := NewTypeRegistry()

	// Requests
	tr.Register(TypeHandshake, 1<<10)
	tr.Register(TypeLogin, 4<<10)
	tr.Register(TypeChat, 8<<10)
	tr.Register(TypeBroadcast, 8<<10)
	tr.Register(TypeUserList, 256)
	tr.Register(TypeUserInfo, 1<<10)
	tr.Register(TypeCreateUser, 4<<10)
	tr.Register(TypeDeleteUser, 1<<10)
	tr.Register(TypeEditUser, 8<<10)
	tr.Register(TypeKickUser, 2<<10)
	tr.Register(TypeMessage, 16<<10)
	tr.Register(TypeTopicGet, 256)
	tr.Register(TypeTopicSet, 8<<10)
	tr.Register(TypePing, 256)

	// Replies
	tr.Register(TypeHandshakeReply, 1<<10)
	tr.Register(TypeLoginReply, 16<<10)
	tr.Register(TypeChatReply, 1<<10)
	tr.Register(TypeBroadcastReply, 1<<10)
	tr.Register(TypeUserListReply, 256<<10)
	tr.Register(TypeUserInfoReply, 64<<10)
	tr.Register(TypeCreateUserReply, 1<<10)
	tr.Register(TypeDeleteUserReply, 1<<10)
	tr.Register(TypeEditUserReply, 1<<10)
	tr.Register(TypeKickUserReply, 1<<10)
	tr.Register(TypeMessageReply, 1<<10)
	tr.Register(TypeTopicGetReply, 16<<10)
	tr.Register(TypeTopicSetReply, 1<<10)
	tr.Register(TypePong, 256)

	// Events
	tr.Register(TypeChatEvent, 16<<10)
	tr.Register(TypeBroadcastEvent, 16<<10)
	tr.Register(TypeMessageEvent, 16<<10)
	tr.Register(TypeUserConnected, 1<<10)
	tr.Register(TypeUserDisconnected, 1<<10)
	tr.Register(TypeTopicChangedEvent, 16<<10)
	tr.Register(TypeKicked, 2<<10)
	tr.Register(TypeError, 4<<10)

	return tr
}

// NewFrame builds a frame with a freshly generated message id and a JSON
// payload.
func NewFrame(msgType string, payload any) (*Frame, error) {
	return ReplyFrame(NewMessageID(), msgType, payload)
}

// ReplyFrame builds a frame that reuses an existing message id, so the
// receiver can correlate it with the request it answers.
func ReplyFrame(id, msgType string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msgType, err)
	}
	return &Frame{ID: id, Type: msgType, Payload: data}, nil
}

// DecodePayload unmarshals the frame's JSON payload into v.
func (f *Frame) DecodePayload(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: unmarshal %s: %w", f.Type, err)
	}
	return nil
}
