package server

import (
	"strings"
	"sync"
	"time"

	"github.com/nexuschat/nexus/pkg/model"
	"github.com/nexuschat/nexus/pkg/protocol"
	"github.com/nexuschat/nexus/pkg/rbac"
)

// outboxSize is the per-session outbound queue capacity. A session whose
// queue is full is treated the same as one whose connection died: stale, to
// be reaped on the next broadcast.
const outboxSize = 256

// SessionParams carries everything needed to construct a session at login.
type SessionParams struct {
	AccountID   int64
	Username    string
	IsAdmin     bool
	Permissions model.PermissionSet
	RemoteAddr  string
	Features    []string
	Locale      string
}

// SessionRegistry is the authoritative table of connected sessions. It is the
// only state shared across connection tasks; the RWMutex is held only for map
// access, never across channel sends.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint64]*model.Session
	nextID   uint64
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[uint64]*model.Session),
	}
}

// Add allocates the next session id and inserts a fully constructed session
// in one atomic step. Ids increase monotonically and are never reused for the
// life of the process.
func (r *SessionRegistry) Add(p SessionParams) *model.Session {
	features := make(map[string]bool, len(p.Features))
	for _, f := range p.Features {
		features[f] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sess := &model.Session{
		ID:          r.nextID,
		AccountID:   p.AccountID,
		Username:    p.Username,
		IsAdmin:     p.IsAdmin,
		Permissions: p.Permissions,
		RemoteAddr:  p.RemoteAddr,
		Locale:      p.Locale,
		Features:    features,
		CreatedAt:   time.Now(),
		LoginTime:   time.Now(),
		Outbox:      model.NewOutbox(outboxSize),
	}
	r.sessions[sess.ID] = sess
	return sess
}

// Remove atomically removes and returns the session, or nil if absent.
func (r *SessionRegistry) Remove(id uint64) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return sess
}

// Get returns a snapshot copy of a session.
func (r *SessionRegistry) Get(id uint64) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return *sess, true
}

// GetByUsername returns a snapshot of any one session logged in under the
// given username. Matching is case-insensitive.
func (r *SessionRegistry) GetByUsername(username string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if strings.EqualFold(sess.Username, username) {
			return *sess, true
		}
	}
	return model.Session{}, false
}

// SessionIDsForUsername returns the ids of every live session logged in under
// the given username (a user may be connected from several devices).
// Matching is case-insensitive.
func (r *SessionRegistry) SessionIDsForUsername(username string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []uint64
	for id, sess := range r.sessions {
		if strings.EqualFold(sess.Username, username) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SessionIDsForAccount returns the ids of every live session for an account.
func (r *SessionRegistry) SessionIDsForAccount(accountID int64) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []uint64
	for id, sess := range r.sessions {
		if sess.AccountID == accountID {
			ids = append(ids, id)
		}
	}
	return ids
}

// RenameAccount updates the display username on every live session belonging
// to the account, so a rename takes effect without reconnecting. Returns the
// number of sessions touched.
func (r *SessionRegistry) RenameAccount(accountID int64, newUsername string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, sess := range r.sessions {
		if sess.AccountID == accountID {
			sess.Username = newUsername
			count++
		}
	}
	return count
}

// UpdatePermissions refreshes the cached admin flag and permission set on
// every live session of an account. The next command those sessions issue is
// evaluated against the new set. Returns the number of sessions touched.
func (r *SessionRegistry) UpdatePermissions(accountID int64, isAdmin bool, perms model.PermissionSet) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, sess := range r.sessions {
		if sess.AccountID == accountID {
			sess.IsAdmin = isAdmin
			sess.Permissions = perms
			count++
		}
	}
	return count
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns snapshot copies of every live session.
func (r *SessionRegistry) All() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	return out
}

// Broadcast queues the frame on every session the filter admits. The read
// lock is held only while snapshotting the target list; the actual sends are
// non-blocking and happen with no lock held, so one slow or dead consumer
// cannot stall registry mutations or delivery to its peers. Delivery is
// best-effort with no cross-session ordering guarantee; each session's own
// queue stays FIFO.
//
// Sessions whose outbox refused the frame are returned as dead: evidence for
// cleanup, not an error.
func (r *SessionRegistry) Broadcast(f *protocol.Frame, filter func(*model.Session) bool) (delivered int, dead []uint64) {
	r.mu.RLock()
	targets := make([]*model.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if filter == nil || filter(sess) {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		if sess.Send(f) {
			delivered++
		} else {
			dead = append(dead, sess.ID)
		}
	}
	return delivered, dead
}

// HasPermission is a broadcast filter admitting admins and sessions whose
// cached set contains perm.
func HasPermission(perm model.Permission) func(*model.Session) bool {
	return func(s *model.Session) bool {
		return rbac.Allowed(s, perm)
	}
}

// Reap removes a batch of sessions whose outboxes were found dead and
// announces users whose final session just ended. It runs in two phases:
// removals happen under the write lock, then disconnect notifications are
// delivered after every lock is released. Notification failures are ignored
// rather than reaped recursively; the next ordinary broadcast collects any
// session that died in the meantime, which keeps the sweep bounded by
// construction.
//
// It returns the usernames announced as gone.
func (r *SessionRegistry) Reap(dead []uint64) []string {
	if len(dead) == 0 {
		return nil
	}

	r.mu.Lock()
	var removed []*model.Session
	for _, id := range dead {
		sess, ok := r.sessions[id]
		if !ok {
			continue // already gone, not an error
		}
		delete(r.sessions, id)
		removed = append(removed, sess)
	}

	// A user is announced as gone only once their final concurrent session
	// ends.
	remaining := make(map[int64]bool, len(r.sessions))
	for _, sess := range r.sessions {
		remaining[sess.AccountID] = true
	}
	var gone []string
	seen := make(map[int64]bool)
	for _, sess := range removed {
		if !remaining[sess.AccountID] && !seen[sess.AccountID] {
			seen[sess.AccountID] = true
			gone = append(gone, sess.Username)
		}
	}

	var targets []*model.Session
	if len(gone) > 0 {
		for _, sess := range r.sessions {
			if rbac.Allowed(sess, model.PermViewUserList) {
				targets = append(targets, sess)
			}
		}
	}
	r.mu.Unlock()

	for _, sess := range removed {
		sess.Outbox.Close()
	}

	for _, username := range gone {
		f, err := protocol.NewFrame(protocol.TypeUserDisconnected, &protocol.UserDisconnectedEvent{Username: username})
		if err != nil {
			continue
		}
		for _, sess := range targets {
			_ = sess.Send(f)
		}
	}
	return gone
}
