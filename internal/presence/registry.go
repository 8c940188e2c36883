package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/wire"
	"github.com/chatlink/chatlink/pkg/logger"
	"github.com/chatlink/chatlink/pkg/metrics"
)

// DefaultDisconnectGrace is how long a session survives a transport drop
// before presence flips to offline. Brief reconnects within the window do not
// flap presence.
const DefaultDisconnectGrace = 30 * time.Second

// Session is one registered identity and the connection it is reachable on.
type Session struct {
	UserID       string
	Username     string
	ConnectionID string
	LastSeenAt   time.Time
}

// Notifier receives presence transitions. exceptUserID is excluded from the
// fan-out; empty means notify everyone.
type Notifier func(status wire.UserStatus, exceptUserID string)

// Registry tracks which identities are currently reachable and through which
// connection. At most one live session exists per user id; a later register
// supersedes the previous connection atomically.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	connIndex map[string]string

	grace     time.Duration
	notify    Notifier
	timeNow   func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
	log       *zap.Logger
}

// Option customises the Registry.
type Option func(*Registry)

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.timeNow = now
		}
	}
}

// WithAfterFunc overrides timer creation for the disconnect grace window.
func WithAfterFunc(after func(time.Duration, func()) *time.Timer) Option {
	return func(r *Registry) {
		if after != nil {
			r.afterFunc = after
		}
	}
}

// NewRegistry constructs a Registry with the supplied disconnect grace window.
func NewRegistry(grace time.Duration, opts ...Option) *Registry {
	if grace <= 0 {
		grace = DefaultDisconnectGrace
	}

	r := &Registry{
		sessions:  make(map[string]*Session),
		connIndex: make(map[string]string),
		grace:     grace,
		timeNow:   time.Now,
		afterFunc: time.AfterFunc,
		log:       logger.WithModule("presence"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SetNotifier installs the presence fan-out hook. Must be called before the
// registry starts receiving traffic.
func (r *Registry) SetNotifier(notify Notifier) {
	r.mu.Lock()
	r.notify = notify
	r.mu.Unlock()
}

// Register creates or replaces the session for userID and returns the current
// online snapshot, including the caller. Everyone else is notified that the
// user came online. Re-registering is idempotent with respect to presence.
func (r *Registry) Register(userID, username, connectionID string) []wire.UserStatus {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	now := r.timeNow()

	r.mu.Lock()
	if previous, ok := r.sessions[userID]; ok {
		delete(r.connIndex, previous.ConnectionID)
	}
	r.sessions[userID] = &Session{
		UserID:       userID,
		Username:     username,
		ConnectionID: connectionID,
		LastSeenAt:   now,
	}
	r.connIndex[connectionID] = userID

	snapshot := make([]wire.UserStatus, 0, len(r.sessions))
	for _, session := range r.sessions {
		snapshot = append(snapshot, wire.UserStatus{
			UserID:   session.UserID,
			Username: session.Username,
			Status:   "online",
		})
	}
	notify := r.notify
	r.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UserID < snapshot[j].UserID })

	metrics.OnlineSessions.Set(float64(r.Count()))

	if notify != nil {
		notify(wire.UserStatus{UserID: userID, Username: username, Status: "online"}, userID)
	}

	r.log.Info("session registered",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID))

	return snapshot
}

// Heartbeat refreshes the session's last-seen timestamp. No-op when absent.
func (r *Registry) Heartbeat(userID string) {
	now := r.timeNow()

	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[userID]; ok {
		session.LastSeenAt = now
	}
}

// Lookup returns a copy of the live session for userID.
func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// Disconnect schedules eviction of whatever session owns connectionID. The
// timer re-checks connection identity when it fires, so a re-register with a
// fresh connection inside the grace window makes the eviction a no-op.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.RLock()
	userID, ok := r.connIndex[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.afterFunc(r.grace, func() {
		r.evictIfCurrent(userID, connectionID)
	})
}

func (r *Registry) evictIfCurrent(userID, connectionID string) {
	r.mu.Lock()
	session, ok := r.sessions[userID]
	if !ok || session.ConnectionID != connectionID {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	delete(r.connIndex, connectionID)
	username := session.Username
	notify := r.notify
	r.mu.Unlock()

	metrics.OnlineSessions.Set(float64(r.Count()))

	if notify != nil {
		notify(wire.UserStatus{UserID: userID, Username: username, Status: "offline"}, userID)
	}

	r.log.Info("session evicted after disconnect grace", zap.String("user_id", userID))
}

// Sweep evicts every session idle longer than threshold and broadcasts its
// offline transition. Returns the evicted user ids.
func (r *Registry) Sweep(threshold time.Duration) []string {
	now := r.timeNow()

	r.mu.Lock()
	var evicted []*Session
	for userID, session := range r.sessions {
		if now.Sub(session.LastSeenAt) > threshold {
			delete(r.sessions, userID)
			delete(r.connIndex, session.ConnectionID)
			evicted = append(evicted, session)
		}
	}
	notify := r.notify
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}

	metrics.OnlineSessions.Set(float64(r.Count()))

	ids := make([]string, 0, len(evicted))
	for _, session := range evicted {
		ids = append(ids, session.UserID)
		if notify != nil {
			notify(wire.UserStatus{UserID: session.UserID, Username: session.Username, Status: "offline"}, "")
		}
		r.log.Info("session evicted by liveness sweep", zap.String("user_id", session.UserID))
	}
	return ids
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
