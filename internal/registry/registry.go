package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const sendBuffer = 256

// Member is one participant connection in a session. Frames are handed to
// the owning connection's write loop through the Out channel; delivery is
// non-blocking so one slow peer never stalls a broadcast.
type Member struct {
	ConnID    string
	UserID    string
	Role      string
	Channel   string
	AuthToken string

	out       chan []byte
	closeOnce sync.Once
}

func NewMember(connID, userID, role, channel, authToken string) *Member {
	return &Member{
		ConnID:    connID,
		UserID:    userID,
		Role:      role,
		Channel:   channel,
		AuthToken: authToken,
		out:       make(chan []byte, sendBuffer),
	}
}

// Out is drained by the connection's write pump.
func (m *Member) Out() <-chan []byte {
	return m.out
}

// Deliver queues a frame for the member, dropping it if the buffer is full
// or the member is closed. Returns whether the frame was queued.
func (m *Member) Deliver(frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.out <- frame:
		return true
	default:
		return false
	}
}

// Close stops delivery; the write pump exits once the channel drains.
func (m *Member) Close() {
	m.closeOnce.Do(func() { close(m.out) })
}

type iceCandidate struct {
	senderID string
	frame    []byte
}

// Session groups the participant connections sharing one session key along
// with the transient call state (buffered ICE candidates, call status).
type Session struct {
	Key string

	mu           sync.RWMutex
	members      map[string]*Member
	ice          []iceCandidate
	iceCap       int
	callStatus   string
	createdAt    time.Time
	lastActivity time.Time
}

func (s *Session) add(m *Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ConnID] = m
	s.lastActivity = time.Now()
}

func (s *Session) remove(connID string) (remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, connID)
	s.lastActivity = time.Now()
	return len(s.members)
}

func (s *Session) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// BroadcastOthers delivers a frame to every member except the sender.
// Individual delivery failures are swallowed; one dead peer must not abort
// delivery to the rest.
func (s *Session) BroadcastOthers(senderConnID string, frame []byte) (sent int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, m := range s.members {
		if id == senderConnID {
			continue
		}
		if m.Deliver(frame) {
			sent++
		}
	}
	return sent
}

// BroadcastAll delivers a frame to every member, the sender included. Used
// for persisted chat messages so the sender's other devices stay in sync.
func (s *Session) BroadcastAll(frame []byte) (sent int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if m.Deliver(frame) {
			sent++
		}
	}
	return sent
}

// Participants returns a snapshot of the current member set.
func (s *Session) Participants() []*Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

// BufferICE records an ICE candidate frame for replay to late joiners.
// The buffer is a bounded FIFO; past the cap the oldest entry is dropped.
func (s *Session) BufferICE(senderID string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ice = append(s.ice, iceCandidate{senderID: senderID, frame: frame})
	if len(s.ice) > s.iceCap {
		s.ice = s.ice[len(s.ice)-s.iceCap:]
	}
}

// ReplayICE delivers the buffered candidates to a joining member, skipping
// candidates that member sent itself before a reconnect.
func (s *Session) ReplayICE(to *Member) (sent int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.ice {
		if c.senderID == to.UserID {
			continue
		}
		if to.Deliver(c.frame) {
			sent++
		}
	}
	return sent
}

// SetCallStatus records the call state mirrored from inbound lifecycle
// messages (ringing, answered, active, ended, rejected, timeout).
func (s *Session) SetCallStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callStatus = status
}

func (s *Session) CallStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callStatus
}

func (s *Session) clearCallState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ice = nil
	s.callStatus = ""
}

// Options configures a Registry.
type Options struct {
	// GraceWindow is how long an empty session's in-memory state survives
	// awaiting a reconnect before it is discarded.
	GraceWindow time.Duration
	// ICEBufferCap bounds the per-session ICE candidate buffer.
	ICEBufferCap int
	// DedupWindow is how long a seen offer fingerprint suppresses replays.
	DedupWindow time.Duration
	Logger      zerolog.Logger
}

// Registry maps session keys to their participant sets. One instance is
// created at process start and shared by every connection handler.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timers   map[string]*time.Timer

	grace  time.Duration
	iceCap int
	log    zerolog.Logger

	// Offers is the duplicate-offer suppression buffer, scoped per session
	// key so teardown can release its entries.
	Offers *OfferDedup
}

func New(opts Options) *Registry {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 30 * time.Second
	}
	if opts.ICEBufferCap <= 0 {
		opts.ICEBufferCap = 50
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	return &Registry{
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
		grace:    opts.GraceWindow,
		iceCap:   opts.ICEBufferCap,
		log:      opts.Logger,
		Offers:   NewOfferDedup(opts.DedupWindow),
	}
}

// Register adds a member under the session key, creating the session entry
// if absent and cancelling any pending grace teardown.
func (r *Registry) Register(key string, m *Member) *Session {
	r.mu.Lock()
	s, exists := r.sessions[key]
	if !exists {
		s = &Session{
			Key:       key,
			members:   make(map[string]*Member),
			iceCap:    r.iceCap,
			createdAt: time.Now(),
		}
		r.sessions[key] = s
		r.log.Info().Str("session", key).Msg("session created")
	}
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
	r.mu.Unlock()

	s.add(m)
	r.log.Info().Str("session", key).Str("user", m.UserID).
		Str("role", m.Role).Int("participants", s.size()).
		Msg("connection registered")
	return s
}

// Unregister removes a member from its session. When the session empties, a
// grace timer is armed; the buffered ICE candidates survive until it fires
// so a rapid reconnect still sees them.
func (r *Registry) Unregister(key, connID string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	remaining := s.remove(connID)
	if remaining == 0 {
		if t, exists := r.timers[key]; exists {
			t.Stop()
		}
		r.timers[key] = time.AfterFunc(r.grace, func() { r.destroyIfEmpty(key) })
	}
	r.mu.Unlock()

	r.log.Info().Str("session", key).Str("conn", connID).
		Int("remaining", remaining).Msg("connection unregistered")
}

func (r *Registry) destroyIfEmpty(key string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok && s.size() == 0 {
		delete(r.sessions, key)
		delete(r.timers, key)
		r.mu.Unlock()
		r.Offers.DropSession(key)
		r.log.Info().Str("session", key).Msg("session destroyed after grace window")
		return
	}
	delete(r.timers, key)
	r.mu.Unlock()
}

// Lookup returns the session for a key, if present.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// ReleaseCallState drops the in-memory call negotiation state for a session
// (ICE buffer, offer dedup entries) without touching its connections, so a
// future reconnect starts a fresh negotiation.
func (r *Registry) ReleaseCallState(key string) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		s.clearCallState()
	}
	r.Offers.DropSession(key)
}

// CloseAll closes every member's delivery channel so each write pump sends
// a normal-closure frame and exits. Used on process shutdown; the hijacked
// WebSocket connections are invisible to http.Server.Shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		for _, m := range s.Participants() {
			m.Close()
		}
	}
}

// Snapshot reports the current session and connection counts.
func (r *Registry) Snapshot() (sessions, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		connections += s.size()
	}
	return len(r.sessions), connections
}
