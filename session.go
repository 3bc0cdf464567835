package telesession

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Scope selects what a session is keyed by.
type Scope int

const (
	ScopeUser Scope = iota + 1
	ScopeChat
)

func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeChat:
		return "chat"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

func (s Scope) valid() bool {
	return s == ScopeUser || s == ScopeChat
}

// Request is an outbound platform request. The engine never inspects it.
type Request any

// RequestFunc delivers an outbound request. It must not block on the
// platform round trip.
type RequestFunc func(ctx context.Context, tag SessionTag, req Request)

// EventType classifies a session event.
type EventType int

const (
	// EventRemoveSession asks the Dispatcher to remove the tagged session.
	EventRemoveSession EventType = iota + 1
	// EventCustom is passed through to EngineConfig.OnEvent.
	EventCustom
)

// Event is a message from a session to the engine or its host.
type Event struct {
	Type EventType
	Tag  SessionTag
	Name string
	Data any
}

// SessionTag identifies a session and carries the capabilities bound into
// it at creation.
type SessionTag struct {
	// ID is the chat ID for chat sessions and the user ID for user sessions.
	ID        int64
	BuilderID string
	Scope     Scope

	request RequestFunc
	event   func(Event)
}

// SendRequest hands req to the outbound client without waiting for it.
func (t SessionTag) SendRequest(ctx context.Context, req Request) {
	if t.request != nil {
		t.request(ctx, t, req)
	}
}

// SendEvent hands ev to the engine. A zero ev.Tag is filled with t.
func (t SessionTag) SendEvent(ev Event) {
	if ev.Tag.BuilderID == "" {
		ev.Tag = t
	}
	if t.event != nil {
		t.event(ev)
	}
}

func (t SessionTag) String() string {
	return fmt.Sprintf("%s/%s:%d", t.BuilderID, t.Scope, t.ID)
}

// RemovalReason says why a session left the identity index.
type RemovalReason int

const (
	RemovedTimeout RemovalReason = iota + 1
	RemovedRequested
	RemovedReplaced
)

func (r RemovalReason) String() string {
	switch r {
	case RemovedTimeout:
		return "timeout"
	case RemovedRequested:
		return "requested"
	case RemovedReplaced:
		return "replaced"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Session is the stateful unit updates are routed to. One session exists
// per builder and key. Its update handling and the actions it schedules are
// serialized: they never run concurrently with each other.
type Session struct {
	tag     SessionTag
	builder *Builder
	index   *identityIndex
	remove  func(*Session)
	logger  *slog.Logger
	seq     uint64

	// mu is the serialization boundary.
	mu sync.Mutex

	routes      *RouteController
	permissions Permissions
	flood       *FloodLimiter
	schedule    *SessionSchedule

	// Chat and User describe the update that created the session.
	Chat *Chat
	User *User

	// State holds application data. Touch it only from handlers and
	// session-scheduled actions.
	State any

	timeStarted time.Time
	lastActive  atomic.Int64
	timeout     atomic.Int64
	removed     atomic.Bool
	handled     atomic.Int64

	linkMu sync.Mutex
	links  map[int64]struct{}

	hooksMu   sync.Mutex
	onRemoval []func(*Session)
}

// Tag returns the session's identity tag.
func (s *Session) Tag() SessionTag { return s.tag }

// ID returns the chat or user ID the session is keyed by.
func (s *Session) ID() int64 { return s.tag.ID }

// Scope returns whether this is a user or a chat session.
func (s *Session) Scope() Scope { return s.tag.Scope }

// BuilderID returns the ID of the builder that created the session.
func (s *Session) BuilderID() string { return s.tag.BuilderID }

// Routes returns the session's route controller.
func (s *Session) Routes() *RouteController { return s.routes }

// Permissions returns the snapshot taken when the session was created.
func (s *Session) Permissions() Permissions { return s.permissions }

// Flood returns the session's flood limiter.
func (s *Session) Flood() *FloodLimiter { return s.flood }

// Schedule returns a scheduler view whose actions run on this session.
func (s *Session) Schedule() *SessionSchedule { return s.schedule }

// Logger returns a logger annotated with the session tag.
func (s *Session) Logger() *slog.Logger { return s.logger }

// TimeStarted returns when the session was created.
func (s *Session) TimeStarted() time.Time { return s.timeStarted }

// TimeLastActive returns when the session last received an update.
func (s *Session) TimeLastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Timeout returns the inactivity period after which the session is removed.
// Zero means never.
func (s *Session) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// SetTimeout changes the inactivity timeout.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

// Handled returns the number of updates the session has received.
func (s *Session) Handled() int64 {
	return s.handled.Load()
}

// Removed reports whether the session has left the identity index.
func (s *Session) Removed() bool {
	return s.removed.Load()
}

// Remove asks for the session to be removed. Removal happens once the
// current dispatch cycle is done, never while a handler is running.
func (s *Session) Remove() {
	s.remove(s)
}

// OnRemoval registers fn to run when the session is removed, after the
// builder's SetupRemoval hook.
func (s *Session) OnRemoval(fn func(*Session)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onRemoval = append(s.onRemoval, fn)
}

// ChatSessions returns the live chat sessions this user session has been
// seen in. Chats are resolved through the identity index on each call.
func (s *Session) ChatSessions() []*Session {
	if s.tag.Scope != ScopeUser {
		return nil
	}
	return s.linked(ScopeChat)
}

// UserSessions returns the live user sessions of users seen in this chat
// session.
func (s *Session) UserSessions() []*Session {
	if s.tag.Scope != ScopeChat {
		return nil
	}
	return s.linked(ScopeUser)
}

func (s *Session) linked(scope Scope) []*Session {
	s.linkMu.Lock()
	ids := make([]int64, 0, len(s.links))
	for id := range s.links {
		ids = append(ids, id)
	}
	s.linkMu.Unlock()
	slices.Sort(ids)

	var out []*Session
	for _, id := range ids {
		found := s.index.lookup(scope, id)
		if len(found) == 0 {
			s.linkMu.Lock()
			delete(s.links, id)
			s.linkMu.Unlock()
			continue
		}
		out = append(out, found...)
	}
	return out
}

func (s *Session) link(u Update) {
	var id int64
	var ok bool
	switch s.tag.Scope {
	case ScopeUser:
		id, ok = u.ChatID()
	case ScopeChat:
		id, ok = u.UserID()
	}
	if !ok {
		return
	}

	s.linkMu.Lock()
	s.links[id] = struct{}{}
	s.linkMu.Unlock()
}

// do runs fn on the session's serialization boundary.
func (s *Session) do(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// handle is the session's single update entry point.
func (s *Session) handle(ctx context.Context, d *Dispatcher, u Update) (routed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("route handler panicked", "seq", u.Seq, "panic", r)
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanicked, s.tag, r)
		}
	}()

	now := d.now()
	s.lastActive.Store(now.UnixNano())
	s.handled.Add(1)
	s.link(u)

	if s.flood.Bump(now) {
		d.floodCrossed(s)
	}

	c := &Context{
		Context: ctx,
		update:  u,
		session: s,
	}
	if s.routes.Route(c) {
		return true, nil
	}

	s.logger.Debug("no route matched", "seq", u.Seq, "kind", u.Kind().String())
	if d.cfg.OnNoRoute != nil {
		d.cfg.OnNoRoute(s, u)
	}
	return false, nil
}

// teardown runs the removal hooks on the serialization boundary.
func (s *Session) teardown(reason RemovalReason) {
	s.removed.Store(true)

	s.hooksMu.Lock()
	hooks := slices.Clone(s.onRemoval)
	s.hooksMu.Unlock()

	_ = s.do(func() error {
		if s.builder.SetupRemoval != nil {
			s.builder.SetupRemoval(s)
		}
		for _, fn := range hooks {
			fn(s)
		}
		return nil
	})

	if s.builder.CancelEventsOnRemoval {
		if n := s.schedule.CancelAll(); n > 0 {
			s.logger.Debug("cancelled session events", "count", n)
		}
	}

	s.logger.Debug("session removed", "reason", reason.String())
}
