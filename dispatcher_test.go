package telesession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
)

func newTestDispatcher(clock *fakeClock, cfg EngineConfig) *Dispatcher {
	cfg.Now = clock.Now
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewDispatcher(cfg)
}

func mustRegister(t *testing.T, d *Dispatcher, b Builder) {
	t.Helper()
	if err := d.Register(b); err != nil {
		t.Fatalf("register %q: %v", b.ID, err)
	}
}

func msg(seq int64, chatID, userID int64, text string) Update {
	return Update{
		Seq:     seq,
		Chat:    &Chat{ID: chatID, Type: ChatGroup},
		From:    &User{ID: userID},
		Payload: &Message{ID: int(seq), Text: text},
	}
}

// traceFactory registers a catch-all route that appends session and text
// to trace.
func traceFactory(mu *sync.Mutex, trace *[]string) Factory {
	return func(_ context.Context, s *Session, _ Update) error {
		s.Routes().Register(Any(), func(ctx *Context) error {
			mu.Lock()
			*trace = append(*trace, ctx.Session().BuilderID()+":"+ctx.Text())
			mu.Unlock()
			return nil
		})
		return nil
	}
}

func TestDispatch_OneSessionPerChat(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})

	var mu sync.Mutex
	var trace []string
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat, Factory: traceFactory(&mu, &trace)})

	res1 := d.Dispatch(context.Background(), msg(1, 42, 7, "a"))
	res2 := d.Dispatch(context.Background(), msg(2, 42, 8, "b"))

	if d.Len() != 1 {
		t.Fatalf("len = %d, want 1", d.Len())
	}
	if len(res1.Created) != 1 || len(res2.Created) != 0 {
		t.Errorf("created = %v then %v", res1.Created, res2.Created)
	}
	if res1.Routed != 1 || res2.Routed != 1 {
		t.Errorf("routed = %d then %d", res1.Routed, res2.Routed)
	}
	if !slices.Equal(trace, []string{"chat:a", "chat:b"}) {
		t.Errorf("trace = %v", trace)
	}

	s, ok := d.Lookup("chat", 42)
	if !ok {
		t.Fatal("session for chat 42 not found")
	}
	if s.Handled() != 2 {
		t.Errorf("handled = %d, want 2", s.Handled())
	}
	if s.Scope() != ScopeChat || s.ID() != 42 {
		t.Errorf("tag = %v", s.Tag())
	}
}

func TestDispatch_SkipsBuildersWithoutKey(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})
	mustRegister(t, d, Builder{ID: "user", Scope: ScopeUser})

	res := d.Dispatch(context.Background(), Update{
		Seq:     1,
		From:    &User{ID: 7},
		Payload: &InlineQuery{ID: 1, Query: "cats"},
	})

	if len(res.Created) != 1 || res.Created[0].BuilderID != "user" {
		t.Errorf("created = %v, want only the user session", res.Created)
	}
}

func TestDispatch_BuilderMatch(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "game", Scope: ScopeChat, Match: Command("play").Matches})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hello"))
	if d.Len() != 0 {
		t.Fatal("non-matching update created a session")
	}

	d.Dispatch(context.Background(), msg(2, 42, 7, "/play"))
	if d.Len() != 1 {
		t.Fatal("matching update did not create a session")
	}

	res := d.Dispatch(context.Background(), msg(3, 42, 7, "move e4"))
	if len(res.Forwarded) != 1 {
		t.Errorf("existing session should receive follow-up updates, got %v", res.Forwarded)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	clock := newFakeClock()

	var reasons []RemovalReason
	d := newTestDispatcher(clock, EngineConfig{
		OnSessionRemoved: func(_ *Session, r RemovalReason) { reasons = append(reasons, r) },
	})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat, Timeout: 10 * time.Second})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	s, _ := d.Lookup("chat", 42)

	clock.Advance(9 * time.Second)
	if removed := d.Sweep(context.Background()); len(removed) != 0 {
		t.Fatalf("removed before the timeout: %v", removed)
	}
	if _, ok := d.Lookup("chat", 42); !ok {
		t.Fatal("session should still be present")
	}

	clock.Advance(2 * time.Second)
	removed := d.Sweep(context.Background())
	if len(removed) != 1 || removed[0].String() != s.Tag().String() {
		t.Fatalf("removed = %v", removed)
	}
	if _, ok := d.Lookup("chat", 42); ok {
		t.Error("session should be gone after the timeout")
	}
	if !s.Removed() {
		t.Error("session should report removed")
	}
	if !slices.Equal(reasons, []RemovalReason{RemovedTimeout}) {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestDispatch_ActivityExtendsTimeout(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat, Timeout: 10 * time.Second})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	clock.Advance(8 * time.Second)
	d.Dispatch(context.Background(), msg(2, 42, 7, "still here"))
	clock.Advance(8 * time.Second)

	res := d.Dispatch(context.Background(), msg(3, 99, 7, "other chat"))
	if len(res.Removed) != 0 {
		t.Errorf("active session removed: %v", res.Removed)
	}

	clock.Advance(3 * time.Second)
	res = d.Dispatch(context.Background(), msg(4, 99, 7, "other chat"))
	if len(res.Removed) != 1 || res.Removed[0].ID != 42 {
		t.Errorf("removed = %v, want chat 42", res.Removed)
	}
}

func TestDispatch_ZeroTimeoutNeverExpires(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	clock.Advance(1000 * time.Hour)
	d.Sweep(context.Background())

	if d.Len() != 1 {
		t.Error("session without a timeout was removed")
	}
}

func TestDispatch_CollisionReplace(t *testing.T) {
	clock := newFakeClock()
	var reasons []RemovalReason
	d := newTestDispatcher(clock, EngineConfig{
		OnSessionRemoved: func(_ *Session, r RemovalReason) { reasons = append(reasons, r) },
	})
	mustRegister(t, d, Builder{
		ID:        "game",
		Scope:     ScopeChat,
		Match:     Command("start").Matches,
		Collision: CollisionReplace,
	})

	d.Dispatch(context.Background(), msg(1, 42, 7, "/start"))
	first, _ := d.Lookup("game", 42)

	res := d.Dispatch(context.Background(), msg(2, 42, 7, "move"))
	if len(res.Created) != 0 || len(res.Forwarded) != 1 {
		t.Fatalf("non-matching update should go to the existing session: %+v", res)
	}

	res = d.Dispatch(context.Background(), msg(3, 42, 7, "/start"))
	second, _ := d.Lookup("game", 42)
	if second == first {
		t.Fatal("session was not replaced")
	}
	if !first.Removed() {
		t.Error("replaced session should be removed")
	}
	if len(res.Removed) != 1 || len(res.Created) != 1 {
		t.Errorf("result = %+v", res)
	}
	if second.Handled() != 1 || first.Handled() != 2 {
		t.Errorf("handled = %d (first), %d (second)", first.Handled(), second.Handled())
	}
	if !slices.Equal(reasons, []RemovalReason{RemovedReplaced}) {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestDispatch_CollisionError(t *testing.T) {
	clock := newFakeClock()
	var reported []error
	d := newTestDispatcher(clock, EngineConfig{
		OnError: func(err error) { reported = append(reported, err) },
	})
	mustRegister(t, d, Builder{
		ID:        "game",
		Scope:     ScopeChat,
		Match:     Command("start").Matches,
		Collision: CollisionError,
	})

	d.Dispatch(context.Background(), msg(1, 42, 7, "/start"))
	first, _ := d.Lookup("game", 42)

	res := d.Dispatch(context.Background(), msg(2, 42, 7, "/start"))
	if !errors.Is(res.Err(), ErrSessionCollision) {
		t.Fatalf("err = %v, want ErrSessionCollision", res.Err())
	}
	if len(res.Forwarded) != 0 {
		t.Errorf("colliding update should be dropped, forwarded to %v", res.Forwarded)
	}
	if len(reported) != 1 {
		t.Errorf("reported %d errors, want 1", len(reported))
	}

	current, _ := d.Lookup("game", 42)
	if current != first || first.Handled() != 1 {
		t.Error("existing session should be kept untouched")
	}
}

func TestDispatch_FactoryFailureIsolated(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})

	var mu sync.Mutex
	var trace []string
	mustRegister(t, d, Builder{
		ID:    "broken",
		Scope: ScopeChat,
		Factory: func(context.Context, *Session, Update) error {
			return errors.New("no database")
		},
	})
	mustRegister(t, d, Builder{
		ID:    "panicky",
		Scope: ScopeChat,
		Factory: func(context.Context, *Session, Update) error {
			panic("bad factory")
		},
	})
	mustRegister(t, d, Builder{ID: "good", Scope: ScopeChat, Factory: traceFactory(&mu, &trace)})

	res := d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))

	if len(res.Errors) != 2 {
		t.Fatalf("errors = %v, want 2", res.Errors)
	}
	for _, err := range res.Errors {
		if !errors.Is(err, ErrFactoryFailed) {
			t.Errorf("error %v is not ErrFactoryFailed", err)
		}
	}
	if _, ok := d.Lookup("broken", 42); ok {
		t.Error("failed session should not be registered")
	}
	if !slices.Equal(trace, []string{"good:hi"}) {
		t.Errorf("trace = %v", trace)
	}
}

func TestDispatch_Blacklist(t *testing.T) {
	clock := newFakeClock()
	mod := NewModerator()
	mod.Add(ListBlacklist, 7, 500)

	d := newTestDispatcher(clock, EngineConfig{Permissions: mod})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})
	mustRegister(t, d, Builder{ID: "user", Scope: ScopeUser})

	tests := []struct {
		name    string
		update  Update
		blocked bool
	}{
		{"blacklisted user", msg(1, 42, 7, "hi"), true},
		{"blacklisted chat", msg(2, 500, 8, "hi"), true},
		{"allowed", msg(3, 42, 8, "hi"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), tt.update)
			if res.Blocked != tt.blocked {
				t.Errorf("blocked = %v, want %v", res.Blocked, tt.blocked)
			}
			if tt.blocked && len(res.Forwarded) != 0 {
				t.Errorf("blocked update was forwarded to %v", res.Forwarded)
			}
		})
	}

	if _, ok := d.Lookup("user", 7); ok {
		t.Error("blacklisted user got a session")
	}
}

func TestDispatch_BlacklistedUserIDDoesNotBlockGroup(t *testing.T) {
	clock := newFakeClock()
	mod := NewModerator()
	mod.Add(ListBlacklist, 100)

	d := newTestDispatcher(clock, EngineConfig{Permissions: mod})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	group := messageUpdate(&tg.Message{
		ID:      1,
		Message: "hi",
		PeerID:  &tg.PeerChat{ChatID: 100},
		FromID:  &tg.PeerUser{UserID: 8},
	}, tg.Entities{}, false)
	group.Seq = 1

	res := d.Dispatch(context.Background(), group)
	if res.Blocked {
		t.Error("group 100 was blocked by blacklisted user 100")
	}
	if len(res.Forwarded) != 1 {
		t.Errorf("forwarded = %v", res.Forwarded)
	}

	res = d.Dispatch(context.Background(), msg(2, 100, 8, "hi"))
	if !res.Blocked {
		t.Error("private chat with user 100 should be blocked")
	}
}

type failingStore struct{}

func (failingStore) GetPermissions(context.Context, int64) (Permissions, error) {
	return Permissions{}, errors.New("store down")
}

func TestDispatch_PermissionLookupFailure(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{Permissions: failingStore{}})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	res := d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	if res.Blocked {
		t.Error("a failing store should not block updates")
	}
	if !errors.Is(res.Err(), ErrFactoryFailed) {
		t.Errorf("err = %v, want ErrFactoryFailed", res.Err())
	}
}

func TestDispatch_PermissionSnapshot(t *testing.T) {
	clock := newFakeClock()
	mod := NewModerator()
	mod.Add(ListAdmin, 7)

	d := newTestDispatcher(clock, EngineConfig{Permissions: mod})
	mustRegister(t, d, Builder{ID: "user", Scope: ScopeUser})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	s, _ := d.Lookup("user", 7)
	mod.Remove(ListAdmin, 7)

	if !s.Permissions().Has(ListAdmin) {
		t.Error("snapshot should be taken when the session is created")
	}
}

func TestDispatch_RemovalDeferredFromHandler(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})

	setupRemoval := 0
	var removedInHandler bool
	mustRegister(t, d, Builder{
		ID:           "chat",
		Scope:        ScopeChat,
		SetupRemoval: func(*Session) { setupRemoval++ },
		Factory: func(_ context.Context, s *Session, _ Update) error {
			s.Routes().Register(Command("bye"), func(ctx *Context) error {
				ctx.Remove()
				_, ok := d.Lookup("chat", 42)
				removedInHandler = !ok || ctx.Session().Removed()
				return nil
			})
			return nil
		},
	})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hello"))
	res := d.Dispatch(context.Background(), msg(2, 42, 7, "/bye"))

	if removedInHandler {
		t.Error("session was removed while its handler was running")
	}
	if len(res.Removed) != 1 {
		t.Fatalf("removed = %v", res.Removed)
	}
	if _, ok := d.Lookup("chat", 42); ok {
		t.Error("session should be gone after the cycle")
	}
	if setupRemoval != 1 {
		t.Errorf("SetupRemoval ran %d times", setupRemoval)
	}

	res = d.Dispatch(context.Background(), msg(3, 42, 7, "again"))
	if len(res.Created) != 1 {
		t.Error("a new session should be created after removal")
	}
}

func TestDispatch_RemoveByTag(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	s, _ := d.Lookup("chat", 42)

	if !d.Remove(s.Tag()) {
		t.Fatal("remove should find the session")
	}
	if d.Len() != 1 {
		t.Error("removal outside a cycle waits for the next one")
	}
	d.Sweep(context.Background())
	if d.Len() != 0 {
		t.Error("session should be removed by the next cycle")
	}
	if d.Remove(s.Tag()) {
		t.Error("removing a gone session should report false")
	}
}

func TestDispatch_RemovalBetweenCyclesAppliesBeforeDelivery(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})

	var mu sync.Mutex
	var trace []string
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat, Factory: traceFactory(&mu, &trace)})

	d.Dispatch(context.Background(), msg(1, 42, 7, "a"))
	old, _ := d.Lookup("chat", 42)

	if !d.Remove(old.Tag()) {
		t.Fatal("remove should find the session")
	}
	res := d.Dispatch(context.Background(), msg(2, 42, 7, "b"))

	if old.Handled() != 1 {
		t.Errorf("removed session handled %d updates, want 1", old.Handled())
	}
	if !old.Removed() {
		t.Error("old session should be removed")
	}
	if len(res.Removed) != 1 || res.Removed[0].String() != old.Tag().String() {
		t.Errorf("removed = %v", res.Removed)
	}
	if len(res.Created) != 1 {
		t.Fatalf("created = %v, want a fresh session", res.Created)
	}
	fresh, ok := d.Lookup("chat", 42)
	if !ok || fresh == old {
		t.Error("update should reach a new session")
	}
	if fresh.Handled() != 1 {
		t.Errorf("new session handled %d updates, want 1", fresh.Handled())
	}
}

func TestDispatch_RemoveEvent(t *testing.T) {
	clock := newFakeClock()
	var custom []Event
	d := newTestDispatcher(clock, EngineConfig{
		OnEvent: func(ev Event) { custom = append(custom, ev) },
	})
	mustRegister(t, d, Builder{
		ID:    "chat",
		Scope: ScopeChat,
		Factory: func(_ context.Context, s *Session, _ Update) error {
			s.Routes().Register(Command("note"), func(ctx *Context) error {
				s.Tag().SendEvent(Event{Type: EventCustom, Name: "note", Data: ctx.Args()})
				return nil
			})
			s.Routes().Register(Command("quit"), func(*Context) error {
				s.Tag().SendEvent(Event{Type: EventRemoveSession})
				return nil
			})
			return nil
		},
	})

	d.Dispatch(context.Background(), msg(1, 42, 7, "/note buy milk"))
	if len(custom) != 1 || custom[0].Data != "buy milk" || custom[0].Tag.ID != 42 {
		t.Errorf("custom events = %+v", custom)
	}

	res := d.Dispatch(context.Background(), msg(2, 42, 7, "/quit"))
	if len(res.Removed) != 1 {
		t.Errorf("removed = %v", res.Removed)
	}
}

func TestDispatch_CancelEventsOnRemoval(t *testing.T) {
	for _, cancel := range []bool{true, false} {
		name := "keep events"
		if cancel {
			name = "cancel events"
		}
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			d := newTestDispatcher(clock, EngineConfig{})

			fired := 0
			mustRegister(t, d, Builder{
				ID:                    "chat",
				Scope:                 ScopeChat,
				CancelEventsOnRemoval: cancel,
				Factory: func(_ context.Context, s *Session, _ Update) error {
					s.Schedule().After(time.Minute, func(context.Context) error {
						fired++
						return nil
					})
					s.Routes().Register(Any(), func(ctx *Context) error {
						ctx.Remove()
						return nil
					})
					return nil
				},
			})

			d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
			if d.Len() != 0 {
				t.Fatal("session should be removed")
			}

			clock.Advance(2 * time.Minute)
			d.RunScheduled(context.Background())

			want := 1
			if cancel {
				want = 0
			}
			if fired != want {
				t.Errorf("fired = %d, want %d", fired, want)
			}
		})
	}
}

func TestDispatch_ScheduledEventsFireInCycle(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})

	var trace []string
	mustRegister(t, d, Builder{
		ID:    "chat",
		Scope: ScopeChat,
		Factory: func(_ context.Context, s *Session, _ Update) error {
			s.Routes().Register(Any(), func(ctx *Context) error {
				trace = append(trace, "handle:"+ctx.Text())
				s.Schedule().After(0, func(context.Context) error {
					trace = append(trace, "event")
					return nil
				})
				return nil
			})
			return nil
		},
	})

	d.Dispatch(context.Background(), msg(1, 42, 7, "a"))
	if !slices.Equal(trace, []string{"handle:a", "event"}) {
		t.Errorf("trace = %v", trace)
	}

	s, _ := d.Lookup("chat", 42)
	if s.Schedule().Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", s.Schedule().Outstanding())
	}
}

func TestDispatch_SessionScheduleCancelAll(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	s, _ := d.Lookup("chat", 42)

	s.Schedule().After(time.Minute, func(context.Context) error { return nil })
	h := s.Schedule().Repeating(time.Second, func(context.Context) error { return nil })
	if owner, ok := h.Owner(); !ok || owner.String() != s.Tag().String() {
		t.Errorf("owner = %v, %v", owner, ok)
	}
	if n := s.Schedule().CancelAll(); n != 2 {
		t.Errorf("cancelled %d, want 2", n)
	}
	if d.Scheduler().Pending() != 0 {
		t.Errorf("pending = %d", d.Scheduler().Pending())
	}
}

func TestDispatch_OutstandingIgnoresSchedulerCancel(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	s, _ := d.Lookup("chat", 42)

	h := s.Schedule().After(time.Minute, func(context.Context) error { return nil })
	s.Schedule().After(time.Hour, func(context.Context) error { return nil })
	if !d.Scheduler().Cancel(h) {
		t.Fatal("cancel through the scheduler should succeed")
	}
	if n := s.Schedule().Outstanding(); n != 1 {
		t.Errorf("outstanding = %d, want 1", n)
	}
	if n := s.Schedule().CancelAll(); n != 1 {
		t.Errorf("cancelled %d, want 1", n)
	}
}

func TestDispatch_ParallelForwardKeepsSessionOrder(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{ParallelForward: true, MaxParallel: 2})

	var mu sync.Mutex
	var trace []string
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat, Factory: traceFactory(&mu, &trace)})
	mustRegister(t, d, Builder{ID: "user", Scope: ScopeUser, Factory: traceFactory(&mu, &trace)})

	for i, text := range []string{"a", "b", "c"} {
		res := d.Dispatch(context.Background(), msg(int64(i+1), 42, 7, text))
		if res.Routed != 2 {
			t.Fatalf("routed = %d, want 2", res.Routed)
		}
	}

	var chat, user []string
	for _, e := range trace {
		switch e[:4] {
		case "chat":
			chat = append(chat, e)
		case "user":
			user = append(user, e)
		}
	}
	if !slices.Equal(chat, []string{"chat:a", "chat:b", "chat:c"}) {
		t.Errorf("chat trace = %v", chat)
	}
	if !slices.Equal(user, []string{"user:a", "user:b", "user:c"}) {
		t.Errorf("user trace = %v", user)
	}
}

func TestDispatch_ForwardOrder(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "user", Scope: ScopeUser})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	res := d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	if len(res.Forwarded) != 2 || res.Forwarded[0].BuilderID != "user" || res.Forwarded[1].BuilderID != "chat" {
		t.Errorf("forwarded = %v", res.Forwarded)
	}
}

func TestDispatch_HandlerPanic(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{
		ID:    "chat",
		Scope: ScopeChat,
		Factory: func(_ context.Context, s *Session, _ Update) error {
			s.Routes().Register(Command("crash"), func(*Context) error { panic("oops") })
			s.Routes().Register(Any(), func(*Context) error { return nil })
			return nil
		},
	})

	res := d.Dispatch(context.Background(), msg(1, 42, 7, "/crash"))
	if !errors.Is(res.Err(), ErrHandlerPanicked) {
		t.Fatalf("err = %v, want ErrHandlerPanicked", res.Err())
	}

	res = d.Dispatch(context.Background(), msg(2, 42, 7, "fine"))
	if res.Err() != nil || res.Routed != 1 {
		t.Errorf("session should keep working after a panic: %+v", res)
	}
}

func TestDispatch_NoRoute(t *testing.T) {
	clock := newFakeClock()
	var missed []int64
	d := newTestDispatcher(clock, EngineConfig{
		OnNoRoute: func(_ *Session, u Update) { missed = append(missed, u.Seq) },
	})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	res := d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	if res.Routed != 0 || len(res.Forwarded) != 1 {
		t.Errorf("result = %+v", res)
	}
	if !slices.Equal(missed, []int64{1}) {
		t.Errorf("missed = %v", missed)
	}
}

func TestDispatch_Flood(t *testing.T) {
	clock := newFakeClock()
	var breaches []int
	d := newTestDispatcher(clock, EngineConfig{
		OnFlood: func(_ *Session, n int) { breaches = append(breaches, n) },
	})
	mustRegister(t, d, Builder{ID: "user", Scope: ScopeUser, Flood: FloodConfig{Limit: 3}})

	for i := 1; i <= 5; i++ {
		d.Dispatch(context.Background(), msg(int64(i), 42, 7, "spam"))
	}
	if !slices.Equal(breaches, []int{1}) {
		t.Errorf("breaches = %v, want [1]", breaches)
	}
}

func TestDispatch_Requests(t *testing.T) {
	clock := newFakeClock()

	type sent struct {
		tag SessionTag
		req Request
	}
	var out []sent
	d := newTestDispatcher(clock, EngineConfig{
		Requester: func(_ context.Context, tag SessionTag, req Request) {
			out = append(out, sent{tag, req})
		},
	})
	mustRegister(t, d, Builder{
		ID:    "chat",
		Scope: ScopeChat,
		Factory: func(_ context.Context, s *Session, _ Update) error {
			s.Routes().Register(Any(), func(ctx *Context) error {
				ctx.Reply("pong")
				return nil
			})
			return nil
		},
	})

	d.Dispatch(context.Background(), msg(5, 42, 7, "ping"))

	if len(out) != 1 {
		t.Fatalf("sent %d requests, want 1", len(out))
	}
	want := SendText{ChatID: 42, Text: "pong", ReplyTo: 5}
	if out[0].req != want {
		t.Errorf("request = %#v, want %#v", out[0].req, want)
	}
	if out[0].tag.BuilderID != "chat" || out[0].tag.ID != 42 {
		t.Errorf("tag = %v", out[0].tag)
	}
}

func TestDispatch_LinkedSessions(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(clock, EngineConfig{})
	mustRegister(t, d, Builder{ID: "user", Scope: ScopeUser})
	mustRegister(t, d, Builder{ID: "chat", Scope: ScopeChat})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	d.Dispatch(context.Background(), msg(2, 43, 7, "hi"))
	d.Dispatch(context.Background(), msg(3, 42, 8, "hi"))

	user, _ := d.Lookup("user", 7)
	chats := user.ChatSessions()
	if len(chats) != 2 || chats[0].ID() != 42 || chats[1].ID() != 43 {
		t.Fatalf("chat sessions = %v", chats)
	}

	chat42, _ := d.Lookup("chat", 42)
	users := chat42.UserSessions()
	if len(users) != 2 || users[0].ID() != 7 || users[1].ID() != 8 {
		t.Errorf("user sessions = %v", users)
	}
	if chat42.ChatSessions() != nil {
		t.Error("chat sessions have no linked chats")
	}

	chat43, _ := d.Lookup("chat", 43)
	d.Remove(chat43.Tag())
	d.Sweep(context.Background())

	chats = user.ChatSessions()
	if len(chats) != 1 || chats[0].ID() != 42 {
		t.Errorf("chat sessions after removal = %v", chats)
	}
}

func TestDispatch_Lifecycle(t *testing.T) {
	clock := newFakeClock()

	var created []string
	d := newTestDispatcher(clock, EngineConfig{
		OnSessionCreated: func(s *Session) { created = append(created, s.Tag().String()) },
	})

	postInit := 0
	mustRegister(t, d, Builder{
		ID:       "chat",
		Scope:    ScopeChat,
		PostInit: func(s *Session) {
			postInit++
			if _, ok := d.Lookup("chat", s.ID()); !ok {
				t.Error("PostInit runs after the session is indexed")
			}
		},
	})

	d.Dispatch(context.Background(), msg(1, 42, 7, "hi"))
	if postInit != 1 {
		t.Errorf("PostInit ran %d times", postInit)
	}
	if !slices.Equal(created, []string{"chat/chat:42"}) {
		t.Errorf("created = %v", created)
	}

	s, _ := d.Lookup("chat", 42)
	hooks := 0
	s.OnRemoval(func(*Session) { hooks++ })
	s.Remove()
	d.Sweep(context.Background())
	if hooks != 1 {
		t.Errorf("removal hooks ran %d times", hooks)
	}
}

func TestDispatcher_Register(t *testing.T) {
	d := NewDispatcher(EngineConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	tests := []struct {
		name    string
		builder Builder
		wantErr error
	}{
		{"valid", Builder{ID: "a", Scope: ScopeChat}, nil},
		{"duplicate", Builder{ID: "a", Scope: ScopeUser}, ErrBuilderExists},
		{"missing id", Builder{Scope: ScopeChat}, ErrBuilderID},
		{"invalid scope", Builder{ID: "b"}, ErrInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Register(tt.builder)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatcher_Run(t *testing.T) {
	d := NewDispatcher(EngineConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	handled := make(chan string, 2)
	mustRegister(t, d, Builder{
		ID:    "chat",
		Scope: ScopeChat,
		Factory: func(_ context.Context, s *Session, _ Update) error {
			s.Routes().Register(Any(), func(ctx *Context) error {
				handled <- ctx.Text()
				return nil
			})
			return nil
		},
	})

	updates := make(chan Update, 2)
	updates <- msg(1, 42, 7, "a")
	updates <- msg(2, 42, 7, "b")
	close(updates)

	if err := d.Run(context.Background(), updates); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := []string{<-handled, <-handled}; !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("handled = %v", got)
	}
}

func TestDispatcher_RunFiresScheduledEvents(t *testing.T) {
	d := NewDispatcher(EngineConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	fired := make(chan struct{})
	d.Scheduler().After(10*time.Millisecond, func(context.Context) error {
		close(fired)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, make(chan Update)) }()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled event did not fire")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run returned %v, want context.Canceled", err)
	}
}
