package telesession

import (
	"context"
	"fmt"
	"time"
)

// Collision decides what happens when a builder's key already has a session.
type Collision int

const (
	// CollisionSkip forwards the update to the existing session.
	CollisionSkip Collision = iota
	// CollisionReplace removes the existing session and builds a new one
	// when the builder's predicate matches.
	CollisionReplace
	// CollisionError reports ErrSessionCollision when the predicate matches
	// and drops the update for this builder.
	CollisionError
)

func (c Collision) String() string {
	switch c {
	case CollisionSkip:
		return "skip"
	case CollisionReplace:
		return "replace"
	case CollisionError:
		return "error"
	}
	return fmt.Sprintf("collision(%d)", int(c))
}

// Factory prepares a freshly constructed session: registers routes, sets
// State and adjusts the timeout. Returning an error discards the session.
type Factory func(ctx context.Context, s *Session, u Update) error

// Builder describes one kind of session and when to create it.
type Builder struct {
	// ID must be unique among registered builders.
	ID string

	// Scope selects whether sessions are keyed by user or by chat.
	Scope Scope

	// Match decides whether an update should create a session. Nil accepts
	// every update carrying the scope's key.
	Match func(Update) bool

	Collision Collision

	Factory Factory

	// Timeout is the initial inactivity timeout. Zero means never.
	Timeout time.Duration

	Flood FloodConfig

	// CancelEventsOnRemoval cancels the events a session scheduled through
	// Session.Schedule when it is removed. By default they keep firing.
	CancelEventsOnRemoval bool

	// PostInit runs after the session has been added to the identity index.
	PostInit func(*Session)

	// SetupRemoval runs when the session is removed, before observers are
	// notified. Use it to release resources held for the session.
	SetupRemoval func(*Session)
}

// Matches reports whether u should create a session of this kind.
func (b *Builder) Matches(u Update) bool {
	if _, ok := u.key(b.Scope); !ok {
		return false
	}
	return b.Match == nil || b.Match(u)
}

func (b *Builder) validate() error {
	if b.ID == "" {
		return ErrBuilderID
	}
	if !b.Scope.valid() {
		return fmt.Errorf("%w: builder %q: %s", ErrInvalidScope, b.ID, b.Scope)
	}
	return nil
}
