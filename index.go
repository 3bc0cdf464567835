package telesession

import (
	"cmp"
	"slices"
	"sync"
)

type sessionKey struct {
	builder string
	key     int64
}

type scopeKey struct {
	scope Scope
	key   int64
}

// identityIndex maps (builder, key) to the one live session for it, and
// (scope, key) to all live sessions sharing that chat or user.
type identityIndex struct {
	mu      sync.RWMutex
	byKey   map[sessionKey]*Session
	byScope map[scopeKey][]*Session
	seq     uint64
}

func newIdentityIndex() *identityIndex {
	return &identityIndex{
		byKey:   make(map[sessionKey]*Session),
		byScope: make(map[scopeKey][]*Session),
	}
}

func (x *identityIndex) insert(s *Session) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.seq++
	s.seq = x.seq
	x.byKey[sessionKey{s.tag.BuilderID, s.tag.ID}] = s
	sk := scopeKey{s.tag.Scope, s.tag.ID}
	x.byScope[sk] = append(x.byScope[sk], s)
}

// remove deletes s if it is still the live session for its key.
func (x *identityIndex) remove(s *Session) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	k := sessionKey{s.tag.BuilderID, s.tag.ID}
	if x.byKey[k] != s {
		return false
	}
	delete(x.byKey, k)

	sk := scopeKey{s.tag.Scope, s.tag.ID}
	rest := slices.DeleteFunc(slices.Clone(x.byScope[sk]), func(o *Session) bool { return o == s })
	if len(rest) == 0 {
		delete(x.byScope, sk)
	} else {
		x.byScope[sk] = rest
	}
	return true
}

func (x *identityIndex) get(builderID string, key int64) (*Session, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.byKey[sessionKey{builderID, key}]
	return s, ok
}

// lookup returns the sessions of a scope keyed by key, in insertion order.
func (x *identityIndex) lookup(scope Scope, key int64) []*Session {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.byScope[scopeKey{scope, key}])
}

// all returns every live session in insertion order.
func (x *identityIndex) all() []*Session {
	x.mu.RLock()
	out := make([]*Session, 0, len(x.byKey))
	for _, s := range x.byKey {
		out = append(out, s)
	}
	x.mu.RUnlock()

	sortBySeq(out)
	return out
}

func (x *identityIndex) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byKey)
}

func sortBySeq(sessions []*Session) {
	slices.SortFunc(sessions, func(a, b *Session) int {
		return cmp.Compare(a.seq, b.seq)
	})
}
