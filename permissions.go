package telesession

import (
	"context"
	"slices"
	"sync"
)

// Well-known permission list names.
const (
	ListBlacklist = "blacklist"
	ListAdmin     = "admin"
)

// Permissions is a read-only snapshot of the permission lists one user
// belongs to. Later changes to the store are not reflected in it.
type Permissions struct {
	lists map[string]struct{}
}

// NewPermissions builds a snapshot from list names.
func NewPermissions(lists ...string) Permissions {
	p := Permissions{lists: make(map[string]struct{}, len(lists))}
	for _, l := range lists {
		p.lists[l] = struct{}{}
	}
	return p
}

// Has reports whether the user was on the named list when the snapshot was taken.
func (p Permissions) Has(list string) bool {
	_, ok := p.lists[list]
	return ok
}

// Lists returns the sorted list names in the snapshot.
func (p Permissions) Lists() []string {
	out := make([]string, 0, len(p.lists))
	for l := range p.lists {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// PermissionStore provides permission snapshots for users.
type PermissionStore interface {
	GetPermissions(ctx context.Context, userID int64) (Permissions, error)
}

// Moderator is an in-memory PermissionStore holding named lists of user IDs.
// It is safe for concurrent use.
type Moderator struct {
	mu    sync.RWMutex
	lists map[string]map[int64]struct{}
}

// NewModerator creates an empty Moderator.
func NewModerator() *Moderator {
	return &Moderator{
		lists: make(map[string]map[int64]struct{}),
	}
}

// Add puts the users on the named list.
func (m *Moderator) Add(list string, userIDs ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.lists[list]
	if !ok {
		ids = make(map[int64]struct{})
		m.lists[list] = ids
	}
	for _, id := range userIDs {
		ids[id] = struct{}{}
	}
}

// Remove takes the users off the named list.
func (m *Moderator) Remove(list string, userIDs ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.lists[list]
	if !ok {
		return
	}
	for _, id := range userIDs {
		delete(ids, id)
	}
	if len(ids) == 0 {
		delete(m.lists, list)
	}
}

// Contains reports whether the user is on the named list.
func (m *Moderator) Contains(list string, userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lists[list][userID]
	return ok
}

// Members returns the sorted user IDs on the named list.
func (m *Moderator) Members(list string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int64, 0, len(m.lists[list]))
	for id := range m.lists[list] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// GetPermissions returns a snapshot of the lists the user is on.
func (m *Moderator) GetPermissions(_ context.Context, userID int64) (Permissions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := Permissions{lists: make(map[string]struct{})}
	for name, ids := range m.lists {
		if _, ok := ids[userID]; ok {
			p.lists[name] = struct{}{}
		}
	}
	return p, nil
}
