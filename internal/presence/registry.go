// Package presence holds the authoritative table of connected users.
//
// Entries are keyed by connection key (one per transport session) and carry
// the derived User record plus a generation stamped at upsert time. A user id
// is owned by at most one connection key at a time; a newer upsert for the
// same id transfers ownership, and removals carrying a stale generation are
// ignored so a slow close handler cannot clobber a fast reconnect.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

// Entry is one row of the presence table
type Entry struct {
	Key        string
	Generation uint64
	User       domain.User
}

// Upserted is the outcome of an Upsert
type Upserted struct {
	Generation uint64
	// Dropped is the user id whose entry key owned before switching to a
	// different identity, when that entry was deleted. Empty otherwise.
	Dropped string
}

// Registry is the presence table shared by the gateway and router
type Registry interface {
	// Upsert inserts or replaces the entry for key
	Upsert(ctx context.Context, key string, user domain.User) (Upserted, error)
	// UpdateCursor reports false when key has no entry
	UpdateCursor(ctx context.Context, key string, cursor domain.Cursor, boardID string) (bool, error)
	// Remove deletes key's entry if gen is still current; reports whether it did
	Remove(ctx context.Context, key string, gen uint64) (bool, error)
	// Snapshot lists every user except the one identified by excluding
	Snapshot(ctx context.Context, excluding string) ([]Entry, error)
	// OnBoard lists the users on boardID except the one identified by excluding
	OnBoard(ctx context.Context, boardID, excluding string) ([]Entry, error)
	// TakeDirty reports whether the table changed since the last call and resets the flag
	TakeDirty(ctx context.Context) (bool, error)
	// Count returns the number of users present
	Count(ctx context.Context) (int, error)
	// Refresh extends the lifetime of the entries held by keys
	Refresh(ctx context.Context, keys []string) error
	// Prune drops entries whose lifetime ran out and returns how many
	Prune(ctx context.Context) (int, error)
}

type memoryEntry struct {
	user  domain.User
	owner string
	gen   uint64
}

type keyRef struct {
	userID string
	gen    uint64
}

// MemoryRegistry is the process-local Registry. It never returns errors.
type MemoryRegistry struct {
	mu      sync.RWMutex
	users   map[string]*memoryEntry // user id -> entry
	keys    map[string]keyRef       // connection key -> user id it identified as
	nextGen uint64
	dirty   bool
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		users: make(map[string]*memoryEntry),
		keys:  make(map[string]keyRef),
	}
}

// Upsert implements Registry
func (r *MemoryRegistry) Upsert(_ context.Context, key string, user domain.User) (Upserted, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Upserted

	// Same connection switching identity drops the entry it owned
	if ref, ok := r.keys[key]; ok && ref.userID != user.ID {
		if e, ok := r.users[ref.userID]; ok && e.owner == key {
			delete(r.users, ref.userID)
			res.Dropped = ref.userID
		}
	}

	r.nextGen++
	gen := r.nextGen
	r.users[user.ID] = &memoryEntry{user: user.Clone(), owner: key, gen: gen}
	r.keys[key] = keyRef{userID: user.ID, gen: gen}
	r.dirty = true

	res.Generation = gen
	return res, nil
}

// UpdateCursor implements Registry
func (r *MemoryRegistry) UpdateCursor(_ context.Context, key string, cursor domain.Cursor, boardID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.keys[key]
	if !ok {
		return false, nil
	}
	e, ok := r.users[ref.userID]
	if !ok {
		return false, nil
	}

	c := cursor
	e.user.Cursor = &c
	e.user.BoardID = boardID
	return true, nil
}

// Remove implements Registry
func (r *MemoryRegistry) Remove(_ context.Context, key string, gen uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.keys[key]
	if !ok {
		return false, nil
	}
	delete(r.keys, key)

	e, ok := r.users[ref.userID]
	if !ok || e.gen != gen || e.owner != key {
		return false, nil
	}
	delete(r.users, ref.userID)
	r.dirty = true

	return true, nil
}

// Snapshot implements Registry
func (r *MemoryRegistry) Snapshot(_ context.Context, excluding string) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(excluding, func(*memoryEntry) bool { return true }), nil
}

// OnBoard implements Registry
func (r *MemoryRegistry) OnBoard(_ context.Context, boardID, excluding string) ([]Entry, error) {
	if boardID == "" {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(excluding, func(e *memoryEntry) bool { return e.user.BoardID == boardID }), nil
}

// TakeDirty implements Registry
func (r *MemoryRegistry) TakeDirty(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dirty := r.dirty
	r.dirty = false
	return dirty, nil
}

// Count implements Registry
func (r *MemoryRegistry) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), nil
}

// Refresh implements Registry. Memory entries live as long as the process.
func (r *MemoryRegistry) Refresh(_ context.Context, _ []string) error {
	return nil
}

// Prune implements Registry. Memory entries never expire.
func (r *MemoryRegistry) Prune(_ context.Context) (int, error) {
	return 0, nil
}

// collect must be called with r.mu held
func (r *MemoryRegistry) collect(excluding string, keep func(*memoryEntry) bool) []Entry {
	selfID := r.keys[excluding].userID

	out := make([]Entry, 0, len(r.users))
	for id, e := range r.users {
		if e.owner == excluding || (selfID != "" && id == selfID) {
			continue
		}
		if !keep(e) {
			continue
		}
		out = append(out, Entry{Key: e.owner, Generation: e.gen, User: e.user.Clone()})
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].User.ID < entries[j].User.ID
	})
}

// Users strips entries down to their user records
func Users(entries []Entry) []domain.User {
	users := make([]domain.User, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.User)
	}
	return users
}
