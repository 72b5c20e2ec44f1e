package cache

import (
	"context"
	"fmt"
	"sync"

	"chatrelay/internal/models"
	"chatrelay/internal/redis"
)

// Store is the durable half the cache hydrates from.
type Store interface {
	CreateSession(ctx context.Context, userID int64) (int64, error)
	LoadSession(ctx context.Context, sessionID int64) ([]models.ContextEntry, error)
}

// sessionHistory is one user's resident entries tagged with the session
// they belong to, so a moved active-session pointer reads as a miss.
type sessionHistory struct {
	sessionID int64
	entries   []models.ContextEntry
}

// SessionCache holds each user's active-session entries for the process
// lifetime. It is a rebuildable projection: the store stays authoritative,
// so the whole map can be dropped and re-hydrated without data loss.
// Entries are never evicted while the process lives.
type SessionCache struct {
	store Store
	warm  *warmCache

	mu      sync.RWMutex
	entries map[int64]sessionHistory
}

// New builds a cache over the durable store. The redis client is optional;
// nil disables the warm layer.
func New(store Store, rdb *redis.Client) *SessionCache {
	c := &SessionCache{
		store:   store,
		entries: make(map[int64]sessionHistory),
	}
	if rdb != nil {
		c.warm = &warmCache{client: rdb}
	}
	return c
}

// Get returns a copy of the user's cached entries. Unknown users get an
// empty history.
func (c *SessionCache) Get(userID int64) []models.ContextEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hist := c.entries[userID]
	out := make([]models.ContextEntry, len(hist.entries))
	copy(out, hist.entries)
	return out
}

// Len reports the user's cached entry count, which doubles as the next
// entry id for an append.
func (c *SessionCache) Len(userID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[userID].entries)
}

// EnsureHydrated makes the user's history resident and returns their active
// session id, creating a session when the user has none. A second call in a
// row is a no-op that touches no storage.
func (c *SessionCache) EnsureHydrated(ctx context.Context, user *models.User) (int64, error) {
	if user == nil {
		return 0, fmt.Errorf("user is required")
	}

	c.mu.RLock()
	hist, resident := c.entries[user.ID]
	c.mu.RUnlock()
	// Entries cached for a different session are a miss, not a hit.
	if resident && user.HasActiveSession() && hist.sessionID == user.ActiveSessionID {
		return user.ActiveSessionID, nil
	}

	if !user.HasActiveSession() {
		sessionID, err := c.store.CreateSession(ctx, user.ID)
		if err != nil {
			return 0, err
		}
		user.ActiveSessionID = sessionID
		c.mu.Lock()
		c.entries[user.ID] = sessionHistory{sessionID: sessionID}
		c.mu.Unlock()
		return sessionID, nil
	}

	entries, hit := c.warm.loadHistory(ctx, user.ActiveSessionID)
	if !hit {
		var err error
		entries, err = c.store.LoadSession(ctx, user.ActiveSessionID)
		if err != nil {
			return 0, err
		}
		c.warm.storeHistory(ctx, user.ActiveSessionID, entries)
	}

	c.mu.Lock()
	c.entries[user.ID] = sessionHistory{sessionID: user.ActiveSessionID, entries: entries}
	c.mu.Unlock()
	return user.ActiveSessionID, nil
}

// Append adds one entry to the in-memory history and writes through to the
// warm layer. Durable persistence is the caller's job, back-to-back with
// this call under the user's gate.
func (c *SessionCache) Append(ctx context.Context, userID, sessionID int64, entry models.ContextEntry) {
	c.mu.Lock()
	hist := c.entries[userID]
	hist.sessionID = sessionID
	hist.entries = append(hist.entries, entry)
	c.entries[userID] = hist
	snapshot := make([]models.ContextEntry, len(hist.entries))
	copy(snapshot, hist.entries)
	c.mu.Unlock()

	c.warm.storeHistory(ctx, sessionID, snapshot)
}

// Invalidate drops the user's cached history, typically on a session reset.
func (c *SessionCache) Invalidate(ctx context.Context, userID, sessionID int64) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()

	c.warm.invalidate(ctx, sessionID)
}
