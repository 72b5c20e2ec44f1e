package bot

import "sync"

// userGate serializes conversational turns per user: one lock per user id,
// created on demand. Independent users stream in parallel while a single
// user's turns run read-context through persist-reply without interleaving.
type userGate struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newUserGate() *userGate {
	return &userGate{locks: make(map[int64]*sync.Mutex)}
}

// lock acquires the user's gate and returns the release func. Locks are
// never removed from the map; the user population is small and stable.
func (g *userGate) lock(userID int64) func() {
	g.mu.Lock()
	l, ok := g.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[userID] = l
	}
	g.mu.Unlock()

	l.Lock()
	return l.Unlock
}
