package relay

import "sync"

// connTable indexes live connections by connection id and, once registered,
// by user id.
type connTable struct {
	mu    sync.RWMutex
	conns map[string]*connection
	users map[string]*connection
}

func newConnTable() *connTable {
	return &connTable{
		conns: make(map[string]*connection),
		users: make(map[string]*connection),
	}
}

func (t *connTable) addConn(c *connection) {
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
}

// bindUser points the user index at c, superseding any previous connection
// for the same user id.
func (t *connTable) bindUser(c *connection) {
	t.mu.Lock()
	t.users[c.userID] = c
	t.mu.Unlock()
}

func (t *connTable) byUser(userID string) (*connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.users[userID]
	return c, ok
}

func (t *connTable) registered() []*connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*connection, 0, len(t.users))
	for _, c := range t.users {
		out = append(out, c)
	}
	return out
}

// removeConn drops c from both indexes. The user index is only cleared when
// it still points at c, so a superseding connection is left in place.
func (t *connTable) removeConn(c *connection) {
	t.mu.Lock()
	delete(t.conns, c.id)
	if c.userID != "" && t.users[c.userID] == c {
		delete(t.users, c.userID)
	}
	t.mu.Unlock()
}
