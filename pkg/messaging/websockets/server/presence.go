package server

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Presence is what the broker knows about a user's connectivity.
type Presence struct {
	UserID   int64
	Online   bool
	LastSeen time.Time
}

type presenceEntry struct {
	sessions map[*session]struct{}
	lastSeen time.Time
}

// presenceTable tracks which users have announced themselves on which
// sessions. A user is online while at least one such session is open.
type presenceTable struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[int64]*presenceEntry
}

func newPresenceTable(clk clock.Clock) *presenceTable {
	return &presenceTable{clock: clk, entries: make(map[int64]*presenceEntry)}
}

// seen records activity from userID on s.
func (p *presenceTable) seen(userID int64, s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		e = &presenceEntry{sessions: make(map[*session]struct{})}
		p.entries[userID] = e
	}
	e.sessions[s] = struct{}{}
	e.lastSeen = p.clock.Now()
}

// gone removes s from userID's sessions.
func (p *presenceTable) gone(userID int64, s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[userID]; ok {
		delete(e.sessions, s)
		e.lastSeen = p.clock.Now()
	}
}

func (p *presenceTable) get(userID int64) (Presence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[userID]
	if !ok {
		return Presence{}, false
	}
	return Presence{UserID: userID, Online: len(e.sessions) > 0, LastSeen: e.lastSeen}, true
}
