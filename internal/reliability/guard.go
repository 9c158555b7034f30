package reliability

import (
	"sync"
	"time"
)

// DefaultGuardTTL is how long a seen turn id is remembered.
const DefaultGuardTTL = 300 * time.Second

// Guard remembers recently seen turn ids per session.
type Guard struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[guardKey]time.Time
	now  func() time.Time
}

type guardKey struct {
	session string
	turnID  string
}

// NewGuard creates a guard with the given entry ttl.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &Guard{ttl: ttl, seen: make(map[guardKey]time.Time), now: time.Now}
}

// IsDuplicate reports whether turnID was seen within the ttl.
func (g *Guard) IsDuplicate(session, turnID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.seen[guardKey{session, turnID}]
	return ok && g.now().Sub(at) < g.ttl
}

// MarkSeen records turnID as seen now.
func (g *Guard) MarkSeen(session, turnID string) {
	g.mu.Lock()
	g.seen[guardKey{session, turnID}] = g.now()
	g.mu.Unlock()
}

// ClearSeen forgets turnID so that a retry is processed again.
func (g *Guard) ClearSeen(session, turnID string) {
	g.mu.Lock()
	delete(g.seen, guardKey{session, turnID})
	g.mu.Unlock()
}

// PurgeExpired drops entries older than the ttl and returns how many.
func (g *Guard) PurgeExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for k, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, k)
			n++
		}
	}
	return n
}

// Len returns the number of remembered entries.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
