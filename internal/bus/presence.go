package bus

import (
	"sync"
	"time"
)

// presence tracks when each endpoint was last heard from. An endpoint
// never heard from is not silent; absence of evidence is not evidence
// of unreachability, and its messages queue durably until it appears.
type presence struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

func newPresence() *presence {
	return &presence{lastSeen: make(map[string]time.Time)}
}

func (p *presence) mark(endpoint string) {
	if endpoint == "" {
		return
	}
	p.mu.Lock()
	p.lastSeen[endpoint] = time.Now()
	p.mu.Unlock()
}

func (p *presence) known(endpoint string) bool {
	p.mu.RLock()
	_, ok := p.lastSeen[endpoint]
	p.mu.RUnlock()
	return ok
}

func (p *presence) silent(endpoint string, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	p.mu.RLock()
	seen, ok := p.lastSeen[endpoint]
	p.mu.RUnlock()
	return ok && time.Since(seen) > window
}
