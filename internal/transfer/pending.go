package transfer

import (
	"sync"
	"time"

	"github.com/danmuck/ircmux/internal/roster"
)

// pendingSend is an outbound passive offer waiting for the peer's endpoint.
type pendingSend struct {
	token    string
	network  string
	peer     string
	filename string
	size     int64
	created  time.Time
	reply    chan Payload
}

// pendingTable holds at most one waiting entry per token. Every token is
// consumed exactly once, by a reply match, a timeout or a cancel; consumed
// tokens are remembered so late duplicates are dropped instead of being
// mistaken for new offers.
type pendingTable struct {
	mu       sync.Mutex
	byToken  map[string]*pendingSend
	consumed map[string]time.Time
	memory   time.Duration
}

func newPendingTable(memory time.Duration) *pendingTable {
	return &pendingTable{
		byToken:  make(map[string]*pendingSend),
		consumed: make(map[string]time.Time),
		memory:   memory,
	}
}

func (t *pendingTable) add(p *pendingSend) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byToken[p.token]; ok {
		return false
	}
	if _, ok := t.consumed[p.token]; ok {
		return false
	}
	t.byToken[p.token] = p
	return true
}

// match finds and removes the entry a reply answers: by token when the
// reply carries one, else by peer, filename and a compatible size.
func (t *pendingTable) match(network, peer string, reply Payload, now time.Time) (*pendingSend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	if reply.Token != "" {
		p, ok := t.byToken[reply.Token]
		if !ok || p.network != network {
			return nil, false
		}
		t.consumeLocked(p.token, now)
		return p, true
	}
	if p := t.structuralLocked(network, peer, reply); p != nil {
		t.consumeLocked(p.token, now)
		return p, true
	}
	return nil, false
}

func (t *pendingTable) structuralLocked(network, peer string, reply Payload) *pendingSend {
	fold := roster.MappingRFC1459.Fold
	var best *pendingSend
	for _, p := range t.byToken {
		if p.network != network || fold(p.peer) != fold(peer) || p.filename != reply.Filename {
			continue
		}
		if reply.Size >= 0 && p.size >= 0 && reply.Size != p.size {
			continue
		}
		if best == nil || p.created.Before(best.created) {
			best = p
		}
	}
	return best
}

// take removes token and marks it consumed. It reports whether an entry was
// still waiting.
func (t *pendingTable) take(token string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byToken[token]
	t.consumeLocked(token, now)
	return ok
}

// wasConsumed reports whether token already completed, timed out or was
// cancelled.
func (t *pendingTable) wasConsumed(token string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	_, ok := t.consumed[token]
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}

func (t *pendingTable) consumeLocked(token string, now time.Time) {
	delete(t.byToken, token)
	t.consumed[token] = now
}

func (t *pendingTable) pruneLocked(now time.Time) {
	if t.memory <= 0 {
		return
	}
	for token, at := range t.consumed {
		if now.Sub(at) > t.memory {
			delete(t.consumed, token)
		}
	}
}
