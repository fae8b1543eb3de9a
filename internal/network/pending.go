package network

import (
	"time"

	"github.com/danmuck/ircmux/internal/roster"
)

// Aggregate accumulates one in-flight multi-frame reply.
type Aggregate[T any] struct {
	Channel string
	Items   []T
	Created time.Time
}

// PendingTable holds in-flight aggregates keyed by a fixed RFC1459 fold of
// the channel name, so a CASEMAPPING change mid-reply cannot orphan one.
type PendingTable[T any] struct {
	maxAge time.Duration
	items  map[string]*Aggregate[T]
}

func NewPendingTable[T any](maxAge time.Duration) *PendingTable[T] {
	return &PendingTable[T]{
		maxAge: maxAge,
		items:  make(map[string]*Aggregate[T]),
	}
}

// PendingKey is the request-independent key for channel and kind.
func PendingKey(channel string, kind byte) string {
	key := roster.MappingRFC1459.Fold(channel)
	if kind != 0 {
		key += "\x00" + string(kind)
	}
	return key
}

func (p *PendingTable[T]) stale(a *Aggregate[T], now time.Time) bool {
	return p.maxAge > 0 && now.Sub(a.Created) > p.maxAge
}

// Add appends items to the aggregate for key, starting a fresh one when
// none exists or the existing one is stale.
func (p *PendingTable[T]) Add(key, channel string, now time.Time, items ...T) {
	a, ok := p.items[key]
	if !ok || p.stale(a, now) {
		a = &Aggregate[T]{Channel: channel, Created: now}
		p.items[key] = a
	}
	a.Items = append(a.Items, items...)
}

// Has reports whether a live aggregate exists for key.
func (p *PendingTable[T]) Has(key string, now time.Time) bool {
	a, ok := p.items[key]
	return ok && !p.stale(a, now)
}

// Take removes and returns the aggregate for key. Stale aggregates are
// dropped and reported as absent.
func (p *PendingTable[T]) Take(key string, now time.Time) (*Aggregate[T], bool) {
	a, ok := p.items[key]
	if !ok {
		return nil, false
	}
	delete(p.items, key)
	if p.stale(a, now) {
		return nil, false
	}
	return a, true
}

// Prune drops stale aggregates and returns how many were removed.
func (p *PendingTable[T]) Prune(now time.Time) int {
	n := 0
	for key, a := range p.items {
		if p.stale(a, now) {
			delete(p.items, key)
			n++
		}
	}
	return n
}

func (p *PendingTable[T]) Len() int {
	return len(p.items)
}
