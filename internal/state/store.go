package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Store.
type Options struct {
	Retention int
	Now       func() time.Time
}

// Store serializes every state mutation through Update and publishes an
// immutable Snapshot after each one. Reads never take the write lock.
type Store struct {
	mu      sync.Mutex
	st      *State
	version uint64
	snap    atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

func NewStore(opts Options) *Store {
	s := &Store{
		st:   newState(opts.Retention, opts.Now),
		subs: make(map[int]chan struct{}),
	}
	s.snap.Store(buildSnapshot(s.st, 0))
	return s
}

// Update runs fn with exclusive access to the state, then publishes. The
// read-modify-write inside fn is atomic with respect to every other writer.
func (s *Store) Update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
	s.version++
	s.snap.Store(buildSnapshot(s.st, s.version))
	s.notify()
}

// Snapshot returns the latest published state.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce; a slow reader sees the latest snapshot on wake.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Snapshot is a read-only copy of the state.
type Snapshot struct {
	Version   uint64                 `json:"version"`
	Networks  map[string]NetworkView `json:"networks"`
	Selected  BufferKey              `json:"selected"`
	Offers    []Offer                `json:"offers"`
	Transfers []Transfer             `json:"transfers"`
}

// NetworkView is the published form of one network.
type NetworkView struct {
	ID      string          `json:"id"`
	Conn    Connection      `json:"connection"`
	Mapping string          `json:"casemapping"`
	Buffers []Buffer        `json:"buffers"`
	Lists   []ListAggregate `json:"lists"`
}

// Buffer returns the published buffer whose key name matches name as
// folded by the caller, or the first buffer whose display name equals name.
func (v NetworkView) Buffer(name string) (Buffer, bool) {
	for _, b := range v.Buffers {
		if b.Key.Name == name || b.Name == name {
			return b, true
		}
	}
	return Buffer{}, false
}

// Network returns the view for id.
func (s *Snapshot) Network(id string) (NetworkView, bool) {
	v, ok := s.Networks[id]
	return v, ok
}

// Transfer returns the transfer with id.
func (s *Snapshot) Transfer(id string) (Transfer, bool) {
	for _, t := range s.Transfers {
		if t.ID == id {
			return t, true
		}
	}
	return Transfer{}, false
}

func buildSnapshot(st *State, version uint64) *Snapshot {
	out := &Snapshot{
		Version:   version,
		Networks:  make(map[string]NetworkView, len(st.Networks)),
		Selected:  st.Selected,
		Offers:    make([]Offer, 0, len(st.Offers)),
		Transfers: make([]Transfer, 0, len(st.Transfers)),
	}
	for id, n := range st.Networks {
		view := NetworkView{
			ID:      id,
			Conn:    n.Conn,
			Mapping: n.Roster.Mapping().String(),
			Buffers: make([]Buffer, 0, len(n.Buffers)),
			Lists:   make([]ListAggregate, 0, len(n.Lists)),
		}
		for _, b := range n.Buffers {
			cp := *b
			// cap the slice so later appends never show through
			cp.Messages = b.Messages[:len(b.Messages):len(b.Messages)]
			view.Buffers = append(view.Buffers, cp)
		}
		sort.Slice(view.Buffers, func(i, j int) bool {
			return view.Buffers[i].Key.Name < view.Buffers[j].Key.Name
		})
		for _, agg := range n.Lists {
			cp := *agg
			cp.Entries = append([]ListItem(nil), agg.Entries...)
			view.Lists = append(view.Lists, cp)
		}
		sort.Slice(view.Lists, func(i, j int) bool {
			if view.Lists[i].Channel != view.Lists[j].Channel {
				return view.Lists[i].Channel < view.Lists[j].Channel
			}
			return view.Lists[i].Kind < view.Lists[j].Kind
		})
		out.Networks[id] = view
	}
	for _, o := range st.Offers {
		out.Offers = append(out.Offers, *o)
	}
	sort.Slice(out.Offers, func(i, j int) bool {
		return out.Offers[i].ReceivedAt.Before(out.Offers[j].ReceivedAt)
	})
	for _, t := range st.Transfers {
		out.Transfers = append(out.Transfers, *t)
	}
	sort.Slice(out.Transfers, func(i, j int) bool {
		return out.Transfers[i].Started.Before(out.Transfers[j].Started)
	})
	return out
}
