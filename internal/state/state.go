package state

import (
	"sort"
	"strings"
	"time"

	"github.com/danmuck/ircmux/internal/roster"
)

// State is the authoritative mutable model. It is only reachable inside
// Store.Update.
type State struct {
	Networks  map[string]*Network
	Selected  BufferKey
	Offers    map[string]*Offer
	Transfers map[string]*Transfer

	retention int
	seq       uint64
	now       func() time.Time
}

func newState(retention int, now func() time.Time) *State {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &State{
		Networks:  make(map[string]*Network),
		Offers:    make(map[string]*Offer),
		Transfers: make(map[string]*Transfer),
		retention: retention,
		now:       now,
	}
}

func (st *State) Retention() int {
	return st.retention
}

func (st *State) Now() time.Time {
	return st.now()
}

// Network returns the record for id, creating it on first reference.
func (st *State) Network(id string) *Network {
	n, ok := st.Networks[id]
	if !ok {
		n = &Network{
			ID:        id,
			ChanTypes: DefaultChanTypes,
			Buffers:   make(map[string]*Buffer),
			Lists:     make(map[ListKey]*ListAggregate),
			Roster:    roster.NewEngine(roster.MappingRFC1459, roster.ParsePrefix(roster.DefaultPrefix)),
		}
		st.Networks[id] = n
	}
	return n
}

// LookupNetwork returns the record for id without creating it.
func (st *State) LookupNetwork(id string) (*Network, bool) {
	n, ok := st.Networks[id]
	return n, ok
}

// RemoveNetwork drops every piece of state for id.
func (st *State) RemoveNetwork(id string) {
	delete(st.Networks, id)
	if st.Selected.Network == id {
		st.Selected = BufferKey{}
	}
}

// Buffer resolves name on network id, creating the buffer when absent.
func (st *State) Buffer(id, name string) *Buffer {
	n := st.Network(id)
	return st.resolve(n, name, true)
}

// LookupBuffer resolves name on network id without creating it.
func (st *State) LookupBuffer(id, name string) (*Buffer, bool) {
	n, ok := st.Networks[id]
	if !ok {
		return nil, false
	}
	b := st.resolve(n, name, false)
	return b, b != nil
}

// Key returns the key name would resolve to on network id.
func (st *State) Key(id, name string) BufferKey {
	n := st.Network(id)
	return BufferKey{Network: id, Name: n.Fold(NormalizeTarget(name))}
}

// Select marks key as the buffer the consumer is looking at and clears its
// counters.
func (st *State) Select(key BufferKey) bool {
	b, ok := st.LookupBuffer(key.Network, key.Name)
	if !ok {
		return false
	}
	st.Selected = b.Key
	b.Unread = 0
	b.Highlights = 0
	return true
}

// CloseBuffer removes a buffer. The server buffer cannot be closed.
func (st *State) CloseBuffer(id, name string) bool {
	n, ok := st.Networks[id]
	if !ok {
		return false
	}
	b := st.resolve(n, name, false)
	if b == nil || b.Kind == KindServer {
		return false
	}
	delete(n.Buffers, b.Key.Name)
	if st.Selected == b.Key {
		st.Selected = BufferKey{}
	}
	return true
}

// Append adds a message to a buffer and updates counters.
func (st *State) Append(b *Buffer, m Message, highlight bool) {
	if m.Time.IsZero() {
		m.Time = st.now()
	}
	if !appendMessage(b, m, st.retention) {
		return
	}
	if st.Selected == b.Key || m.History || !m.Kind.counts() {
		return
	}
	b.Unread++
	if highlight {
		b.Highlights++
	}
}

// Status appends a status line to the network's server buffer.
func (st *State) Status(id, text string) {
	b := st.Buffer(id, ServerBuffer)
	st.Append(b, Message{Kind: MsgStatus, Text: text}, false)
}

// ErrorLine appends an error line to the network's server buffer.
func (st *State) ErrorLine(id, text string) {
	b := st.Buffer(id, ServerBuffer)
	st.Append(b, Message{Kind: MsgError, Text: text}, false)
}

// Fold folds name with the network's active rule.
func (n *Network) Fold(name string) string {
	if name == ServerBuffer {
		return ServerBuffer
	}
	return n.Roster.Casefold(name)
}

// NormalizeTarget maps blank and placeholder targets to the server buffer.
func NormalizeTarget(name string) string {
	name = strings.TrimSpace(name)
	switch name {
	case "", "*", "AUTH", ServerBuffer:
		return ServerBuffer
	}
	return name
}

func (st *State) resolve(n *Network, name string, create bool) *Buffer {
	name = NormalizeTarget(name)
	key := n.Fold(name)
	var matches []*Buffer
	if b, ok := n.Buffers[key]; ok {
		matches = append(matches, b)
	}
	// buffers keyed under a previous folding rule
	for k, b := range n.Buffers {
		if k != key && n.Fold(b.Name) == key {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 0:
		if !create {
			return nil
		}
		st.seq++
		b := &Buffer{
			Key:  BufferKey{Network: n.ID, Name: key},
			Name: name,
			Kind: bufferKind(n, name),
			seq:  st.seq,
		}
		n.Buffers[key] = b
		return b
	case 1:
		b := matches[0]
		if b.Key.Name != key {
			st.rekeyBuffer(n, b, key)
		}
		return b
	default:
		return st.mergeInto(n, matches, key)
	}
}

func (st *State) rekeyBuffer(n *Network, b *Buffer, key string) {
	wasSelected := st.Selected == b.Key
	delete(n.Buffers, b.Key.Name)
	b.Key = BufferKey{Network: n.ID, Name: key}
	n.Buffers[key] = b
	if wasSelected {
		st.Selected = b.Key
	}
}

func (st *State) mergeInto(n *Network, bufs []*Buffer, key string) *Buffer {
	wasSelected := false
	for _, b := range bufs {
		if st.Selected == b.Key {
			wasSelected = true
		}
		delete(n.Buffers, b.Key.Name)
	}
	merged := MergeBuffers(bufs, st.Selected, st.retention)
	merged.Key = BufferKey{Network: n.ID, Name: key}
	n.Buffers[key] = merged
	if wasSelected {
		st.Selected = merged.Key
	}
	return merged
}

// Rekey refolds every buffer and list key on network id and merges buffers
// that now denote the same target. Called after the folding rule changes.
func (st *State) Rekey(id string) {
	n, ok := st.Networks[id]
	if !ok {
		return
	}
	groups := make(map[string][]*Buffer)
	for _, b := range n.Buffers {
		k := n.Fold(b.Name)
		groups[k] = append(groups[k], b)
	}
	selected := st.Selected
	n.Buffers = make(map[string]*Buffer, len(groups))
	for key, bufs := range groups {
		b := bufs[0]
		if len(bufs) > 1 {
			b = MergeBuffers(bufs, selected, st.retention)
		}
		for _, old := range bufs {
			if selected == old.Key {
				st.Selected = BufferKey{Network: n.ID, Name: key}
			}
		}
		b.Key = BufferKey{Network: n.ID, Name: key}
		n.Buffers[key] = b
	}
	lists := make(map[ListKey]*ListAggregate, len(n.Lists))
	for _, agg := range n.Lists {
		k := ListKey{Channel: n.Fold(agg.Channel), Kind: agg.Kind[0]}
		if existing, ok := lists[k]; ok {
			existing.Entries = append(existing.Entries, agg.Entries...)
			existing.Loading = existing.Loading || agg.Loading
			continue
		}
		lists[k] = agg
	}
	n.Lists = lists
}

// RenameBuffer moves a buffer to a new name when no buffer exists under it.
func (st *State) RenameBuffer(id, oldName, newName string) bool {
	n, ok := st.Networks[id]
	if !ok {
		return false
	}
	b := st.resolve(n, oldName, false)
	if b == nil {
		return false
	}
	if existing := st.resolve(n, newName, false); existing != nil {
		return false
	}
	b.Name = newName
	st.rekeyBuffer(n, b, n.Fold(newName))
	return true
}

// List returns the aggregate for kind on channel, creating it when absent.
func (n *Network) List(channel string, kind byte) *ListAggregate {
	k := ListKey{Channel: n.Fold(channel), Kind: kind}
	agg, ok := n.Lists[k]
	if !ok {
		agg = &ListAggregate{Channel: channel, Kind: string(kind)}
		n.Lists[k] = agg
	}
	return agg
}

// ChannelBuffers returns the buffers for channels in stable order.
func (n *Network) ChannelBuffers() []*Buffer {
	out := make([]*Buffer, 0, len(n.Buffers))
	for _, b := range n.Buffers {
		if b.Kind == KindChannel {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Name < out[j].Key.Name })
	return out
}

// SyncMembers refreshes the published member list of a channel buffer from
// the roster engine.
func (n *Network) SyncMembers(b *Buffer) {
	if b.Kind != KindChannel {
		return
	}
	b.Members = n.Roster.Rebuild(b.Name)
}

// SyncAllMembers refreshes every channel buffer.
func (n *Network) SyncAllMembers() {
	for _, b := range n.Buffers {
		n.SyncMembers(b)
	}
}

func bufferKind(n *Network, name string) BufferKind {
	switch {
	case name == ServerBuffer:
		return KindServer
	case strings.HasPrefix(name, "="):
		return KindChat
	case n.IsChannel(name):
		return KindChannel
	default:
		return KindQuery
	}
}

// IsChannel reports whether name starts with an advertised channel type.
func (n *Network) IsChannel(name string) bool {
	return name != "" && strings.IndexByte(n.ChanTypes, name[0]) >= 0
}
