package roster

import (
	"sort"
	"strings"
)

// channelRoster holds members of one channel keyed by folded nickname.
// display and status share keys; status only holds non-empty sets. name is
// the channel as first seen, kept so the key can be refolded.
type channelRoster struct {
	name    string
	display map[string]string
	status  map[string]map[byte]struct{}
}

func newChannelRoster(name string) *channelRoster {
	return &channelRoster{
		name:    name,
		display: make(map[string]string),
		status:  make(map[string]map[byte]struct{}),
	}
}

// Engine tracks channel membership for one network. It is not safe for
// concurrent use; callers serialize access through the state store.
type Engine struct {
	mapping  Mapping
	prefixes PrefixTable
	channels map[string]*channelRoster
}

func NewEngine(mapping Mapping, prefixes PrefixTable) *Engine {
	if prefixes.Len() == 0 {
		prefixes = ParsePrefix(DefaultPrefix)
	}
	return &Engine{
		mapping:  mapping,
		prefixes: prefixes,
		channels: make(map[string]*channelRoster),
	}
}

func (e *Engine) Mapping() Mapping {
	return e.mapping
}

func (e *Engine) Prefixes() PrefixTable {
	return e.prefixes
}

// Casefold folds text with the network's active rule.
func (e *Engine) Casefold(text string) string {
	return e.mapping.Fold(text)
}

// SetMapping switches the folding rule and refolds every key. Entries that
// collide under the new rule are merged, keeping the union of their status.
func (e *Engine) SetMapping(m Mapping) {
	if m == e.mapping {
		return
	}
	e.mapping = m
	old := e.channels
	e.channels = make(map[string]*channelRoster, len(old))
	for _, ch := range old {
		dst := e.channelFor(ch.name)
		for key, nick := range ch.display {
			e.put(dst, nick, ch.status[key], true)
		}
	}
}

// SetPrefixes replaces the status-prefix table. Modes unknown to the new
// table are dropped.
func (e *Engine) SetPrefixes(p PrefixTable) {
	if p.Len() == 0 {
		return
	}
	e.prefixes = p
	for _, ch := range e.channels {
		for key, set := range ch.status {
			for mode := range set {
				if !p.IsMode(mode) {
					delete(set, mode)
				}
			}
			if len(set) == 0 {
				delete(ch.status, key)
			}
		}
	}
}

func (e *Engine) channelFor(channel string) *channelRoster {
	key := e.mapping.Fold(channel)
	ch, ok := e.channels[key]
	if !ok {
		ch = newChannelRoster(channel)
		e.channels[key] = ch
	}
	return ch
}

func (e *Engine) lookup(channel string) *channelRoster {
	return e.channels[e.mapping.Fold(channel)]
}

// put inserts nick into ch. When merge is true status modes are added to any
// existing set; otherwise a non-nil modes slice replaces it.
func (e *Engine) put(ch *channelRoster, nick string, modes map[byte]struct{}, merge bool) {
	key := e.mapping.Fold(nick)
	ch.display[key] = nick
	if modes == nil {
		return
	}
	if !merge {
		delete(ch.status, key)
	}
	if len(modes) == 0 {
		return
	}
	set, ok := ch.status[key]
	if !ok {
		set = make(map[byte]struct{}, len(modes))
		ch.status[key] = set
	}
	for m := range modes {
		set[m] = struct{}{}
	}
}

func modeSet(modes []byte) map[byte]struct{} {
	set := make(map[byte]struct{}, len(modes))
	for _, m := range modes {
		set[m] = struct{}{}
	}
	return set
}

// Upsert adds or updates nick in channel. A raw nick carrying status symbols
// is split first. A nil modes slice keeps existing status; a non-nil slice
// replaces it.
func (e *Engine) Upsert(channel, nick string, modes []byte) {
	bare, symModes := e.prefixes.Split(nick)
	if bare == "" {
		return
	}
	if modes == nil && len(symModes) > 0 {
		modes = symModes
	}
	ch := e.channelFor(channel)
	if modes == nil {
		e.put(ch, bare, nil, false)
		return
	}
	e.put(ch, bare, modeSet(modes), false)
}

// AddStatus grants mode to nick in channel. Unknown members are ignored.
func (e *Engine) AddStatus(channel, nick string, mode byte) {
	ch := e.lookup(channel)
	if ch == nil || !e.prefixes.IsMode(mode) {
		return
	}
	key := e.mapping.Fold(nick)
	if _, ok := ch.display[key]; !ok {
		return
	}
	set, ok := ch.status[key]
	if !ok {
		set = make(map[byte]struct{}, 1)
		ch.status[key] = set
	}
	set[mode] = struct{}{}
}

// RemoveStatus revokes mode from nick in channel.
func (e *Engine) RemoveStatus(channel, nick string, mode byte) {
	ch := e.lookup(channel)
	if ch == nil {
		return
	}
	key := e.mapping.Fold(nick)
	set, ok := ch.status[key]
	if !ok {
		return
	}
	delete(set, mode)
	if len(set) == 0 {
		delete(ch.status, key)
	}
}

// Remove drops nick from channel and reports whether it was present.
func (e *Engine) Remove(channel, nick string) bool {
	chKey := e.mapping.Fold(channel)
	ch, ok := e.channels[chKey]
	if !ok {
		return false
	}
	key := e.mapping.Fold(nick)
	if _, ok := ch.display[key]; !ok {
		return false
	}
	delete(ch.display, key)
	delete(ch.status, key)
	if len(ch.display) == 0 {
		delete(e.channels, chKey)
	}
	return true
}

// RemoveEverywhere drops nick from every channel and returns the folded
// channel keys it was removed from.
func (e *Engine) RemoveEverywhere(nick string) []string {
	key := e.mapping.Fold(nick)
	var out []string
	for chKey, ch := range e.channels {
		if _, ok := ch.display[key]; !ok {
			continue
		}
		delete(ch.display, key)
		delete(ch.status, key)
		if len(ch.display) == 0 {
			delete(e.channels, chKey)
		}
		out = append(out, chKey)
	}
	sort.Strings(out)
	return out
}

// Rename moves nick entries to newNick in every channel, keeping status.
// It returns the folded keys of the channels touched.
func (e *Engine) Rename(oldNick, newNick string) []string {
	oldKey := e.mapping.Fold(oldNick)
	newKey := e.mapping.Fold(newNick)
	var out []string
	for chKey, ch := range e.channels {
		if _, ok := ch.display[oldKey]; !ok {
			continue
		}
		set := ch.status[oldKey]
		delete(ch.display, oldKey)
		delete(ch.status, oldKey)
		ch.display[newKey] = newNick
		if len(set) > 0 {
			ch.status[newKey] = set
		}
		out = append(out, chKey)
	}
	sort.Strings(out)
	return out
}

// Replace installs a full member list for channel, as produced by a roster
// snapshot. Entries carry status symbols.
func (e *Engine) Replace(channel string, members []string) {
	chKey := e.mapping.Fold(channel)
	delete(e.channels, chKey)
	if len(members) == 0 {
		return
	}
	ch := newChannelRoster(channel)
	for _, raw := range members {
		nick, modes := e.prefixes.Split(raw)
		if nick == "" {
			continue
		}
		e.put(ch, nick, modeSet(modes), true)
	}
	if len(ch.display) > 0 {
		e.channels[chKey] = ch
	}
}

// Clear forgets every member of channel.
func (e *Engine) Clear(channel string) {
	delete(e.channels, e.mapping.Fold(channel))
}

// ClearAll forgets every channel.
func (e *Engine) ClearAll() {
	e.channels = make(map[string]*channelRoster)
}

// Has reports whether nick is a member of channel.
func (e *Engine) Has(channel, nick string) bool {
	ch := e.lookup(channel)
	if ch == nil {
		return false
	}
	_, ok := ch.display[e.mapping.Fold(nick)]
	return ok
}

// Count returns the number of members in channel.
func (e *Engine) Count(channel string) int {
	ch := e.lookup(channel)
	if ch == nil {
		return 0
	}
	return len(ch.display)
}

// Channels returns the folded keys of channels with at least one member.
func (e *Engine) Channels() []string {
	out := make([]string, 0, len(e.channels))
	for k := range e.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Rebuild returns the display list for channel ordered by status rank, then
// folded nickname.
func (e *Engine) Rebuild(channel string) []string {
	ch := e.lookup(channel)
	if ch == nil {
		return []string{}
	}
	type row struct {
		key     string
		display string
		rank    int
	}
	rows := make([]row, 0, len(ch.display))
	for key, nick := range ch.display {
		mode, rank := e.prefixes.Highest(ch.status[key])
		display := nick
		if rank < e.prefixes.Len() {
			display = e.prefixes.Symbol(mode) + nick
		}
		rows = append(rows, row{key: key, display: display, rank: rank})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rank != rows[j].rank {
			return rows[i].rank < rows[j].rank
		}
		return rows[i].key < rows[j].key
	})
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.display
	}
	return out
}

// Status returns the status modes of nick in channel as a sorted string.
func (e *Engine) Status(channel, nick string) string {
	ch := e.lookup(channel)
	if ch == nil {
		return ""
	}
	set := ch.status[e.mapping.Fold(nick)]
	modes := make([]byte, 0, len(set))
	for m := range set {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool {
		return e.prefixes.Rank(modes[i]) < e.prefixes.Rank(modes[j])
	})
	return strings.TrimSpace(string(modes))
}
