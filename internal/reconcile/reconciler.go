package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/network"
	"github.com/danmuck/ircmux/internal/observability"
	"github.com/danmuck/ircmux/internal/state"
)

// Reconciler applies protocol events to the state store.
type Reconciler struct {
	store *state.Store
	opts  Options
}

func New(store *state.Store, opts Options) *Reconciler {
	return &Reconciler{store: store, opts: opts.WithDefaults()}
}

// Apply folds ev into state for networkID. rt is the runtime that produced
// the event and may be nil for synthetic events. A failure while applying
// one event is reported as an error line and never propagates.
func (r *Reconciler) Apply(networkID string, rt *network.Runtime, ev event.Event) {
	if ev == nil {
		return
	}
	r.store.Update(func(st *state.State) {
		r.ApplyLocked(st, networkID, rt, ev)
	})
}

// ApplyLocked is Apply for callers already inside a store update.
func (r *Reconciler) ApplyLocked(st *state.State, networkID string, rt *network.Runtime, ev event.Event) {
	defer func() {
		if p := recover(); p != nil {
			observability.RecordReconcileFailure(networkID)
			log.Error().
				Str("network", networkID).
				Str("event", event.Name(ev)).
				Interface("panic", p).
				Msg("reconcile.Reconciler.apply recovered")
			st.ErrorLine(networkID, fmt.Sprintf("failed to apply %s event: %v", event.Name(ev), p))
		}
	}()
	observability.RecordEventApplied(networkID, event.Name(ev))
	a := applier{r: r, st: st, id: networkID, n: st.Network(networkID), rt: rt, now: r.opts.Now()}
	a.apply(ev)
}

// applier carries the per-event context.
type applier struct {
	r   *Reconciler
	st  *state.State
	id  string
	n   *state.Network
	rt  *network.Runtime
	now time.Time
}

func (a *applier) isSelf(nick string) bool {
	return nick != "" && a.n.Conn.Nick != "" && a.n.Fold(nick) == a.n.Fold(a.n.Conn.Nick)
}

// structural reports whether an event may change live structural state.
// Live events always may; replayed ones only when about the local user or
// recent enough.
func (a *applier) structural(meta event.Meta, self bool) bool {
	return self || a.r.live(meta, a.now)
}

// Live reports whether an event about another user may change live state:
// it is not replayed, or its timestamp is within the history window.
func (r *Reconciler) Live(meta event.Meta) bool {
	return r.live(meta, r.opts.Now())
}

func (r *Reconciler) live(meta event.Meta, now time.Time) bool {
	if !meta.History {
		return true
	}
	if meta.Time.IsZero() {
		return false
	}
	d := now.Sub(meta.Time)
	if d < 0 {
		d = -d
	}
	return d <= r.opts.HistoryWindow
}

func (a *applier) support() *network.Support {
	if a.rt != nil {
		return &a.rt.Support
	}
	s := network.DefaultSupport()
	s.CaseMapping = a.n.Roster.Mapping()
	s.Prefixes = a.n.Roster.Prefixes()
	s.ChanTypes = a.n.ChanTypes
	return &s
}

func (a *applier) line(b *state.Buffer, meta event.Meta, kind state.MessageKind, from, text string, highlight bool) {
	a.st.Append(b, state.Message{
		ID:      meta.ID,
		Time:    meta.Time,
		Kind:    kind,
		From:    from,
		Text:    text,
		History: meta.History,
	}, highlight)
}

func (a *applier) setConn(cs state.ConnState) {
	a.n.Conn.State = cs
	observability.SetConnectionState(a.id, int(cs))
}

func (a *applier) apply(ev event.Event) {
	switch e := ev.(type) {
	case event.StatusChanged:
		a.statusChanged(e)
	case event.Connected:
		a.connected(e)
	case event.Disconnected:
		a.disconnected(e)
	case event.Error:
		a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgError, "", e.Text, false)
	case event.ServerText:
		kind := state.MsgServer
		if e.IsError {
			kind = state.MsgError
		}
		a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, kind, e.Code, e.Text, false)
	case event.Join:
		a.join(e)
	case event.Part:
		a.part(e)
	case event.Kick:
		a.kick(e)
	case event.Quit:
		a.quit(e)
	case event.Topic:
		a.topic(e)
	case event.Mode:
		a.mode(e)
	case event.ChannelModeIs:
		if a.structural(e.Meta, false) {
			a.st.Buffer(a.id, e.Channel).Modes = e.Modes
		}
	case event.NamesReply:
		a.namesReply(e)
	case event.NamesEnd:
		a.namesEnd(e)
	case event.ListEntry:
		a.listEntry(e)
	case event.ListEnd:
		a.listEnd(e)
	case event.Message:
		a.message(e)
	case event.CTCPRequest:
		text := strings.TrimSpace(e.Command + " " + e.Args)
		a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgCTCP, e.From, "CTCP "+text, false)
	case event.CTCPReply:
		text := strings.TrimSpace(e.Command + " " + e.Args)
		a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgCTCP, e.From, "CTCP reply "+text, false)
	case event.Support:
		a.supportTokens(e)
	case event.NickChange:
		a.nickChange(e)
	case event.Latency:
		a.n.Conn.Latency = e.RTT
	case event.OperStatus:
		a.n.Conn.Oper = e.Oper
	}
}

func (a *applier) statusChanged(e event.StatusChanged) {
	a.n.Conn.Status = e.Status
	switch e.Phase {
	case event.PhaseConnecting:
		a.setConn(state.Connecting)
	case event.PhaseDisconnected:
		a.setConn(state.Disconnected)
	}
	if e.Status != "" {
		a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgStatus, "", e.Status, false)
	}
}

func (a *applier) connected(e event.Connected) {
	a.setConn(state.Connected)
	a.n.Conn.Nick = e.Nick
	a.n.Conn.Status = "Connected"
	text := "Connected as " + e.Nick
	if e.Server != "" {
		text = fmt.Sprintf("Connected to %s as %s", e.Server, e.Nick)
	}
	a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgStatus, "", text, false)
}

func (a *applier) disconnected(e event.Disconnected) {
	if a.rt != nil {
		a.rt.MarkDisconnected()
	}
	a.setConn(state.Disconnected)
	a.n.Conn.Status = "Disconnected"
	a.n.Conn.Latency = 0
	a.n.Conn.Oper = false
	a.n.Roster.ClearAll()
	for _, b := range a.n.ChannelBuffers() {
		b.Joined = false
		a.n.SyncMembers(b)
	}
	for _, agg := range a.n.Lists {
		agg.Loading = false
	}
	text := "Disconnected"
	if e.Reason != "" {
		text += ": " + e.Reason
	}
	a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgStatus, "", text, false)
}

func (a *applier) join(e event.Join) {
	self := a.isSelf(e.Nick)
	b := a.st.Buffer(a.id, e.Channel)
	a.line(b, e.Meta, state.MsgJoin, e.Nick, e.Nick+" joined "+e.Channel, false)
	if !a.structural(e.Meta, self) {
		return
	}
	if self {
		// own join seeds the roster; the server's snapshot follows
		a.n.Roster.Clear(e.Channel)
		b.Joined = true
	}
	a.n.Roster.Upsert(e.Channel, e.Nick, nil)
	a.n.SyncMembers(b)
}

func (a *applier) part(e event.Part) {
	self := a.isSelf(e.Nick)
	structural := a.structural(e.Meta, self)
	if self && structural && !e.History {
		a.n.Roster.Clear(e.Channel)
		a.clearLists(e.Channel)
		a.st.CloseBuffer(a.id, e.Channel)
		a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgStatus, "", "Left "+e.Channel, false)
		return
	}
	b := a.st.Buffer(a.id, e.Channel)
	text := e.Nick + " left " + e.Channel
	if e.Reason != "" {
		text += " (" + e.Reason + ")"
	}
	a.line(b, e.Meta, state.MsgPart, e.Nick, text, false)
	if !structural {
		return
	}
	if self {
		a.n.Roster.Clear(e.Channel)
		b.Joined = false
	} else {
		a.n.Roster.Remove(e.Channel, e.Nick)
	}
	a.n.SyncMembers(b)
}

func (a *applier) kick(e event.Kick) {
	self := a.isSelf(e.Nick)
	b := a.st.Buffer(a.id, e.Channel)
	text := fmt.Sprintf("%s was kicked by %s", e.Nick, e.By)
	if e.Reason != "" {
		text += " (" + e.Reason + ")"
	}
	a.line(b, e.Meta, state.MsgKick, e.By, text, false)
	if !a.structural(e.Meta, self) {
		return
	}
	if self {
		a.n.Roster.Clear(e.Channel)
		a.clearLists(e.Channel)
		b.Joined = false
	} else {
		a.n.Roster.Remove(e.Channel, e.Nick)
	}
	a.n.SyncMembers(b)
}

func (a *applier) quit(e event.Quit) {
	self := a.isSelf(e.Nick)
	text := e.Nick + " quit"
	if e.Reason != "" {
		text += " (" + e.Reason + ")"
	}
	if q, ok := a.st.LookupBuffer(a.id, e.Nick); ok && q.Kind == state.KindQuery {
		a.line(q, e.Meta, state.MsgQuit, e.Nick, text, false)
	}
	if !a.structural(e.Meta, self) {
		return
	}
	if self {
		a.n.Roster.ClearAll()
		for _, b := range a.n.ChannelBuffers() {
			b.Joined = false
			a.n.SyncMembers(b)
		}
		return
	}
	touched := toSet(a.n.Roster.RemoveEverywhere(e.Nick))
	for _, b := range a.n.ChannelBuffers() {
		if _, ok := touched[a.n.Fold(b.Name)]; !ok {
			continue
		}
		a.line(b, e.Meta, state.MsgQuit, e.Nick, text, false)
		a.n.SyncMembers(b)
	}
}

func (a *applier) topic(e event.Topic) {
	b := a.st.Buffer(a.id, e.Channel)
	text := "Topic: " + e.Topic
	if e.By != "" {
		text = fmt.Sprintf("%s changed the topic to: %s", e.By, e.Topic)
	}
	a.line(b, e.Meta, state.MsgTopic, e.By, text, false)
	if !a.structural(e.Meta, a.isSelf(e.By)) {
		return
	}
	b.Topic = e.Topic
	b.TopicBy = e.By
}

func (a *applier) mode(e event.Mode) {
	sup := a.support()
	if !sup.IsChannel(e.Target) {
		a.userMode(e)
		return
	}
	b := a.st.Buffer(a.id, e.Target)
	text := strings.TrimSpace(fmt.Sprintf("%s sets mode %s %s", e.By, e.Modes, strings.Join(e.Args, " ")))
	a.line(b, e.Meta, state.MsgMode, e.By, text, false)
	if !a.structural(e.Meta, a.isSelf(e.By)) {
		return
	}
	flags := modeLetters(b.Modes)
	args := e.Args
	adding := true
	for i := 0; i < len(e.Modes); i++ {
		m := e.Modes[i]
		switch m {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}
		var arg string
		if sup.TakesParam(m, adding) && len(args) > 0 {
			arg, args = args[0], args[1:]
		}
		switch {
		case sup.Prefixes.IsMode(m):
			if arg == "" {
				continue
			}
			if adding {
				a.n.Roster.AddStatus(e.Target, arg, m)
			} else {
				a.n.Roster.RemoveStatus(e.Target, arg, m)
			}
		case sup.IsListMode(m):
			if arg == "" {
				continue
			}
			a.editList(e.Target, m, arg, e.By, e.Time, adding)
		default:
			if adding {
				flags[m] = struct{}{}
			} else {
				delete(flags, m)
			}
		}
	}
	b.Modes = formatModes(flags)
	a.n.SyncMembers(b)
}

func (a *applier) userMode(e event.Mode) {
	a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgMode, e.By,
		fmt.Sprintf("%s sets mode %s on %s", e.By, e.Modes, e.Target), false)
	if !a.isSelf(e.Target) {
		return
	}
	adding := true
	for i := 0; i < len(e.Modes); i++ {
		switch m := e.Modes[i]; m {
		case '+':
			adding = true
		case '-':
			adding = false
		case 'o', 'O':
			a.n.Conn.Oper = adding
		}
	}
}

func (a *applier) editList(channel string, kind byte, mask, by string, at time.Time, adding bool) {
	agg := a.n.List(channel, kind)
	out := agg.Entries[:0:0]
	for _, it := range agg.Entries {
		if it.Mask != mask {
			out = append(out, it)
		}
	}
	if adding {
		out = append(out, state.ListItem{Mask: mask, SetBy: by, SetAt: at})
	}
	agg.Entries = out
}

func (a *applier) clearLists(channel string) {
	folded := a.n.Fold(channel)
	for k := range a.n.Lists {
		if k.Channel == folded {
			delete(a.n.Lists, k)
		}
	}
}

func (a *applier) namesReply(e event.NamesReply) {
	if a.rt == nil {
		return
	}
	a.rt.Names.Add(network.PendingKey(e.Channel, 0), e.Channel, a.now, e.Members...)
}

func (a *applier) namesEnd(e event.NamesEnd) {
	var incoming []string
	if a.rt != nil {
		a.rt.Names.Prune(a.now)
		if agg, ok := a.rt.Names.Take(network.PendingKey(e.Channel, 0), a.now); ok {
			incoming = agg.Items
		}
	}
	current := a.n.Roster.Count(e.Channel)
	if !a.r.opts.Guard.Accept(current, len(incoming)) {
		observability.RecordSnapshotDiscarded(a.id)
		log.Debug().
			Str("network", a.id).
			Str("channel", e.Channel).
			Int("current", current).
			Int("incoming", len(incoming)).
			Msg("reconcile.Reconciler.namesEnd discarded shrinking snapshot")
		return
	}
	a.n.Roster.Replace(e.Channel, incoming)
	if b, ok := a.st.LookupBuffer(a.id, e.Channel); ok {
		a.n.SyncMembers(b)
	}
}

func (a *applier) listEntry(e event.ListEntry) {
	agg := a.n.List(e.Channel, e.Kind)
	agg.Loading = true
	if a.rt == nil {
		agg.Entries = append(agg.Entries, state.ListItem{Mask: e.Mask, SetBy: e.SetBy, SetAt: e.SetAt})
		return
	}
	a.rt.Lists.Add(network.PendingKey(e.Channel, e.Kind), e.Channel, a.now,
		state.ListItem{Mask: e.Mask, SetBy: e.SetBy, SetAt: e.SetAt})
}

func (a *applier) listEnd(e event.ListEnd) {
	agg := a.n.List(e.Channel, e.Kind)
	agg.Loading = false
	if a.rt == nil {
		return
	}
	a.rt.Lists.Prune(a.now)
	if pending, ok := a.rt.Lists.Take(network.PendingKey(e.Channel, e.Kind), a.now); ok {
		agg.Entries = pending.Items
		return
	}
	agg.Entries = nil
}

func (a *applier) message(e event.Message) {
	sup := a.support()
	fromSelf := a.isSelf(e.From)
	target := e.Target
	switch {
	case sup.IsChannel(target):
	case e.Notice && (e.From == "" || strings.Contains(e.From, ".")):
		target = state.ServerBuffer
	case fromSelf:
		// own message echoed or replayed: file it under the peer
	default:
		target = e.From
	}
	b := a.st.Buffer(a.id, target)
	kind := state.MsgPrivmsg
	switch {
	case e.Action:
		kind = state.MsgAction
	case e.Notice:
		kind = state.MsgNotice
	}
	highlight := false
	if !fromSelf && b.Kind != state.KindServer {
		highlight = b.Kind == state.KindQuery || a.mentions(e.Text)
	}
	a.line(b, e.Meta, kind, e.From, e.Text, highlight)
}

func (a *applier) mentions(text string) bool {
	nick := a.n.Conn.Nick
	if nick == "" {
		return false
	}
	return strings.Contains(a.n.Fold(text), a.n.Fold(nick))
}

func (a *applier) supportTokens(e event.Support) {
	sup := a.support()
	mappingChanged, prefixChanged := sup.Apply(e.Tokens)
	a.n.ChanTypes = sup.ChanTypes
	if prefixChanged {
		a.n.Roster.SetPrefixes(sup.Prefixes)
	}
	if mappingChanged {
		a.n.Roster.SetMapping(sup.CaseMapping)
		a.st.Rekey(a.id)
		log.Debug().
			Str("network", a.id).
			Str("casemapping", sup.CaseMapping.String()).
			Msg("reconcile.Reconciler.support refolded buffers")
	}
	if mappingChanged || prefixChanged {
		a.n.SyncAllMembers()
	}
}

func (a *applier) nickChange(e event.NickChange) {
	self := a.isSelf(e.Old)
	text := e.Old + " is now known as " + e.New
	if !a.structural(e.Meta, self) {
		if q, ok := a.st.LookupBuffer(a.id, e.Old); ok && q.Kind == state.KindQuery {
			a.line(q, e.Meta, state.MsgNick, e.Old, text, false)
		}
		return
	}
	touched := toSet(a.n.Roster.Rename(e.Old, e.New))
	for _, b := range a.n.ChannelBuffers() {
		if _, ok := touched[a.n.Fold(b.Name)]; !ok {
			continue
		}
		a.line(b, e.Meta, state.MsgNick, e.Old, text, false)
		a.n.SyncMembers(b)
	}
	if a.st.RenameBuffer(a.id, e.Old, e.New) {
		if q, ok := a.st.LookupBuffer(a.id, e.New); ok {
			a.line(q, e.Meta, state.MsgNick, e.Old, text, false)
		}
	}
	if self {
		a.n.Conn.Nick = e.New
		a.line(a.st.Buffer(a.id, state.ServerBuffer), e.Meta, state.MsgNick, e.Old, "You are now known as "+e.New, false)
	}
}

func toSet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// modeLetters parses the flag letters of a "+nt" style mode string.
func modeLetters(modes string) map[byte]struct{} {
	out := make(map[byte]struct{})
	if i := strings.IndexByte(modes, ' '); i >= 0 {
		modes = modes[:i]
	}
	for i := 0; i < len(modes); i++ {
		if modes[i] != '+' && modes[i] != '-' {
			out[modes[i]] = struct{}{}
		}
	}
	return out
}

func formatModes(flags map[byte]struct{}) string {
	if len(flags) == 0 {
		return ""
	}
	letters := make([]byte, 0, len(flags))
	for m := range flags {
		letters = append(letters, m)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return "+" + string(letters)
}
