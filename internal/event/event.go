// Package event defines the typed events a protocol engine emits for one
// network connection.
package event

import "time"

// Meta is carried by every event.
type Meta struct {
	// Time is the server time of the event, or receive time when the server
	// did not tag it.
	Time time.Time
	// History marks replayed events (bouncer playback, chathistory).
	History bool
	// ID is the server message id when available.
	ID   string
	Tags map[string]string
}

// Event is one protocol event.
type Event interface {
	EventMeta() Meta
}

func (m Meta) EventMeta() Meta { return m }

// Stamp returns a Meta for a live event received now.
func Stamp(now time.Time) Meta {
	return Meta{Time: now}
}

// Phase is the lifecycle phase reported alongside a status change.
type Phase int

const (
	PhaseUnchanged Phase = iota
	PhaseDisconnected
	PhaseConnecting
)

// StatusChanged is a human-readable lifecycle status for the server buffer.
type StatusChanged struct {
	Meta
	Status string
	Phase  Phase
}

type Connected struct {
	Meta
	Nick   string
	Server string
}

type Disconnected struct {
	Meta
	Reason string
}

type Error struct {
	Meta
	Text string
}

// ServerText is a numeric or server notice destined for the server buffer.
type ServerText struct {
	Meta
	Code    string
	Text    string
	IsError bool
	// Fatal marks errors that end the current connection attempt.
	Fatal bool
}

type Join struct {
	Meta
	Nick    string
	Channel string
}

type Part struct {
	Meta
	Nick    string
	Channel string
	Reason  string
}

type Kick struct {
	Meta
	By      string
	Nick    string
	Channel string
	Reason  string
}

type Quit struct {
	Meta
	Nick   string
	Reason string
}

type Topic struct {
	Meta
	Channel string
	Topic   string
	By      string
}

// Mode is a channel or user mode change. Args are consumed by modes that
// take parameters, in order.
type Mode struct {
	Meta
	By     string
	Target string
	Modes  string
	Args   []string
}

// ChannelModeIs reports the full mode string of a channel (RPL_CHANNELMODEIS).
type ChannelModeIs struct {
	Meta
	Channel string
	Modes   string
}

// NamesReply is one partial roster frame.
type NamesReply struct {
	Meta
	Channel string
	Members []string
}

// NamesEnd terminates a roster snapshot.
type NamesEnd struct {
	Meta
	Channel string
}

// ListEntry is one ban-style list entry; Kind is the list mode (b, e, I).
type ListEntry struct {
	Meta
	Channel string
	Kind    byte
	Mask    string
	SetBy   string
	SetAt   time.Time
}

type ListEnd struct {
	Meta
	Channel string
	Kind    byte
}

type Message struct {
	Meta
	From   string
	Target string
	Text   string
	Notice bool
	Action bool
}

type CTCPRequest struct {
	Meta
	From    string
	Target  string
	Command string
	Args    string
}

type CTCPReply struct {
	Meta
	From    string
	Command string
	Args    string
}

// Support carries ISUPPORT tokens. A token with a leading '-' is negated.
type Support struct {
	Meta
	Tokens map[string]string
}

type NickChange struct {
	Meta
	Old string
	New string
}

type Latency struct {
	Meta
	RTT time.Duration
}

type OperStatus struct {
	Meta
	Oper bool
}

// Name returns a short lowercase name for ev, used for metrics and logs.
func Name(ev Event) string {
	switch ev.(type) {
	case StatusChanged:
		return "status"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	case ServerText:
		return "server_text"
	case Join:
		return "join"
	case Part:
		return "part"
	case Kick:
		return "kick"
	case Quit:
		return "quit"
	case Topic:
		return "topic"
	case Mode:
		return "mode"
	case ChannelModeIs:
		return "channel_mode"
	case NamesReply:
		return "names"
	case NamesEnd:
		return "names_end"
	case ListEntry:
		return "list"
	case ListEnd:
		return "list_end"
	case Message:
		return "message"
	case CTCPRequest:
		return "ctcp"
	case CTCPReply:
		return "ctcp_reply"
	case Support:
		return "support"
	case NickChange:
		return "nick"
	case Latency:
		return "latency"
	case OperStatus:
		return "oper"
	default:
		return "unknown"
	}
}
