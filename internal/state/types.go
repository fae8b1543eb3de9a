package state

import (
	"fmt"
	"time"

	"github.com/danmuck/ircmux/internal/roster"
)

// ServerBuffer is the pseudo-buffer for server text and lifecycle status.
const ServerBuffer = "*server*"

// DefaultChanTypes is assumed until the server advertises CHANTYPES.
const DefaultChanTypes = "#&"

// DefaultRetention bounds the number of messages kept per buffer.
const DefaultRetention = 1000

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connection is the observable connection state of one network.
type Connection struct {
	State   ConnState     `json:"state"`
	Status  string        `json:"status"`
	Nick    string        `json:"nick"`
	Latency time.Duration `json:"latency"`
	Oper    bool          `json:"oper"`
}

// BufferKey identifies a buffer. Name is folded with the network's active
// case-folding rule, so two keys compare equal exactly when they denote the
// same target.
type BufferKey struct {
	Network string `json:"network"`
	Name    string `json:"name"`
}

func (k BufferKey) String() string {
	return fmt.Sprintf("%s/%s", k.Network, k.Name)
}

type BufferKind string

const (
	KindServer  BufferKind = "server"
	KindChannel BufferKind = "channel"
	KindQuery   BufferKind = "query"
	KindChat    BufferKind = "chat"
)

type MessageKind string

const (
	MsgPrivmsg MessageKind = "privmsg"
	MsgNotice  MessageKind = "notice"
	MsgAction  MessageKind = "action"
	MsgJoin    MessageKind = "join"
	MsgPart    MessageKind = "part"
	MsgKick    MessageKind = "kick"
	MsgQuit    MessageKind = "quit"
	MsgNick    MessageKind = "nick"
	MsgTopic   MessageKind = "topic"
	MsgMode    MessageKind = "mode"
	MsgServer  MessageKind = "server"
	MsgStatus  MessageKind = "status"
	MsgError   MessageKind = "error"
	MsgCTCP    MessageKind = "ctcp"
)

// counts reports whether kind contributes to unread counters.
func (k MessageKind) counts() bool {
	switch k {
	case MsgPrivmsg, MsgNotice, MsgAction:
		return true
	}
	return false
}

type Message struct {
	ID      string      `json:"id,omitempty"`
	Time    time.Time   `json:"time"`
	Kind    MessageKind `json:"kind"`
	From    string      `json:"from,omitempty"`
	Text    string      `json:"text"`
	History bool        `json:"history,omitempty"`
}

// Identity is the dedup key of a message: the server id when present, else a
// structural key.
func (m Message) Identity() string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%d|%s|%s|%s", m.Time.UnixNano(), m.Kind, m.From, m.Text)
}

// Buffer is one transcript. Messages is append-only below any length that
// has been published in a snapshot; edits that are not pure appends
// allocate a new slice.
type Buffer struct {
	Key        BufferKey  `json:"key"`
	Name       string     `json:"name"`
	Kind       BufferKind `json:"kind"`
	Messages   []Message  `json:"messages"`
	Unread     int        `json:"unread"`
	Highlights int        `json:"highlights"`
	Topic      string     `json:"topic,omitempty"`
	TopicBy    string     `json:"topic_by,omitempty"`
	Modes      string     `json:"modes,omitempty"`
	Members    []string   `json:"members,omitempty"`
	Joined     bool       `json:"joined"`

	seq uint64
}

type ListKey struct {
	Channel string
	Kind    byte
}

type ListItem struct {
	Mask  string    `json:"mask"`
	SetBy string    `json:"set_by,omitempty"`
	SetAt time.Time `json:"set_at,omitempty"`
}

// ListAggregate is a ban-style list (b, e, I) of one channel.
type ListAggregate struct {
	Channel string     `json:"channel"`
	Kind    string     `json:"kind"`
	Entries []ListItem `json:"entries"`
	Loading bool       `json:"loading"`
}

// Network is the mutable per-network state owned by the store.
type Network struct {
	ID        string
	Conn      Connection
	ChanTypes string
	Buffers   map[string]*Buffer
	Lists     map[ListKey]*ListAggregate
	Roster    *roster.Engine
}

type OfferKind string

const (
	OfferFile OfferKind = "file"
	OfferChat OfferKind = "chat"
)

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Offer is an inbound transfer or chat offer awaiting accept/reject.
type Offer struct {
	ID         string    `json:"id"`
	Network    string    `json:"network"`
	Peer       string    `json:"peer"`
	Kind       OfferKind `json:"kind"`
	Filename   string    `json:"filename,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Token      string    `json:"token,omitempty"`
	Passive    bool      `json:"passive"`
	ReceivedAt time.Time `json:"received_at"`
}

type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferConnecting TransferStatus = "connecting"
	TransferActive     TransferStatus = "active"
	TransferDone       TransferStatus = "done"
	TransferError      TransferStatus = "error"
	TransferCancelled  TransferStatus = "cancelled"
)

// Terminal reports whether no further progress can happen.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferDone, TransferError, TransferCancelled:
		return true
	}
	return false
}

// Transfer is a file transfer or direct chat session.
type Transfer struct {
	ID        string         `json:"id"`
	Network   string         `json:"network"`
	Peer      string         `json:"peer"`
	Kind      OfferKind      `json:"kind"`
	Direction Direction      `json:"direction"`
	Filename  string         `json:"filename,omitempty"`
	Path      string         `json:"path,omitempty"`
	Size      int64          `json:"size,omitempty"`
	Bytes     int64          `json:"bytes"`
	Status    TransferStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	Started   time.Time      `json:"started"`
	Updated   time.Time      `json:"updated"`
}
