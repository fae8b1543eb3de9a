package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/state"
)

// Conn is the command surface of one live protocol connection.
type Conn interface {
	Events() <-chan event.Event
	SendRaw(line string) error
	Privmsg(target, text string) error
	CTCP(target, payload string) error
	CTCPReply(target, payload string) error
	SlashCommand(target, input string) error
	// Quit attempts a graceful shutdown bounded by ctx.
	Quit(ctx context.Context, reason string) error
	// Close force-closes the socket.
	Close() error
}

const defaultPendingMaxAge = 60 * time.Second

// Runtime is the record of one connection attempt for one network. It is
// created on connect, replaced on reconnect, and never shared between
// networks. Support and the pending tables are only touched by the
// reconciler inside the store's update path.
type Runtime struct {
	ID         string
	Generation uint64
	Conn       Conn
	Started    time.Time

	Support  Support
	Names    *PendingTable[string]
	Lists    *PendingTable[state.ListItem]
	Throttle *Throttle

	cancel       context.CancelFunc
	done         chan struct{}
	closeOnce    sync.Once
	disconnected atomic.Bool
}

func NewRuntime(id string, generation uint64, conn Conn, throttle ThrottleConfig) *Runtime {
	return &Runtime{
		ID:         id,
		Generation: generation,
		Conn:       conn,
		Started:    time.Now(),
		Support:    DefaultSupport(),
		Names:      NewPendingTable[string](defaultPendingMaxAge),
		Lists:      NewPendingTable[state.ListItem](defaultPendingMaxAge),
		Throttle:   NewThrottle(throttle),
		done:       make(chan struct{}),
	}
}

// Bind attaches the cancel func of the runtime's event task.
func (r *Runtime) Bind(cancel context.CancelFunc) {
	r.cancel = cancel
}

// Done is closed when the event task exits.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// MarkDone signals that the event task has exited.
func (r *Runtime) MarkDone() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Cancel stops the event task.
func (r *Runtime) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// MarkDisconnected records that an explicit Disconnected event was seen.
func (r *Runtime) MarkDisconnected() {
	r.disconnected.Store(true)
}

// SawDisconnect reports whether an explicit Disconnected event was seen.
func (r *Runtime) SawDisconnect() bool {
	return r.disconnected.Load()
}
