// Package core wires the store, reconciler, lifecycle manager and transfer
// negotiator behind one intent surface.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/connectivity"
	"github.com/danmuck/ircmux/internal/credentials"
	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/ircwire"
	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/network"
	"github.com/danmuck/ircmux/internal/reconcile"
	"github.com/danmuck/ircmux/internal/roster"
	"github.com/danmuck/ircmux/internal/session"
	"github.com/danmuck/ircmux/internal/state"
	"github.com/danmuck/ircmux/internal/transfer"
)

var ErrUnknownBuffer = errors.New("core: buffer not found")

const (
	DefaultVersion = "ircmux"
	// ctcpReplyEvery gates automatic CTCP replies per peer.
	ctcpReplyEvery = 2 * time.Second
)

type Options struct {
	Session      session.Config
	Throttle     network.ThrottleConfig
	Transfer     transfer.Config
	Reconcile    reconcile.Options
	Retention    int
	Connectivity connectivity.Source
	Credentials  credentials.Store
	// Dialer defaults to the line-protocol dialer.
	Dialer  lifecycle.Dialer
	Version string
	Seed    int64
	Now     func() time.Time
}

// Client is the consumer-facing core.
type Client struct {
	profiles   *lifecycle.Profiles
	store      *state.Store
	reconciler *reconcile.Reconciler
	manager    *lifecycle.Manager
	negotiator *transfer.Negotiator
	version    string
	now        func() time.Time

	exitOnce sync.Once
	exitErr  error
}

func New(profiles *lifecycle.Profiles, opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dialer == nil {
		opts.Dialer = ircwire.NewDialer()
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Reconcile.Now == nil {
		opts.Reconcile.Now = opts.Now
	}
	store := state.NewStore(state.Options{Retention: opts.Retention, Now: opts.Now})
	c := &Client{
		profiles:   profiles,
		store:      store,
		reconciler: reconcile.New(store, opts.Reconcile),
		version:    opts.Version,
		now:        opts.Now,
	}
	c.manager = lifecycle.NewManager(profiles, opts.Dialer, c, lifecycle.Options{
		Session:      opts.Session,
		Throttle:     opts.Throttle,
		Connectivity: opts.Connectivity,
		Credentials:  opts.Credentials,
		Seed:         opts.Seed,
		Now:          opts.Now,
	})
	c.negotiator = transfer.NewNegotiator(opts.Transfer, store, c.manager)

	store.Update(func(st *state.State) {
		for _, id := range profiles.IDs() {
			st.Network(id)
		}
	})
	return c
}

// Apply routes one runtime event. DCC requests go to the negotiator, a few
// CTCP queries are answered, and everything else is reconciled into state.
func (c *Client) Apply(networkID string, rt *network.Runtime, ev event.Event) {
	if req, ok := ev.(event.CTCPRequest); ok {
		payload := req.Command
		if req.Args != "" {
			payload += " " + req.Args
		}
		// stale replayed DCC requests stay in the transcript only
		if transfer.IsDCC(payload) && !c.reconciler.Live(req.Meta) {
			c.reconciler.Apply(networkID, rt, ev)
			return
		}
		if c.negotiator.HandleCTCP(networkID, req.From, payload) {
			return
		}
		c.answerCTCP(networkID, rt, req)
	}
	c.reconciler.Apply(networkID, rt, ev)
}

func (c *Client) answerCTCP(networkID string, rt *network.Runtime, req event.CTCPRequest) {
	if rt == nil || req.Meta.History {
		return
	}
	var reply string
	switch req.Command {
	case "PING":
		reply = strings.TrimSpace("PING " + req.Args)
	case "VERSION":
		reply = "VERSION " + c.version
	case "TIME":
		reply = "TIME " + c.now().Format(time.RFC1123Z)
	case "CLIENTINFO":
		reply = "CLIENTINFO ACTION CLIENTINFO DCC PING TIME VERSION"
	default:
		return
	}
	if !rt.Throttle.Allow("ctcp:"+strings.ToLower(req.From), ctcpReplyEvery) {
		log.Debug().Str("network", networkID).Str("peer", req.From).Msg("core.Client.answerCTCP throttled")
		return
	}
	if err := rt.Conn.CTCPReply(req.From, reply); err != nil {
		log.Warn().Str("network", networkID).Str("peer", req.From).Err(err).Msg("core.Client.answerCTCP failed")
	}
}

// Start connects every network flagged for auto-connect. Configuration
// errors are returned; the rest are retried by the reconnect policy.
func (c *Client) Start(ctx context.Context) error {
	var errs []error
	for _, id := range c.profiles.IDs() {
		prof, ok := c.profiles.Profile(id)
		if !ok || !prof.AutoConnect {
			continue
		}
		if err := c.manager.Connect(ctx, id, false); err != nil {
			log.Warn().Str("network", id).Err(err).Msg("core.Client.Start connect failed")
			if lifecycle.KindOf(err) == lifecycle.KindConfiguration {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Client) Connect(ctx context.Context, id string) error {
	return c.manager.Connect(ctx, id, false)
}

func (c *Client) Disconnect(ctx context.Context, id string) error {
	return c.manager.Disconnect(ctx, id)
}

func (c *Client) Reconnect(ctx context.Context, id string) error {
	return c.manager.Reconnect(ctx, id)
}

func (c *Client) DisconnectAll(ctx context.Context) error {
	return c.manager.DisconnectAll(ctx)
}

// Exit clears every desired connection, disconnects all networks and ends
// transfer sessions. Later calls return the first result.
func (c *Client) Exit(ctx context.Context) error {
	c.exitOnce.Do(func() {
		err := c.manager.Close(ctx)
		c.exitErr = errors.Join(err, c.negotiator.Close())
		log.Info().Err(c.exitErr).Msg("core.Client.Exit done")
	})
	return c.exitErr
}

func (c *Client) SendRaw(ctx context.Context, id, line string) error {
	return c.manager.SendRaw(ctx, id, line)
}

func (c *Client) SendMessage(ctx context.Context, id, target, text string) error {
	if strings.TrimSpace(target) == "" {
		return lifecycle.Errorf(lifecycle.KindConfiguration, id, "send_message", ircwire.ErrMissingArgs)
	}
	return c.manager.Privmsg(ctx, id, target, text)
}

// Command runs user input in the context of target. Join and part travel
// through here as slash commands.
func (c *Client) Command(ctx context.Context, id, target, input string) error {
	return c.manager.SlashCommand(ctx, id, target, input)
}

// Select marks a buffer as viewed and clears its counters.
func (c *Client) Select(id, name string) error {
	if err := c.known(id, "select"); err != nil {
		return err
	}
	var ok bool
	c.store.Update(func(st *state.State) {
		ok = st.Select(st.Key(id, name))
	})
	if !ok {
		return lifecycle.Errorf(lifecycle.KindConfiguration, id, "select", fmt.Errorf("%w: %s", ErrUnknownBuffer, name))
	}
	return nil
}

// CloseBuffer removes a buffer. Closing a channel on a live connection
// also parts it.
func (c *Client) CloseBuffer(ctx context.Context, id, name string) error {
	if err := c.known(id, "close_buffer"); err != nil {
		return err
	}
	var channel bool
	var ok bool
	c.store.Update(func(st *state.State) {
		if b, found := st.LookupBuffer(id, name); found {
			channel = b.Kind == state.KindChannel
		}
		ok = st.CloseBuffer(id, name)
	})
	if !ok {
		return lifecycle.Errorf(lifecycle.KindConfiguration, id, "close_buffer", fmt.Errorf("%w: %s", ErrUnknownBuffer, name))
	}
	if channel && c.manager.Runtime(id) != nil {
		if err := c.manager.SendRaw(ctx, id, "PART "+name); err != nil {
			log.Debug().Str("network", id).Str("buffer", name).Err(err).Msg("core.Client.CloseBuffer part failed")
		}
	}
	return nil
}

func (c *Client) AcceptOffer(ctx context.Context, offerID string) (string, error) {
	return c.negotiator.Accept(ctx, offerID)
}

func (c *Client) RejectOffer(offerID string) error {
	return c.negotiator.Reject(offerID)
}

func (c *Client) SendFile(ctx context.Context, id, peer, path string) (string, error) {
	if err := c.known(id, "send_file"); err != nil {
		return "", err
	}
	return c.negotiator.SendFile(ctx, id, peer, path)
}

func (c *Client) StartChat(ctx context.Context, id, peer string) (string, error) {
	if err := c.known(id, "start_chat"); err != nil {
		return "", err
	}
	return c.negotiator.StartChat(ctx, id, peer)
}

func (c *Client) SendChatLine(sessionID, line string) error {
	return c.negotiator.SendChatLine(sessionID, line)
}

func (c *Client) CancelTransfer(sessionID string) error {
	return c.negotiator.Cancel(sessionID)
}

func (c *Client) Snapshot() *state.Snapshot {
	return c.store.Snapshot()
}

// Subscribe returns a channel signalled after each state change.
func (c *Client) Subscribe() (<-chan struct{}, func()) {
	return c.store.Subscribe()
}

// Buffer returns the published buffer name on network id.
func (c *Client) Buffer(id, name string) (state.Buffer, error) {
	if err := c.known(id, "buffer"); err != nil {
		return state.Buffer{}, err
	}
	view, ok := c.store.Snapshot().Network(id)
	if ok {
		if b, found := view.Buffer(name); found {
			return b, nil
		}
		// Published keys are folded; retry with the folded form.
		folded := roster.ParseMapping(view.Mapping).Fold(state.NormalizeTarget(name))
		if b, found := view.Buffer(folded); found {
			return b, nil
		}
	}
	return state.Buffer{}, lifecycle.Errorf(lifecycle.KindConfiguration, id, "buffer", fmt.Errorf("%w: %s", ErrUnknownBuffer, name))
}

// Networks returns the configured network ids.
func (c *Client) Networks() []string {
	return c.profiles.IDs()
}

func (c *Client) known(id, op string) error {
	if _, ok := c.profiles.Profile(id); !ok {
		return lifecycle.Errorf(lifecycle.KindConfiguration, id, op, lifecycle.ErrUnknownNetwork)
	}
	return nil
}

var (
	_ lifecycle.Sink   = (*Client)(nil)
	_ transfer.Sender = (*lifecycle.Manager)(nil)
)
