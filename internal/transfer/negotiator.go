package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/observability"
	"github.com/danmuck/ircmux/internal/state"
)

var (
	ErrUnknownOffer   = errors.New("transfer: unknown offer")
	ErrUnknownSession = errors.New("transfer: unknown session")
	ErrClosed         = errors.New("transfer: negotiator closed")
	ErrPassiveTimeout = errors.New("transfer: passive reply timed out")
	ErrNoListenPort   = errors.New("transfer: no free port in range")
	ErrNotChat        = errors.New("transfer: session is not a chat")
	ErrChatPending    = errors.New("transfer: chat peer has not connected")
	ErrIncomplete     = errors.New("transfer: peer closed before transfer completed")
)

// Sender delivers CTCP requests over the owning network connection.
type Sender interface {
	CTCP(ctx context.Context, network, target, payload string) error
}

type inboundOffer struct {
	id      string
	network string
	peer    string
	payload Payload
}

// activeSession is one transfer or chat between negotiation and its
// terminal outcome.
type activeSession struct {
	id        string
	network   string
	peer      string
	filename  string
	kind      state.OfferKind
	direction state.Direction
	token     string
	cancel    context.CancelFunc

	mu   sync.Mutex
	conn net.Conn

	lastProgress time.Time
	endOnce      sync.Once
}

func (s *activeSession) setConn(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

func (s *activeSession) getConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Negotiator owns DCC offers, passive-send correlation and the peer sockets
// of every transfer and chat session.
type Negotiator struct {
	cfg     Config
	store   *state.Store
	sender  Sender
	pending *pendingTable
	now     func() time.Time

	mu       sync.Mutex
	offers   map[string]*inboundOffer
	sessions map[string]*activeSession
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewNegotiator(cfg Config, store *state.Store, sender Sender) *Negotiator {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		pending:  newPendingTable(cfg.TokenMemory),
		now:      time.Now,
		offers:   make(map[string]*inboundOffer),
		sessions: make(map[string]*activeSession),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// IsDCC reports whether a CTCP payload belongs to the negotiator.
func IsDCC(payload string) bool {
	return len(payload) >= 4 && strings.EqualFold(payload[:4], "DCC ")
}

// HandleCTCP consumes an inbound CTCP DCC request. A reply to a pending
// passive send completes that send; anything else becomes an offer. It
// reports false for payloads that are not DCC.
func (n *Negotiator) HandleCTCP(network, from, payload string) bool {
	if !IsDCC(payload) {
		return false
	}
	p, err := ParseDCC(payload)
	if err != nil {
		log.Warn().Str("network", network).Str("peer", from).Err(err).Msg("transfer.Negotiator.HandleCTCP malformed")
		n.store.Update(func(st *state.State) {
			st.ErrorLine(network, fmt.Sprintf("Ignored malformed DCC request from %s", from))
		})
		return true
	}
	now := n.now()
	if p.Type == TypeSend && !p.Passive() {
		if pend, ok := n.pending.match(network, from, p, now); ok {
			log.Info().Str("network", network).Str("peer", from).Str("file", pend.filename).Msg("transfer.Negotiator.HandleCTCP passive reply")
			pend.reply <- p
			return true
		}
		if p.Token != "" && n.pending.wasConsumed(p.Token, now) {
			log.Debug().Str("network", network).Str("peer", from).Msg("transfer.Negotiator.HandleCTCP dropped late reply")
			return true
		}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return true
	}
	off := &inboundOffer{id: uuid.NewString(), network: network, peer: from, payload: p}
	n.offers[off.id] = off
	n.mu.Unlock()

	kind := state.OfferFile
	text := fmt.Sprintf("%s offers %s (%s)", from, p.Filename, formatSize(p.Size))
	if p.Type == TypeChat {
		kind = state.OfferChat
		text = fmt.Sprintf("%s requests a DCC chat", from)
	}
	n.store.Update(func(st *state.State) {
		st.Offers[off.id] = &state.Offer{
			ID:         off.id,
			Network:    network,
			Peer:       from,
			Kind:       kind,
			Filename:   p.Filename,
			Size:       p.Size,
			Host:       p.Addr.String(),
			Port:       p.Port,
			Token:      p.Token,
			Passive:    p.Passive(),
			ReceivedAt: now,
		}
		st.Status(network, text)
	})
	log.Info().Str("network", network).Str("peer", from).Str("kind", string(kind)).Bool("passive", p.Passive()).Msg("transfer.Negotiator.HandleCTCP offer")
	return true
}

// SendFile offers path to peer and returns the transfer id. Negotiation and
// streaming continue in the background.
func (n *Negotiator) SendFile(ctx context.Context, network, peer, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", lifecycle.Errorf(lifecycle.KindTransfer, network, "send_file", err)
	}
	if info.IsDir() {
		return "", lifecycle.Errorf(lifecycle.KindTransfer, network, "send_file", fmt.Errorf("transfer: %s is a directory", path))
	}
	sess := &activeSession{
		id:        uuid.NewString(),
		network:   network,
		peer:      peer,
		filename:  filepath.Base(path),
		kind:      state.OfferFile,
		direction: state.DirectionSend,
	}
	size := info.Size()
	sctx, err := n.register(sess)
	if err != nil {
		return "", lifecycle.Errorf(lifecycle.KindTransfer, network, "send_file", err)
	}
	n.track(sess, path, size)

	if n.cfg.Mode == ModeActive {
		if err := n.startActiveSend(ctx, sctx, sess, path, size); err != nil {
			return sess.id, lifecycle.Errorf(lifecycle.KindTransfer, network, "send_file", err)
		}
		return sess.id, nil
	}

	sess.token = uuid.NewString()
	pend := &pendingSend{
		token:    sess.token,
		network:  network,
		peer:     peer,
		filename: sess.filename,
		size:     size,
		created:  n.now(),
		reply:    make(chan Payload, 1),
	}
	n.pending.add(pend)
	offer := Payload{Type: TypeSend, Filename: sess.filename, Addr: n.advertiseFallback(), Port: 0, Size: size, Token: sess.token}
	if err := n.sender.CTCP(ctx, network, peer, offer.String()); err != nil {
		n.pending.take(sess.token, n.now())
		n.endSession(sess, state.TransferError, 0, err)
		return sess.id, lifecycle.Errorf(lifecycle.KindTransfer, network, "send_file", err)
	}
	log.Info().Str("network", network).Str("peer", peer).Str("file", sess.filename).Msg("transfer.Negotiator.SendFile passive offer")
	n.spawn(func() { n.awaitPassive(sctx, sess, pend, path, size) })
	return sess.id, nil
}

func (n *Negotiator) startActiveSend(ctx, sctx context.Context, sess *activeSession, path string, size int64) error {
	ln, addr, port, err := n.listen(sctx)
	if err != nil {
		n.endSession(sess, state.TransferError, 0, err)
		return err
	}
	offer := Payload{Type: TypeSend, Filename: sess.filename, Addr: addr, Port: port, Size: size}
	if err := n.sender.CTCP(ctx, sess.network, sess.peer, offer.String()); err != nil {
		_ = ln.Close()
		n.endSession(sess, state.TransferError, 0, err)
		return err
	}
	log.Info().Str("network", sess.network).Str("peer", sess.peer).Int("port", port).Msg("transfer.Negotiator.SendFile active offer")
	n.spawn(func() {
		conn, err := acceptWithin(sctx, ln, n.cfg.AcceptTimeout)
		if err != nil {
			n.endSession(sess, statusFor(sctx, err), 0, err)
			return
		}
		n.runSend(sctx, sess, conn, path, size)
	})
	return nil
}

// awaitPassive waits for the peer's endpoint. The wait is bounded; in auto
// mode a timeout falls back to an active offer.
func (n *Negotiator) awaitPassive(ctx context.Context, sess *activeSession, pend *pendingSend, path string, size int64) {
	timer := time.NewTimer(n.cfg.PassiveTimeout)
	defer timer.Stop()

	var reply Payload
	select {
	case reply = <-pend.reply:
	case <-ctx.Done():
		n.pending.take(pend.token, n.now())
		n.endSession(sess, state.TransferCancelled, 0, ctx.Err())
		return
	case <-timer.C:
		if n.pending.take(pend.token, n.now()) {
			if n.cfg.Mode == ModeAuto {
				log.Info().Str("network", sess.network).Str("peer", sess.peer).Msg("transfer.Negotiator.awaitPassive falling back to active")
				_ = n.startActiveSend(ctx, ctx, sess, path, size)
				return
			}
			n.endSession(sess, state.TransferError, 0, ErrPassiveTimeout)
			return
		}
		// matched or cancelled while the timer fired
		select {
		case reply = <-pend.reply:
		case <-ctx.Done():
			n.endSession(sess, state.TransferCancelled, 0, ctx.Err())
			return
		}
	}

	dctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", reply.Endpoint())
	if err != nil {
		n.endSession(sess, statusFor(ctx, err), 0, err)
		return
	}
	n.runSend(ctx, sess, conn, path, size)
}

// Accept takes an inbound offer and returns the session id.
func (n *Negotiator) Accept(ctx context.Context, offerID string) (string, error) {
	n.mu.Lock()
	off, ok := n.offers[offerID]
	delete(n.offers, offerID)
	n.mu.Unlock()
	if !ok {
		return "", lifecycle.Errorf(lifecycle.KindTransfer, "", "accept", ErrUnknownOffer)
	}
	n.store.Update(func(st *state.State) { delete(st.Offers, offerID) })

	p := off.payload
	sess := &activeSession{
		id:        off.id,
		network:   off.network,
		peer:      off.peer,
		filename:  p.Filename,
		kind:      state.OfferFile,
		direction: state.DirectionReceive,
		token:     p.Token,
	}
	if p.Type == TypeChat {
		sess.kind = state.OfferChat
		sess.filename = ""
	}
	sctx, err := n.register(sess)
	if err != nil {
		return "", lifecycle.Errorf(lifecycle.KindTransfer, off.network, "accept", err)
	}
	n.track(sess, "", p.Size)

	connect := func() (net.Conn, error) {
		dctx, cancel := context.WithTimeout(sctx, n.cfg.ConnectTimeout)
		defer cancel()
		var d net.Dialer
		return d.DialContext(dctx, "tcp", p.Endpoint())
	}
	if p.Passive() {
		ln, addr, port, err := n.listen(sctx)
		if err != nil {
			n.endSession(sess, state.TransferError, 0, err)
			return sess.id, lifecycle.Errorf(lifecycle.KindTransfer, off.network, "accept", err)
		}
		reply := p
		reply.Addr = addr
		reply.Port = port
		if err := n.sender.CTCP(ctx, off.network, off.peer, reply.String()); err != nil {
			_ = ln.Close()
			n.endSession(sess, state.TransferError, 0, err)
			return sess.id, lifecycle.Errorf(lifecycle.KindTransfer, off.network, "accept", err)
		}
		connect = func() (net.Conn, error) {
			return acceptWithin(sctx, ln, n.cfg.AcceptTimeout)
		}
	}

	log.Info().Str("network", off.network).Str("peer", off.peer).Str("kind", string(sess.kind)).Bool("passive", p.Passive()).Msg("transfer.Negotiator.Accept")
	n.spawn(func() {
		conn, err := connect()
		if err != nil {
			n.endSession(sess, statusFor(sctx, err), 0, err)
			return
		}
		if sess.kind == state.OfferChat {
			n.runChat(sctx, sess, conn)
			return
		}
		n.runReceive(sctx, sess, conn, p.Size)
	})
	return sess.id, nil
}

// Reject drops an inbound offer. Inbound tokens belong to the peer, so
// pending sends of ours are left alone.
func (n *Negotiator) Reject(offerID string) error {
	n.mu.Lock()
	off, ok := n.offers[offerID]
	delete(n.offers, offerID)
	n.mu.Unlock()
	if !ok {
		return lifecycle.Errorf(lifecycle.KindTransfer, "", "reject", ErrUnknownOffer)
	}
	n.store.Update(func(st *state.State) {
		delete(st.Offers, offerID)
		st.Status(off.network, fmt.Sprintf("Rejected DCC %s from %s", strings.ToLower(off.payload.Type), off.peer))
	})
	return nil
}

// StartChat offers a direct chat to peer and returns the session id.
func (n *Negotiator) StartChat(ctx context.Context, network, peer string) (string, error) {
	sess := &activeSession{
		id:        uuid.NewString(),
		network:   network,
		peer:      peer,
		kind:      state.OfferChat,
		direction: state.DirectionSend,
	}
	sctx, err := n.register(sess)
	if err != nil {
		return "", lifecycle.Errorf(lifecycle.KindTransfer, network, "start_chat", err)
	}
	n.track(sess, "", 0)
	ln, addr, port, err := n.listen(sctx)
	if err != nil {
		n.endSession(sess, state.TransferError, 0, err)
		return sess.id, lifecycle.Errorf(lifecycle.KindTransfer, network, "start_chat", err)
	}
	offer := Payload{Type: TypeChat, Filename: "chat", Addr: addr, Port: port}
	if err := n.sender.CTCP(ctx, network, peer, offer.String()); err != nil {
		_ = ln.Close()
		n.endSession(sess, state.TransferError, 0, err)
		return sess.id, lifecycle.Errorf(lifecycle.KindTransfer, network, "start_chat", err)
	}
	n.chatLine(sess, state.MsgStatus, "", fmt.Sprintf("Waiting for %s to accept the chat", peer))
	n.spawn(func() {
		conn, err := acceptWithin(sctx, ln, n.cfg.AcceptTimeout)
		if err != nil {
			n.endSession(sess, statusFor(sctx, err), 0, err)
			return
		}
		n.runChat(sctx, sess, conn)
	})
	return sess.id, nil
}

// Cancel ends a session. A pending passive token is consumed so a late
// reply cannot restart it.
func (n *Negotiator) Cancel(sessionID string) error {
	sess := n.session(sessionID)
	if sess == nil {
		return lifecycle.Errorf(lifecycle.KindTransfer, "", "cancel", ErrUnknownSession)
	}
	if sess.token != "" && sess.direction == state.DirectionSend {
		n.pending.take(sess.token, n.now())
	}
	n.endSession(sess, state.TransferCancelled, -1, nil)
	return nil
}

// Close cancels every session and waits for their tasks.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	sessions := make([]*activeSession, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()
	for _, s := range sessions {
		n.endSession(s, state.TransferCancelled, -1, nil)
	}
	n.cancel()
	n.wg.Wait()
	return nil
}

// PendingPassive returns the number of passive sends waiting for a reply.
func (n *Negotiator) PendingPassive() int {
	return n.pending.len()
}

func (n *Negotiator) session(id string) *activeSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[id]
}

func (n *Negotiator) register(sess *activeSession) (context.Context, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(n.baseCtx)
	sess.cancel = cancel
	n.sessions[sess.id] = sess
	return ctx, nil
}

func (n *Negotiator) spawn(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Negotiator) track(sess *activeSession, path string, size int64) {
	now := n.now()
	n.store.Update(func(st *state.State) {
		st.Transfers[sess.id] = &state.Transfer{
			ID:        sess.id,
			Network:   sess.network,
			Peer:      sess.peer,
			Kind:      sess.kind,
			Direction: sess.direction,
			Filename:  sess.filename,
			Path:      path,
			Size:      size,
			Status:    state.TransferPending,
			Started:   now,
			Updated:   now,
		}
	})
}

// setTransfer edits a non-terminal transfer record.
func (n *Negotiator) setTransfer(id string, fn func(*state.Transfer)) {
	now := n.now()
	n.store.Update(func(st *state.State) {
		t, ok := st.Transfers[id]
		if !ok || t.Status.Terminal() {
			return
		}
		fn(t)
		t.Updated = now
	})
}

func (n *Negotiator) progress(sess *activeSession, bytes int64, force bool) {
	now := n.now()
	if !force && now.Sub(sess.lastProgress) < n.cfg.ProgressInterval {
		return
	}
	sess.lastProgress = now
	n.setTransfer(sess.id, func(t *state.Transfer) {
		t.Bytes = bytes
	})
}

// endSession records the terminal outcome of sess exactly once. bytes < 0
// keeps the last reported progress.
func (n *Negotiator) endSession(sess *activeSession, status state.TransferStatus, bytes int64, cause error) {
	sess.endOnce.Do(func() {
		n.mu.Lock()
		delete(n.sessions, sess.id)
		n.mu.Unlock()
		if sess.cancel != nil {
			sess.cancel()
		}
		if c := sess.getConn(); c != nil {
			_ = c.Close()
		}

		var final state.Transfer
		now := n.now()
		n.store.Update(func(st *state.State) {
			t, ok := st.Transfers[sess.id]
			if !ok || t.Status.Terminal() {
				return
			}
			t.Status = status
			if bytes >= 0 {
				t.Bytes = bytes
			}
			if cause != nil && status != state.TransferCancelled {
				t.Error = cause.Error()
			}
			t.Updated = now
			final = *t
			text := outcomeText(final)
			if sess.kind == state.OfferChat {
				st.Append(st.Buffer(sess.network, chatBuffer(sess.peer)), state.Message{Kind: state.MsgStatus, Text: text}, false)
			} else {
				st.Status(sess.network, text)
			}
		})
		observability.RecordTransferOutcome(string(sess.kind), string(sess.direction), string(status))
		ev := log.Info()
		if status == state.TransferError {
			ev = log.Warn().Err(cause)
		}
		ev.Str("network", sess.network).Str("peer", sess.peer).Str("session", sess.id).
			Str("status", string(status)).Int64("bytes", final.Bytes).Msg("transfer.Negotiator.endSession")
	})
}

func outcomeText(t state.Transfer) string {
	if t.Kind == state.OfferChat {
		switch t.Status {
		case state.TransferError:
			return fmt.Sprintf("Chat with %s failed: %s", t.Peer, t.Error)
		case state.TransferCancelled:
			return fmt.Sprintf("Chat with %s cancelled", t.Peer)
		default:
			return fmt.Sprintf("Chat with %s closed", t.Peer)
		}
	}
	verb := "Sending"
	prep := "to"
	if t.Direction == state.DirectionReceive {
		verb = "Receiving"
		prep = "from"
	}
	switch t.Status {
	case state.TransferDone:
		return fmt.Sprintf("%s %s %s %s complete (%s)", verb, t.Filename, prep, t.Peer, formatSize(t.Bytes))
	case state.TransferCancelled:
		return fmt.Sprintf("%s %s %s %s cancelled after %s", verb, t.Filename, prep, t.Peer, formatSize(t.Bytes))
	default:
		return fmt.Sprintf("%s %s %s %s failed after %s: %s", verb, t.Filename, prep, t.Peer, formatSize(t.Bytes), t.Error)
	}
}

func formatSize(n int64) string {
	if n < 0 {
		return "unknown size"
	}
	return strconv.FormatInt(n, 10) + " bytes"
}

func chatBuffer(peer string) string {
	return "=" + peer
}

// statusFor maps a failure to cancelled when the session context ended it.
func statusFor(ctx context.Context, err error) state.TransferStatus {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return state.TransferCancelled
	}
	return state.TransferError
}

// listen opens a listener inside the configured port range and returns the
// address to announce.
func (n *Negotiator) listen(ctx context.Context) (net.Listener, netip.Addr, int, error) {
	var lc net.ListenConfig
	var ln net.Listener
	var err error
	if n.cfg.PortMin == 0 && n.cfg.PortMax == 0 {
		ln, err = lc.Listen(ctx, "tcp", net.JoinHostPort(n.cfg.BindHost, "0"))
	} else {
		lo, hi := n.cfg.PortMin, n.cfg.PortMax
		if lo == 0 {
			lo = 1024
		}
		if hi == 0 {
			hi = lo
		}
		err = ErrNoListenPort
		for port := lo; port <= hi; port++ {
			ln, err = lc.Listen(ctx, "tcp", net.JoinHostPort(n.cfg.BindHost, strconv.Itoa(port)))
			if err == nil {
				break
			}
		}
		if err != nil {
			err = fmt.Errorf("%w %d-%d: %v", ErrNoListenPort, lo, hi, err)
		}
	}
	if err != nil {
		return nil, netip.Addr{}, 0, err
	}
	local, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, netip.Addr{}, 0, fmt.Errorf("transfer: unexpected listener address %s", ln.Addr())
	}
	addr := n.advertise(local.AddrPort().Addr())
	return ln, addr, local.Port, nil
}

func (n *Negotiator) advertise(bound netip.Addr) netip.Addr {
	if n.cfg.AdvertiseHost != "" {
		if a, err := netip.ParseAddr(n.cfg.AdvertiseHost); err == nil {
			return a.Unmap()
		}
		log.Warn().Str("advertise_host", n.cfg.AdvertiseHost).Msg("transfer.Negotiator.advertise invalid address")
	}
	bound = bound.Unmap()
	if !bound.IsValid() || bound.IsUnspecified() {
		if bound.Is6() && !bound.Is4In6() {
			return netip.IPv6Loopback()
		}
		return netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return bound
}

// advertiseFallback is the address announced with passive offers, where no
// listener exists.
func (n *Negotiator) advertiseFallback() netip.Addr {
	return n.advertise(netip.Addr{})
}

// acceptWithin returns the first connection on ln and closes ln.
func acceptWithin(ctx context.Context, ln net.Listener, timeout time.Duration) (net.Conn, error) {
	defer ln.Close()
	if tl, ok := ln.(*net.TCPListener); ok && timeout > 0 {
		_ = tl.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}
