package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/connectivity"
	"github.com/danmuck/ircmux/internal/credentials"
	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/network"
	"github.com/danmuck/ircmux/internal/observability"
	"github.com/danmuck/ircmux/internal/session"
)

const (
	StatusPlaintextDisabled = "Plaintext disabled"
	StatusWaitingForNetwork = "Waiting for network"
	StatusNetworkRemoved    = "Network removed"
)

// Sink receives every event of every runtime, in emission order per runtime.
type Sink interface {
	Apply(networkID string, rt *network.Runtime, ev event.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(networkID string, rt *network.Runtime, ev event.Event)

func (f SinkFunc) Apply(networkID string, rt *network.Runtime, ev event.Event) {
	f(networkID, rt, ev)
}

type Options struct {
	Session      session.Config
	Throttle     network.ThrottleConfig
	Connectivity connectivity.Source
	Credentials  credentials.Store
	// Seed drives backoff jitter; zero uses the clock.
	Seed int64
	Now  func() time.Time
}

// schedPhase is the reconnect state of one network.
type schedPhase int

const (
	phaseIdle schedPhase = iota
	phaseScheduled
	phaseAttempting
)

// record is the per-network lifecycle record. lock serializes lifecycle
// transitions; the remaining fields are guarded by Manager.mu.
type record struct {
	lock sync.Mutex

	runtime     *network.Runtime
	desired     bool
	manual      bool
	attempt     int
	phase       schedPhase
	schedCancel context.CancelFunc
	schedID     uint64
}

// Manager owns one runtime per configured network.
type Manager struct {
	profiles ProfileSource
	dialer   Dialer
	sink     Sink
	conn     connectivity.Source
	creds    credentials.Store
	cfg      session.Config
	throttle network.ThrottleConfig
	now      func() time.Time

	mu      sync.Mutex
	records  map[string]*record
	closed   bool
	schedSeq uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	generation atomic.Uint64
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	unsub      func()
}

func NewManager(profiles ProfileSource, dialer Dialer, sink Sink, opts Options) *Manager {
	if opts.Connectivity == nil {
		opts.Connectivity = connectivity.NewStatic(true)
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.None{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Throttle == (network.ThrottleConfig{}) {
		opts.Throttle = network.DefaultThrottleConfig()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		profiles:   profiles,
		dialer:     dialer,
		sink:       sink,
		conn:       opts.Connectivity,
		creds:      opts.Credentials,
		cfg:        opts.Session.WithDefaults(),
		throttle:   opts.Throttle,
		now:        opts.Now,
		records:    make(map[string]*record),
		rng:        rand.New(rand.NewSource(seed)),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	m.unsub = m.conn.Subscribe(m.OnConnectivityChanged)
	return m
}

func (m *Manager) record(id string) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		rec = &record{}
		m.records[id] = rec
	}
	return rec
}

func (m *Manager) emit(id string, rt *network.Runtime, ev event.Event) {
	m.sink.Apply(id, rt, ev)
}

func (m *Manager) status(id string, rt *network.Runtime, text string, phase event.Phase) {
	m.emit(id, rt, event.StatusChanged{Meta: event.Stamp(m.now()), Status: text, Phase: phase})
}

// Runtime returns the live runtime of id, or nil.
func (m *Manager) Runtime(id string) *network.Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return rec.runtime
	}
	return nil
}

// Desired reports whether id is desired-connected.
func (m *Manager) Desired(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return ok && rec.desired
}

// Attempt returns the tracked reconnect attempt counter of id.
func (m *Manager) Attempt(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return rec.attempt
	}
	return 0
}

func (m *Manager) isCurrent(id string, rt *network.Runtime) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return ok && rec.runtime == rt
}

// Connect brings id up. It is a no-op when a runtime already exists unless
// force is set. Insecure profiles are refused before any socket is opened;
// without connectivity the network is parked and handed to the scheduler.
func (m *Manager) Connect(ctx context.Context, id string, force bool) error {
	prof, ok := m.profiles.Profile(id)
	if !ok {
		return Errorf(KindConfiguration, id, "connect", ErrUnknownNetwork)
	}
	rec := m.record(id)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Errorf(KindConfiguration, id, "connect", ErrClosed)
	}
	rec.desired = true
	m.cancelSchedulerLocked(rec)
	m.mu.Unlock()

	rec.lock.Lock()
	defer rec.lock.Unlock()
	err := m.connectLocked(ctx, id, rec, prof, force)
	switch KindOf(err) {
	case KindConnectivity:
		m.schedule(id, false)
		return nil
	case KindTransport:
		m.schedule(id, false)
	}
	return err
}

// connectLocked runs with rec.lock held and never schedules.
func (m *Manager) connectLocked(ctx context.Context, id string, rec *record, prof Profile, force bool) error {
	m.mu.Lock()
	stale := rec.runtime
	m.mu.Unlock()
	if stale != nil && !force {
		return nil
	}

	if err := prof.TLS.ValidateClientTransport(); err != nil {
		m.mu.Lock()
		rec.desired = false
		m.mu.Unlock()
		observability.RecordConnectAttempt(id, "blocked")
		log.Warn().Str("network", id).Err(err).Msg("lifecycle.Manager.connect refused transport")
		status := StatusPlaintextDisabled
		if !errors.Is(err, session.ErrPlaintextDisabled) {
			status = "Transport configuration invalid: " + err.Error()
		}
		m.status(id, nil, status, event.PhaseDisconnected)
		return Errorf(KindConfiguration, id, "connect", err)
	}

	if !m.conn.Available() {
		observability.RecordConnectAttempt(id, "offline")
		m.status(id, nil, StatusWaitingForNetwork, event.PhaseDisconnected)
		return Errorf(KindConnectivity, id, "connect", ErrNoConnectivity)
	}

	if stale != nil {
		m.mu.Lock()
		if rec.runtime == stale {
			rec.runtime = nil
		}
		m.mu.Unlock()
		m.teardown(stale, "Reconnecting", true)
	}

	password := ""
	if prof.PasswordSecret != "" {
		secret, err := m.creds.Get(ctx, prof.PasswordSecret)
		if err != nil {
			observability.RecordConnectAttempt(id, "credentials")
			m.status(id, nil, "Password unavailable", event.PhaseDisconnected)
			return Errorf(KindConfiguration, id, "connect", err)
		}
		password = secret
	}

	m.status(id, nil, fmt.Sprintf("Connecting to %s", prof.Address()), event.PhaseConnecting)
	conn, err := m.dialer.Dial(ctx, DialRequest{Profile: prof, Password: password, Session: m.cfg})
	if err != nil {
		observability.RecordConnectAttempt(id, "error")
		if ctx.Err() != nil {
			return Errorf(KindTransport, id, "connect", err)
		}
		log.Warn().Str("network", id).Str("address", prof.Address()).Err(err).Msg("lifecycle.Manager.connect dial failed")
		m.status(id, nil, "Connection failed: "+err.Error(), event.PhaseDisconnected)
		return Errorf(KindTransport, id, "connect", err)
	}

	rt := network.NewRuntime(id, m.generation.Add(1), conn, m.throttle)
	taskCtx, cancel := context.WithCancel(m.baseCtx)
	rt.Bind(cancel)

	m.mu.Lock()
	rec.runtime = rt
	rec.attempt = 0
	rec.phase = phaseIdle
	m.mu.Unlock()

	observability.RecordConnectAttempt(id, "ok")
	log.Info().Str("network", id).Uint64("generation", rt.Generation).Msg("lifecycle.Manager.connect established")
	m.wg.Add(1)
	go m.runEvents(taskCtx, id, rt)
	return nil
}

// runEvents drains one runtime into the sink until the stream ends or the
// runtime is cancelled.
func (m *Manager) runEvents(ctx context.Context, id string, rt *network.Runtime) {
	defer m.wg.Done()
	defer rt.MarkDone()
	events := rt.Conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.streamEnded(id, rt)
				return
			}
			if !m.isCurrent(id, rt) {
				return
			}
			m.emit(id, rt, ev)
		}
	}
}

// streamEnded handles an event stream that closed without the manager
// asking for it.
func (m *Manager) streamEnded(id string, rt *network.Runtime) {
	if !m.isCurrent(id, rt) {
		return
	}
	if !rt.SawDisconnect() {
		m.emit(id, rt, event.Disconnected{Meta: event.Stamp(m.now()), Reason: "connection closed"})
	}
	_ = rt.Conn.Close()

	m.mu.Lock()
	rec := m.records[id]
	if rec == nil || rec.runtime != rt {
		m.mu.Unlock()
		return
	}
	rec.runtime = nil
	retry := rec.desired && !rec.manual && !m.closed
	m.mu.Unlock()

	log.Info().Str("network", id).Bool("retry", retry).Msg("lifecycle.Manager.streamEnded")
	if retry {
		m.schedule(id, false)
	}
}

// teardown stops a runtime's event task and force-closes its socket, after
// an optional graceful quit.
func (m *Manager) teardown(rt *network.Runtime, reason string, graceful bool) {
	if rt == nil {
		return
	}
	if graceful {
		qctx, cancel := context.WithTimeout(context.Background(), m.cfg.QuitTimeout)
		if err := rt.Conn.Quit(qctx, reason); err != nil {
			log.Debug().Str("network", rt.ID).Err(err).Msg("lifecycle.Manager.teardown quit failed")
		}
		cancel()
	}
	rt.Cancel()
	_ = rt.Conn.Close()
	select {
	case <-rt.Done():
	case <-time.After(m.cfg.QuitTimeout):
		log.Warn().Str("network", rt.ID).Msg("lifecycle.Manager.teardown event task did not exit")
	}
}

// Disconnect takes id down and clears its desired state so it is not
// reconnected.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	return m.disconnect(ctx, id, "Disconnected")
}

func (m *Manager) disconnect(ctx context.Context, id, reason string) error {
	rec := m.record(id)
	m.mu.Lock()
	rec.desired = false
	rec.manual = true
	m.cancelSchedulerLocked(rec)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		rec.manual = false
		m.mu.Unlock()
	}()

	rec.lock.Lock()
	defer rec.lock.Unlock()
	m.mu.Lock()
	rt := rec.runtime
	rec.runtime = nil
	rec.attempt = 0
	m.mu.Unlock()
	if rt == nil {
		return nil
	}
	m.teardown(rt, reason, true)
	m.emit(id, rt, event.Disconnected{Meta: event.Stamp(m.now()), Reason: reason})
	log.Info().Str("network", id).Msg("lifecycle.Manager.disconnect")
	return ctx.Err()
}

// Reconnect replaces the runtime of id with a fresh one.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	prof, ok := m.profiles.Profile(id)
	if !ok {
		return Errorf(KindConfiguration, id, "reconnect", ErrUnknownNetwork)
	}
	rec := m.record(id)
	m.mu.Lock()
	rec.desired = true
	rec.manual = true
	rec.attempt = 0
	m.cancelSchedulerLocked(rec)
	m.mu.Unlock()

	rec.lock.Lock()
	m.mu.Lock()
	rt := rec.runtime
	rec.runtime = nil
	m.mu.Unlock()
	if rt != nil {
		m.teardown(rt, "Reconnecting", true)
		m.emit(id, rt, event.Disconnected{Meta: event.Stamp(m.now()), Reason: "Reconnecting"})
	}
	err := m.connectLocked(ctx, id, rec, prof, true)
	m.mu.Lock()
	rec.manual = false
	m.mu.Unlock()
	rec.lock.Unlock()

	switch KindOf(err) {
	case KindConnectivity:
		m.schedule(id, false)
		return nil
	case KindTransport:
		m.schedule(id, false)
	}
	return err
}

// DisconnectAll clears every desired-connection flag first, so nothing can
// be resurrected mid-teardown, then disconnects every network.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id, rec := range m.records {
		rec.desired = false
		m.cancelSchedulerLocked(rec)
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = m.disconnect(ctx, id, "Disconnected")
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// OnConnectivityChanged reacts to host connectivity transitions: regained
// triggers an immediate attempt for every desired network without a
// runtime; lost parks them in the waiting status.
func (m *Manager) OnConnectivityChanged(available bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var waiting []string
	for id, rec := range m.records {
		if rec.desired && rec.runtime == nil && !rec.manual {
			waiting = append(waiting, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(waiting)

	log.Info().Bool("available", available).Int("networks", len(waiting)).Msg("lifecycle.Manager.OnConnectivityChanged")
	for _, id := range waiting {
		if available {
			m.schedule(id, true)
		} else {
			m.status(id, nil, StatusWaitingForNetwork, event.PhaseDisconnected)
		}
	}
}

// Close disconnects everything and waits for every task.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	err := m.DisconnectAll(ctx)
	if m.unsub != nil {
		m.unsub()
	}
	m.baseCancel()
	m.wg.Wait()
	return err
}

func (m *Manager) live(id string) (*network.Runtime, error) {
	rt := m.Runtime(id)
	if rt == nil {
		return nil, Errorf(KindTransport, id, "send", ErrNotConnected)
	}
	return rt, nil
}

func (m *Manager) send(ctx context.Context, id string, fn func(network.Conn) error) error {
	rt, err := m.live(id)
	if err != nil {
		return err
	}
	if err := rt.Throttle.Wait(ctx); err != nil {
		return err
	}
	if err := fn(rt.Conn); err != nil {
		return Errorf(KindTransport, id, "send", err)
	}
	return nil
}

func (m *Manager) SendRaw(ctx context.Context, id, line string) error {
	return m.send(ctx, id, func(c network.Conn) error { return c.SendRaw(line) })
}

func (m *Manager) Privmsg(ctx context.Context, id, target, text string) error {
	return m.send(ctx, id, func(c network.Conn) error { return c.Privmsg(target, text) })
}

func (m *Manager) CTCP(ctx context.Context, id, target, payload string) error {
	return m.send(ctx, id, func(c network.Conn) error { return c.CTCP(target, payload) })
}

func (m *Manager) CTCPReply(ctx context.Context, id, target, payload string) error {
	return m.send(ctx, id, func(c network.Conn) error { return c.CTCPReply(target, payload) })
}

func (m *Manager) SlashCommand(ctx context.Context, id, target, input string) error {
	return m.send(ctx, id, func(c network.Conn) error { return c.SlashCommand(target, input) })
}
