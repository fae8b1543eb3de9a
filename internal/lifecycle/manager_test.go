package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/ircmux/internal/connectivity"
	"github.com/danmuck/ircmux/internal/credentials"
	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/network"
	"github.com/danmuck/ircmux/internal/session"
	"github.com/danmuck/ircmux/internal/testutil/testlog"
)

type fakeConn struct {
	events    chan event.Event
	closeOnce sync.Once
	closed    atomic.Bool
	quits     atomic.Int32

	mu   sync.Mutex
	sent []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan event.Event, 16)}
}

func (c *fakeConn) Events() <-chan event.Event { return c.events }

func (c *fakeConn) record(line string) error {
	if c.closed.Load() {
		return errors.New("closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, line)
	return nil
}

func (c *fakeConn) SendRaw(line string) error { return c.record(line) }

func (c *fakeConn) Privmsg(target, text string) error {
	return c.record("PRIVMSG " + target + " :" + text)
}

func (c *fakeConn) CTCP(target, payload string) error { return c.record("CTCP " + target + " " + payload) }

func (c *fakeConn) CTCPReply(target, payload string) error {
	return c.record("CTCPREPLY " + target + " " + payload)
}

func (c *fakeConn) SlashCommand(target, input string) error { return c.record("SLASH " + input) }

func (c *fakeConn) Quit(ctx context.Context, reason string) error {
	c.quits.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.drop()
	return nil
}

// drop ends the event stream as if the server went away.
func (c *fakeConn) drop() {
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *fakeConn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	conns []*fakeConn
	reqs  []DialRequest
	fail  func(n int) error
}

func (d *fakeDialer) Dial(ctx context.Context, req DialRequest) (network.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.reqs = append(d.reqs, req)
	if d.fail != nil {
		if err := d.fail(d.calls); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type sinkEntry struct {
	id string
	rt *network.Runtime
	ev event.Event
}

type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

func (s *recordingSink) Apply(id string, rt *network.Runtime, ev event.Event) {
	if _, ok := ev.(event.Disconnected); ok && rt != nil {
		rt.MarkDisconnected()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{id: id, rt: rt, ev: ev})
}

func (s *recordingSink) statuses(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if st, ok := e.ev.(event.StatusChanged); ok && e.id == id {
			out = append(out, st.Status)
		}
	}
	return out
}

func (s *recordingSink) hasStatus(id, prefix string) bool {
	for _, st := range s.statuses(id) {
		if strings.HasPrefix(st, prefix) {
			return true
		}
	}
	return false
}

func (s *recordingSink) disconnects(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if d, ok := e.ev.(event.Disconnected); ok && e.id == id {
			out = append(out, d.Reason)
		}
	}
	return out
}

func testSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.QuitTimeout = 200 * time.Millisecond
	cfg.ConnectivityRecheck = 10 * time.Millisecond
	cfg.Backoff = session.BackoffConfig{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		MaxExponent: 3,
		MaxAttempts: 5,
	}
	return cfg
}

func secureProfile(id string) Profile {
	return Profile{ID: id, Host: "irc.example.net", Port: 6697, Nick: "me", TLS: session.TLSConfig{Enabled: true}}
}

type harness struct {
	profiles *Profiles
	dialer   *fakeDialer
	sink     *recordingSink
	net      *connectivity.Static
	mgr      *Manager
}

func newHarness(t *testing.T, profiles ...Profile) *harness {
	t.Helper()
	h := &harness{
		profiles: NewProfiles(profiles...),
		dialer:   &fakeDialer{},
		sink:     &recordingSink{},
		net:      connectivity.NewStatic(true),
	}
	h.mgr = NewManager(h.profiles, h.dialer, h.sink, Options{
		Session:      testSession(),
		Throttle:     network.ThrottleConfig{Burst: 100, Interval: time.Millisecond},
		Connectivity: h.net,
		Seed:         1,
	})
	t.Cleanup(func() {
		_ = h.mgr.Close(context.Background())
	})
	return h
}

func waitForCondition(timeout time.Duration, interval time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(interval)
	}
	return fn()
}

func TestConnectUnknownNetworkIsConfigurationError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	err := h.mgr.Connect(context.Background(), "nope", false)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, ErrUnknownNetwork)
}

func TestConnectRefusesPlaintextWithoutDialing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Profile{ID: "plain", Host: "irc.example.net", Port: 6667})
	err := h.mgr.Connect(context.Background(), "plain", false)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, session.ErrPlaintextDisabled)
	assert.Equal(t, 0, h.dialer.count())
	assert.Equal(t, []string{StatusPlaintextDisabled}, h.sink.statuses("plain"))
	assert.False(t, h.mgr.Desired("plain"))
	assert.False(t, h.mgr.Scheduled("plain"))
}

func TestConnectAllowsExplicitPlaintext(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, Profile{ID: "plain", Host: "irc.example.net", Port: 6667, TLS: session.TLSConfig{AllowPlaintext: true}})
	require.NoError(t, h.mgr.Connect(context.Background(), "plain", false))
	assert.Equal(t, 1, h.dialer.count())
	assert.NotNil(t, h.mgr.Runtime("plain"))
}

func TestConnectWaitsForNetworkThenConnectsOnRegain(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	h.net.Set(false)

	require.NoError(t, h.mgr.Connect(context.Background(), "libera", false))
	assert.Equal(t, 0, h.dialer.count())
	assert.True(t, h.sink.hasStatus("libera", StatusWaitingForNetwork))
	assert.True(t, h.mgr.Desired("libera"))

	h.net.Set(true)
	require.True(t, waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		return h.mgr.Runtime("libera") != nil
	}))
	assert.Equal(t, 1, h.dialer.count())
}

func TestConnectTwiceIsNoOpUnlessForced(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	ctx := context.Background()
	require.NoError(t, h.mgr.Connect(ctx, "libera", false))
	first := h.mgr.Runtime("libera")
	require.NotNil(t, first)

	require.NoError(t, h.mgr.Connect(ctx, "libera", false))
	assert.Same(t, first, h.mgr.Runtime("libera"))
	assert.Equal(t, 1, h.dialer.count())

	require.NoError(t, h.mgr.Connect(ctx, "libera", true))
	second := h.mgr.Runtime("libera")
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Greater(t, second.Generation, first.Generation)
	assert.Equal(t, 2, h.dialer.count())
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatalf("stale runtime task should exit")
	}
}

func TestConnectResolvesPasswordFromCredentials(t *testing.T) {
	testlog.Start(t)
	prof := secureProfile("libera")
	prof.PasswordSecret = "libera"
	profiles := NewProfiles(prof)
	dialer := &fakeDialer{}
	env := credentials.NewEnvStore("IRCMUX_TEST")
	t.Setenv(env.VarName("libera"), "hunter2")
	mgr := NewManager(profiles, dialer, &recordingSink{}, Options{Session: testSession(), Credentials: env})
	defer mgr.Close(context.Background())

	require.NoError(t, mgr.Connect(context.Background(), "libera", false))
	require.Len(t, dialer.reqs, 1)
	assert.Equal(t, "hunter2", dialer.reqs[0].Password)
}

func TestMissingCredentialIsConfigurationError(t *testing.T) {
	testlog.Start(t)
	prof := secureProfile("libera")
	prof.PasswordSecret = "missing"
	h := newHarness(t, prof)
	err := h.mgr.Connect(context.Background(), "libera", false)
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.ErrorIs(t, err, credentials.ErrNotFound)
	assert.Equal(t, 0, h.dialer.count())
}

func TestUnexpectedCloseSynthesizesDisconnectAndReconnects(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	require.NoError(t, h.mgr.Connect(context.Background(), "libera", false))
	first := h.dialer.last()
	require.NotNil(t, first)

	first.drop()
	require.True(t, waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		return h.dialer.count() == 2 && h.mgr.Runtime("libera") != nil
	}))
	assert.Equal(t, []string{"connection closed"}, h.sink.disconnects("libera"))
	assert.True(t, h.sink.hasStatus("libera", "Reconnecting in 1s (attempt 1)"))
	assert.True(t, h.sink.hasStatus("libera", "Retrying to connect (attempt 1)…"))
	assert.Equal(t, 0, h.mgr.Attempt("libera"))
}

func TestExplicitDisconnectEventIsNotDuplicated(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	require.NoError(t, h.mgr.Connect(context.Background(), "libera", false))
	conn := h.dialer.last()
	conn.events <- event.Disconnected{Meta: event.Stamp(time.Now()), Reason: "ping timeout"}
	conn.drop()
	require.True(t, waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		return h.dialer.count() == 2
	}))
	assert.Equal(t, []string{"ping timeout"}, h.sink.disconnects("libera"))
}

func TestManualDisconnectPreventsReconnect(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	ctx := context.Background()
	require.NoError(t, h.mgr.Connect(ctx, "libera", false))
	conn := h.dialer.last()

	require.NoError(t, h.mgr.Disconnect(ctx, "libera"))
	assert.Nil(t, h.mgr.Runtime("libera"))
	assert.False(t, h.mgr.Desired("libera"))
	assert.True(t, conn.closed.Load())
	assert.Equal(t, int32(1), conn.quits.Load())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.count())
	assert.False(t, h.mgr.Scheduled("libera"))
	assert.Equal(t, []string{"Disconnected"}, h.sink.disconnects("libera"))
}

func TestDisconnectCancelsPendingScheduler(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	h.net.Set(false)
	require.NoError(t, h.mgr.Connect(context.Background(), "libera", false))
	require.True(t, h.mgr.Scheduled("libera"))

	require.NoError(t, h.mgr.Disconnect(context.Background(), "libera"))
	require.True(t, waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		return !h.mgr.Scheduled("libera")
	}))
	h.net.Set(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.dialer.count())
}

func TestReconnectReplacesRuntime(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	ctx := context.Background()
	require.NoError(t, h.mgr.Connect(ctx, "libera", false))
	first := h.mgr.Runtime("libera")

	require.NoError(t, h.mgr.Reconnect(ctx, "libera"))
	second := h.mgr.Runtime("libera")
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, h.dialer.count())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.count(), "reconnect must not leave a stray scheduler")
	assert.Same(t, second, h.mgr.Runtime("libera"))
}

func TestDisconnectAllClearsEveryNetwork(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("a"), secureProfile("b"), secureProfile("c"))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.mgr.Connect(ctx, id, false))
	}
	require.NoError(t, h.mgr.DisconnectAll(ctx))
	for _, id := range []string{"a", "b", "c"} {
		assert.Nil(t, h.mgr.Runtime(id))
		assert.False(t, h.mgr.Desired(id))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, h.dialer.count())
}

func TestRetryAttemptsCountUpAndResetOnSuccess(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	h.dialer.fail = func(n int) error {
		if n <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	err := h.mgr.Connect(context.Background(), "libera", false)
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))

	require.True(t, waitForCondition(2*time.Second, 5*time.Millisecond, func() bool {
		return h.mgr.Runtime("libera") != nil
	}))
	assert.Equal(t, 4, h.dialer.count())
	for _, want := range []string{
		"Retrying to connect (attempt 1)…",
		"Retrying to connect (attempt 2)…",
		"Retrying to connect (attempt 3)…",
	} {
		assert.True(t, h.sink.hasStatus("libera", want), want)
	}
	assert.True(t, h.sink.hasStatus("libera", "Connection failed: connection refused"))
	assert.Equal(t, 0, h.mgr.Attempt("libera"))
}

func TestRemovedProfileStopsScheduler(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	h.dialer.fail = func(int) error { return errors.New("refused") }
	_ = h.mgr.Connect(context.Background(), "libera", false)
	h.profiles.Remove("libera")

	require.True(t, waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		return !h.mgr.Scheduled("libera")
	}))
	assert.True(t, h.sink.hasStatus("libera", StatusNetworkRemoved))
	assert.False(t, h.mgr.Desired("libera"))
}

func TestConnectivityLossParksDesiredNetworks(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	h.dialer.fail = func(int) error { return errors.New("refused") }
	_ = h.mgr.Connect(context.Background(), "libera", false)
	h.net.Set(false)
	assert.True(t, h.sink.hasStatus("libera", StatusWaitingForNetwork))

	// let an attempt already past its connectivity check finish
	time.Sleep(20 * time.Millisecond)
	calls := h.dialer.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, h.dialer.count(), "no attempts while offline")
}

func TestConcurrentLifecycleLeavesOneRuntime(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = h.mgr.Connect(ctx, "libera", true)
			case 1:
				_ = h.mgr.Reconnect(ctx, "libera")
			default:
				_ = h.mgr.Connect(ctx, "libera", false)
			}
		}(i)
	}
	wg.Wait()

	rt := h.mgr.Runtime("libera")
	require.NotNil(t, rt)
	h.dialer.mu.Lock()
	open := 0
	for _, c := range h.dialer.conns {
		if !c.closed.Load() {
			open++
		}
	}
	h.dialer.mu.Unlock()
	assert.Equal(t, 1, open)
}

func TestSendRequiresLiveRuntime(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	ctx := context.Background()
	err := h.mgr.Privmsg(ctx, "libera", "#go", "hi")
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, h.mgr.Connect(ctx, "libera", false))
	require.NoError(t, h.mgr.Privmsg(ctx, "libera", "#go", "hi"))
	require.NoError(t, h.mgr.SendRaw(ctx, "libera", "JOIN #go"))
	assert.Equal(t, []string{"PRIVMSG #go :hi", "JOIN #go"}, h.dialer.last().lines())
}

func TestEventsFlowToSinkWithRuntime(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, secureProfile("libera"))
	require.NoError(t, h.mgr.Connect(context.Background(), "libera", false))
	rt := h.mgr.Runtime("libera")
	h.dialer.last().events <- event.Join{Meta: event.Stamp(time.Now()), Nick: "me", Channel: "#go"}
	require.True(t, waitForCondition(time.Second, 5*time.Millisecond, func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		for _, e := range h.sink.entries {
			if _, ok := e.ev.(event.Join); ok {
				return e.rt == rt
			}
		}
		return false
	}))
}

func TestKindOf(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	err := Errorf(KindTransfer, "", "accept", errors.New("refused"))
	assert.Equal(t, KindTransfer, KindOf(err))
	assert.Equal(t, "transfer accept: refused", err.Error())
	assert.Nil(t, Errorf(KindTransport, "n", "op", nil))
}
