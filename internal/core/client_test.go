package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/network"
	"github.com/danmuck/ircmux/internal/session"
	"github.com/danmuck/ircmux/internal/state"
	"github.com/danmuck/ircmux/internal/testutil/testlog"
	"github.com/danmuck/ircmux/internal/transfer"
)

type fakeConn struct {
	events    chan event.Event
	closeOnce sync.Once
	closed    atomic.Bool

	mu    sync.Mutex
	lines []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan event.Event, 32)}
}

func (c *fakeConn) Events() <-chan event.Event { return c.events }

func (c *fakeConn) record(line string) error {
	if c.closed.Load() {
		return errors.New("closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *fakeConn) SendRaw(line string) error { return c.record(line) }

func (c *fakeConn) Privmsg(target, text string) error {
	return c.record("PRIVMSG " + target + " :" + text)
}

func (c *fakeConn) CTCP(target, payload string) error {
	return c.record("CTCP " + target + " " + payload)
}

func (c *fakeConn) CTCPReply(target, payload string) error {
	return c.record("CTCPREPLY " + target + " " + payload)
}

func (c *fakeConn) SlashCommand(target, input string) error {
	return c.record("SLASH " + target + " " + input)
}

func (c *fakeConn) Quit(context.Context, string) error {
	c.drop()
	return nil
}

func (c *fakeConn) Close() error {
	c.drop()
	return nil
}

func (c *fakeConn) drop() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.events)
	})
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, req lifecycle.DialRequest) (network.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	d.conns[req.Profile.ID] = append(d.conns[req.Profile.ID], c)
	return c, nil
}

func (d *fakeDialer) last(id string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.conns[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (d *fakeDialer) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[id])
}

func profile(id string, auto bool) lifecycle.Profile {
	return lifecycle.Profile{
		ID:          id,
		Host:        id + ".test",
		Port:        6697,
		TLS:         session.TLSConfig{Enabled: true},
		Nick:        "me",
		AutoConnect: auto,
	}
}

func newClient(t *testing.T, profiles ...lifecycle.Profile) (*Client, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{conns: make(map[string][]*fakeConn)}
	c := New(lifecycle.NewProfiles(profiles...), Options{
		Dialer:   d,
		Version:  "ircmux-test",
		Transfer: transfer.Config{DownloadDir: t.TempDir(), BindHost: "127.0.0.1"},
		Session: session.Config{
			Backoff:             session.BackoffConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond},
			ConnectivityRecheck: 10 * time.Millisecond,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Exit(ctx)
	})
	return c, d
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// connected dials id and feeds a welcome through the fake connection.
func connected(t *testing.T, c *Client, d *fakeDialer, id string) *fakeConn {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), id))
	conn := d.last(id)
	require.NotNil(t, conn)
	conn.events <- event.Connected{Meta: event.Stamp(time.Now()), Nick: "me", Server: id + ".test"}
	waitForCondition(t, time.Second, func() bool {
		view, ok := c.Snapshot().Network(id)
		return ok && view.Conn.State == state.Connected
	})
	return conn
}

func TestNewPublishesConfiguredNetworks(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, profile("libera", false), profile("oftc", false))

	snap := c.Snapshot()
	_, ok := snap.Network("libera")
	assert.True(t, ok)
	_, ok = snap.Network("oftc")
	assert.True(t, ok)
	assert.Equal(t, []string{"libera", "oftc"}, c.Networks())
}

func TestStartConnectsAutoNetworksOnly(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", true), profile("oftc", false))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 1, d.count("libera"))
	assert.Equal(t, 0, d.count("oftc"))
}

func TestEventsReachState(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false))
	conn := connected(t, c, d, "libera")

	conn.events <- event.Message{Meta: event.Stamp(time.Now()), From: "Peer", Target: "me", Text: "hello"}
	waitForCondition(t, time.Second, func() bool {
		b, err := c.Buffer("libera", "peer")
		return err == nil && len(b.Messages) == 1
	})
	b, err := c.Buffer("libera", "Peer")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Unread)

	require.NoError(t, c.Select("libera", "PEER"))
	b, err = c.Buffer("libera", "peer")
	require.NoError(t, err)
	assert.Zero(t, b.Unread)
	assert.Equal(t, b.Key, c.Snapshot().Selected)
}

func TestCTCPQueriesAreAnsweredAndThrottled(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false))
	conn := connected(t, c, d, "libera")

	conn.events <- event.CTCPRequest{Meta: event.Stamp(time.Now()), From: "peer", Target: "me", Command: "VERSION"}
	conn.events <- event.CTCPRequest{Meta: event.Stamp(time.Now()), From: "Peer", Target: "me", Command: "VERSION"}
	conn.events <- event.CTCPRequest{Meta: event.Stamp(time.Now()), From: "other", Target: "me", Command: "PING", Args: "42"}

	waitForCondition(t, time.Second, func() bool {
		for _, line := range conn.sent() {
			if line == "CTCPREPLY other PING 42" {
				return true
			}
		}
		return false
	})
	var versions int
	for _, line := range conn.sent() {
		if strings.HasPrefix(line, "CTCPREPLY peer VERSION") || strings.HasPrefix(line, "CTCPREPLY Peer VERSION") {
			versions++
			assert.Equal(t, "CTCPREPLY peer VERSION ircmux-test", line)
		}
	}
	assert.Equal(t, 1, versions)
}

func TestDCCRequestsBecomeOffers(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false))
	conn := connected(t, c, d, "libera")

	conn.events <- event.CTCPRequest{
		Meta:    event.Stamp(time.Now()),
		From:    "peer",
		Target:  "me",
		Command: "DCC",
		Args:    "SEND notes.txt 2130706433 5000 12",
	}
	waitForCondition(t, time.Second, func() bool { return len(c.Snapshot().Offers) == 1 })
	offer := c.Snapshot().Offers[0]
	assert.Equal(t, "peer", offer.Peer)
	assert.Equal(t, "notes.txt", offer.Filename)
	assert.Equal(t, int64(12), offer.Size)

	for _, line := range conn.sent() {
		assert.NotContains(t, line, "CTCPREPLY")
	}

	require.NoError(t, c.RejectOffer(offer.ID))
	assert.Empty(t, c.Snapshot().Offers)
}

func TestReplayedDCCRequestsStayInTranscript(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false))
	conn := connected(t, c, d, "libera")

	old := event.Stamp(time.Now().Add(-2 * time.Hour))
	old.History = true
	conn.events <- event.CTCPRequest{Meta: old, From: "peer", Target: "me", Command: "DCC", Args: "SEND old.txt 2130706433 5000 12"}
	recent := event.Stamp(time.Now().Add(-5 * time.Second))
	recent.History = true
	conn.events <- event.CTCPRequest{Meta: recent, From: "peer", Target: "me", Command: "DCC", Args: "SEND new.txt 2130706433 5001 12"}

	// events apply in order, so the old request is settled once the recent one lands
	waitForCondition(t, time.Second, func() bool { return len(c.Snapshot().Offers) == 1 })
	assert.Equal(t, "new.txt", c.Snapshot().Offers[0].Filename)

	view, ok := c.Snapshot().Network("libera")
	require.True(t, ok)
	b, ok := view.Buffer(state.ServerBuffer)
	require.True(t, ok)
	found := false
	for _, m := range b.Messages {
		if strings.Contains(m.Text, "DCC SEND old.txt") {
			found = true
		}
	}
	assert.True(t, found, "stale request recorded as a transcript line")
}

func TestSendsGoThroughTheRuntime(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false))

	err := c.SendMessage(context.Background(), "libera", "#c", "hi")
	assert.ErrorIs(t, err, lifecycle.ErrNotConnected)

	conn := connected(t, c, d, "libera")
	ctx := context.Background()
	require.NoError(t, c.SendMessage(ctx, "libera", "#c", "hi"))
	require.NoError(t, c.SendRaw(ctx, "libera", "AWAY :later"))
	require.NoError(t, c.Command(ctx, "libera", "#c", "/join #d"))
	assert.Equal(t, []string{"PRIVMSG #c :hi", "AWAY :later", "SLASH #c /join #d"}, conn.sent())

	err = c.SendMessage(ctx, "libera", " ", "hi")
	assert.Equal(t, lifecycle.KindConfiguration, lifecycle.KindOf(err))
}

func TestCloseBufferPartsChannels(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false))
	conn := connected(t, c, d, "libera")

	conn.events <- event.Join{Meta: event.Stamp(time.Now()), Nick: "me", Channel: "#Go"}
	waitForCondition(t, time.Second, func() bool {
		_, err := c.Buffer("libera", "#go")
		return err == nil
	})

	require.NoError(t, c.CloseBuffer(context.Background(), "libera", "#Go"))
	_, err := c.Buffer("libera", "#go")
	assert.ErrorIs(t, err, ErrUnknownBuffer)
	assert.Contains(t, conn.sent(), "PART #Go")

	assert.ErrorIs(t, c.CloseBuffer(context.Background(), "libera", "#nope"), ErrUnknownBuffer)
	assert.ErrorIs(t, c.CloseBuffer(context.Background(), "libera", state.ServerBuffer), ErrUnknownBuffer)
}

func TestUnknownNetworkIsConfigurationError(t *testing.T) {
	testlog.Start(t)
	c, _ := newClient(t, profile("libera", false))

	for _, err := range []error{
		c.Select("nope", "#c"),
		c.CloseBuffer(context.Background(), "nope", "#c"),
		c.Connect(context.Background(), "nope"),
	} {
		assert.ErrorIs(t, err, lifecycle.ErrUnknownNetwork)
		assert.Equal(t, lifecycle.KindConfiguration, lifecycle.KindOf(err))
	}
	_, err := c.SendFile(context.Background(), "nope", "peer", "/tmp/x")
	assert.ErrorIs(t, err, lifecycle.ErrUnknownNetwork)
}

func TestSendFileOffersOverCTCP(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false))
	conn := connected(t, c, d, "libera")

	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	id, err := c.SendFile(context.Background(), "libera", "peer", path)
	require.NoError(t, err)
	waitForCondition(t, time.Second, func() bool {
		for _, line := range conn.sent() {
			if strings.HasPrefix(line, "CTCP peer DCC SEND report.txt ") {
				return true
			}
		}
		return false
	})
	tr, ok := c.Snapshot().Transfer(id)
	require.True(t, ok)
	assert.Equal(t, state.DirectionSend, tr.Direction)

	require.NoError(t, c.CancelTransfer(id))
	tr, _ = c.Snapshot().Transfer(id)
	assert.Equal(t, state.TransferCancelled, tr.Status)
}

func TestExitClearsDesiredStateAndCloses(t *testing.T) {
	testlog.Start(t)
	c, d := newClient(t, profile("libera", false), profile("oftc", false))
	first := connected(t, c, d, "libera")
	second := connected(t, c, d, "oftc")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Exit(ctx))
	require.NoError(t, c.Exit(ctx))

	assert.True(t, first.closed.Load())
	assert.True(t, second.closed.Load())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.count("libera"))
	assert.Equal(t, 1, d.count("oftc"))
}
