package ircwire

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/session"
	"github.com/danmuck/ircmux/internal/testutil/testlog"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	lines chan ircmsg.Message
}

func (s *fakeServer) readLoop() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		msg, err := ircmsg.ParseLine(scanner.Text())
		if err != nil {
			continue
		}
		s.lines <- msg
	}
}

func (s *fakeServer) write(lines ...string) {
	s.t.Helper()
	for _, line := range lines {
		_, err := s.conn.Write([]byte(line + "\r\n"))
		require.NoError(s.t, err)
	}
}

// next returns the next client line.
func (s *fakeServer) next() ircmsg.Message {
	s.t.Helper()
	select {
	case msg, ok := <-s.lines:
		require.True(s.t, ok, "client closed the connection")
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for client line")
		return ircmsg.Message{}
	}
}

// expect skips client lines until one with command arrives.
func (s *fakeServer) expect(command string) ircmsg.Message {
	s.t.Helper()
	for {
		msg := s.next()
		if msg.Command == command {
			return msg
		}
	}
}

func newPipeConn(t *testing.T, profile lifecycle.Profile, password string, cfg session.Config) (*Conn, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	fs := &fakeServer{t: t, conn: server, lines: make(chan ircmsg.Message, 64)}
	go fs.readLoop()

	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	c := newConn(client, profile, password, cfg)
	c.now = func() time.Time { return fixedNow }
	require.NoError(t, c.start())
	t.Cleanup(func() {
		_ = c.Close()
		_ = server.Close()
	})
	return c, fs
}

func testProfile() lifecycle.Profile {
	return lifecycle.Profile{ID: "libera", Host: "irc.test", Port: 6697, Nick: "bot"}
}

func nextEvent(t *testing.T, c *Conn) event.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// registered drives a connection through registration without caps.
func registered(t *testing.T, profile lifecycle.Profile) (*Conn, *fakeServer) {
	t.Helper()
	c, fs := newPipeConn(t, profile, "", session.Config{})
	fs.expect("USER")
	fs.write(":irc.test CAP * LS :sasl", ":irc.test 001 "+profile.Nick+" :Welcome")
	fs.expect("CAP")
	require.IsType(t, event.Connected{}, nextEvent(t, c))
	require.IsType(t, event.ServerText{}, nextEvent(t, c))
	return c, fs
}

func TestRegistrationOrder(t *testing.T) {
	testlog.Start(t)
	p := testProfile()
	p.Realname = "Bot Person"
	_, fs := newPipeConn(t, p, "hunter2", session.Config{})

	capLS := fs.next()
	assert.Equal(t, "CAP", capLS.Command)
	assert.Equal(t, []string{"LS", "302"}, capLS.Params)

	pass := fs.next()
	assert.Equal(t, "PASS", pass.Command)
	assert.Equal(t, []string{"hunter2"}, pass.Params)

	nick := fs.next()
	assert.Equal(t, "NICK", nick.Command)
	assert.Equal(t, []string{"bot"}, nick.Params)

	user := fs.next()
	assert.Equal(t, "USER", user.Command)
	assert.Equal(t, []string{"bot", "0", "*", "Bot Person"}, user.Params)
}

func TestCapabilityNegotiation(t *testing.T) {
	testlog.Start(t)
	c, fs := newPipeConn(t, testProfile(), "", session.Config{})
	fs.expect("USER")

	fs.write(
		":irc.test CAP * LS * :multi-prefix sasl=PLAIN",
		":irc.test CAP * LS :server-time echo-message",
	)
	req := fs.expect("CAP")
	require.Equal(t, []string{"REQ", "server-time multi-prefix echo-message"}, req.Params)

	fs.write(":irc.test CAP bot ACK :server-time multi-prefix echo-message")
	end := fs.expect("CAP")
	assert.Equal(t, []string{"END"}, end.Params)

	fs.write(":irc.test 001 bot :Welcome")
	require.IsType(t, event.Connected{}, nextEvent(t, c))

	c.stateMu.Lock()
	assert.True(t, c.caps["echo-message"])
	assert.True(t, c.caps["server-time"])
	c.stateMu.Unlock()
}

func TestWelcomeAutojoins(t *testing.T) {
	testlog.Start(t)
	p := testProfile()
	p.Autojoin = []string{"#a", " #b "}
	c, fs := newPipeConn(t, p, "", session.Config{})
	fs.expect("USER")

	fs.write(":irc.test 001 bot_ :Welcome to the test net")
	ev := nextEvent(t, c)
	assert.Equal(t, event.Connected{Meta: event.Stamp(fixedNow), Nick: "bot_", Server: "irc.test"}, ev)
	assert.Equal(t, "bot_", c.Nick())

	assert.Equal(t, []string{"#a"}, fs.expect("JOIN").Params)
	assert.Equal(t, []string{"#b"}, fs.expect("JOIN").Params)
}

func TestNickFallbackBeforeRegistration(t *testing.T) {
	testlog.Start(t)
	p := testProfile()
	p.AltNicks = []string{"alt"}
	c, fs := newPipeConn(t, p, "", session.Config{})
	fs.expect("USER")

	fs.write(":irc.test 433 * bot :Nickname is already in use")
	assert.Equal(t, []string{"alt"}, fs.expect("NICK").Params)
	ev := nextEvent(t, c).(event.ServerText)
	assert.True(t, ev.IsError)
	assert.Contains(t, ev.Text, "trying alt")

	fs.write(":irc.test 433 * alt :Nickname is already in use")
	assert.Equal(t, []string{"alt_"}, fs.expect("NICK").Params)
	assert.Equal(t, "alt_", c.Nick())
}

func TestNickInUseAfterRegistrationIsReported(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())

	fs.write(":irc.test 433 bot taken :Nickname is already in use")
	ev := nextEvent(t, c).(event.ServerText)
	assert.Equal(t, "433", ev.Code)
	assert.True(t, ev.IsError)
	assert.Equal(t, "bot", c.Nick())
}

func TestPingIsAnswered(t *testing.T) {
	testlog.Start(t)
	_, fs := registered(t, testProfile())
	fs.write("PING :abc123")
	pong := fs.expect("PONG")
	assert.Equal(t, []string{"abc123"}, pong.Params)
}

func TestKeepaliveMeasuresLatency(t *testing.T) {
	testlog.Start(t)
	c, fs := newPipeConn(t, testProfile(), "", session.Config{PingInterval: 20 * time.Millisecond})
	fs.expect("USER")
	fs.write(":irc.test 001 bot :Welcome")
	require.IsType(t, event.Connected{}, nextEvent(t, c))
	require.IsType(t, event.ServerText{}, nextEvent(t, c))

	ping := fs.expect("PING")
	require.Len(t, ping.Params, 1)
	fs.write(":irc.test PONG irc.test :" + ping.Params[0])

	for {
		if lat, ok := nextEvent(t, c).(event.Latency); ok {
			assert.GreaterOrEqual(t, lat.RTT, time.Duration(0))
			return
		}
	}
}

func TestServerLinesBecomeEvents(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())
	m := event.Stamp(fixedNow)

	cases := []struct {
		line string
		want event.Event
	}{
		{":n!u@h JOIN #c", event.Join{Meta: m, Nick: "n", Channel: "#c"}},
		{":n!u@h PART #c :bye", event.Part{Meta: m, Nick: "n", Channel: "#c", Reason: "bye"}},
		{":op!u@h KICK #c n :spam", event.Kick{Meta: m, By: "op", Nick: "n", Channel: "#c", Reason: "spam"}},
		{":n!u@h QUIT :gone", event.Quit{Meta: m, Nick: "n", Reason: "gone"}},
		{":op!u@h TOPIC #c :new topic", event.Topic{Meta: m, Channel: "#c", Topic: "new topic", By: "op"}},
		{":irc.test 332 bot #c :the topic", event.Topic{Meta: m, Channel: "#c", Topic: "the topic"}},
		{":op!u@h MODE #c +o n", event.Mode{Meta: m, By: "op", Target: "#c", Modes: "+o", Args: []string{"n"}}},
		{":irc.test 324 bot #c +ntk key", event.ChannelModeIs{Meta: m, Channel: "#c", Modes: "+ntk key"}},
		{":irc.test 353 bot = #c :@op +v n", event.NamesReply{Meta: m, Channel: "#c", Members: []string{"@op", "+v", "n"}}},
		{":irc.test 366 bot #c :End of /NAMES list", event.NamesEnd{Meta: m, Channel: "#c"}},
		{":irc.test 367 bot #c *!*@bad op 1700000000", event.ListEntry{Meta: m, Channel: "#c", Kind: 'b', Mask: "*!*@bad", SetBy: "op", SetAt: time.Unix(1700000000, 0)}},
		{":irc.test 348 bot #c *!*@ok", event.ListEntry{Meta: m, Channel: "#c", Kind: 'e', Mask: "*!*@ok"}},
		{":irc.test 347 bot #c :End of invite list", event.ListEnd{Meta: m, Channel: "#c", Kind: 'I'}},
		{":n!u@h PRIVMSG #c :hello there", event.Message{Meta: m, From: "n", Target: "#c", Text: "hello there"}},
		{":irc.test NOTICE bot :server notice", event.Message{Meta: m, From: "irc.test", Target: "bot", Text: "server notice", Notice: true}},
		{":n!u@h PRIVMSG #c :\x01ACTION waves\x01", event.Message{Meta: m, From: "n", Target: "#c", Text: "waves", Action: true}},
		{":n!u@h PRIVMSG bot :\x01VERSION\x01", event.CTCPRequest{Meta: m, From: "n", Target: "bot", Command: "VERSION"}},
		{":n!u@h PRIVMSG bot :\x01DCC SEND f.txt 2130706433 5000 12\x01", event.CTCPRequest{Meta: m, From: "n", Target: "bot", Command: "DCC", Args: "SEND f.txt 2130706433 5000 12"}},
		{":n!u@h NOTICE bot :\x01PING 123\x01", event.CTCPReply{Meta: m, From: "n", Command: "PING", Args: "123"}},
		{":irc.test 005 bot CASEMAPPING=ascii -EXCEPTS CHANTYPES=# :are supported", event.Support{Meta: m, Tokens: map[string]string{"CASEMAPPING": "ascii", "-EXCEPTS": "", "CHANTYPES": "#"}}},
		{":n!u@h NICK n2", event.NickChange{Meta: m, Old: "n", New: "n2"}},
		{":irc.test 381 bot :You are now an IRC operator", event.OperStatus{Meta: m, Oper: true}},
		{":irc.test 465 bot :You are banned", event.ServerText{Meta: m, Code: "465", Text: "You are banned", IsError: true, Fatal: true}},
		{":irc.test 372 bot :- motd line", event.ServerText{Meta: m, Code: "372", Text: "- motd line"}},
		{"ERROR :Closing link", event.Error{Meta: m, Text: "Closing link"}},
	}
	for _, tc := range cases {
		fs.write(tc.line)
		assert.Equal(t, tc.want, nextEvent(t, c), tc.line)
	}
}

func TestTagsAndHistoryBatches(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())

	fs.write("@time=2024-01-02T03:04:05.000Z;msgid=abc :n!u@h PRIVMSG #c :tagged")
	ev := nextEvent(t, c).(event.Message)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), ev.Time.UTC())
	assert.Equal(t, "abc", ev.ID)
	assert.False(t, ev.History)

	fs.write(
		":irc.test BATCH +b1 chathistory #c",
		"@batch=b1 :n!u@h PRIVMSG #c :old line",
		":irc.test BATCH -b1",
		"@batch=b1 :n!u@h PRIVMSG #c :live line",
	)
	old := nextEvent(t, c).(event.Message)
	assert.Equal(t, "old line", old.Text)
	assert.True(t, old.History)

	live := nextEvent(t, c).(event.Message)
	assert.Equal(t, "live line", live.Text)
	assert.False(t, live.History)
}

func TestOwnNickChangeIsTracked(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())

	fs.write(":BOT!u@h NICK renamed")
	assert.Equal(t, event.NickChange{Meta: event.Stamp(fixedNow), Old: "BOT", New: "renamed"}, nextEvent(t, c))
	assert.Equal(t, "renamed", c.Nick())
}

func TestServerCloseEndsStream(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())
	require.NoError(t, fs.conn.Close())

	ev := nextEvent(t, c)
	assert.Equal(t, event.Disconnected{Meta: event.Stamp(fixedNow), Reason: "connection closed"}, ev)
	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream not closed")
	}
}

func TestLocalCloseEndsStreamQuietly(t *testing.T) {
	testlog.Start(t)
	c, _ := registered(t, testProfile())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			assert.NotEqual(t, "disconnected", event.Name(ev))
		case <-time.After(2 * time.Second):
			t.Fatal("event stream not closed")
		}
	}
}

func TestQuitWaitsForServerClose(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- c.Quit(ctx, "bye")
	}()
	quit := fs.expect("QUIT")
	assert.Equal(t, []string{"bye"}, quit.Params)
	require.NoError(t, fs.conn.Close())
	require.NoError(t, <-done)
}

func TestPrivmsgSplitsAndEchoes(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())

	require.NoError(t, c.Privmsg("#c", "first\r\nsecond\n"))
	assert.Equal(t, []string{"#c", "first"}, fs.expect("PRIVMSG").Params)
	assert.Equal(t, []string{"#c", "second"}, fs.expect("PRIVMSG").Params)

	first := nextEvent(t, c).(event.Message)
	assert.Equal(t, "bot", first.From)
	assert.Equal(t, "first", first.Text)
	second := nextEvent(t, c).(event.Message)
	assert.Equal(t, "second", second.Text)
}

func TestSendRawRejectsEmbeddedNewlines(t *testing.T) {
	testlog.Start(t)
	c, _ := registered(t, testProfile())
	assert.ErrorIs(t, c.SendRaw("PRIVMSG #c :a\r\nQUIT"), ErrInvalidLine)
}

func TestSlashCommands(t *testing.T) {
	testlog.Start(t)
	c, fs := registered(t, testProfile())

	cases := []struct {
		target  string
		input   string
		command string
		params  []string
	}{
		{"#c", "/join #x key", "JOIN", []string{"#x", "key"}},
		{"#c", "/part", "PART", []string{"#c"}},
		{"#c", "/part #d see ya", "PART", []string{"#d", "see ya"}},
		{"#c", "/msg nick hi there", "PRIVMSG", []string{"nick", "hi there"}},
		{"#c", "/notice nick psst", "NOTICE", []string{"nick", "psst"}},
		{"#c", "/me waves", "PRIVMSG", []string{"#c", "\x01ACTION waves\x01"}},
		{"#c", "/nick other", "NICK", []string{"other"}},
		{"#c", "/topic new topic", "TOPIC", []string{"#c", "new topic"}},
		{"#c", "/mode +m", "MODE", []string{"#c", "+m"}},
		{"#c", "/kick troll bye now", "KICK", []string{"#c", "troll", "bye now"}},
		{"#c", "/whois nick", "WHOIS", []string{"nick"}},
		{"#c", "/ctcp nick version", "PRIVMSG", []string{"nick", "\x01VERSION\x01"}},
		{"#c", "/quote PRIVMSG #c :raw", "PRIVMSG", []string{"#c", "raw"}},
		{"#c", "plain text", "PRIVMSG", []string{"#c", "plain text"}},
		{"#c", "//not a command", "PRIVMSG", []string{"#c", "/not a command"}},
	}
	for _, tc := range cases {
		require.NoError(t, c.SlashCommand(tc.target, tc.input), tc.input)
		msg := fs.next()
		assert.Equal(t, tc.command, msg.Command, tc.input)
		assert.Equal(t, tc.params, msg.Params, tc.input)
	}

	assert.ErrorIs(t, c.SlashCommand("#c", "/bogus"), ErrUnknownCommand)
	assert.ErrorIs(t, c.SlashCommand("#c", "/join"), ErrMissingArgs)
	assert.ErrorIs(t, c.SlashCommand("#c", "/msg nick"), ErrMissingArgs)
	assert.ErrorIs(t, c.SlashCommand("", "/me waves"), ErrMissingArgs)
}

func TestSplitTextKeepsRunes(t *testing.T) {
	long := strings.Repeat("é", 300)
	parts := splitText(long, maxTextBytes)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), maxTextBytes)
		assert.True(t, utf8.ValidString(p))
	}
	assert.Equal(t, long, strings.Join(parts, ""))

	words := strings.Repeat("word ", 120)
	for _, p := range splitText(words, maxTextBytes) {
		assert.False(t, strings.HasPrefix(p, " "))
	}
}

func TestDialerRegistersOverLoopback(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan string, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			got <- scanner.Text()
			if strings.HasPrefix(scanner.Text(), "USER") {
				_, _ = conn.Write([]byte(":irc.test 001 bot :Welcome\r\n"))
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	p := testProfile()
	p.Host = "127.0.0.1"
	p.Port = addr.Port
	p.TLS = session.TLSConfig{AllowPlaintext: true}

	d := NewDialer()
	conn, err := d.Dial(context.Background(), lifecycle.DialRequest{Profile: p, Session: session.Config{}})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "CAP LS 302", <-got)
	select {
	case ev := <-conn.Events():
		assert.IsType(t, event.Connected{}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no welcome")
	}
}

func TestDialerRefusesPlaintextByDefault(t *testing.T) {
	testlog.Start(t)
	p := testProfile()
	p.Host = "127.0.0.1"
	_, err := NewDialer().Dial(context.Background(), lifecycle.DialRequest{Profile: p})
	assert.ErrorIs(t, err, session.ErrPlaintextDisabled)
}
