package ircwire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/roster"
	"github.com/danmuck/ircmux/internal/session"
)

var (
	ErrClosed         = errors.New("ircwire: connection closed")
	ErrUnknownCommand = errors.New("ircwire: unknown command")
	ErrMissingArgs    = errors.New("ircwire: missing arguments")
	ErrInvalidLine    = errors.New("ircwire: line contains CR or LF")
)

const (
	eventBuffer = 256
	// maxTextBytes keeps PRIVMSG lines under the 512 byte limit with room
	// for the relayed prefix.
	maxTextBytes = 400
)

// wantedCaps are requested when the server offers them.
var wantedCaps = []string{"server-time", "multi-prefix", "batch", "message-tags", "echo-message"}

// Conn is one registered-or-registering connection. The read loop is the
// only producer of server events; local echoes share the same channel.
type Conn struct {
	nc      net.Conn
	cfg     session.Config
	profile lifecycle.Profile
	pass    string
	now     func() time.Time

	writeMu sync.Mutex
	w       *bufio.Writer

	sendMu       sync.Mutex
	events       chan event.Event
	eventsClosed bool

	stateMu  sync.Mutex
	nick     string
	nickTry  int
	mapping  roster.Mapping
	caps     map[string]bool
	capsLS   []string
	batches  map[string]string
	pingTok  string
	pingSent time.Time

	registered atomic.Bool
	quitting   atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
	loopDone   chan struct{}
}

func newConn(nc net.Conn, profile lifecycle.Profile, password string, cfg session.Config) *Conn {
	return &Conn{
		nc:       nc,
		cfg:      cfg.WithDefaults(),
		profile:  profile,
		pass:     password,
		now:      time.Now,
		w:        bufio.NewWriter(nc),
		events:   make(chan event.Event, eventBuffer),
		nick:     profile.Nick,
		mapping:  roster.MappingRFC1459,
		caps:     make(map[string]bool),
		batches:  make(map[string]string),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// start sends registration and launches the read and keepalive loops.
func (c *Conn) start() error {
	if err := c.sendRaw("CAP LS 302"); err != nil {
		return err
	}
	if c.pass != "" {
		if err := c.send("PASS", c.pass); err != nil {
			return err
		}
	}
	user := c.profile.User
	if user == "" {
		user = c.profile.Nick
	}
	realname := c.profile.Realname
	if realname == "" {
		realname = c.profile.Nick
	}
	if err := c.send("NICK", c.profile.Nick); err != nil {
		return err
	}
	if err := c.send("USER", user, "0", "*", realname); err != nil {
		return err
	}
	go c.readLoop()
	go c.keepalive()
	return nil
}

func (c *Conn) Events() <-chan event.Event {
	return c.events
}

// Nick returns the current nickname.
func (c *Conn) Nick() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.nick
}

func (c *Conn) emit(ev event.Event) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Conn) closeEvents() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}

func (c *Conn) meta() event.Meta {
	return event.Stamp(c.now())
}

// send serialises a command with ircmsg and writes it.
func (c *Conn) send(command string, params ...string) error {
	msg := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := msg.Line()
	if err != nil {
		return err
	}
	return c.sendRaw(line)
}

func (c *Conn) sendRaw(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.ContainsAny(line, "\r\n") {
		return ErrInvalidLine
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendRaw writes one protocol line as given.
func (c *Conn) SendRaw(line string) error {
	return c.sendRaw(line)
}

// Privmsg sends text to target, one line per newline, split to fit.
func (c *Conn) Privmsg(target, text string) error {
	return c.sendText("PRIVMSG", target, text, false)
}

func (c *Conn) Notice(target, text string) error {
	return c.sendText("NOTICE", target, text, false)
}

// Action sends a CTCP ACTION.
func (c *Conn) Action(target, text string) error {
	if err := c.send("PRIVMSG", target, "\x01ACTION "+text+"\x01"); err != nil {
		return err
	}
	c.echo(target, text, false, true)
	return nil
}

func (c *Conn) sendText(command, target, text string, action bool) error {
	if target == "" {
		return fmt.Errorf("%w: target", ErrMissingArgs)
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		for _, part := range splitText(line, maxTextBytes) {
			if err := c.send(command, target, part); err != nil {
				return err
			}
			c.echo(target, part, command == "NOTICE", action)
		}
	}
	return nil
}

// echo reports an own message locally unless the server echoes it.
func (c *Conn) echo(target, text string, notice, action bool) {
	c.stateMu.Lock()
	echoed := c.caps["echo-message"]
	nick := c.nick
	c.stateMu.Unlock()
	if echoed {
		return
	}
	c.emit(event.Message{Meta: c.meta(), From: nick, Target: target, Text: text, Notice: notice, Action: action})
}

func (c *Conn) CTCP(target, payload string) error {
	return c.send("PRIVMSG", target, "\x01"+payload+"\x01")
}

func (c *Conn) CTCPReply(target, payload string) error {
	return c.send("NOTICE", target, "\x01"+payload+"\x01")
}

// Quit sends QUIT and waits for the server to close, bounded by ctx.
func (c *Conn) Quit(ctx context.Context, reason string) error {
	c.quitting.Store(true)
	if reason == "" {
		reason = "Leaving"
	}
	if err := c.send("QUIT", reason); err != nil {
		return err
	}
	select {
	case <-c.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close force-closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.loopDone:
			return
		case <-ticker.C:
			if !c.registered.Load() {
				continue
			}
			now := c.now()
			tok := fmt.Sprintf("ircmux-%d", now.UnixNano())
			c.stateMu.Lock()
			outstanding := c.pingTok != ""
			if !outstanding {
				c.pingTok = tok
				c.pingSent = now
			}
			c.stateMu.Unlock()
			// The read deadline covers an unanswered ping.
			if outstanding {
				continue
			}
			if err := c.send("PING", tok); err != nil {
				log.Debug().Str("network", c.profile.ID).Err(err).Msg("ircwire.Conn.keepalive ping failed")
				return
			}
		}
	}
}

// splitText cuts s into pieces of at most max bytes on rune boundaries,
// preferring the last space.
func splitText(s string, max int) []string {
	var out []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8Start(s[cut]) {
			cut--
		}
		if sp := strings.LastIndexByte(s[:cut], ' '); sp > max/2 {
			cut = sp
		}
		out = append(out, s[:cut])
		s = strings.TrimLeft(s[cut:], " ")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
