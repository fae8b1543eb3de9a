package ircwire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/roster"
)

const maxLineBytes = 8192 + 512

var historyBatchTypes = map[string]bool{
	"chathistory":       true,
	"znc.in/playback":   true,
	"draft/chathistory": true,
}

// readLoop parses lines until the socket ends, then closes the event stream.
// A read error other than a local close is reported as a Disconnected event.
func (c *Conn) readLoop() {
	defer close(c.loopDone)
	defer c.closeEvents()

	r := bufio.NewReaderSize(c.nc, 4096)
	reason := "connection closed"
	for {
		_ = c.nc.SetReadDeadline(c.now().Add(c.cfg.ReadTimeout))
		line, err := readLine(r)
		if line != "" {
			c.handleLine(line)
		}
		if err != nil {
			reason = disconnectReason(err, c.quitting.Load())
			break
		}
	}
	select {
	case <-c.done:
		// Locally closed; the owner reports the disconnect.
	default:
		c.emit(event.Disconnected{Meta: c.meta(), Reason: reason})
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if b.Len()+len(chunk) <= maxLineBytes {
			b.Write(chunk)
		}
		if err != nil {
			return strings.TrimRight(b.String(), "\r"), err
		}
		if !isPrefix {
			return strings.TrimRight(b.String(), "\r"), nil
		}
	}
}

func disconnectReason(err error, quitting bool) string {
	var ne net.Error
	switch {
	case quitting, errors.Is(err, io.EOF):
		return "connection closed"
	case errors.As(err, &ne) && ne.Timeout():
		return "ping timeout"
	default:
		return err.Error()
	}
}

func (c *Conn) handleLine(line string) {
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		log.Debug().Str("network", c.profile.ID).Err(err).Msg("ircwire.Conn.handleLine unparseable")
		return
	}
	meta := c.metaFor(&msg)
	params := msg.Params
	from := sourceNick(msg.Source)

	switch msg.Command {
	case "PING":
		_ = c.send("PONG", params...)
	case "PONG":
		c.pong(meta, params)
	case "CAP":
		c.capability(params)
	case "AUTHENTICATE":
	case "BATCH":
		c.batch(params)
	case "ERROR":
		c.emit(event.Error{Meta: meta, Text: param(params, 0)})
	case "001":
		c.welcome(meta, msg.Source, params)
	case "005":
		c.isupport(meta, params)
	case "432", "433", "436", "437":
		c.nickInUse(meta, msg.Command, params)
	case "JOIN":
		c.emit(event.Join{Meta: meta, Nick: from, Channel: param(params, 0)})
	case "PART":
		c.emit(event.Part{Meta: meta, Nick: from, Channel: param(params, 0), Reason: param(params, 1)})
	case "KICK":
		c.emit(event.Kick{Meta: meta, By: from, Channel: param(params, 0), Nick: param(params, 1), Reason: param(params, 2)})
	case "QUIT":
		c.emit(event.Quit{Meta: meta, Nick: from, Reason: param(params, 0)})
	case "NICK":
		c.nickChange(meta, from, param(params, 0))
	case "TOPIC":
		c.emit(event.Topic{Meta: meta, Channel: param(params, 0), Topic: param(params, 1), By: from})
	case "332":
		c.emit(event.Topic{Meta: meta, Channel: param(params, 1), Topic: param(params, 2)})
	case "331":
		c.emit(event.Topic{Meta: meta, Channel: param(params, 1)})
	case "MODE":
		if len(params) >= 2 {
			c.emit(event.Mode{Meta: meta, By: from, Target: params[0], Modes: params[1], Args: append([]string(nil), params[2:]...)})
		}
	case "324":
		if len(params) >= 3 {
			modes := strings.TrimSpace(strings.Join(params[2:], " "))
			c.emit(event.ChannelModeIs{Meta: meta, Channel: params[1], Modes: modes})
		}
	case "353":
		// <me> <symbol> <channel> :<members>
		if len(params) >= 4 {
			c.emit(event.NamesReply{Meta: meta, Channel: params[2], Members: strings.Fields(params[3])})
		}
	case "366":
		c.emit(event.NamesEnd{Meta: meta, Channel: param(params, 1)})
	case "367", "348", "346":
		c.listEntry(meta, msg.Command, params)
	case "368", "349", "347":
		c.emit(event.ListEnd{Meta: meta, Channel: param(params, 1), Kind: listKind(msg.Command)})
	case "381":
		c.emit(event.OperStatus{Meta: meta, Oper: true})
	case "PRIVMSG", "NOTICE":
		c.message(meta, msg.Command == "NOTICE", msg.Source, params)
	default:
		c.serverText(meta, msg.Command, params)
	}
}

// metaFor applies server-time, msgid and batch membership.
func (c *Conn) metaFor(msg *ircmsg.Message) event.Meta {
	meta := c.meta()
	if ok, v := msg.GetTag("time"); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			meta.Time = t
		}
	}
	if ok, v := msg.GetTag("msgid"); ok {
		meta.ID = v
	}
	if ok, v := msg.GetTag("batch"); ok {
		c.stateMu.Lock()
		meta.History = historyBatchTypes[c.batches[v]]
		c.stateMu.Unlock()
	}
	return meta
}

func (c *Conn) batch(params []string) {
	ref := param(params, 0)
	if len(ref) < 2 {
		return
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch ref[0] {
	case '+':
		c.batches[ref[1:]] = param(params, 1)
	case '-':
		delete(c.batches, ref[1:])
	}
}

func (c *Conn) capability(params []string) {
	// <target> <subcommand> [*] :<caps>
	if len(params) < 3 {
		return
	}
	sub := strings.ToUpper(params[1])
	more := len(params) >= 4 && params[2] == "*"
	list := params[len(params)-1]

	switch sub {
	case "LS":
		c.stateMu.Lock()
		for _, capab := range strings.Fields(list) {
			name, _, _ := strings.Cut(capab, "=")
			c.capsLS = append(c.capsLS, name)
		}
		offered := c.capsLS
		c.stateMu.Unlock()
		if more {
			return
		}
		var req []string
		for _, want := range wantedCaps {
			for _, have := range offered {
				if have == want {
					req = append(req, want)
					break
				}
			}
		}
		if len(req) == 0 || c.registered.Load() {
			_ = c.send("CAP", "END")
			return
		}
		_ = c.send("CAP", "REQ", strings.Join(req, " "))
	case "ACK":
		c.stateMu.Lock()
		for _, capab := range strings.Fields(list) {
			if strings.HasPrefix(capab, "-") {
				delete(c.caps, capab[1:])
				continue
			}
			c.caps[capab] = true
		}
		c.stateMu.Unlock()
		if !c.registered.Load() {
			_ = c.send("CAP", "END")
		}
	case "NAK":
		if !c.registered.Load() {
			_ = c.send("CAP", "END")
		}
	}
}

func (c *Conn) welcome(meta event.Meta, source string, params []string) {
	nick := param(params, 0)
	c.stateMu.Lock()
	if nick != "" {
		c.nick = nick
	} else {
		nick = c.nick
	}
	c.stateMu.Unlock()
	c.registered.Store(true)
	c.emit(event.Connected{Meta: meta, Nick: nick, Server: source})
	if text := param(params, 1); text != "" {
		c.emit(event.ServerText{Meta: meta, Code: "001", Text: text})
	}
	for _, ch := range c.profile.Autojoin {
		if ch = strings.TrimSpace(ch); ch != "" {
			_ = c.send("JOIN", ch)
		}
	}
}

func (c *Conn) isupport(meta event.Meta, params []string) {
	// <me> TOKEN[=value]... :are supported by this server
	if len(params) < 2 {
		return
	}
	tokens := make(map[string]string)
	for _, tok := range params[1 : len(params)-1] {
		key, value, _ := strings.Cut(tok, "=")
		if key == "" {
			continue
		}
		tokens[key] = value
		if strings.EqualFold(key, "CASEMAPPING") {
			c.stateMu.Lock()
			c.mapping = roster.ParseMapping(value)
			c.stateMu.Unlock()
		}
	}
	if len(tokens) > 0 {
		c.emit(event.Support{Meta: meta, Tokens: tokens})
	}
}

// nickInUse walks the alternates, then appends underscores. After
// registration the server's complaint is only reported.
func (c *Conn) nickInUse(meta event.Meta, code string, params []string) {
	text := strings.TrimSpace(param(params, 1) + " " + param(params, 2))
	if c.registered.Load() {
		c.emit(event.ServerText{Meta: meta, Code: code, Text: text, IsError: true})
		return
	}
	c.stateMu.Lock()
	var next string
	if c.nickTry < len(c.profile.AltNicks) {
		next = c.profile.AltNicks[c.nickTry]
	} else {
		next = c.nick + "_"
	}
	c.nickTry++
	c.nick = next
	c.stateMu.Unlock()
	c.emit(event.ServerText{Meta: meta, Code: code, Text: text + ", trying " + next, IsError: true})
	_ = c.send("NICK", next)
}

func (c *Conn) nickChange(meta event.Meta, old, nick string) {
	c.stateMu.Lock()
	if c.mapping.Fold(old) == c.mapping.Fold(c.nick) {
		c.nick = nick
	}
	c.stateMu.Unlock()
	c.emit(event.NickChange{Meta: meta, Old: old, New: nick})
}

func (c *Conn) pong(meta event.Meta, params []string) {
	tok := param(params, len(params)-1)
	c.stateMu.Lock()
	matched := tok != "" && tok == c.pingTok
	sent := c.pingSent
	if matched {
		c.pingTok = ""
	}
	c.stateMu.Unlock()
	if matched {
		c.emit(event.Latency{Meta: meta, RTT: c.now().Sub(sent)})
	}
}

func (c *Conn) listEntry(meta event.Meta, code string, params []string) {
	// <me> <channel> <mask> [<setter> <time>]
	if len(params) < 3 {
		return
	}
	ev := event.ListEntry{Meta: meta, Channel: params[1], Kind: listKind(code), Mask: params[2], SetBy: param(params, 3)}
	if secs, err := strconv.ParseInt(param(params, 4), 10, 64); err == nil {
		ev.SetAt = time.Unix(secs, 0)
	}
	c.emit(ev)
}

func listKind(code string) byte {
	switch code {
	case "348", "349":
		return 'e'
	case "346", "347":
		return 'I'
	default:
		return 'b'
	}
}

func (c *Conn) message(meta event.Meta, notice bool, source string, params []string) {
	if len(params) < 2 {
		return
	}
	from := sourceNick(source)
	target, text := params[0], params[1]
	if len(text) >= 2 && text[0] == '\x01' {
		body := strings.TrimSuffix(text[1:], "\x01")
		command, args, _ := strings.Cut(body, " ")
		command = strings.ToUpper(command)
		switch {
		case command == "ACTION" && !notice:
			c.emit(event.Message{Meta: meta, From: from, Target: target, Text: args, Action: true})
		case notice:
			c.emit(event.CTCPReply{Meta: meta, From: from, Command: command, Args: args})
		default:
			c.emit(event.CTCPRequest{Meta: meta, From: from, Target: target, Command: command, Args: args})
		}
		return
	}
	c.emit(event.Message{Meta: meta, From: from, Target: target, Text: text, Notice: notice})
}

func (c *Conn) serverText(meta event.Meta, command string, params []string) {
	if len(command) != 3 || !isDigits(command) {
		log.Debug().Str("network", c.profile.ID).Str("command", command).Msg("ircwire.Conn.handleLine unhandled")
		return
	}
	// Drop the leading recipient nick.
	rest := params
	if len(rest) > 0 {
		rest = rest[1:]
	}
	text := strings.Join(rest, " ")
	isError := command[0] == '4' || command[0] == '5'
	c.emit(event.ServerText{
		Meta:    meta,
		Code:    command,
		Text:    text,
		IsError: isError,
		Fatal:   command == "465" || command == "464",
	})
}

func sourceNick(source string) string {
	if i := strings.IndexByte(source, '!'); i >= 0 {
		return source[:i]
	}
	if strings.Contains(source, "@") {
		return source[:strings.IndexByte(source, '@')]
	}
	return source
}

func param(params []string, i int) string {
	if i < 0 || i >= len(params) {
		return ""
	}
	return params[i]
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
