package ircwire

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SlashCommand runs one line of user input in the context of target, the
// selected buffer. Input without a leading slash, or with a doubled one,
// is sent as a message.
func (c *Conn) SlashCommand(target, input string) error {
	input = strings.TrimRight(input, "\r\n")
	if !strings.HasPrefix(input, "/") || strings.HasPrefix(input, "//") {
		text := input
		if strings.HasPrefix(text, "//") {
			text = text[1:]
		}
		return c.Privmsg(target, text)
	}
	name, rest, _ := strings.Cut(input[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch strings.ToLower(name) {
	case "join", "j":
		if len(args) == 0 {
			return c.missing(name)
		}
		return c.send("JOIN", args...)
	case "part", "leave":
		channel, reason := target, ""
		if len(args) > 0 && isChannelName(args[0]) {
			channel = args[0]
			reason = strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		} else {
			reason = rest
		}
		if channel == "" {
			return c.missing(name)
		}
		if reason == "" {
			return c.send("PART", channel)
		}
		return c.send("PART", channel, reason)
	case "msg", "query":
		to, text, ok := splitFirst(rest)
		if !ok {
			return c.missing(name)
		}
		return c.Privmsg(to, text)
	case "notice":
		to, text, ok := splitFirst(rest)
		if !ok {
			return c.missing(name)
		}
		return c.Notice(to, text)
	case "me":
		if target == "" || rest == "" {
			return c.missing(name)
		}
		return c.Action(target, rest)
	case "nick":
		if len(args) == 0 {
			return c.missing(name)
		}
		return c.send("NICK", args[0])
	case "topic":
		channel, topic := target, rest
		if len(args) > 0 && isChannelName(args[0]) {
			channel = args[0]
			topic = strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		}
		if channel == "" {
			return c.missing(name)
		}
		if topic == "" {
			return c.send("TOPIC", channel)
		}
		return c.send("TOPIC", channel, topic)
	case "mode":
		if len(args) == 0 {
			if target == "" {
				return c.missing(name)
			}
			return c.send("MODE", target)
		}
		if !isChannelName(args[0]) && target != "" && (args[0][0] == '+' || args[0][0] == '-') {
			return c.send("MODE", append([]string{target}, args...)...)
		}
		return c.send("MODE", args...)
	case "kick":
		channel := target
		if len(args) > 0 && isChannelName(args[0]) {
			channel, args = args[0], args[1:]
		}
		if channel == "" || len(args) == 0 {
			return c.missing(name)
		}
		if len(args) > 1 {
			return c.send("KICK", channel, args[0], strings.Join(args[1:], " "))
		}
		return c.send("KICK", channel, args[0])
	case "invite":
		if len(args) == 0 {
			return c.missing(name)
		}
		channel := target
		if len(args) > 1 {
			channel = args[1]
		}
		return c.send("INVITE", args[0], channel)
	case "whois":
		if len(args) == 0 {
			return c.missing(name)
		}
		return c.send("WHOIS", args[0])
	case "away":
		if rest == "" {
			return c.send("AWAY")
		}
		return c.send("AWAY", rest)
	case "ctcp":
		to, payload, ok := splitFirst(rest)
		if !ok {
			return c.missing(name)
		}
		cmd, arg, _ := strings.Cut(payload, " ")
		cmd = strings.ToUpper(cmd)
		if cmd == "PING" && arg == "" {
			arg = fmt.Sprint(c.now().UnixMilli())
		}
		if arg == "" {
			return c.CTCP(to, cmd)
		}
		return c.CTCP(to, cmd+" "+arg)
	case "quote", "raw":
		if rest == "" {
			return c.missing(name)
		}
		return c.SendRaw(rest)
	case "quit":
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return c.Quit(ctx, rest)
	default:
		return fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
}

func (c *Conn) missing(name string) error {
	return fmt.Errorf("%w: /%s", ErrMissingArgs, name)
}

func splitFirst(s string) (string, string, bool) {
	first, rest, ok := strings.Cut(strings.TrimSpace(s), " ")
	rest = strings.TrimSpace(rest)
	if !ok || first == "" || rest == "" {
		return "", "", false
	}
	return first, rest, true
}

func isChannelName(s string) bool {
	return s != "" && strings.ContainsRune("#&!+", rune(s[0]))
}
