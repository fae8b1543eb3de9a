package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var (
	ErrNotDCC       = errors.New("transfer: not a DCC payload")
	ErrMalformedDCC = errors.New("transfer: malformed DCC payload")
)

const (
	TypeSend = "SEND"
	TypeChat = "CHAT"
)

// Payload is one CTCP DCC request:
//
//	DCC SEND <filename> <address> <port> [<size> [<token>]]
//	DCC CHAT chat <address> <port> [<token>]
//
// A port of zero with a token is a passive (reverse) offer; a non-zero port
// with a token is the reply to one.
type Payload struct {
	Type     string
	Filename string
	Addr     netip.Addr
	Port     int
	// Size is -1 when the peer did not announce one.
	Size  int64
	Token string
}

// Passive reports whether the sender asks the receiver to listen.
func (p Payload) Passive() bool {
	return p.Port == 0 && p.Token != ""
}

// IsReply reports whether the payload answers a passive offer.
func (p Payload) IsReply() bool {
	return p.Port != 0 && p.Token != ""
}

// Endpoint is the host:port the payload announces.
func (p Payload) Endpoint() string {
	return netip.AddrPortFrom(p.Addr, uint16(p.Port)).String()
}

// ParseDCC decodes a CTCP payload with the \x01 framing already removed.
func ParseDCC(payload string) (Payload, error) {
	fields, err := splitDCC(strings.TrimSpace(payload))
	if err != nil {
		return Payload{}, err
	}
	if len(fields) < 2 || !strings.EqualFold(fields[0], "DCC") {
		return Payload{}, ErrNotDCC
	}
	p := Payload{Type: strings.ToUpper(fields[1]), Size: -1}
	rest := fields[2:]
	switch p.Type {
	case TypeSend:
		if len(rest) < 3 {
			return Payload{}, fmt.Errorf("%w: SEND needs filename, address and port", ErrMalformedDCC)
		}
	case TypeChat:
		if len(rest) < 3 {
			return Payload{}, fmt.Errorf("%w: CHAT needs protocol, address and port", ErrMalformedDCC)
		}
	default:
		return Payload{}, fmt.Errorf("%w: unsupported type %q", ErrMalformedDCC, fields[1])
	}
	p.Filename = rest[0]
	if p.Filename == "" {
		return Payload{}, fmt.Errorf("%w: empty filename", ErrMalformedDCC)
	}
	addr, err := ParseAddress(rest[1])
	if err != nil {
		return Payload{}, err
	}
	p.Addr = addr
	port, err := strconv.Atoi(rest[2])
	if err != nil || port < 0 || port > 65535 {
		return Payload{}, fmt.Errorf("%w: bad port %q", ErrMalformedDCC, rest[2])
	}
	p.Port = port
	rest = rest[3:]

	if p.Type == TypeSend && len(rest) > 0 {
		size, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil || size < 0 {
			return Payload{}, fmt.Errorf("%w: bad size %q", ErrMalformedDCC, rest[0])
		}
		p.Size = size
		rest = rest[1:]
	}
	if len(rest) > 0 {
		p.Token = rest[0]
	}
	if p.Port == 0 && p.Token == "" {
		return Payload{}, fmt.Errorf("%w: port 0 without token", ErrMalformedDCC)
	}
	return p, nil
}

// String encodes p as a CTCP payload without the \x01 framing.
func (p Payload) String() string {
	var b strings.Builder
	b.WriteString("DCC ")
	b.WriteString(p.Type)
	b.WriteByte(' ')
	b.WriteString(quoteFilename(p.Filename))
	b.WriteByte(' ')
	b.WriteString(FormatAddress(p.Addr))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(p.Port))
	if p.Type == TypeSend {
		size := p.Size
		if size < 0 {
			size = 0
		}
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(size, 10))
	}
	if p.Token != "" {
		b.WriteByte(' ')
		b.WriteString(p.Token)
	}
	return b.String()
}

// ParseAddress accepts an IPv4 address as a 32-bit decimal integer, or an
// IPv4/IPv6 literal.
func ParseAddress(text string) (netip.Addr, error) {
	if text != "" && strings.Trim(text, "0123456789") == "" {
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: bad address %q", ErrMalformedDCC, text)
		}
		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], uint32(n))
		return netip.AddrFrom4(raw), nil
	}
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: bad address %q", ErrMalformedDCC, text)
	}
	return addr.Unmap(), nil
}

// FormatAddress renders IPv4 as the legacy decimal integer and IPv6 as a
// literal.
func FormatAddress(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is4() {
		raw := addr.As4()
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(raw[:])), 10)
	}
	return addr.String()
}

func quoteFilename(name string) string {
	if strings.ContainsAny(name, " \t\"") {
		return `"` + strings.ReplaceAll(name, `"`, "'") + `"`
	}
	return name
}

// splitDCC splits on spaces, keeping double-quoted fields intact.
func splitDCC(text string) ([]string, error) {
	var fields []string
	for i := 0; i < len(text); {
		for i < len(text) && text[i] == ' ' {
			i++
		}
		if i >= len(text) {
			break
		}
		if text[i] == '"' {
			end := strings.IndexByte(text[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quote", ErrMalformedDCC)
			}
			fields = append(fields, text[i+1:i+1+end])
			i += end + 2
			continue
		}
		end := strings.IndexByte(text[i:], ' ')
		if end < 0 {
			fields = append(fields, text[i:])
			break
		}
		fields = append(fields, text[i:i+end])
		i += end
	}
	return fields, nil
}
