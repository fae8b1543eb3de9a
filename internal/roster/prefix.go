package roster

import "strings"

// DefaultPrefix is assumed until the server advertises PREFIX.
const DefaultPrefix = "(ov)@+"

// PrefixTable maps channel status modes to display symbols. Index order is
// rank: lower index means higher privilege.
type PrefixTable struct {
	modes   []byte
	symbols []byte
}

// ParsePrefix parses a PREFIX token such as "(qaohv)~&@%+". Malformed input
// yields the default table.
func ParsePrefix(token string) PrefixTable {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "(") {
		return ParsePrefix(DefaultPrefix)
	}
	end := strings.IndexByte(token, ')')
	if end < 0 {
		return ParsePrefix(DefaultPrefix)
	}
	modes := token[1:end]
	symbols := token[end+1:]
	if len(modes) != len(symbols) {
		return ParsePrefix(DefaultPrefix)
	}
	return PrefixTable{modes: []byte(modes), symbols: []byte(symbols)}
}

// Len reports the number of status levels.
func (p PrefixTable) Len() int {
	return len(p.modes)
}

// Rank returns the rank of a status mode, or Len() when unknown.
func (p PrefixTable) Rank(mode byte) int {
	for i, m := range p.modes {
		if m == mode {
			return i
		}
	}
	return len(p.modes)
}

// IsMode reports whether mode is a status mode.
func (p PrefixTable) IsMode(mode byte) bool {
	return p.Rank(mode) < len(p.modes)
}

// ModeForSymbol maps a display symbol back to its mode letter.
func (p PrefixTable) ModeForSymbol(symbol byte) (byte, bool) {
	for i, s := range p.symbols {
		if s == symbol {
			return p.modes[i], true
		}
	}
	return 0, false
}

// Symbol returns the display symbol for mode, or "" when unknown.
func (p PrefixTable) Symbol(mode byte) string {
	for i, m := range p.modes {
		if m == mode {
			return string(p.symbols[i])
		}
	}
	return ""
}

// Split strips leading status symbols from a roster entry and returns the
// bare nickname plus the matching modes. Servers with multi-prefix may send
// several symbols.
func (p PrefixTable) Split(raw string) (string, []byte) {
	var modes []byte
	i := 0
	for i < len(raw) {
		mode, ok := p.ModeForSymbol(raw[i])
		if !ok {
			break
		}
		modes = append(modes, mode)
		i++
	}
	nick := raw[i:]
	// userhost-in-names
	if bang := strings.IndexByte(nick, '!'); bang > 0 {
		nick = nick[:bang]
	}
	return nick, modes
}

// Highest returns the best-ranked mode in set and its rank.
func (p PrefixTable) Highest(set map[byte]struct{}) (byte, int) {
	best := len(p.modes)
	var mode byte
	for m := range set {
		if r := p.Rank(m); r < best {
			best = r
			mode = m
		}
	}
	return mode, best
}
