package roster

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Mapping is a network-advertised case-folding rule.
type Mapping int

const (
	MappingRFC1459 Mapping = iota
	MappingASCII
	MappingStrictRFC1459
	MappingPermissive
)

var unicodeLower = cases.Lower(language.Und)

// ParseMapping selects a rule from a CASEMAPPING token. Unknown or empty
// tokens fall back to RFC1459.
func ParseMapping(token string) Mapping {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "ascii":
		return MappingASCII
	case "strict-rfc1459":
		return MappingStrictRFC1459
	case "rfc8265", "rfc7613", "precis":
		return MappingPermissive
	default:
		return MappingRFC1459
	}
}

func (m Mapping) String() string {
	switch m {
	case MappingASCII:
		return "ascii"
	case MappingStrictRFC1459:
		return "strict-rfc1459"
	case MappingPermissive:
		return "rfc8265"
	default:
		return "rfc1459"
	}
}

// Fold normalizes text for case-insensitive comparison under m.
func (m Mapping) Fold(text string) string {
	if m == MappingPermissive {
		text = unicodeLower.String(text)
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		case m == MappingASCII:
		case c == '[':
			c = '{'
		case c == ']':
			c = '}'
		case c == '\\':
			c = '|'
		case c == '~' && m != MappingStrictRFC1459:
			c = '^'
		}
		b.WriteByte(c)
	}
	return b.String()
}
