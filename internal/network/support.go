package network

import (
	"strings"

	"github.com/danmuck/ircmux/internal/roster"
	"github.com/danmuck/ircmux/internal/state"
)

// Support is the capability table a server advertised.
type Support struct {
	Tokens      map[string]string
	CaseMapping roster.Mapping
	Prefixes    roster.PrefixTable
	ChanTypes   string
	// ListModes are the type-A channel modes (ban-style lists).
	ListModes string
	Network   string
}

func DefaultSupport() Support {
	return Support{
		Tokens:      make(map[string]string),
		CaseMapping: roster.MappingRFC1459,
		Prefixes:    roster.ParsePrefix(roster.DefaultPrefix),
		ChanTypes:   state.DefaultChanTypes,
		ListModes:   "beI",
	}
}

// Apply merges advertised tokens and reports which derived tables changed.
func (s *Support) Apply(tokens map[string]string) (mappingChanged, prefixChanged bool) {
	if s.Tokens == nil {
		s.Tokens = make(map[string]string)
	}
	for name, value := range tokens {
		name = strings.ToUpper(strings.TrimSpace(name))
		if strings.HasPrefix(name, "-") {
			name = strings.TrimPrefix(name, "-")
			delete(s.Tokens, name)
			switch name {
			case "CASEMAPPING":
				if s.CaseMapping != roster.MappingRFC1459 {
					s.CaseMapping = roster.MappingRFC1459
					mappingChanged = true
				}
			case "PREFIX":
				s.Prefixes = roster.ParsePrefix(roster.DefaultPrefix)
				prefixChanged = true
			case "CHANTYPES":
				s.ChanTypes = state.DefaultChanTypes
			}
			continue
		}
		s.Tokens[name] = value
		switch name {
		case "CASEMAPPING":
			m := roster.ParseMapping(value)
			if m != s.CaseMapping {
				s.CaseMapping = m
				mappingChanged = true
			}
		case "PREFIX":
			s.Prefixes = roster.ParsePrefix(value)
			prefixChanged = true
		case "CHANTYPES":
			if value != "" {
				s.ChanTypes = value
			}
		case "CHANMODES":
			if groups := strings.SplitN(value, ",", 2); len(groups) > 0 && groups[0] != "" {
				s.ListModes = groups[0]
			}
		case "NETWORK":
			s.Network = value
		}
	}
	return mappingChanged, prefixChanged
}

// IsChannel reports whether name starts with an advertised channel type.
func (s Support) IsChannel(name string) bool {
	return name != "" && strings.IndexByte(s.ChanTypes, name[0]) >= 0
}

// IsListMode reports whether mode is a ban-style list mode.
func (s Support) IsListMode(mode byte) bool {
	return strings.IndexByte(s.ListModes, mode) >= 0
}

// TakesParam reports whether mode consumes an argument when set (adding)
// or unset (removing), per CHANMODES groups and status modes.
func (s Support) TakesParam(mode byte, adding bool) bool {
	if s.Prefixes.IsMode(mode) || s.IsListMode(mode) {
		return true
	}
	groups := strings.Split(s.Tokens["CHANMODES"], ",")
	if len(groups) < 3 {
		groups = []string{"beI", "k", "l", ""}
	}
	if strings.IndexByte(groups[1], mode) >= 0 {
		return true
	}
	if strings.IndexByte(groups[2], mode) >= 0 {
		return adding
	}
	return false
}
