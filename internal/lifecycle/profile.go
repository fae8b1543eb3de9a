package lifecycle

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/danmuck/ircmux/internal/network"
	"github.com/danmuck/ircmux/internal/session"
)

// Profile describes how to reach one network.
type Profile struct {
	ID       string
	Host     string
	Port     int
	TLS      session.TLSConfig
	Nick     string
	AltNicks []string
	User     string
	Realname string
	// PasswordSecret is a credentials key resolved at connect time.
	PasswordSecret string
	Autojoin       []string
	AutoConnect    bool
}

func (p Profile) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ProfileSource supplies network profiles. A profile that disappears stops
// its reconnect loop for good.
type ProfileSource interface {
	Profile(id string) (Profile, bool)
	IDs() []string
}

// Profiles is an in-memory ProfileSource.
type Profiles struct {
	mu    sync.RWMutex
	items map[string]Profile
}

func NewProfiles(items ...Profile) *Profiles {
	p := &Profiles{items: make(map[string]Profile, len(items))}
	for _, it := range items {
		p.items[it.ID] = it
	}
	return p
}

func (p *Profiles) Profile(id string) (Profile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, ok := p.items[id]
	return it, ok
}

func (p *Profiles) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.items))
	for id := range p.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Profiles) Set(it Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[it.ID] = it
}

func (p *Profiles) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
}

// DialRequest is everything a Dialer needs for one attempt. Password is
// resolved from credentials and never stored by the manager.
type DialRequest struct {
	Profile  Profile
	Password string
	Session  session.Config
}

// Dialer opens a registered protocol connection.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (network.Conn, error)
}
