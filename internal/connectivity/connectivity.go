// Package connectivity observes whether the host has a usable network path.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/observability"
)

// Source reports host connectivity and its transitions.
type Source interface {
	Available() bool
	// Subscribe registers fn for availability transitions and returns a
	// func that removes it.
	Subscribe(fn func(available bool)) func()
}

type Config struct {
	// Targets are host:port endpoints probed with a TCP connect. Any
	// successful connect counts as available.
	Targets  []string
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold is the number of consecutive failed probes before
	// the path is reported lost.
	FailureThreshold int
}

func DefaultConfig() Config {
	return Config{
		Targets:          []string{"1.1.1.1:443", "8.8.8.8:443"},
		Interval:         10 * time.Second,
		Timeout:          3 * time.Second,
		FailureThreshold: 2,
	}
}

type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

func (s *subscribers) notify(available bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(available)
	}
}

// Monitor probes TCP endpoints on an interval.
type Monitor struct {
	cfg  Config
	dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu        sync.Mutex
	available bool
	failures  int
	subs      subscribers
}

// NewMonitor returns a monitor that starts out assuming connectivity. With
// no targets it never reports loss.
func NewMonitor(cfg Config) *Monitor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	dialer := &net.Dialer{}
	return &Monitor{cfg: cfg, dial: dialer.DialContext, available: true}
}

func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *Monitor) Subscribe(fn func(bool)) func() {
	return m.subs.add(fn)
}

// Probe checks every target once and applies the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if len(m.cfg.Targets) == 0 {
		return m.Available()
	}
	ok := false
	for _, target := range m.cfg.Targets {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		conn, err := m.dial(probeCtx, "tcp", target)
		cancel()
		if err == nil {
			_ = conn.Close()
			ok = true
			break
		}
		log.Debug().Str("target", target).Err(err).Msg("connectivity.Monitor.probe failed")
	}
	m.record(ok)
	return m.Available()
}

func (m *Monitor) record(ok bool) {
	m.mu.Lock()
	prev := m.available
	if ok {
		m.failures = 0
		m.available = true
	} else {
		m.failures++
		if m.failures >= m.cfg.FailureThreshold {
			m.available = false
		}
	}
	now := m.available
	m.mu.Unlock()

	if prev == now {
		return
	}
	observability.SetConnectivity(now)
	log.Info().Bool("available", now).Msg("connectivity.Monitor transition")
	m.subs.notify(now)
}

// Run probes until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	observability.SetConnectivity(m.Available())
	if len(m.cfg.Targets) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Static is a Source whose availability is set by hand.
type Static struct {
	mu        sync.Mutex
	available bool
	subs      subscribers
}

func NewStatic(available bool) *Static {
	return &Static{available: available}
}

func (s *Static) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *Static) Subscribe(fn func(bool)) func() {
	return s.subs.add(fn)
}

// Set changes availability and notifies subscribers on a transition.
func (s *Static) Set(available bool) {
	s.mu.Lock()
	changed := s.available != available
	s.available = available
	s.mu.Unlock()
	if changed {
		s.subs.notify(available)
	}
}
