package network

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleConfig paces outgoing lines: Burst lines may go out back to back,
// after which one line is released per Interval.
type ThrottleConfig struct {
	Burst    int
	Interval time.Duration
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{Burst: 5, Interval: 500 * time.Millisecond}
}

// Throttle paces a network's outgoing lines and holds per-key gates.
type Throttle struct {
	lines *rate.Limiter

	mu    sync.Mutex
	gates map[string]*rate.Limiter
	now   func() time.Time
}

func NewThrottle(cfg ThrottleConfig) *Throttle {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		lines: rate.NewLimiter(limit, burst),
		gates: make(map[string]*rate.Limiter),
		now:   time.Now,
	}
}

// Wait blocks until a line may be sent or ctx ends.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.lines.Wait(ctx)
}

// Allow reports whether the gate for key is open and, if so, closes it for
// every. Gates that have fully reopened are pruned.
func (t *Throttle) Allow(key string, every time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, g := range t.gates {
		if g.TokensAt(now) >= 1 {
			delete(t.gates, k)
		}
	}
	g, ok := t.gates[key]
	if !ok {
		g = rate.NewLimiter(rate.Every(every), 1)
		t.gates[key] = g
	} else if g.Limit() != rate.Every(every) {
		g.SetLimitAt(now, rate.Every(every))
	}
	return g.AllowN(now, 1)
}
