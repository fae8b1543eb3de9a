package network

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/ircmux/internal/roster"
	"github.com/danmuck/ircmux/internal/testutil/testlog"
)

func TestSupportApplyDerivesTables(t *testing.T) {
	testlog.Start(t)
	s := DefaultSupport()
	mapping, prefix := s.Apply(map[string]string{
		"casemapping": "ascii",
		"PREFIX":      "(qaohv)~&@%+",
		"CHANTYPES":   "#",
		"CHANMODES":   "beIq,k,l,imnst",
		"NETWORK":     "Libera",
	})
	if !mapping || !prefix {
		t.Fatalf("expected both tables to change: mapping=%v prefix=%v", mapping, prefix)
	}
	if s.CaseMapping != roster.MappingASCII || s.Prefixes.Len() != 5 {
		t.Fatalf("unexpected support: %+v", s)
	}
	if s.IsChannel("&local") || !s.IsChannel("#go") {
		t.Fatalf("chantypes not applied: %q", s.ChanTypes)
	}
	if !s.IsListMode('q') || s.Network != "Libera" {
		t.Fatalf("unexpected list modes %q network %q", s.ListModes, s.Network)
	}
	if !s.TakesParam('k', false) || s.TakesParam('l', false) || !s.TakesParam('l', true) || s.TakesParam('n', true) {
		t.Fatalf("param rules wrong")
	}

	mapping, _ = s.Apply(map[string]string{"CASEMAPPING": "ascii"})
	if mapping {
		t.Fatalf("same mapping should not report a change")
	}
	mapping, _ = s.Apply(map[string]string{"-CASEMAPPING": ""})
	if !mapping || s.CaseMapping != roster.MappingRFC1459 {
		t.Fatalf("negated token should restore default mapping")
	}
}

func TestPendingKeyIgnoresActiveMapping(t *testing.T) {
	testlog.Start(t)
	if PendingKey("#Test[1]", 0) != PendingKey("#test{1}", 0) {
		t.Fatalf("pending key should fold with rfc1459")
	}
	if PendingKey("#test", 'b') == PendingKey("#test", 'e') {
		t.Fatalf("kinds must not share a key")
	}
}

func TestPendingTableAggregatesAndExpires(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1700000000, 0)
	p := NewPendingTable[string](time.Minute)
	key := PendingKey("#Test", 0)
	p.Add(key, "#Test", now, "alice")
	p.Add(key, "#test", now.Add(time.Second), "@bob", "+carol")
	agg, ok := p.Take(key, now.Add(2*time.Second))
	if !ok || len(agg.Items) != 3 || agg.Channel != "#Test" {
		t.Fatalf("unexpected aggregate: %+v ok=%v", agg, ok)
	}
	if _, ok := p.Take(key, now); ok {
		t.Fatalf("take must consume the aggregate")
	}

	p.Add(key, "#Test", now, "stale")
	if _, ok := p.Take(key, now.Add(2*time.Minute)); ok {
		t.Fatalf("stale aggregate should be dropped")
	}

	p.Add(key, "#Test", now, "old")
	p.Add(key, "#Test", now.Add(2*time.Minute), "fresh")
	agg, _ = p.Take(key, now.Add(2*time.Minute))
	if len(agg.Items) != 1 || agg.Items[0] != "fresh" {
		t.Fatalf("stale aggregate should restart on add: %+v", agg.Items)
	}

	p.Add(PendingKey("#a", 0), "#a", now)
	p.Add(PendingKey("#b", 0), "#b", now.Add(time.Minute))
	if n := p.Prune(now.Add(90 * time.Second)); n != 1 || p.Len() != 1 {
		t.Fatalf("prune removed %d, left %d", n, p.Len())
	}
}

func TestThrottleBurstThenPaces(t *testing.T) {
	testlog.Start(t)
	th := NewThrottle(ThrottleConfig{Burst: 2, Interval: 20 * time.Millisecond})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := th.Wait(ctx); err != nil {
			t.Fatalf("burst wait: %v", err)
		}
	}
	if time.Since(start) > 15*time.Millisecond {
		t.Fatalf("burst lines should not wait")
	}
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("paced wait: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("third line should be paced")
	}
}

func TestThrottleWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	th := NewThrottle(ThrottleConfig{Burst: 1, Interval: time.Hour})
	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("burst wait: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestThrottleAllowGates(t *testing.T) {
	testlog.Start(t)
	th := NewThrottle(DefaultThrottleConfig())
	now := time.Unix(1700000000, 0)
	th.now = func() time.Time { return now }
	if !th.Allow("ctcp:bob", time.Second) {
		t.Fatalf("first call should pass")
	}
	if th.Allow("ctcp:bob", time.Second) {
		t.Fatalf("gate should be closed")
	}
	if !th.Allow("ctcp:carol", time.Second) {
		t.Fatalf("gates are per key")
	}
	now = now.Add(2 * time.Second)
	if !th.Allow("ctcp:bob", time.Second) {
		t.Fatalf("gate should reopen")
	}
}

func TestThrottlePrunesReopenedGates(t *testing.T) {
	testlog.Start(t)
	th := NewThrottle(DefaultThrottleConfig())
	now := time.Unix(1700000000, 0)
	th.now = func() time.Time { return now }
	for _, key := range []string{"ctcp:a", "ctcp:b", "ctcp:c"} {
		if !th.Allow(key, time.Second) {
			t.Fatalf("first call for %s should pass", key)
		}
	}
	now = now.Add(time.Minute)
	if !th.Allow("ctcp:d", time.Second) {
		t.Fatalf("fresh key should pass")
	}
	if n := len(th.gates); n != 1 {
		t.Fatalf("expected reopened gates pruned, have %d", n)
	}
}

func TestThrottleWithoutIntervalNeverWaits(t *testing.T) {
	testlog.Start(t)
	th := NewThrottle(ThrottleConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := th.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
}
