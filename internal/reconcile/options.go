package reconcile

import "time"

const DefaultHistoryWindow = 30 * time.Second

// SnapshotGuard rejects roster snapshots that would wipe or drastically
// shrink a populated roster. The thresholds are policy, not protocol.
type SnapshotGuard struct {
	// MinCurrent is the roster size from which the ratio check applies.
	MinCurrent int
	// MinRatio is the smallest accepted incoming/current ratio.
	MinRatio float64
}

func DefaultSnapshotGuard() SnapshotGuard {
	return SnapshotGuard{MinCurrent: 8, MinRatio: 0.25}
}

// Accept reports whether a snapshot of incoming members may replace a
// roster of current members.
func (g SnapshotGuard) Accept(current, incoming int) bool {
	if incoming == 0 && current > 0 {
		return false
	}
	if g.MinCurrent > 0 && current >= g.MinCurrent && float64(incoming) < float64(current)*g.MinRatio {
		return false
	}
	return true
}

type Options struct {
	// HistoryWindow bounds how far a replayed event's timestamp may be from
	// now and still update structural state.
	HistoryWindow time.Duration
	Guard         SnapshotGuard
	Now           func() time.Time
}

func DefaultOptions() Options {
	return Options{
		HistoryWindow: DefaultHistoryWindow,
		Guard:         DefaultSnapshotGuard(),
		Now:           time.Now,
	}
}

func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = d.HistoryWindow
	}
	if o.Guard.MinCurrent == 0 && o.Guard.MinRatio == 0 {
		o.Guard = d.Guard
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}
