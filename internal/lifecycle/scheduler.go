package lifecycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/event"
	"github.com/danmuck/ircmux/internal/observability"
	"github.com/danmuck/ircmux/internal/session"
)

// schedule starts the reconnect loop for id, replacing any loop already
// running for it. immediate skips the backoff wait of the first iteration.
func (m *Manager) schedule(id string, immediate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	rec := m.records[id]
	if rec == nil || !rec.desired || rec.runtime != nil {
		return
	}
	m.cancelSchedulerLocked(rec)
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.schedSeq++
	rec.schedID = m.schedSeq
	rec.schedCancel = cancel
	rec.phase = phaseScheduled
	m.wg.Add(1)
	go m.runScheduler(ctx, id, rec, rec.schedID, immediate)
}

// cancelSchedulerLocked stops the reconnect loop of rec. Caller holds m.mu.
func (m *Manager) cancelSchedulerLocked(rec *record) {
	if rec.schedCancel != nil {
		rec.schedCancel()
		rec.schedCancel = nil
	}
	rec.schedID = 0
	if rec.phase == phaseScheduled {
		rec.phase = phaseIdle
	}
}

// Scheduled reports whether a reconnect loop is active for id.
func (m *Manager) Scheduled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return ok && rec.schedID != 0
}

// stillOwns reports whether the loop identified by schedID may keep going.
func (m *Manager) stillOwns(rec *record, schedID uint64) (attempt int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.schedID != schedID || !rec.desired || rec.manual || rec.runtime != nil {
		return 0, false
	}
	return rec.attempt, true
}

func (m *Manager) runScheduler(ctx context.Context, id string, rec *record, schedID uint64, immediate bool) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if rec.schedID == schedID {
			rec.schedCancel()
			rec.schedCancel = nil
			rec.schedID = 0
			rec.phase = phaseIdle
		}
		m.mu.Unlock()
	}()

	waiting := false
	for {
		if ctx.Err() != nil {
			return
		}
		attempt, ok := m.stillOwns(rec, schedID)
		if !ok {
			return
		}
		prof, ok := m.profiles.Profile(id)
		if !ok {
			m.mu.Lock()
			rec.desired = false
			m.mu.Unlock()
			log.Info().Str("network", id).Msg("lifecycle.Manager.scheduler profile removed")
			m.status(id, nil, StatusNetworkRemoved, event.PhaseDisconnected)
			return
		}
		if !m.conn.Available() {
			if !waiting {
				waiting = true
				m.status(id, nil, StatusWaitingForNetwork, event.PhaseDisconnected)
			}
			if err := waitDelay(ctx, m.cfg.ConnectivityRecheck); err != nil {
				return
			}
			continue
		}
		waiting = false

		if !immediate {
			delay := m.nextDelay(attempt)
			secs := int(math.Ceil(delay.Seconds()))
			m.status(id, nil, fmt.Sprintf("Reconnecting in %ds (attempt %d)", secs, attempt+1), event.PhaseUnchanged)
			observability.RecordReconnectScheduled(id)
			if err := waitDelay(ctx, delay); err != nil {
				return
			}
			if !m.conn.Available() {
				continue
			}
		}
		immediate = false

		m.mu.Lock()
		if rec.schedID != schedID || !rec.desired || rec.manual || rec.runtime != nil {
			m.mu.Unlock()
			return
		}
		rec.attempt = session.ClampAttempt(m.cfg.Backoff, rec.attempt+1)
		n := rec.attempt
		rec.phase = phaseAttempting
		m.mu.Unlock()
		m.status(id, nil, fmt.Sprintf("Retrying to connect (attempt %d)…", n), event.PhaseUnchanged)

		rec.lock.Lock()
		if _, ok := m.stillOwns(rec, schedID); !ok || ctx.Err() != nil {
			rec.lock.Unlock()
			return
		}
		err := m.connectLocked(ctx, id, rec, prof, false)
		rec.lock.Unlock()
		if err == nil {
			return
		}
		if KindOf(err) == KindConfiguration {
			log.Warn().Str("network", id).Err(err).Msg("lifecycle.Manager.scheduler giving up")
			return
		}
		m.mu.Lock()
		if rec.schedID == schedID {
			rec.phase = phaseScheduled
		}
		m.mu.Unlock()
		log.Debug().Str("network", id).Int("attempt", n).Err(err).Msg("lifecycle.Manager.scheduler attempt failed")
	}
}

func (m *Manager) nextDelay(attempt int) time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return session.NextBackoffDelay(m.cfg.Backoff, attempt, m.rng)
}

// waitDelay blocks for d or until ctx is done.
func waitDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
