// Package tracker implements the process-wide deliberation tracker (§4.B):
// a session_key -> []TrackedInput map that reconstructs an agent's
// pre-decision reasoning trail into a DeliberationTrace at consume time.
package tracker

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cstp-run/blackbox/internal/model"
)

// Tracker records TrackedInputs per session key and reconstructs a
// DeliberationTrace when the session is consumed. A single coarse mutex
// guards all sessions: contention is not a concern at cstp's call volume,
// and it keeps track/consume atomic with respect to each other per §5.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string][]model.TrackedInput
	activity map[string]time.Time
	ttl      time.Duration

	started    bool
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New returns a Tracker that expires sessions idle for longer than ttl.
func New(ttl time.Duration) *Tracker {
	return &Tracker{
		sessions: make(map[string][]model.TrackedInput),
		activity: make(map[string]time.Time),
		ttl:      ttl,
	}
}

// Start launches a background sweep loop that calls CleanupExpired every
// interval, on top of Track's 1% sampled cleanup, so idle sessions are
// reclaimed even on a tracker nobody is actively writing to. Call Close to
// stop it. Safe to call at most once.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancelLoop = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.sweepLoop(loopCtx, interval)
}

func (t *Tracker) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CleanupExpired()
		}
	}
}

// Close stops the background sweep loop started by Start, if any, and waits
// for it to exit. A Tracker that was never Start-ed closes immediately.
func (t *Tracker) Close() error {
	t.mu.Lock()
	cancel := t.cancelLoop
	done := t.done
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Track appends input to key's session and updates its last-activity time.
// Triggers a 1% probabilistic cleanup sweep to amortize expiry GC, per §4.B.
func (t *Tracker) Track(key string, input model.TrackedInput) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[key] = append(t.sessions[key], input)
	t.activity[key] = time.Now()

	if rand.IntN(100) == 0 {
		t.cleanupExpiredLocked()
	}
}

// Peek returns key's current inputs without clearing the session.
func (t *Tracker) Peek(key string) []model.TrackedInput {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.TrackedInput(nil), t.sessions[key]...)
}

// Consume returns key's reconstructed DeliberationTrace and clears the
// session. Returns (Trace{}, false) if the session has no inputs.
func (t *Tracker) Consume(key string) (model.DeliberationTrace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inputs := t.sessions[key]
	if len(inputs) == 0 {
		return model.DeliberationTrace{}, false
	}
	delete(t.sessions, key)
	delete(t.activity, key)

	return buildTrace(inputs), true
}

// CleanupExpired removes sessions whose last activity is older than the
// tracker's TTL. Track() already samples this at 1%; CleanupExpired exists
// so callers (or a background ticker) can force a sweep deterministically.
func (t *Tracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cleanupExpiredLocked()
}

func (t *Tracker) cleanupExpiredLocked() int {
	cutoff := time.Now().Add(-t.ttl)
	removed := 0
	for key, last := range t.activity {
		if last.Before(cutoff) {
			delete(t.sessions, key)
			delete(t.activity, key)
			removed++
		}
	}
	return removed
}

// SessionCount reports the number of live sessions, for telemetry gauges.
func (t *Tracker) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// buildTrace groups consecutive same-type inputs into steps and computes
// total_duration_ms. Convergence is left false: it depends on the eventual
// decision's related_to set, which the tracker has no visibility into, and
// is computed by the decision service at consume time per §4.B.
func buildTrace(inputs []model.TrackedInput) model.DeliberationTrace {
	sorted := append([]model.TrackedInput(nil), inputs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var steps []model.DeliberationStep
	for _, in := range sorted {
		if n := len(steps); n > 0 && steps[n-1].Type == in.Type {
			steps[n-1].InputIDs = append(steps[n-1].InputIDs, in.ID)
			continue
		}
		steps = append(steps, model.DeliberationStep{Type: in.Type, InputIDs: []string{in.ID}})
	}

	var totalMs int64
	if len(sorted) > 1 {
		totalMs = sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp).Milliseconds()
	}

	return model.DeliberationTrace{
		Inputs:          sorted,
		Steps:           steps,
		TotalDurationMs: totalMs,
		Convergence:     false,
	}
}

// SessionKey builds the "transport-prefix:agent-identifier[:decision-id]"
// key used to scope a thought stream, per §4.B.
func SessionKey(transportPrefix, agentID, decisionID string) string {
	key := transportPrefix + ":" + agentID
	if decisionID != "" {
		key += ":" + decisionID
	}
	return key
}
