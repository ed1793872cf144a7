// Package ratelimit implements the sliding-window admission gate
// fronting session creation and join attempts. The window is a
// prescribed algorithm, not a token bucket: a bounded, insertion-order
// list of recent timestamps per key, pruned to the window on every
// check. This is hand-rolled rather than delegated to
// golang.org/x/time/rate because that package's smooth-refill token
// bucket has different boundary behavior than a hard count-in-window,
// and the exact boundary is part of the tested contract.
package ratelimit

import (
	"sync"
	"time"
)

// maxRetained bounds how many timestamps a single key keeps, mirroring
// the teacher's bounded insertion-order eviction idiom (room.go's
// msgOwnerKeys/maxMsgOwners) applied to a much smaller per-key list.
const maxRetained = 20

// window is one sliding-window counter: a limit within a duration,
// keyed by an arbitrary string (principal ID or source address).
type window struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	hits   map[string][]time.Time
}

func newWindow(limit int, period time.Duration) *window {
	return &window{limit: limit, period: period, hits: make(map[string][]time.Time)}
}

// allow prunes key's timestamps older than the window, reports whether
// a new hit fits under the limit, and if so records it.
func (w *window) allow(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.period)
	times := w.hits[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= w.limit {
		w.hits[key] = kept
		return false
	}

	kept = append(kept, now)
	if len(kept) > maxRetained {
		kept = kept[len(kept)-maxRetained:]
	}
	w.hits[key] = kept
	return true
}

// sweep drops keys whose timestamp list is empty once pruned to the
// window, so one-off callers don't leak map entries forever.
func (w *window) sweep(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.period)
	for key, times := range w.hits {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(w.hits, key)
		} else {
			w.hits[key] = kept
		}
	}
}

// sweepInterval is how often the gate prunes stale window entries.
const sweepInterval = 5 * time.Minute

// Gate is the Rate-Limit & Admission Gate: session creation throttled
// per principal, join attempts throttled per source address.
type Gate struct {
	sessionCreation *window
	joinAttempts    *window

	stop chan struct{}
	once sync.Once
}

// NewGate constructs a Gate with the spec's fixed limits: 5 session
// creations per hour per principal, 10 join attempts per minute per
// address.
func NewGate() *Gate {
	return &Gate{
		sessionCreation: newWindow(5, time.Hour),
		joinAttempts:    newWindow(10, time.Minute),
		stop:            make(chan struct{}),
	}
}

// AllowSessionCreation reports whether principalID may create another
// session right now, recording the attempt if so.
func (g *Gate) AllowSessionCreation(principalID string) bool {
	return g.sessionCreation.allow(principalID, time.Now())
}

// AllowJoinAttempt reports whether sourceAddr may attempt another join
// right now, recording the attempt if so.
func (g *Gate) AllowJoinAttempt(sourceAddr string) bool {
	return g.joinAttempts.allow(sourceAddr, time.Now())
}

// Run sweeps both windows every sweepInterval until ctx-like stop is
// requested via Close. Intended to run as a goroutine under an
// errgroup alongside the HTTP listener.
func (g *Gate) Run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			g.sessionCreation.sweep(now)
			g.joinAttempts.sweep(now)
		case <-g.stop:
			return
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (g *Gate) Close() {
	g.once.Do(func() { close(g.stop) })
}
