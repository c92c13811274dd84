package guard

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultDedupWindow suppresses repeat onboarding events inside this span.
	DefaultDedupWindow = 30 * time.Second
	// DefaultDedupHorizon is the age after which entries are forgotten.
	DefaultDedupHorizon = 60 * time.Second
)

type sighting struct {
	key string
	at  time.Time
}

// Deduplicator absorbs duplicate onboarding events for the same address.
//
// Each event refreshes the address's last-seen time, so a burst of retries is
// suppressed for as long as it keeps arriving inside the window. Expired
// entries are dropped from an insertion-ordered queue on every call, which
// keeps the table bounded with amortized O(1) work per event. Sweep and Run
// offer the same expiry as a periodic job for deployments that prefer it.
type Deduplicator struct {
	mu      sync.Mutex
	window  time.Duration
	horizon time.Duration
	seen    map[string]time.Time
	queue   []sighting
	head    int
}

// NewDeduplicator constructs a deduplicator. Non-positive values fall back to
// the defaults, and the horizon is never shorter than the window.
func NewDeduplicator(window, horizon time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if horizon <= 0 {
		horizon = DefaultDedupHorizon
	}
	if horizon < window {
		horizon = window
	}
	return &Deduplicator{
		window:  window,
		horizon: horizon,
		seen:    make(map[string]time.Time),
	}
}

// ShouldProcess reports whether an onboarding event for address observed at
// now should be acted upon. Suppressed events return false.
func (d *Deduplicator) ShouldProcess(address string, now time.Time) bool {
	key := strings.ToLower(strings.TrimSpace(address))
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(now)

	last, ok := d.seen[key]
	d.seen[key] = now
	d.queue = append(d.queue, sighting{key: key, at: now})
	if ok && now.Sub(last) < d.window {
		return false
	}
	return true
}

// Forget drops the last sighting of address so the next event for it is
// processed. Used when acting on an accepted event failed.
func (d *Deduplicator) Forget(address string) {
	key := strings.ToLower(strings.TrimSpace(address))
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Sweep drops expired entries and returns how many addresses were forgotten.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expireLocked(now)
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (d *Deduplicator) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = d.horizon
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}

// Len returns the number of tracked addresses.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) expireLocked(now time.Time) int {
	removed := 0
	for d.head < len(d.queue) {
		entry := d.queue[d.head]
		if now.Sub(entry.at) < d.horizon {
			break
		}
		// Only the newest sighting of an address owns its map entry.
		if last, ok := d.seen[entry.key]; ok && last.Equal(entry.at) {
			delete(d.seen, entry.key)
			removed++
		}
		d.queue[d.head] = sighting{}
		d.head++
	}
	if d.head > 0 && d.head*2 >= len(d.queue) {
		d.queue = append(d.queue[:0], d.queue[d.head:]...)
		d.head = 0
	}
	return removed
}
