package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrBusy indicates that a conflicting mutating operation already holds the lock.
var ErrBusy = errors.New("guard: wallet busy")

type holder struct {
	operation string
	since     time.Time
	done      chan struct{}
}

// WalletLocks guarantees at most one mutating operation per wallet address.
// It is safe for concurrent use and holds no state beyond in-flight operations.
type WalletLocks struct {
	mu   sync.Mutex
	held map[string]*holder
	wait time.Duration
	now  func() time.Time
}

// NewWalletLocks constructs a lock table. A zero wait fails fast; a positive
// wait blocks up to that bound for the current holder to release.
func NewWalletLocks(wait time.Duration) *WalletLocks {
	if wait < 0 {
		wait = 0
	}
	return &WalletLocks{
		held: make(map[string]*holder),
		wait: wait,
		now:  time.Now,
	}
}

// Guard is the proof of lock ownership. Release is idempotent.
type Guard struct {
	release func()
	once    sync.Once
}

// Release frees the lock. Safe to call more than once and on a nil guard.
func (g *Guard) Release() {
	if g == nil || g.release == nil {
		return
	}
	g.once.Do(g.release)
}

// Acquire takes the lock for address on behalf of operation.
func (l *WalletLocks) Acquire(ctx context.Context, address, operation string) (*Guard, error) {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" {
		return nil, fmt.Errorf("guard: address required")
	}
	var deadline <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		l.mu.Lock()
		current, busy := l.held[key]
		if !busy {
			h := &holder{operation: operation, since: l.now(), done: make(chan struct{})}
			l.held[key] = h
			l.mu.Unlock()
			return &Guard{release: func() { l.release(key, h) }}, nil
		}
		l.mu.Unlock()

		if deadline == nil {
			return nil, fmt.Errorf("%w: %s held by %s", ErrBusy, key, current.operation)
		}
		select {
		case <-current.done:
		case <-deadline:
			return nil, fmt.Errorf("%w: %s held by %s", ErrBusy, key, current.operation)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *WalletLocks) release(key string, h *holder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == h {
		delete(l.held, key)
	}
	close(h.done)
}

// HeldLock describes an in-flight operation for status reporting.
type HeldLock struct {
	Address   string    `json:"address"`
	Operation string    `json:"operation"`
	Since     time.Time `json:"since"`
}

// Held returns the in-flight operations sorted by address.
func (l *WalletLocks) Held() []HeldLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]HeldLock, 0, len(l.held))
	for key, h := range l.held {
		out = append(out, HeldLock{Address: key, Operation: h.operation, Since: h.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Single is a process-wide single-flight guard for contract level actions.
type Single struct {
	mu        sync.Mutex
	busy      bool
	operation string
}

// TryAcquire takes the guard or fails immediately with ErrBusy.
func (s *Single) TryAcquire(operation string) (*Guard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil, fmt.Errorf("%w: %s in progress", ErrBusy, s.operation)
	}
	s.busy = true
	s.operation = operation
	return &Guard{release: func() {
		s.mu.Lock()
		s.busy = false
		s.operation = ""
		s.mu.Unlock()
	}}, nil
}

// InFlight reports the operation currently holding the guard.
func (s *Single) InFlight() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operation, s.busy
}
