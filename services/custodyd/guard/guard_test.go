package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWalletLocksFailFast(t *testing.T) {
	locks := NewWalletLocks(0)
	first, err := locks.Acquire(context.Background(), "0xAbC", "pull")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locks.Acquire(context.Background(), "0xabc", "refill"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for same address in different case, got %v", err)
	}
	other, err := locks.Acquire(context.Background(), "0xdef", "refill")
	if err != nil {
		t.Fatalf("independent address should not contend: %v", err)
	}
	other.Release()

	held := locks.Held()
	if len(held) != 1 || held[0].Address != "0xabc" || held[0].Operation != "pull" {
		t.Fatalf("unexpected held set: %+v", held)
	}

	first.Release()
	first.Release()
	again, err := locks.Acquire(context.Background(), "0xabc", "pull")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release()
	if len(locks.Held()) != 0 {
		t.Fatalf("expected no held locks")
	}
}

func TestWalletLocksBoundedWait(t *testing.T) {
	locks := NewWalletLocks(200 * time.Millisecond)
	held, err := locks.Acquire(context.Background(), "0x1", "pull")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()
	next, err := locks.Acquire(context.Background(), "0x1", "refill")
	if err != nil {
		t.Fatalf("expected waiter to obtain lock after release: %v", err)
	}
	defer next.Release()

	short := NewWalletLocks(10 * time.Millisecond)
	blocker, _ := short.Acquire(context.Background(), "0x2", "pull")
	defer blocker.Release()
	if _, err := short.Acquire(context.Background(), "0x2", "pull"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after wait bound, got %v", err)
	}
}

func TestWalletLocksExclusiveUnderContention(t *testing.T) {
	locks := NewWalletLocks(0)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		busy    int
	)
	start := make(chan struct{})
	guards := make(chan *Guard, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g, err := locks.Acquire(context.Background(), "0xfeed", "pull")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				busy++
				return
			}
			granted++
			guards <- g
		}()
	}
	close(start)
	wg.Wait()
	close(guards)
	for g := range guards {
		g.Release()
	}
	if granted != 1 || busy != 15 {
		t.Fatalf("expected exactly one holder, granted=%d busy=%d", granted, busy)
	}
}

func TestSingleGuard(t *testing.T) {
	var s Single
	g, err := s.TryAcquire("withdraw")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if op, busy := s.InFlight(); !busy || op != "withdraw" {
		t.Fatalf("expected withdraw in flight, got %q %v", op, busy)
	}
	if _, err := s.TryAcquire("withdraw"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	g.Release()
	if _, busy := s.InFlight(); busy {
		t.Fatalf("guard should be free after release")
	}
}

func TestDeduplicatorWindow(t *testing.T) {
	d := NewDeduplicator(30*time.Second, 60*time.Second)
	base := time.Unix(1_700_000_000, 0)

	if !d.ShouldProcess("0xAAA", base) {
		t.Fatalf("first event must be processed")
	}
	if d.ShouldProcess("0xaaa", base.Add(10*time.Second)) {
		t.Fatalf("duplicate inside window must be suppressed")
	}
	if !d.ShouldProcess("0xbbb", base.Add(10*time.Second)) {
		t.Fatalf("different address must be processed")
	}
	// Last sighting of 0xaaa was at +10s; +45s is 35s later.
	if !d.ShouldProcess("0xaaa", base.Add(45*time.Second)) {
		t.Fatalf("event after the window must be processed")
	}
}

func TestDeduplicatorForget(t *testing.T) {
	d := NewDeduplicator(30*time.Second, 60*time.Second)
	base := time.Unix(1_700_000_000, 0)

	if !d.ShouldProcess("0xaaa", base) {
		t.Fatalf("first event must be processed")
	}
	d.Forget("0xAAA ")
	if !d.ShouldProcess("0xaaa", base.Add(time.Second)) {
		t.Fatalf("event after Forget must be processed")
	}
	if d.ShouldProcess("0xaaa", base.Add(2*time.Second)) {
		t.Fatalf("repeat after a processed event must still be suppressed")
	}
	// The stale queue entry from the forgotten sighting must not evict the new one early.
	d.Sweep(base.Add(60 * time.Second))
	if d.Len() != 1 {
		t.Fatalf("expected the newest sighting to survive, len=%d", d.Len())
	}
}

func TestDeduplicatorExpiresEntries(t *testing.T) {
	d := NewDeduplicator(30*time.Second, 60*time.Second)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 100; i++ {
		d.ShouldProcess(string(rune('a'+i%26))+"-wallet", base.Add(time.Duration(i)*time.Millisecond))
	}
	if d.Len() != 26 {
		t.Fatalf("expected 26 tracked addresses, got %d", d.Len())
	}
	d.ShouldProcess("late", base.Add(2*time.Minute))
	if d.Len() != 1 {
		t.Fatalf("expired entries should be purged lazily, have %d", d.Len())
	}
	if removed := d.Sweep(base.Add(10 * time.Minute)); removed != 1 {
		t.Fatalf("sweep should drop the remaining entry, removed %d", removed)
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty table, got %d", d.Len())
	}
}

func TestDeduplicatorHorizonNotShorterThanWindow(t *testing.T) {
	d := NewDeduplicator(time.Minute, time.Second)
	base := time.Unix(1_700_000_000, 0)
	d.ShouldProcess("0x1", base)
	if d.ShouldProcess("0x1", base.Add(30*time.Second)) {
		t.Fatalf("window must be honoured even when the horizon is misconfigured")
	}
}
