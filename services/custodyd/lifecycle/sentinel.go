package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/notify"
	"custodyfleet/services/custodyd/store"
)

// TickReport summarises one sentinel pass.
type TickReport struct {
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
	Wallets  int             `json:"wallets"`
	Checked  int             `json:"checked"`
	Failed   int             `json:"failed"`
	Alerts   int             `json:"alerts"`
	Total    decimal.Decimal `json:"total"`
}

// Sentinel periodically refreshes wallet balances and raises ready-to-pull
// alerts for approved wallets above the alert threshold. At most one tick runs
// at a time; a tick that fires while another is running is skipped.
type Sentinel struct {
	engine    *Engine
	interval  time.Duration
	immediate bool

	running atomic.Bool
	skipped atomic.Int64
	ran     atomic.Int64

	mu   sync.Mutex
	last TickReport
}

// SentinelOption customises the sentinel.
type SentinelOption func(*Sentinel)

// WithImmediateTick runs a tick as soon as Run starts.
func WithImmediateTick(enabled bool) SentinelOption {
	return func(s *Sentinel) { s.immediate = enabled }
}

// NewSentinel constructs a sentinel ticking every interval.
func NewSentinel(engine *Engine, interval time.Duration, opts ...SentinelOption) *Sentinel {
	s := &Sentinel{engine: engine, interval: interval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled, then waits for an in-flight tick.
func (s *Sentinel) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(ctx)
		}()
	}
	if s.immediate {
		fire()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fire()
		}
	}
}

// Tick performs one pass over every wallet. ran is false when the tick was
// skipped because another was still running.
func (s *Sentinel) Tick(ctx context.Context) (report TickReport, ran bool) {
	e := s.engine
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		e.metrics.RecordTick(true, 0)
		e.logger.Warn("sentinel tick skipped; previous tick still running")
		return TickReport{}, false
	}
	defer s.running.Store(false)

	start := e.now()
	began := time.Now()
	report = TickReport{Started: start, Total: decimal.Zero}

	wallets, err := e.store.ListWallets(ctx)
	if err != nil {
		e.logger.Error("sentinel could not list wallets", slog.Any("error", err))
		s.finish(report, began)
		return report, true
	}
	report.Wallets = len(wallets)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.settings.SentinelConcurrency)
	for _, wallet := range wallets {
		wallet := wallet
		g.Go(func() error {
			balance, alerted, err := s.check(ctx, wallet)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				return nil
			}
			report.Checked++
			report.Total = report.Total.Add(balance)
			if alerted {
				report.Alerts++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.SetTrackedBalance(report.Total.InexactFloat64())
	report = s.finish(report, began)
	e.logger.Info("sentinel tick complete",
		slog.Int("wallets", report.Wallets),
		slog.Int("checked", report.Checked),
		slog.Int("failed", report.Failed),
		slog.Int("alerts", report.Alerts),
		slog.Duration("duration", report.Duration))
	return report, true
}

func (s *Sentinel) finish(report TickReport, began time.Time) TickReport {
	report.Duration = time.Since(began)
	s.ran.Add(1)
	s.engine.metrics.RecordTick(false, report.Duration)
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report
}

// check refreshes one wallet. Failures are logged and isolated to the wallet.
func (s *Sentinel) check(ctx context.Context, wallet store.Wallet) (decimal.Decimal, bool, error) {
	e := s.engine
	addr := common.HexToAddress(wallet.Address)
	raw, err := e.tokenBalance(ctx, addr)
	if err != nil {
		e.metrics.RecordWalletFailure()
		e.logger.Warn("sentinel balance query failed; skipping wallet",
			slog.String("wallet", wallet.Address),
			slog.String("kind", string(KindOf(err))),
			slog.Any("error", err))
		return decimal.Zero, false, err
	}
	balance := chain.ToDecimal(raw, e.settings.TokenDecimals)
	if err := e.store.UpdateBalance(ctx, wallet.Address, balance, e.now()); err != nil {
		e.metrics.RecordWalletFailure()
		e.logger.Warn("sentinel could not persist balance",
			slog.String("wallet", wallet.Address),
			slog.Any("error", err))
		return decimal.Zero, false, err
	}

	approved, err := e.allowanceGranted(ctx, addr)
	if err == nil && approved != wallet.Approved {
		if err := e.store.SetFlag(ctx, wallet.Address, store.FlagApproved, approved); err != nil {
			e.logger.Warn("sentinel could not persist approval",
				slog.String("wallet", wallet.Address),
				slog.Any("error", err))
		}
	}
	if !approved || !balance.GreaterThan(e.settings.AlertThreshold) {
		return balance, false, nil
	}
	e.metrics.RecordAlert()
	e.emit(ctx, notify.Notification{
		Kind:   notify.KindReadyToPull,
		Wallet: wallet.Address,
		Amount: balance.String(),
	})
	return balance, true, nil
}

// Skipped reports how many ticks were skipped due to overlap.
func (s *Sentinel) Skipped() int64 { return s.skipped.Load() }

// Completed reports how many ticks ran.
func (s *Sentinel) Completed() int64 { return s.ran.Load() }

// Running reports whether a tick is in progress.
func (s *Sentinel) Running() bool { return s.running.Load() }

// Last returns the most recent completed tick report.
func (s *Sentinel) Last() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
