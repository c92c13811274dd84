// Package lifecycle orchestrates wallet onboarding, gas refills, approval
// detection, balance monitoring and custody pulls.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"custodyfleet/observability"
	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/guard"
	"custodyfleet/services/custodyd/notify"
	"custodyfleet/services/custodyd/retry"
	"custodyfleet/services/custodyd/store"
)

// Store is the wallet record persistence consumed by the engine.
// *store.Store satisfies it.
type Store interface {
	UpsertWallet(ctx context.Context, address, name string) (store.Wallet, bool, error)
	GetWallet(ctx context.Context, address string) (store.Wallet, error)
	ListWallets(ctx context.Context) ([]store.Wallet, error)
	SetFlag(ctx context.Context, address string, flag store.Flag, value bool) error
	UpdateBalance(ctx context.Context, address string, balance decimal.Decimal, checkedAt time.Time) error
	MarkRefilled(ctx context.Context, address string, nativeSent decimal.Decimal, record *store.RefillRecord) error
	RecordPull(ctx context.Context, entry *store.PullLog) error
	RecordWithdraw(ctx context.Context, entry *store.WithdrawLog) error
	DeleteWallet(ctx context.Context, address string) error
}

// Settings holds the policy values of the engine.
type Settings struct {
	// RefillThreshold is the native balance (wei) at or above which a wallet
	// is considered funded.
	RefillThreshold *big.Int
	// RefillAmount is the one-time top-up (wei).
	RefillAmount   *big.Int
	NativeDecimals int32
	TokenDecimals  int32
	// AlertThreshold is the token balance a wallet must exceed before a
	// ready-to-pull alert is sent.
	AlertThreshold      decimal.Decimal
	ConfirmTimeout      time.Duration
	Master              common.Address
	SentinelConcurrency int
}

// DefaultSettings returns the stock policy: refill 0.001 native units when the
// balance is below 0.0005, alert above 10 tokens, 60s confirmation timeout.
func DefaultSettings() Settings {
	return Settings{
		RefillThreshold:     big.NewInt(500_000_000_000_000),
		RefillAmount:        big.NewInt(1_000_000_000_000_000),
		NativeDecimals:      18,
		TokenDecimals:       18,
		AlertThreshold:      decimal.NewFromInt(10),
		ConfirmTimeout:      60 * time.Second,
		SentinelConcurrency: 4,
	}
}

// Engine owns the lifecycle operations. All mutable coordination state
// (locks, dedup table, withdraw guard) is held by the engine instance.
type Engine struct {
	store     Store
	chain     chain.Gateway
	notifier  notify.Channel
	locks     *guard.WalletLocks
	withdraws *guard.Single
	dedup     *guard.Deduplicator
	retry     *retry.Executor
	metrics   *observability.CustodydMetrics
	settled   *observability.SettlementMetrics
	logger    *slog.Logger
	now       func() time.Time
	settings  Settings
}

// Option customises the engine instance.
type Option func(*Engine)

// WithNotifier supplies the notification channel.
func WithNotifier(n notify.Channel) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLocks overrides the per-wallet lock table.
func WithLocks(l *guard.WalletLocks) Option {
	return func(e *Engine) { e.locks = l }
}

// WithDeduplicator overrides the onboarding deduplicator.
func WithDeduplicator(d *guard.Deduplicator) Option {
	return func(e *Engine) { e.dedup = d }
}

// WithRetry overrides the retry executor wrapping chain calls.
func WithRetry(r *retry.Executor) Option {
	return func(e *Engine) { e.retry = r }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.CustodydMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// New constructs an engine.
func New(records Store, gateway chain.Gateway, settings Settings, opts ...Option) (*Engine, error) {
	if records == nil {
		return nil, fmt.Errorf("lifecycle: store required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("lifecycle: chain gateway required")
	}
	if settings.RefillAmount == nil || settings.RefillAmount.Sign() <= 0 {
		return nil, fmt.Errorf("lifecycle: refill amount must be positive")
	}
	if settings.RefillThreshold == nil || settings.RefillThreshold.Sign() < 0 {
		return nil, fmt.Errorf("lifecycle: refill threshold must be non-negative")
	}
	if settings.ConfirmTimeout <= 0 {
		settings.ConfirmTimeout = 60 * time.Second
	}
	if settings.SentinelConcurrency <= 0 {
		settings.SentinelConcurrency = 1
	}
	e := &Engine{
		store:     records,
		chain:     gateway,
		withdraws: &guard.Single{},
		settings:  settings,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.NewLogChannel(e.logger)
	}
	if e.locks == nil {
		e.locks = guard.NewWalletLocks(0)
	}
	if e.dedup == nil {
		e.dedup = guard.NewDeduplicator(guard.DefaultDedupWindow, guard.DefaultDedupHorizon)
	}
	if e.retry == nil {
		e.retry = retry.New()
	}
	if e.metrics == nil {
		e.metrics = observability.Custodyd()
	}
	e.settled = observability.Settlements()
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.logger = e.logger.With(slog.String("component", "lifecycle"))
	return e, nil
}

// Settings returns the active policy values.
func (e *Engine) Settings() Settings { return e.settings }

// Locks exposes the wallet lock table for status reporting.
func (e *Engine) Locks() *guard.WalletLocks { return e.locks }

// Deduplicator exposes the onboarding deduplicator.
func (e *Engine) Deduplicator() *guard.Deduplicator { return e.dedup }

// WithdrawInFlight reports whether a withdraw currently holds the global guard.
func (e *Engine) WithdrawInFlight() bool {
	_, busy := e.withdraws.InFlight()
	return busy
}

// lookup resolves and loads a registered wallet.
func (e *Engine) lookup(ctx context.Context, address string) (common.Address, store.Wallet, error) {
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return common.Address{}, store.Wallet{}, err
	}
	wallet, err := e.store.GetWallet(ctx, chain.Normalize(addr))
	if errors.Is(err, store.ErrNotFound) {
		return addr, store.Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotRegistered, chain.Normalize(addr))
	}
	if err != nil {
		return addr, store.Wallet{}, err
	}
	return addr, wallet, nil
}

func (e *Engine) acquire(ctx context.Context, key, operation string) (*guard.Guard, error) {
	g, err := e.locks.Acquire(ctx, key, operation)
	if err != nil && errors.Is(err, guard.ErrBusy) {
		e.metrics.RecordBusy(operation)
	}
	return g, err
}

// awaitReceipt waits for the receipt under the confirmation timeout. The wait
// is never retried: an expired wait leaves the outcome unknown.
func (e *Engine) awaitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.settings.ConfirmTimeout)
	defer cancel()
	receipt, err := e.chain.WaitForReceipt(waitCtx, hash)
	if err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, ErrConfirmationTimeout) {
			err = fmt.Errorf("%w: %s: %v", ErrConfirmationTimeout, hash.Hex(), err)
		}
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) emit(ctx context.Context, n notify.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = e.now().UTC()
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notification delivery failed",
			slog.String("kind", string(n.Kind)),
			slog.Any("error", err))
	}
}

func (e *Engine) failure(ctx context.Context, kind notify.Kind, wallet string, err error) {
	e.emit(ctx, notify.Notification{
		Kind:      kind,
		Wallet:    wallet,
		ErrorKind: string(KindOf(err)),
		Reason:    err.Error(),
	})
}

func (e *Engine) observe(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	e.metrics.ObserveOperation(operation, outcome, time.Since(start))
}
