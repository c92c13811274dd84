package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/notify"
)

// ConnectResult describes the outcome of an onboarding event.
type ConnectResult struct {
	Address string
	// Suppressed is set when the event repeated a recent one for the same
	// address and was absorbed without touching the store.
	Suppressed bool
	Created    bool
	Refill     *RefillResult
	// RefillErr carries a refill failure. Onboarding itself still succeeded.
	RefillErr error
}

// Connect handles a wallet-connected event: dedup, upsert, then the one-time
// gas refill.
func (e *Engine) Connect(ctx context.Context, address, name string) (result ConnectResult, err error) {
	start := time.Now()
	defer func() { e.observe("connect", start, err) }()

	addr, err := chain.ParseAddress(address)
	if err != nil {
		return ConnectResult{}, err
	}
	key := chain.Normalize(addr)
	result.Address = key

	if !e.dedup.ShouldProcess(key, e.now()) {
		e.metrics.RecordSuppressed()
		e.logger.Debug("duplicate onboarding event suppressed", slog.String("wallet", key))
		result.Suppressed = true
		return result, nil
	}

	_, created, err := e.store.UpsertWallet(ctx, key, name)
	if err != nil {
		// Nothing was stored, so a retry must not be absorbed as a duplicate.
		e.dedup.Forget(key)
		return ConnectResult{}, err
	}
	result.Created = created
	if created {
		e.emit(ctx, notify.Notification{Kind: notify.KindOnboarded, Wallet: key})
	}

	refill, refillErr := e.EnsureRefilledOnce(ctx, key)
	if refillErr != nil {
		result.RefillErr = refillErr
		e.logger.Warn("gas refill failed during onboarding",
			slog.String("wallet", key),
			slog.String("kind", string(KindOf(refillErr))),
			slog.Any("error", refillErr))
		e.failure(ctx, notify.KindError, key, refillErr)
		return result, nil
	}
	result.Refill = &refill
	return result, nil
}
