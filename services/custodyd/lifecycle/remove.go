package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"custodyfleet/services/custodyd/notify"
)

// Remove deletes a wallet record after pulling any residual token balance.
// A wallet holding funds without an allowance is refused. Pull and withdraw
// history is kept.
func (e *Engine) Remove(ctx context.Context, address string) (pulled *Settlement, err error) {
	start := time.Now()
	key := address
	defer func() {
		if err != nil {
			err = newOperationError("remove", key, err)
		}
		e.observe("remove", start, err)
	}()

	addr, wallet, err := e.lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	key = wallet.Address

	g, err := e.acquire(ctx, key, "remove")
	if err != nil {
		return nil, err
	}
	defer g.Release()

	balance, err := e.tokenBalance(ctx, addr)
	if err != nil {
		return nil, err
	}
	if balance.Sign() > 0 {
		approved, err := e.allowanceGranted(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrApprovalDenied, err)
		}
		if !approved {
			return nil, fmt.Errorf("%w: wallet still holds tokens and has not approved the custodian", ErrApprovalDenied)
		}
		settlement, err := e.pullLocked(ctx, addr, key, balance)
		if err != nil {
			e.failure(ctx, notify.KindPullFailure, key, newOperationError("pull", key, err))
			return nil, err
		}
		pulled = &settlement
	}
	if err := e.store.DeleteWallet(ctx, key); err != nil {
		return pulled, err
	}
	e.logger.Info("wallet removed", slog.String("wallet", key))
	return pulled, nil
}
