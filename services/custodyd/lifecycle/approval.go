package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/retry"
	"custodyfleet/services/custodyd/store"
)

// IsApproved reports whether the wallet has granted the custodian a non-zero
// allowance. Any failure to determine it yields false.
func (e *Engine) IsApproved(ctx context.Context, address string) bool {
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return false
	}
	approved, err := e.allowanceGranted(ctx, addr)
	if err != nil {
		return false
	}
	return approved
}

func (e *Engine) allowanceGranted(ctx context.Context, addr common.Address) (bool, error) {
	allowance, err := retry.Run(ctx, e.retry, "allowance", func(ctx context.Context) (*big.Int, error) {
		return e.chain.Allowance(ctx, addr, e.chain.Custodian())
	})
	if err != nil {
		e.logger.Warn("allowance query failed; treating wallet as unapproved",
			slog.String("wallet", chain.Normalize(addr)),
			slog.Any("error", err))
		return false, err
	}
	return allowance != nil && allowance.Sign() > 0, nil
}

// ConfirmApproval checks the allowance on chain and persists the result. It
// is called when the wallet owner reports having approved the custodian.
func (e *Engine) ConfirmApproval(ctx context.Context, address string) (approved bool, err error) {
	start := time.Now()
	defer func() { e.observe("approval", start, err) }()

	addr, wallet, err := e.lookup(ctx, address)
	if err != nil {
		return false, err
	}
	approved, err = e.allowanceGranted(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrApprovalDenied, err)
	}
	if approved != wallet.Approved {
		if err := e.store.SetFlag(ctx, wallet.Address, store.FlagApproved, approved); err != nil {
			return false, err
		}
	}
	if !approved {
		return false, fmt.Errorf("%w: no allowance granted to %s", ErrApprovalDenied, e.chain.Custodian().Hex())
	}
	return true, nil
}
