package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/notify"
	"custodyfleet/services/custodyd/retry"
	"custodyfleet/services/custodyd/store"
)

// RefillStatus is the outcome of EnsureRefilledOnce.
type RefillStatus string

const (
	AlreadyRefilled  RefillStatus = "alreadyRefilled"
	RefilledNow      RefillStatus = "refilledNow"
	HadSufficientGas RefillStatus = "hadSufficientGas"
)

// RefillResult describes a successful EnsureRefilledOnce call. Amount and
// TxHash are set only for RefilledNow.
type RefillResult struct {
	Status RefillStatus    `json:"status"`
	Amount decimal.Decimal `json:"amount"`
	TxHash common.Hash     `json:"txHash"`
}

// EnsureRefilledOnce tops up the wallet's native balance at most once in its
// lifetime. A wallet that already holds enough gas is marked refilled without a
// transfer and is never topped up afterwards.
func (e *Engine) EnsureRefilledOnce(ctx context.Context, address string) (result RefillResult, err error) {
	start := time.Now()
	key := address
	defer func() {
		if err != nil {
			err = &RefillError{Wallet: key, Cause: err}
		}
		e.observe("refill", start, err)
	}()

	addr, wallet, err := e.lookup(ctx, address)
	if err != nil {
		return RefillResult{}, err
	}
	key = wallet.Address
	if wallet.Refilled {
		return RefillResult{Status: AlreadyRefilled}, nil
	}

	g, err := e.acquire(ctx, key, "refill")
	if err != nil {
		return RefillResult{}, err
	}
	defer g.Release()

	// Another holder may have finished the refill while we were checking.
	wallet, err = e.store.GetWallet(ctx, key)
	if err != nil {
		return RefillResult{}, err
	}
	if wallet.Refilled {
		return RefillResult{Status: AlreadyRefilled}, nil
	}

	balance, err := retry.Run(ctx, e.retry, "native_balance", func(ctx context.Context) (*big.Int, error) {
		return e.chain.NativeBalance(ctx, addr)
	})
	if err != nil {
		return RefillResult{}, err
	}
	if balance.Cmp(e.settings.RefillThreshold) >= 0 {
		if err := e.store.MarkRefilled(ctx, key, decimal.Zero, nil); err != nil {
			if errors.Is(err, store.ErrAlreadyRefilled) {
				return RefillResult{Status: AlreadyRefilled}, nil
			}
			return RefillResult{}, err
		}
		e.logger.Info("wallet had sufficient gas; refill exemption recorded",
			slog.String("wallet", key),
			slog.String("native_balance", chain.ToDecimal(balance, e.settings.NativeDecimals).String()))
		return RefillResult{Status: HadSufficientGas}, nil
	}

	amount := new(big.Int).Set(e.settings.RefillAmount)
	hash, err := retry.Run(ctx, e.retry, "send_native", func(ctx context.Context) (common.Hash, error) {
		return e.chain.SendNative(ctx, addr, amount)
	})
	if err != nil {
		return RefillResult{}, err
	}
	if _, err := e.awaitReceipt(ctx, hash); err != nil {
		if errors.Is(err, ErrConfirmationTimeout) {
			e.logger.Error("refill transfer unconfirmed; wallet left unrefilled",
				slog.String("wallet", key),
				slog.String("tx", hash.Hex()))
		}
		return RefillResult{}, err
	}

	sent := chain.ToDecimal(amount, e.settings.NativeDecimals)
	record := &store.RefillRecord{Amount: sent, TxHash: hash.Hex()}
	if err := e.store.MarkRefilled(ctx, key, sent, record); err != nil {
		e.logger.Error("refill confirmed on chain but not recorded",
			slog.String("wallet", key),
			slog.String("tx", hash.Hex()),
			slog.Any("error", err))
		return RefillResult{}, err
	}
	e.emit(ctx, notify.Notification{
		Kind:   notify.KindRefillDone,
		Wallet: key,
		Amount: sent.String(),
		TxHash: hash.Hex(),
	})
	return RefillResult{Status: RefilledNow, Amount: sent, TxHash: hash}, nil
}
