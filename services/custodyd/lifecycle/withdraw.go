package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/notify"
	"custodyfleet/services/custodyd/retry"
	"custodyfleet/services/custodyd/store"
)

// WithdrawToMaster sweeps the custodian contract balance to the configured
// master wallet. Only one withdraw runs at a time process-wide.
func (e *Engine) WithdrawToMaster(ctx context.Context) (settlement Settlement, err error) {
	start := time.Now()
	master := e.settings.Master
	masterKey := chain.Normalize(master)
	defer func() {
		if err != nil {
			err = newOperationError("withdraw", masterKey, err)
			e.failure(ctx, notify.KindWithdrawFailure, masterKey, err)
		}
		e.observe("withdraw", start, err)
	}()

	if (master == common.Address{}) {
		return Settlement{}, retry.Permanent(fmt.Errorf("lifecycle: master address not configured"))
	}
	balance, err := retry.Run(ctx, e.retry, "custodian_balance", func(ctx context.Context) (*big.Int, error) {
		return e.chain.CustodianBalance(ctx)
	})
	if err != nil {
		return Settlement{}, err
	}
	if balance.Sign() <= 0 {
		return Settlement{}, fmt.Errorf("%w: custodian balance is zero", ErrInsufficientBalance)
	}

	g, err := e.withdraws.TryAcquire("withdraw")
	if err != nil {
		e.metrics.RecordBusy("withdraw")
		return Settlement{}, err
	}
	defer g.Release()

	hash, err := retry.Run(ctx, e.retry, "invoke_withdraw", func(ctx context.Context) (common.Hash, error) {
		return e.chain.InvokeWithdraw(ctx, master)
	})
	if err != nil {
		return Settlement{}, err
	}
	receipt, err := e.awaitReceipt(ctx, hash)
	if err != nil {
		return Settlement{}, fmt.Errorf("withdraw tx %s: %w", hash.Hex(), err)
	}

	amount, source, found := chain.WithdrawnAmount(receipt, e.chain.Token(), e.chain.Custodian(), master)
	if !found {
		amount = balance
		e.logger.Warn("no settlement log in withdraw receipt; using pre-call balance",
			slog.String("tx", hash.Hex()))
	}
	settled := chain.ToDecimal(amount, e.settings.TokenDecimals)
	e.settled.RecordSettlement("withdraw", string(source), settled.InexactFloat64())
	entry := &store.WithdrawLog{
		Master:       masterKey,
		Amount:       settled,
		TxHash:       hash.Hex(),
		AmountSource: string(source),
	}
	if err := e.store.RecordWithdraw(ctx, entry); err != nil {
		e.logger.Error("withdraw confirmed on chain but not recorded",
			slog.String("tx", hash.Hex()),
			slog.Any("error", err))
		return Settlement{}, fmt.Errorf("record withdraw %s: %w", hash.Hex(), err)
	}
	e.emit(ctx, notify.Notification{
		Kind:   notify.KindWithdrawSuccess,
		Wallet: masterKey,
		Amount: settled.String(),
		TxHash: hash.Hex(),
	})
	return Settlement{Wallet: masterKey, Amount: settled, TxHash: hash, Source: source}, nil
}
