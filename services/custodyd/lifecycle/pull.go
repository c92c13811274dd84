package lifecycle

import (
	"context"
	"fmt"
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

// Settlement is the confirmed outcome of a pull or withdraw.
type Settlement struct {
	Wallet string             `json:"wallet"`
	Amount decimal.Decimal    `json:"amount"`
	TxHash common.Hash        `json:"txHash"`
	Source chain.AmountSource `json:"amountSource"`
}

// Pull moves the wallet's approved token balance into the custodian
// contract. Preconditions are checked in order: registered, positive balance,
// approved. Failures are *OperationError values and leave the wallet record
// untouched.
func (e *Engine) Pull(ctx context.Context, address string) (settlement Settlement, err error) {
	start := time.Now()
	key := address
	defer func() {
		if err != nil {
			err = newOperationError("pull", key, err)
			e.failure(ctx, notify.KindPullFailure, key, err)
		}
		e.observe("pull", start, err)
	}()

	addr, wallet, err := e.lookup(ctx, address)
	if err != nil {
		return Settlement{}, err
	}
	key = wallet.Address

	balance, err := e.tokenBalance(ctx, addr)
	if err != nil {
		return Settlement{}, err
	}
	if balance.Sign() <= 0 {
		return Settlement{}, fmt.Errorf("%w: wallet token balance is zero", ErrInsufficientBalance)
	}
	approved, err := e.allowanceGranted(ctx, addr)
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrApprovalDenied, err)
	}
	if !approved {
		return Settlement{}, fmt.Errorf("%w: no allowance granted to custodian", ErrApprovalDenied)
	}

	g, err := e.acquire(ctx, key, "pull")
	if err != nil {
		return Settlement{}, err
	}
	defer g.Release()

	return e.pullLocked(ctx, addr, key, balance)
}

// pullLocked invokes the custodian pull and records the settlement. The
// caller holds the wallet lock.
func (e *Engine) pullLocked(ctx context.Context, addr common.Address, key string, preBalance *big.Int) (Settlement, error) {
	hash, err := retry.Run(ctx, e.retry, "invoke_pull", func(ctx context.Context) (common.Hash, error) {
		return e.chain.InvokePull(ctx, addr)
	})
	if err != nil {
		return Settlement{}, err
	}
	receipt, err := e.awaitReceipt(ctx, hash)
	if err != nil {
		return Settlement{}, fmt.Errorf("pull tx %s: %w", hash.Hex(), err)
	}

	amount, source, found := chain.PulledAmount(receipt, e.chain.Token(), e.chain.Custodian(), addr)
	if !found {
		amount = preBalance
		e.logger.Warn("no settlement log in pull receipt; using pre-call balance",
			slog.String("wallet", key),
			slog.String("tx", hash.Hex()))
	}
	settled := chain.ToDecimal(amount, e.settings.TokenDecimals)
	e.settled.RecordSettlement("pull", string(source), settled.InexactFloat64())
	entry := &store.PullLog{
		Wallet:       key,
		Amount:       settled,
		TxHash:       hash.Hex(),
		AmountSource: string(source),
	}
	if err := e.store.RecordPull(ctx, entry); err != nil {
		e.logger.Error("pull confirmed on chain but not recorded",
			slog.String("wallet", key),
			slog.String("tx", hash.Hex()),
			slog.Any("error", err))
		return Settlement{}, fmt.Errorf("record pull %s: %w", hash.Hex(), err)
	}
	e.emit(ctx, notify.Notification{
		Kind:   notify.KindPullSuccess,
		Wallet: key,
		Amount: settled.String(),
		TxHash: hash.Hex(),
	})
	return Settlement{Wallet: key, Amount: settled, TxHash: hash, Source: source}, nil
}

func (e *Engine) tokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return retry.Run(ctx, e.retry, "token_balance", func(ctx context.Context) (*big.Int, error) {
		return e.chain.TokenBalance(ctx, addr)
	})
}
