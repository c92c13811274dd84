// Package chain provides read and write access to the EVM chain hosting the
// fleet's token and custodian contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"custodyfleet/services/custodyd/retry"
)

var (
	// ErrInvalidAddress reports a malformed hex address. It is never retried.
	ErrInvalidAddress = errors.New("chain: invalid address")
	// ErrReverted reports a transaction or call rejected by the EVM.
	ErrReverted = errors.New("chain: transaction reverted")
	// ErrConfirmationTimeout reports a transaction whose outcome is unknown
	// because the receipt did not arrive in time. It may still land later.
	ErrConfirmationTimeout = errors.New("chain: confirmation timeout")
	// ErrNoSigner indicates a write was requested from a read-only gateway.
	ErrNoSigner = errors.New("chain: operator key not configured")
)

// Gateway is the chain surface consumed by the lifecycle engine. Mutating
// calls return the submitted transaction hash; WaitForReceipt blocks until the
// receipt is final or ctx ends.
type Gateway interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
	CustodianBalance(ctx context.Context) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Custodian() common.Address
	Token() common.Address

	SendNative(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	// InvokeApprove submits approve(spender, amount) signed by a wallet owner
	// key. custodyd holds no owner keys, so only tooling that does calls it.
	InvokeApprove(ctx context.Context, owner *ecdsa.PrivateKey, spender common.Address, amount *big.Int) (common.Hash, error)
	InvokePull(ctx context.Context, wallet common.Address) (common.Hash, error)
	InvokeWithdraw(ctx context.Context, master common.Address) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// ParseAddress validates a hex address. Failures are permanent.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, retry.Permanent(fmt.Errorf("%w: %q", ErrInvalidAddress, raw))
	}
	return common.HexToAddress(trimmed), nil
}

// Normalize renders the canonical lowercase form used as the wallet key.
func Normalize(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// ToDecimal converts an integer base-unit amount into whole units.
func ToDecimal(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// FromDecimal converts whole units into integer base units, truncating any
// precision beyond decimals.
func FromDecimal(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}
