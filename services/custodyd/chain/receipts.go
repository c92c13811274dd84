package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// AmountSource records where a settled amount came from.
type AmountSource string

const (
	// SourceEvent means the amount was read from the custodian's settlement event.
	SourceEvent AmountSource = "event"
	// SourceTransfer means the amount was read from the token Transfer log.
	SourceTransfer AmountSource = "transfer"
	// SourceBalance means no log matched and the pre-call balance was used.
	SourceBalance AmountSource = "balance_fallback"
)

// PulledAmount extracts the amount pulled from wallet by the custodian. The
// custodian Pulled event wins; a token Transfer(wallet -> custodian) log is
// accepted when the contract emits no event of its own.
func PulledAmount(receipt *gethtypes.Receipt, token, custodian, wallet common.Address) (*big.Int, AmountSource, bool) {
	if amount, ok := eventAmount(receipt, custodian, custodianABI.Events["Pulled"], wallet); ok {
		return amount, SourceEvent, true
	}
	if amount, ok := transferAmount(receipt, token, wallet, custodian); ok {
		return amount, SourceTransfer, true
	}
	return nil, SourceBalance, false
}

// WithdrawnAmount extracts the amount swept from the custodian to master.
func WithdrawnAmount(receipt *gethtypes.Receipt, token, custodian, master common.Address) (*big.Int, AmountSource, bool) {
	if amount, ok := eventAmount(receipt, custodian, custodianABI.Events["Withdrawn"], master); ok {
		return amount, SourceEvent, true
	}
	if amount, ok := transferAmount(receipt, token, custodian, master); ok {
		return amount, SourceTransfer, true
	}
	return nil, SourceBalance, false
}

func eventAmount(receipt *gethtypes.Receipt, contract common.Address, event abi.Event, party common.Address) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract {
			continue
		}
		if len(log.Topics) < 2 || log.Topics[0] != event.ID {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != party {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		if amount, ok := values[0].(*big.Int); ok {
			return amount, true
		}
	}
	return nil, false
}

func transferAmount(receipt *gethtypes.Receipt, token, from, to common.Address) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	transferID := erc20ABI.Events["Transfer"].ID
	for _, log := range receipt.Logs {
		if log == nil || log.Address != token {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != transferID {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != from {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != to {
			continue
		}
		return new(big.Int).SetBytes(log.Data), true
	}
	return nil, false
}
