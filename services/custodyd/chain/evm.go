package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"custodyfleet/services/custodyd/retry"
)

// Backend is the subset of *ethclient.Client used by EVMGateway.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Config describes the contracts and signer used by EVMGateway.
type Config struct {
	Token     common.Address
	Custodian common.Address
	// Operator funds refills and submits pull/withdraw calls. Nil makes the
	// gateway read-only.
	Operator         *ecdsa.PrivateKey
	Confirmations    uint64
	PollInterval     time.Duration
	GasBufferPercent uint64
}

// EVMGateway implements Gateway against a JSON-RPC node.
type EVMGateway struct {
	backend  Backend
	chainID  *big.Int
	cfg      Config
	operator common.Address

	// nonceMu serialises nonce allocation and submission for the operator key.
	nonceMu sync.Mutex
	unsent  map[common.Hash]*gethtypes.Transaction
}

// NewEVMGateway wraps an existing backend.
func NewEVMGateway(backend Backend, chainID *big.Int, cfg Config) (*EVMGateway, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("chain: token address required")
	}
	if (cfg.Custodian == common.Address{}) {
		return nil, fmt.Errorf("chain: custodian address required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.GasBufferPercent == 0 {
		cfg.GasBufferPercent = 20
	}
	gw := &EVMGateway{
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		cfg:     cfg,
		unsent:  make(map[common.Hash]*gethtypes.Transaction),
	}
	if cfg.Operator != nil {
		gw.operator = gethcrypto.PubkeyToAddress(cfg.Operator.PublicKey)
	}
	return gw, nil
}

// Dial connects to endpoint and resolves the chain id.
func Dial(ctx context.Context, endpoint string, cfg Config) (*EVMGateway, func(), error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("chain: rpc endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("fetch chain id: %w", err)
	}
	gw, err := NewEVMGateway(client, chainID, cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return gw, client.Close, nil
}

// Operator returns the funding/operator address, zero when read-only.
func (g *EVMGateway) Operator() common.Address { return g.operator }

// ChainID returns the chain id transactions are signed for.
func (g *EVMGateway) ChainID() *big.Int { return new(big.Int).Set(g.chainID) }

// Custodian returns the custodian contract address.
func (g *EVMGateway) Custodian() common.Address { return g.cfg.Custodian }

// Token returns the token contract address.
func (g *EVMGateway) Token() common.Address { return g.cfg.Token }

// NativeBalance returns the fee-currency balance in wei.
func (g *EVMGateway) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := g.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance %s: %w", account.Hex(), err)
	}
	return balance, nil
}

// TokenBalance returns the token balance in base units.
func (g *EVMGateway) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.callUint(ctx, "balanceOf", account)
}

// CustodianBalance returns the custodian contract's aggregate token balance.
func (g *EVMGateway) CustodianBalance(ctx context.Context) (*big.Int, error) {
	return g.callUint(ctx, "balanceOf", g.cfg.Custodian)
}

// Allowance returns how much spender may move on behalf of owner.
func (g *EVMGateway) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return g.callUint(ctx, "allowance", owner, spender)
}

func (g *EVMGateway) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("pack %s: %w", method, err))
	}
	token := g.cfg.Token
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("call %s: %w", method, err))
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode %s: unexpected output count %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode %s: unexpected type %T", method, values[0])
	}
	return value, nil
}

// SendNative transfers wei from the operator wallet.
func (g *EVMGateway) SendNative(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, retry.Permanent(fmt.Errorf("chain: transfer amount must be positive"))
	}
	return g.transact(ctx, g.cfg.Operator, to, amount, nil)
}

// InvokeApprove grants spender an allowance over owner's tokens, signed by owner.
func (g *EVMGateway) InvokeApprove(ctx context.Context, owner *ecdsa.PrivateKey, spender common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, retry.Permanent(fmt.Errorf("chain: approve amount must be non-negative"))
	}
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return common.Hash{}, retry.Permanent(fmt.Errorf("pack approve: %w", err))
	}
	return g.transact(ctx, owner, g.cfg.Token, nil, data)
}

// InvokePull asks the custodian contract to pull wallet's approved balance.
func (g *EVMGateway) InvokePull(ctx context.Context, wallet common.Address) (common.Hash, error) {
	data, err := custodianABI.Pack("pull", wallet)
	if err != nil {
		return common.Hash{}, retry.Permanent(fmt.Errorf("pack pull: %w", err))
	}
	return g.transact(ctx, g.cfg.Operator, g.cfg.Custodian, nil, data)
}

// InvokeWithdraw sweeps the custodian balance to master.
func (g *EVMGateway) InvokeWithdraw(ctx context.Context, master common.Address) (common.Hash, error) {
	data, err := custodianABI.Pack("withdraw", master)
	if err != nil {
		return common.Hash{}, retry.Permanent(fmt.Errorf("pack withdraw: %w", err))
	}
	return g.transact(ctx, g.cfg.Operator, g.cfg.Custodian, nil, data)
}

func (g *EVMGateway) transact(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if key == nil {
		return common.Hash{}, retry.Permanent(ErrNoSigner)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	intent := gethcrypto.Keccak256Hash(from.Bytes(), to.Bytes(), value.Bytes(), data)

	g.nonceMu.Lock()
	defer g.nonceMu.Unlock()

	// A transaction whose broadcast failed is rebroadcast as-is so a retried
	// call can never produce a second transfer.
	signed, resend := g.unsent[intent]
	if resend {
		hash, done, err := g.rebroadcast(ctx, intent, signed)
		if done || err != nil {
			return hash, err
		}
	}
	signed, err := g.build(ctx, key, from, to, value, data)
	if err != nil {
		return common.Hash{}, err
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			g.accepted(intent, signed)
			return signed.Hash(), nil
		}
		classified := classify(fmt.Errorf("send transaction: %w", err))
		if !retry.IsPermanent(classified) {
			g.unsent[intent] = signed
		}
		return common.Hash{}, classified
	}
	g.accepted(intent, signed)
	return signed.Hash(), nil
}

// rebroadcast resubmits a transaction whose earlier broadcast failed. done is
// false when the transaction can never land and the caller must build a new
// one.
func (g *EVMGateway) rebroadcast(ctx context.Context, intent common.Hash, signed *gethtypes.Transaction) (common.Hash, bool, error) {
	err := g.backend.SendTransaction(ctx, signed)
	if err == nil {
		g.accepted(intent, signed)
		return signed.Hash(), true, nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"):
		g.accepted(intent, signed)
		return signed.Hash(), true, nil
	case strings.Contains(msg, "nonce too low"):
		// The nonce is spent. It was either this transaction or another one.
		landed, err := g.landed(ctx, signed.Hash())
		if err != nil {
			return common.Hash{}, true, fmt.Errorf("look up stale transaction %s: %w", signed.Hash().Hex(), err)
		}
		delete(g.unsent, intent)
		if landed {
			return signed.Hash(), true, nil
		}
		return common.Hash{}, false, nil
	}
	classified := classify(fmt.Errorf("send transaction: %w", err))
	if retry.IsPermanent(classified) {
		delete(g.unsent, intent)
	}
	return common.Hash{}, true, classified
}

func (g *EVMGateway) landed(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := g.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		return receipt != nil, nil
	case errors.Is(err, ethereum.NotFound):
		return false, nil
	}
	return false, err
}

// accepted clears intent and drops any other unsent transaction that shared
// the accepted nonce, since it can no longer be mined.
func (g *EVMGateway) accepted(intent common.Hash, signed *gethtypes.Transaction) {
	delete(g.unsent, intent)
	for other, tx := range g.unsent {
		if tx.Nonce() == signed.Nonce() {
			delete(g.unsent, other)
		}
	}
}

func (g *EVMGateway) build(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, value *big.Int, data []byte) (*gethtypes.Transaction, error) {
	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("estimate gas: %w", err))
	}
	gas += gas * g.cfg.GasBufferPercent / 100

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(g.chainID), key)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("sign transaction: %w", err))
	}
	return signed, nil
}

// WaitForReceipt polls for the receipt until it is confirmed or ctx ends. A
// deadline on ctx yields ErrConfirmationTimeout; a failed status yields
// ErrReverted together with the receipt.
func (g *EVMGateway) WaitForReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, txHash.Hex())
			}
			confirmed, err := g.confirmed(ctx, receipt)
			if err == nil && confirmed {
				return receipt, nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, txHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) confirmed(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if g.cfg.Confirmations <= 1 {
		return true, nil
	}
	header, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, err
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(g.cfg.Confirmations)) >= 0, nil
}

// classify marks node rejections that cannot succeed on retry as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return retry.Permanent(fmt.Errorf("%w: %v", ErrReverted, err))
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "invalid sender"),
		strings.Contains(msg, "exceeds block gas limit"):
		return retry.Permanent(err)
	}
	return err
}
