package lifecycle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/notify"
	"custodyfleet/services/custodyd/retry"
	"custodyfleet/services/custodyd/store"
)

var (
	pulledTopic    = gethcrypto.Keccak256Hash([]byte("Pulled(address,uint256)"))
	withdrawnTopic = gethcrypto.Keccak256Hash([]byte("Withdrawn(address,uint256)"))
	testCustodian  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testToken      = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	testMaster     = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// gate blocks the first call that passes through it until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

type fakeGateway struct {
	mu           sync.Mutex
	native       map[common.Address]*big.Int
	tokens       map[common.Address]*big.Int
	allowances   map[common.Address]*big.Int
	custody      *big.Int
	allowanceErr error
	sendErr      error
	sendCalls    int
	transfers    []common.Address
	pulls        int
	withdraws    int
	receipts     map[common.Hash]*gethtypes.Receipt
	hangReceipts bool
	revertPulls  bool
	omitEvents   bool
	seq          int64
	pullGate     *gate
	balanceGate  *gate
	withdrawGate *gate
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
		custody:    new(big.Int),
		receipts:   make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (f *fakeGateway) nextHash() common.Hash {
	f.seq++
	return common.BigToHash(big.NewInt(f.seq))
}

func (f *fakeGateway) setTokens(addr common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[addr] = amount
}

func (f *fakeGateway) setAllowance(addr common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[addr] = amount
}

func (f *fakeGateway) Custodian() common.Address { return testCustodian }
func (f *fakeGateway) Token() common.Address     { return testToken }

func (f *fakeGateway) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.native[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeGateway) TokenBalance(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	g := f.balanceGate
	f.balanceGate = nil
	f.mu.Unlock()
	if g != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.tokens[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeGateway) CustodianBalance(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.custody), nil
}

func (f *fakeGateway) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowanceErr != nil {
		return nil, f.allowanceErr
	}
	if spender != testCustodian {
		return new(big.Int), nil
	}
	if v, ok := f.allowances[owner]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeGateway) SendNative(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.transfers = append(f.transfers, to)
	current := f.native[to]
	if current == nil {
		current = new(big.Int)
	}
	f.native[to] = new(big.Int).Add(current, amount)
	hash := f.nextHash()
	f.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: hash}
	return hash, nil
}

func (f *fakeGateway) InvokeApprove(context.Context, *ecdsa.PrivateKey, common.Address, *big.Int) (common.Hash, error) {
	return common.Hash{}, errors.New("not supported")
}

func (f *fakeGateway) InvokePull(_ context.Context, wallet common.Address) (common.Hash, error) {
	f.mu.Lock()
	g := f.pullGate
	f.pullGate = nil
	f.mu.Unlock()
	if g != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	hash := f.nextHash()
	if f.revertPulls {
		f.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, TxHash: hash}
		return hash, nil
	}
	amount := f.tokens[wallet]
	if amount == nil {
		amount = new(big.Int)
	}
	f.tokens[wallet] = new(big.Int)
	f.custody = new(big.Int).Add(f.custody, amount)
	receipt := &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: hash}
	if !f.omitEvents {
		receipt.Logs = []*gethtypes.Log{{
			Address: testCustodian,
			Topics:  []common.Hash{pulledTopic, common.BytesToHash(wallet.Bytes())},
			Data:    common.LeftPadBytes(amount.Bytes(), 32),
		}}
	}
	f.receipts[hash] = receipt
	return hash, nil
}

func (f *fakeGateway) InvokeWithdraw(_ context.Context, master common.Address) (common.Hash, error) {
	f.mu.Lock()
	g := f.withdrawGate
	f.withdrawGate = nil
	f.mu.Unlock()
	if g != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdraws++
	hash := f.nextHash()
	amount := f.custody
	f.custody = new(big.Int)
	receipt := &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: hash}
	if !f.omitEvents {
		receipt.Logs = []*gethtypes.Log{{
			Address: testCustodian,
			Topics:  []common.Hash{withdrawnTopic, common.BytesToHash(master.Bytes())},
			Data:    common.LeftPadBytes(amount.Bytes(), 32),
		}}
	}
	f.receipts[hash] = receipt
	return hash, nil
}

func (f *fakeGateway) WaitForReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	hang := f.hangReceipts
	receipt := f.receipts[hash]
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, hash.Hex())
	}
	if receipt == nil {
		return nil, fmt.Errorf("unknown transaction %s", hash.Hex())
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", chain.ErrReverted, hash.Hex())
	}
	return receipt, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) ofKind(kind notify.Kind) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type countingStore struct {
	*store.Store
	upserts atomic.Int32
}

func (c *countingStore) UpsertWallet(ctx context.Context, address, name string) (store.Wallet, bool, error) {
	c.upserts.Add(1)
	return c.Store.UpsertWallet(ctx, address, name)
}

type harness struct {
	engine   *Engine
	store    *store.Store
	gateway  *fakeGateway
	notifier *recordingNotifier
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSettings() Settings {
	settings := DefaultSettings()
	settings.Master = testMaster
	settings.ConfirmTimeout = 50 * time.Millisecond
	return settings
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, records Store, opts ...Option) *harness {
	t.Helper()
	h := &harness{gateway: newFakeGateway(), notifier: &recordingNotifier{}}
	if records == nil {
		h.store = openStore(t)
		records = h.store
	} else if cs, ok := records.(*countingStore); ok {
		h.store = cs.Store
	}
	base := []Option{
		WithNotifier(h.notifier),
		WithLogger(quietLogger()),
		WithRetry(retry.New(
			retry.WithLogger(quietLogger()),
			retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		)),
	}
	engine, err := New(records, h.gateway, testSettings(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

// register creates the wallet record directly, bypassing onboarding.
func (h *harness) register(t *testing.T, addr common.Address) string {
	t.Helper()
	key := chain.Normalize(addr)
	if _, _, err := h.store.UpsertWallet(context.Background(), key, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return key
}
