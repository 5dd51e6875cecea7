package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stakepilot/engine/internal/domain"
)

// fakeClient scripts RPC behavior for protocol tests.
type fakeClient struct {
	mu sync.Mutex

	balance     *big.Int
	nonce       uint64
	gasEstimate uint64
	estimateErr error
	sendErrs    []error
	sent        []*types.Transaction
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		balance:     big.NewInt(1_000_000_000_000_000), // plenty of gas money
		gasEstimate: 80_000,
	}
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(8453), nil }

func (f *fakeClient) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.gasEstimate, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	// Value transfers land in the session balance (gas ignored for tests).
	if tx.Value() != nil && tx.Value().Sign() > 0 {
		f.balance.Add(f.balance, tx.Value())
	}
	return nil
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
		GasUsed:     60_000,
	}, nil
}

func (f *fakeClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(42)}, nil
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestProtocol(t *testing.T, client Client, withPrincipal bool) *Protocol {
	t.Helper()

	sessionKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cfg := ProtocolConfig{
		Client:         client,
		SessionKey:     sessionKey,
		MarketAddr:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		ReceiptTimeout: time.Second,
		ReceiptPoll:    time.Millisecond,
		NoncePause:     time.Millisecond,
		NonceRetryBase: time.Millisecond,
	}
	if withPrincipal {
		principalKey, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		cfg.PrincipalKey = principalKey
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := NewProtocol(context.Background(), cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func placementReq() domain.PlacementRequest {
	return domain.PlacementRequest{
		ListingID:  "listing-1",
		Side:       domain.SideYes,
		StakeMicro: 5_000_000,
		Permission: domain.SpendPermission{
			Context:        "0xdeadbeef",
			Enforcer:       "0x00000000000000000000000000000000000000bb",
			Principal:      "0x00000000000000000000000000000000000000cc",
			AllowanceMicro: 100_000_000,
		},
	}
}

func TestPlaceTwoPhase(t *testing.T) {
	client := newFakeClient()
	p := newTestProtocol(t, client, false)

	res, err := p.Place(context.Background(), placementReq())
	if err != nil {
		t.Fatal(err)
	}

	// Redeem tx plus placement tx.
	if got := client.sentCount(); got != 2 {
		t.Fatalf("sent %d transactions, want 2", got)
	}
	if res.TxHash == "" || res.RedeemHash == "" {
		t.Fatalf("result missing hashes: %+v", res)
	}
	if res.TxHash == res.RedeemHash {
		t.Fatal("placement and redeem hashes should differ")
	}
	if res.BlockNumber != 42 {
		t.Fatalf("block number = %d, want 42", res.BlockNumber)
	}
}

func TestPlaceTopsUpSessionGas(t *testing.T) {
	client := newFakeClient()
	client.balance = big.NewInt(10) // near-empty session account
	p := newTestProtocol(t, client, true)

	if _, err := p.Place(context.Background(), placementReq()); err != nil {
		t.Fatal(err)
	}

	// Top-up, redeem, placement.
	if got := client.sentCount(); got != 3 {
		t.Fatalf("sent %d transactions, want 3", got)
	}
	topUp := client.sent[0]
	if topUp.Value() == nil || topUp.Value().Sign() <= 0 {
		t.Fatal("first transaction should be the value top-up")
	}
	if topUp.Gas() != 21_000 {
		t.Fatalf("top-up gas = %d, want 21000", topUp.Gas())
	}
}

func TestPlaceInsufficientGasWithoutPrincipal(t *testing.T) {
	client := newFakeClient()
	client.balance = big.NewInt(10)
	p := newTestProtocol(t, client, false)

	_, err := p.Place(context.Background(), placementReq())
	if !errors.Is(err, domain.ErrInsufficientGas) {
		t.Fatalf("got %v, want ErrInsufficientGas", err)
	}
	if got := client.sentCount(); got != 0 {
		t.Fatalf("sent %d transactions, want none", got)
	}
}

func TestPlaceNonceConflictRecovers(t *testing.T) {
	client := newFakeClient()
	client.sendErrs = []error{errors.New("nonce too low")}
	p := newTestProtocol(t, client, false)

	if _, err := p.Place(context.Background(), placementReq()); err != nil {
		t.Fatal(err)
	}
	if got := client.sentCount(); got != 2 {
		t.Fatalf("sent %d transactions, want 2 after one retry", got)
	}
}

func TestPlaceNonceRetriesExhausted(t *testing.T) {
	client := newFakeClient()
	client.sendErrs = []error{
		errors.New("nonce too low"),
		errors.New("replacement transaction underpriced"),
		errors.New("already known"),
	}
	p := newTestProtocol(t, client, false)

	_, err := p.Place(context.Background(), placementReq())
	if !errors.Is(err, domain.ErrNonceExhausted) {
		t.Fatalf("got %v, want ErrNonceExhausted", err)
	}
}

func TestPlaceClassifiesPermissionRevert(t *testing.T) {
	client := newFakeClient()
	client.estimateErr = errors.New("execution reverted: spend limit exceeded")
	p := newTestProtocol(t, client, false)

	_, err := p.Place(context.Background(), placementReq())
	if !errors.Is(err, domain.ErrPermissionExhausted) {
		t.Fatalf("got %v, want ErrPermissionExhausted", err)
	}
}

func TestPlaceClassifiesClosedListing(t *testing.T) {
	client := newFakeClient()
	client.estimateErr = errors.New("execution reverted: listing closed")
	p := newTestProtocol(t, client, false)

	_, err := p.Place(context.Background(), placementReq())
	if !errors.Is(err, domain.ErrListingClosed) {
		t.Fatalf("got %v, want ErrListingClosed", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil passthrough", nil, nil},
		{"permission", errors.New("revert: insufficient allowance"), domain.ErrPermissionExhausted},
		{"listing", errors.New("revert: market resolved"), domain.ErrListingClosed},
		{"funds", errors.New("insufficient funds for gas * price + value"), domain.ErrInsufficientGas},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("classify(nil) = %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	generic := errors.New("connection refused")
	if got := classify(generic); got != generic {
		t.Fatalf("generic error should pass through unchanged, got %v", got)
	}
}

func TestIsNonceErr(t *testing.T) {
	if !isNonceErr(errors.New("Nonce too LOW")) {
		t.Fatal("case-insensitive match expected")
	}
	if isNonceErr(errors.New("gas too low")) {
		t.Fatal("unrelated error should not match")
	}
	if isNonceErr(nil) {
		t.Fatal("nil should not match")
	}
}
