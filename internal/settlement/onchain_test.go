package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// testKey is a throwaway key for signing in tests.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeEthClient struct {
	sentTx     *types.Transaction
	sendErr    error
	receiptErr error
	status     uint64
	nonceErr   error
}

func (c *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, c.nonceErr
}

func (c *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}

func (c *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sentTx = tx
	return nil
}

func (c *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if c.receiptErr != nil {
		return nil, c.receiptErr
	}
	return &types.Receipt{Status: c.status, BlockNumber: big.NewInt(100)}, nil
}

func (c *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return big.NewInt(42_000_000).FillBytes(make([]byte, 32)), nil
}

func (c *fakeEthClient) Close() {}

func newTestSettler(t *testing.T, client EthClient) *OnchainSettler {
	t.Helper()
	s, err := NewOnchainSettler(OnchainConfig{
		RPCURL:       "http://localhost:8545",
		PrivateKey:   testKey,
		ChainID:      8453,
		USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	}, WithClient(client), WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewOnchainSettler: %v", err)
	}
	return s
}

func TestOnchainSettleSuccess(t *testing.T) {
	client := &fakeEthClient{status: 1}
	s := newTestSettler(t, client)

	ref, err := s.Settle(context.Background(), "esc_1",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8", decimal.NewFromFloat(1.5), "USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.sentTx == nil {
		t.Fatal("no transaction sent")
	}
	if ref != client.sentTx.Hash().Hex() {
		t.Errorf("reference %q should be the tx hash %q", ref, client.sentTx.Hash().Hex())
	}
	if got := client.sentTx.Nonce(); got != 7 {
		t.Errorf("nonce = %d, want 7", got)
	}
}

func TestOnchainSettleRevertedTx(t *testing.T) {
	client := &fakeEthClient{status: 0}
	s := newTestSettler(t, client)

	_, err := s.Settle(context.Background(), "esc_1",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8", decimal.NewFromInt(1), "USDC")
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("expected ErrTransactionFailed, got %v", err)
	}
	var serr *Error
	if !errors.As(err, &serr) || serr.Backend != "onchain" {
		t.Errorf("expected onchain settlement.Error, got %v", err)
	}
}

func TestOnchainSettleBadRecipient(t *testing.T) {
	s := newTestSettler(t, &fakeEthClient{status: 1})

	_, err := s.Settle(context.Background(), "esc_1", "acct_not_an_address", decimal.NewFromInt(1), "USDC")
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestOnchainSettleSendFailure(t *testing.T) {
	client := &fakeEthClient{sendErr: errors.New("insufficient funds")}
	s := newTestSettler(t, client)

	_, err := s.Settle(context.Background(), "esc_1",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8", decimal.NewFromInt(1), "USDC")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNewOnchainSettlerRejectsBadKey(t *testing.T) {
	_, err := NewOnchainSettler(OnchainConfig{
		RPCURL:       "http://localhost:8545",
		PrivateKey:   "short",
		ChainID:      8453,
		USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	})
	if !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestOnchainBalance(t *testing.T) {
	s := newTestSettler(t, &fakeEthClient{status: 1})

	bal, err := s.Balance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(42)) {
		t.Errorf("balance = %s, want 42", bal)
	}
}
