package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrivateKey = errors.New("settlement: invalid private key")
	ErrInvalidRecipient  = errors.New("settlement: invalid recipient address")
	ErrTransactionFailed = errors.New("settlement: transaction reverted")
	ErrRPCConnection     = errors.New("settlement: RPC connection failed")
)

// Minimal ERC-20 ABI: transfer for payouts, balanceOf for health checks.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// usdcDecimals is the on-chain precision of USDC.
	usdcDecimals = 6

	// defaultGasLimit is used when estimation fails.
	defaultGasLimit = uint64(100000)

	// receiptPollInterval between mined-receipt checks.
	receiptPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// OnchainConfig configures the USDC transfer settler.
type OnchainConfig struct {
	RPCURL       string
	PrivateKey   string // hex, 0x prefix optional
	ChainID      int64
	USDCContract string
}

// OnchainOption configures an OnchainSettler.
type OnchainOption func(*OnchainSettler)

// WithClient injects a custom client (tests).
func WithClient(client EthClient) OnchainOption {
	return func(s *OnchainSettler) { s.client = client }
}

// WithPollInterval overrides the receipt poll interval (tests).
func WithPollInterval(d time.Duration) OnchainOption {
	return func(s *OnchainSettler) { s.pollInterval = d }
}

// OnchainSettler pays recipients in USDC via an ERC-20 transfer and waits
// for the transaction to be mined. The returned reference is the tx hash.
type OnchainSettler struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	token        common.Address
	tokenABI     abi.ABI
	pollInterval time.Duration
}

var _ Settler = (*OnchainSettler)(nil)

// NewOnchainSettler connects to the RPC endpoint and derives the payout
// account from the configured key.
func NewOnchainSettler(cfg OnchainConfig, opts ...OnchainOption) (*OnchainSettler, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("settlement: chain ID required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse ERC20 ABI: %w", err)
	}

	s := &OnchainSettler{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(*publicKey),
		chainID:      big.NewInt(cfg.ChainID),
		token:        common.HexToAddress(cfg.USDCContract),
		tokenABI:     parsedABI,
		pollInterval: receiptPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}
	return s, nil
}

// Address returns the payout account address.
func (s *OnchainSettler) Address() string {
	return s.address.Hex()
}

// Settle transfers amount USDC to recipient and blocks until the
// transaction is mined or ctx expires.
func (s *OnchainSettler) Settle(ctx context.Context, escrowID, recipient string, amount decimal.Decimal, currency string) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: ErrInvalidRecipient}
	}
	to := common.HexToAddress(recipient)
	raw := toRawUnits(amount)
	if raw.Sign() <= 0 {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: fmt.Errorf("non-positive amount %s", amount)}
	}

	data, err := s.tokenABI.Pack("transfer", to, raw)
	if err != nil {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: fmt.Errorf("pack transfer: %w", err)}
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: fmt.Errorf("gas price: %w", err)}
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &s.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, s.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: fmt.Errorf("sign: %w", err)}
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: fmt.Errorf("send: %w", err)}
	}

	txHash := signedTx.Hash()
	if err := s.waitMined(ctx, txHash); err != nil {
		return "", &Error{Backend: "onchain", EscrowID: escrowID, Err: err}
	}
	return txHash.Hex(), nil
}

// waitMined polls for the receipt until ctx expires.
func (s *OnchainSettler) waitMined(ctx context.Context, txHash common.Hash) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for tx %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				// Not mined yet.
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("tx %s: %w", txHash.Hex(), ErrTransactionFailed)
			}
			return nil
		}
	}
}

// Balance returns the payout account's USDC balance for health reporting.
func (s *OnchainSettler) Balance(ctx context.Context) (decimal.Decimal, error) {
	data, err := s.tokenABI.Pack("balanceOf", s.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("call balanceOf: %w", err)
	}
	raw := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(raw, -usdcDecimals), nil
}

// Close closes the RPC connection.
func (s *OnchainSettler) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// toRawUnits converts a currency amount to 6-decimal token units,
// truncating anything finer.
func toRawUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(usdcDecimals).Truncate(0).BigInt()
}
