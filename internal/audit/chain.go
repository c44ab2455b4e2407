package audit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/reconciliation"
)

// anchorGasLimit covers a plain transfer plus 32 bytes of calldata.
const anchorGasLimit = uint64(30000)

// EthClient is the part of *ethclient.Client the chain sink uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ChainSink anchors a keccak256 digest of each state-changing outcome as the
// calldata of a zero-value transaction from the audit key to itself.
type ChainSink struct {
	client  EthClient
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewChainSink creates a chain backend signing with the hex private key.
func NewChainSink(client EthClient, privateKeyHex string, chainID int64) (*ChainSink, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid audit private key: %w", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("invalid audit private key: no public key")
	}
	return &ChainSink{
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(*pub),
		chainID: big.NewInt(chainID),
	}, nil
}

// DialChain connects to an Ethereum JSON-RPC endpoint.
func DialChain(rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connect chain rpc: %w", err)
	}
	return c, nil
}

func (s *ChainSink) Name() string { return "chain" }

// Address is the anchoring account.
func (s *ChainSink) Address() common.Address { return s.address }

// Digest is the keccak256 of the outcome's identifying facts.
func Digest(o *reconciliation.Outcome) common.Hash {
	fact := strings.Join([]string{
		o.Reference,
		string(o.Provider),
		o.ExternalID,
		string(o.Result),
		string(o.Status),
		o.Reason,
		o.Amount.String(),
		o.Currency,
		o.PayloadHash,
		o.At.UTC().Format("2006-01-02T15:04:05.000000000Z"),
	}, "|")
	return crypto.Keccak256Hash([]byte(fact))
}

func (s *ChainSink) Send(ctx context.Context, o *reconciliation.Outcome) error {
	if !o.Changed() {
		return nil
	}
	digest := Digest(o)

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, s.address, big.NewInt(0), anchorGasLimit, gasPrice, digest.Bytes())
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	logging.L(ctx).Info("outcome anchored",
		"reference", o.Reference, "digest", digest.Hex(), "tx", signed.Hash().Hex())
	return nil
}
