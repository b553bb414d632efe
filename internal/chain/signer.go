package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNoSigner is returned when a ledger has no signing key configured.
	ErrNoSigner = errors.New("ledger has no signing key")
	// ErrTxRejected marks a broadcast the node refused outright. Its nonce was
	// not consumed.
	ErrTxRejected = errors.New("transaction rejected by node")
)

// Node error texts. Only the message survives JSON-RPC, so broadcasts are
// classified by substring.
var (
	knownTxErrors    = []string{"already known", "known transaction"}
	nonceTooLowError = "nonce too low"
	rejectedTxErrors = []string{
		"insufficient funds",
		"intrinsic gas too low",
		"underpriced",
		"exceeds block gas limit",
		"gas limit reached",
		"invalid sender",
		"nonce too high",
		"oversized data",
	}
)

// Signer holds the hot-wallet key for one ledger and hands out nonces in order.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	mu    sync.Mutex
	nonce *uint64
}

// SignerFromEnv loads a hex private key from the named environment variable.
func SignerFromEnv(envName string, chainID *big.Int) (*Signer, error) {
	if envName == "" {
		return nil, ErrNoSigner
	}
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoSigner, envName)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key from %s: %w", envName, err)
	}
	return NewSigner(key, chainID), nil
}

func NewSigner(key *ecdsa.PrivateKey, chainID *big.Int) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign builds and signs a legacy transaction with the next nonce. The nonce is
// taken as soon as the transaction is signed; Broadcast hands it back only when
// the node proves it refused the transaction.
func (s *Signer) Sign(ctx context.Context, client *Client, to common.Address, value *big.Int, gas uint64, data []byte) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nonce == nil {
		n, err := client.PendingNonceAt(ctx, s.address)
		if err != nil {
			return nil, fmt.Errorf("fetch nonce: %w", err)
		}
		s.nonce = &n
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    *s.nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	next := *s.nonce + 1
	s.nonce = &next
	return signed, nil
}

// Broadcast sends a signed transaction. A transaction the node already holds
// counts as sent. rebroadcast marks a repeat of an earlier attempt, for which
// "nonce too low" means the transaction was already included. Errors that do
// not prove a rejection leave the nonce taken, so a retry must resend the same
// transaction rather than sign a new one.
func (s *Signer) Broadcast(ctx context.Context, client *Client, tx *types.Transaction, rebroadcast bool) error {
	err := client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, knownTxErrors) {
		return nil
	}
	if strings.Contains(msg, nonceTooLowError) {
		if rebroadcast {
			return nil
		}
		s.resetNonce()
		return fmt.Errorf("%w: %w", ErrTxRejected, err)
	}
	if containsAny(msg, rejectedTxErrors) {
		s.resetNonce()
		return fmt.Errorf("%w: %w", ErrTxRejected, err)
	}
	return fmt.Errorf("send transaction: %w", err)
}

// resetNonce makes the next Sign re-read the pending nonce from the node.
func (s *Signer) resetNonce() {
	s.mu.Lock()
	s.nonce = nil
	s.mu.Unlock()
}

func containsAny(msg string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
