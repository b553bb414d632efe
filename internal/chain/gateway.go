// Package chain talks to EVM ledgers over JSON-RPC: health probes and value
// transfers for the settlement engine.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pocketSettle/internal/health"
	"pocketSettle/internal/model"
)

const (
	nativeTransferGas = 21000
	defaultTokenGas   = 100000

	// pendingTTL bounds how long a signed but unconfirmed transfer is kept for
	// re-broadcast under its reference.
	pendingTTL = time.Hour
)

var (
	ErrUnknownLedger    = errors.New("unknown ledger")
	ErrUnsupportedAsset = errors.New("asset not supported on ledger")
)

var weiPerGwei = decimal.New(1, 9)

type pendingTransfer struct {
	tx       *types.Transaction
	signedAt time.Time
}

type ledgerConn struct {
	def    model.LedgerDefinition
	client *Client
	signer *Signer

	mu      sync.Mutex
	pending map[string]pendingTransfer
}

// signed returns the transaction already signed for reference, if any, and
// drops entries older than pendingTTL.
func (c *ledgerConn) signed(reference string, now time.Time) (*types.Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, p := range c.pending {
		if now.Sub(p.signedAt) > pendingTTL {
			delete(c.pending, ref)
		}
	}
	p, ok := c.pending[reference]
	return p.tx, ok
}

func (c *ledgerConn) remember(reference string, tx *types.Transaction, now time.Time) {
	c.mu.Lock()
	c.pending[reference] = pendingTransfer{tx: tx, signedAt: now}
	c.mu.Unlock()
}

func (c *ledgerConn) forget(reference string) {
	c.mu.Lock()
	delete(c.pending, reference)
	c.mu.Unlock()
}

// Gateway routes probes and transfers to the client of each configured ledger.
type Gateway struct {
	mu      sync.RWMutex
	ledgers map[string]*ledgerConn
	logger  *zap.Logger
}

func NewGateway(logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{ledgers: make(map[string]*ledgerConn), logger: logger}
}

// DialGateway connects to every ledger and loads its signing key when one is
// configured. Ledgers without a key can be probed but not paid from.
func DialGateway(ctx context.Context, defs []model.LedgerDefinition, logger *zap.Logger) (*Gateway, error) {
	g := NewGateway(logger)
	for _, def := range defs {
		client, err := NewClient(ctx, def.RPCURL, def.RPCRateLimit)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("dial ledger %s: %w", def.ID, err)
		}

		var signer *Signer
		if def.SignerKeyEnv != "" {
			chainID := new(big.Int).SetUint64(def.ChainID)
			if def.ChainID == 0 {
				if chainID, err = client.GetChainID(ctx); err != nil {
					g.Close()
					client.Close()
					return nil, fmt.Errorf("chain id of %s: %w", def.ID, err)
				}
			}
			signer, err = SignerFromEnv(def.SignerKeyEnv, chainID)
			if err != nil {
				g.logger.Warn("ledger signer unavailable", zap.String("ledger", def.ID), zap.Error(err))
				signer = nil
			}
		}
		g.Register(def, client, signer)
	}
	return g, nil
}

// Register adds or replaces a ledger connection.
func (g *Gateway) Register(def model.LedgerDefinition, client *Client, signer *Signer) {
	g.mu.Lock()
	g.ledgers[def.ID] = &ledgerConn{
		def:     def,
		client:  client,
		signer:  signer,
		pending: make(map[string]pendingTransfer),
	}
	g.mu.Unlock()
}

// LedgerIDs returns the registered ledgers in id order.
func (g *Gateway) LedgerIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.ledgers))
	for id := range g.ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, conn := range g.ledgers {
		conn.client.Close()
	}
}

func (g *Gateway) conn(id string) (*ledgerConn, error) {
	g.mu.RLock()
	conn, ok := g.ledgers[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, id)
	}
	return conn, nil
}

// ProbeHealth reads the head block and gas price. Latency is the round trip of
// the block number call; the fee proxy is the gas price in gwei.
func (g *Gateway) ProbeHealth(ctx context.Context, ledgerID string) (health.ProbeResult, error) {
	conn, err := g.conn(ledgerID)
	if err != nil {
		return health.ProbeResult{}, err
	}

	start := time.Now()
	height, err := conn.client.LatestBlockNumber(ctx)
	if err != nil {
		return health.ProbeResult{}, fmt.Errorf("block number: %w", err)
	}
	latency := time.Since(start)

	gasPrice, err := conn.client.SuggestGasPrice(ctx)
	if err != nil {
		return health.ProbeResult{}, fmt.Errorf("gas price: %w", err)
	}

	return health.ProbeResult{
		Reachable:   true,
		Latency:     latency,
		FeePrice:    WeiToGwei(gasPrice),
		BlockHeight: height,
	}, nil
}

// SubmitTransfer pays amount of asset to address on the ledger and returns the
// transaction hash. reference identifies the payout: repeated calls with the
// same reference re-broadcast the transaction signed by the first call, so a
// lost response never turns into a second payment. An empty reference signs a
// fresh transaction every time.
func (g *Gateway) SubmitTransfer(ctx context.Context, ledgerID, reference, address string, amount decimal.Decimal, asset string) (string, error) {
	conn, err := g.conn(ledgerID)
	if err != nil {
		return "", err
	}
	if conn.signer == nil {
		return "", fmt.Errorf("%w: %s", ErrNoSigner, ledgerID)
	}

	now := time.Now()
	tx, rebroadcast := conn.signed(reference, now)
	if !rebroadcast {
		tx, err = g.signTransfer(ctx, conn, address, amount, asset)
		if err != nil {
			return "", err
		}
		if reference != "" {
			conn.remember(reference, tx, now)
		}
	}

	err = conn.signer.Broadcast(ctx, conn.client, tx, rebroadcast)
	switch {
	case err == nil:
		conn.forget(reference)
	case errors.Is(err, ErrTxRejected):
		conn.forget(reference)
		return "", err
	default:
		g.logger.Warn("transfer broadcast unconfirmed",
			zap.String("ledger", ledgerID),
			zap.String("reference", reference),
			zap.String("tx", tx.Hash().Hex()),
			zap.Uint64("nonce", tx.Nonce()),
			zap.Error(err),
		)
		return "", err
	}

	g.logger.Info("transfer submitted",
		zap.String("ledger", ledgerID),
		zap.String("reference", reference),
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("tx", tx.Hash().Hex()),
		zap.Bool("rebroadcast", rebroadcast),
	)
	return tx.Hash().Hex(), nil
}

func (g *Gateway) signTransfer(ctx context.Context, conn *ledgerConn, address string, amount decimal.Decimal, asset string) (*types.Transaction, error) {
	ledgerID := conn.def.ID
	def, ok := conn.def.Asset(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, asset, ledgerID)
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid payout address %q", address)
	}
	to := common.HexToAddress(address)

	units, err := ToBaseUnits(amount, def.Decimals)
	if err != nil {
		return nil, err
	}

	if def.Native {
		return conn.signer.Sign(ctx, conn.client, to, units, nativeTransferGas, nil)
	}
	if !common.IsHexAddress(def.Contract) {
		return nil, fmt.Errorf("asset %s on %s has no contract address", asset, ledgerID)
	}
	data, err := PackTransfer(to, units)
	if err != nil {
		return nil, err
	}
	gas := conn.def.GasLimit
	if gas == 0 {
		gas = defaultTokenGas
	}
	return conn.signer.Sign(ctx, conn.client, common.HexToAddress(def.Contract), big.NewInt(0), gas, data)
}

// VerifyDecimals checks that configured token decimals match the contracts.
func (g *Gateway) VerifyDecimals(ctx context.Context) error {
	var errs []error
	for _, id := range g.LedgerIDs() {
		conn, _ := g.conn(id)
		for _, asset := range conn.def.Assets {
			if asset.Native || !common.IsHexAddress(asset.Contract) {
				continue
			}
			onchain, err := TokenDecimals(ctx, conn.client, common.HexToAddress(asset.Contract))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", id, asset.Symbol, err))
				continue
			}
			if int32(onchain) != asset.Decimals {
				errs = append(errs, fmt.Errorf("%s/%s: configured %d decimals, contract reports %d",
					id, asset.Symbol, asset.Decimals, onchain))
			}
		}
	}
	return errors.Join(errs...)
}

// ToBaseUnits converts a decimal amount to integer base units. Amounts finer
// than the asset's decimals are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// WeiToGwei converts a wei amount to a float gwei value.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	gwei, _ := decimal.NewFromBigInt(wei, 0).Div(weiPerGwei).Float64()
	return gwei
}
