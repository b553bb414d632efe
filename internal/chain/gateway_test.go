package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketSettle/internal/model"
)

// fakeEth serves the handful of eth_ methods the gateway uses. loseNext pools
// the next transactions but fails the call as if the response never arrived;
// rejectNext refuses the next transaction with the given node error.
type fakeEth struct {
	mu         sync.Mutex
	height     uint64
	gasPrice   *big.Int
	nonce      uint64
	sent       []*types.Transaction
	decimals   uint8
	loseNext   int
	rejectNext []string
}

func (f *fakeEth) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(f.height)
}

func (f *fakeEth) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(f.gasPrice)
}

func (f *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1337))
}

func (f *fakeEth) GetTransactionCount(_ common.Address, _ string) hexutil.Uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hexutil.Uint64(f.nonce)
}

func (f *fakeEth) SendRawTransaction(data hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rejectNext) > 0 {
		msg := f.rejectNext[0]
		f.rejectNext = f.rejectNext[1:]
		return common.Hash{}, errors.New(msg)
	}
	for _, pooled := range f.sent {
		if pooled.Hash() == tx.Hash() {
			return common.Hash{}, errors.New("already known")
		}
	}
	f.sent = append(f.sent, tx)
	if tx.Nonce() >= f.nonce {
		f.nonce = tx.Nonce() + 1
	}
	if f.loseNext > 0 {
		f.loseNext--
		return common.Hash{}, errors.New("response lost")
	}
	return tx.Hash(), nil
}

func (f *fakeEth) pooled() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *fakeEth) Call(_ map[string]interface{}, _ string) (hexutil.Bytes, error) {
	out := make([]byte, 32)
	out[31] = f.decimals
	return out, nil
}

func newFakeClient(t *testing.T, svc *fakeEth) *Client {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	t.Cleanup(server.Stop)
	client := NewClientFromRPC(rpc.DialInProc(server), 0)
	t.Cleanup(client.Close)
	return client
}

const tokenAddr = "0x00000000000000000000000000000000000000A0"

func testLedger() model.LedgerDefinition {
	return model.LedgerDefinition{
		ID:      "devnet",
		ChainID: 1337,
		Assets: []model.AssetDefinition{
			{Symbol: "ETH", Decimals: 18, Native: true},
			{Symbol: "USDC", Decimals: 6, Contract: tokenAddr},
		},
	}
}

func TestProbeHealth(t *testing.T) {
	svc := &fakeEth{height: 1234, gasPrice: big.NewInt(25_000_000_000)}
	g := NewGateway(nil)
	g.Register(testLedger(), newFakeClient(t, svc), nil)

	res, err := g.ProbeHealth(context.Background(), "devnet")
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	assert.Equal(t, uint64(1234), res.BlockHeight)
	assert.InDelta(t, 25.0, res.FeePrice, 1e-9)

	_, err = g.ProbeHealth(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownLedger)
}

func TestSubmitNativeAndTokenTransfers(t *testing.T) {
	svc := &fakeEth{height: 1, gasPrice: big.NewInt(1_000_000_000), nonce: 7}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(1337)

	g := NewGateway(nil)
	g.Register(testLedger(), newFakeClient(t, svc), NewSigner(key, chainID))

	payout := "0x000000000000000000000000000000000000dEaD"
	ctx := context.Background()

	hash, err := g.SubmitTransfer(ctx, "devnet", "claim-1", payout, decimal.RequireFromString("0.5"), "ETH")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	_, err = g.SubmitTransfer(ctx, "devnet", "claim-2", payout, decimal.RequireFromString("12.34"), "usdc")
	require.NoError(t, err)

	require.Len(t, svc.sent, 2)
	native, token := svc.sent[0], svc.sent[1]

	assert.Equal(t, uint64(7), native.Nonce())
	assert.Equal(t, uint64(8), token.Nonce())

	assert.Equal(t, common.HexToAddress(payout), *native.To())
	assert.Equal(t, "500000000000000000", native.Value().String())
	assert.Equal(t, uint64(nativeTransferGas), native.Gas())

	assert.Equal(t, common.HexToAddress(tokenAddr), *token.To())
	assert.Zero(t, token.Value().Sign())
	want, err := PackTransfer(common.HexToAddress(payout), big.NewInt(12_340_000))
	require.NoError(t, err)
	assert.Equal(t, want, token.Data())

	from, err := types.Sender(types.LatestSignerForChainID(chainID), native)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)
}

func newSigningGateway(t *testing.T, svc *fakeEth) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	g := NewGateway(nil)
	g.Register(testLedger(), newFakeClient(t, svc), NewSigner(key, big.NewInt(1337)))
	return g
}

func TestRetryAfterLostResponseResendsSameTransaction(t *testing.T) {
	svc := &fakeEth{gasPrice: big.NewInt(1_000_000_000), nonce: 7, loseNext: 1}
	g := newSigningGateway(t, svc)
	ctx := context.Background()
	payout := "0x000000000000000000000000000000000000dEaD"
	amount := decimal.RequireFromString("0.5")

	_, err := g.SubmitTransfer(ctx, "devnet", "claim-1", payout, amount, "ETH")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTxRejected)

	hash, err := g.SubmitTransfer(ctx, "devnet", "claim-1", payout, amount, "ETH")
	require.NoError(t, err)

	pool := svc.pooled()
	require.Len(t, pool, 1, "the payout must exist once in the pool")
	assert.Equal(t, pool[0].Hash().Hex(), hash)
	assert.Equal(t, uint64(7), pool[0].Nonce())

	_, err = g.SubmitTransfer(ctx, "devnet", "claim-2", payout, amount, "ETH")
	require.NoError(t, err)
	pool = svc.pooled()
	require.Len(t, pool, 2)
	assert.Equal(t, uint64(8), pool[1].Nonce())
}

func TestRetryAfterInclusionTreatsNonceTooLowAsSent(t *testing.T) {
	svc := &fakeEth{gasPrice: big.NewInt(1), nonce: 3, loseNext: 1}
	g := newSigningGateway(t, svc)
	ctx := context.Background()
	payout := "0x000000000000000000000000000000000000dEaD"

	_, err := g.SubmitTransfer(ctx, "devnet", "claim-1", payout, decimal.NewFromInt(1), "ETH")
	require.Error(t, err)

	svc.mu.Lock()
	svc.rejectNext = []string{"nonce too low: next nonce 4, tx nonce 3"}
	svc.mu.Unlock()

	hash, err := g.SubmitTransfer(ctx, "devnet", "claim-1", payout, decimal.NewFromInt(1), "ETH")
	require.NoError(t, err)
	pool := svc.pooled()
	require.Len(t, pool, 1)
	assert.Equal(t, pool[0].Hash().Hex(), hash)
}

func TestRejectedTransferReleasesNonce(t *testing.T) {
	svc := &fakeEth{
		gasPrice:   big.NewInt(1),
		nonce:      7,
		rejectNext: []string{"insufficient funds for gas * price + value"},
	}
	g := newSigningGateway(t, svc)
	ctx := context.Background()
	payout := "0x000000000000000000000000000000000000dEaD"

	_, err := g.SubmitTransfer(ctx, "devnet", "claim-1", payout, decimal.NewFromInt(1), "ETH")
	require.ErrorIs(t, err, ErrTxRejected)
	assert.Empty(t, svc.pooled())

	_, err = g.SubmitTransfer(ctx, "devnet", "claim-1", payout, decimal.NewFromInt(1), "ETH")
	require.NoError(t, err)
	pool := svc.pooled()
	require.Len(t, pool, 1)
	assert.Equal(t, uint64(7), pool[0].Nonce(), "a refused transaction must not leave a nonce gap")
}

func TestSubmitTransferErrors(t *testing.T) {
	svc := &fakeEth{gasPrice: big.NewInt(1)}
	key, _ := crypto.GenerateKey()
	g := NewGateway(nil)
	g.Register(testLedger(), newFakeClient(t, svc), NewSigner(key, big.NewInt(1337)))

	other := testLedger()
	other.ID = "readonly"
	g.Register(other, newFakeClient(t, svc), nil)

	ctx := context.Background()
	payout := "0x000000000000000000000000000000000000dEaD"

	_, err := g.SubmitTransfer(ctx, "devnet", "claim-x", payout, decimal.NewFromInt(1), "DOGE")
	assert.ErrorIs(t, err, ErrUnsupportedAsset)

	_, err = g.SubmitTransfer(ctx, "readonly", "claim-x", payout, decimal.NewFromInt(1), "ETH")
	assert.ErrorIs(t, err, ErrNoSigner)

	_, err = g.SubmitTransfer(ctx, "devnet", "claim-x", "nope", decimal.NewFromInt(1), "ETH")
	assert.Error(t, err)

	_, err = g.SubmitTransfer(ctx, "devnet", "claim-x", payout, decimal.RequireFromString("0.0000001"), "USDC")
	assert.Error(t, err, "finer than token decimals")
	assert.Empty(t, svc.sent)
}

func TestVerifyDecimals(t *testing.T) {
	svc := &fakeEth{decimals: 6}
	g := NewGateway(nil)
	g.Register(testLedger(), newFakeClient(t, svc), nil)
	require.NoError(t, g.VerifyDecimals(context.Background()))

	svc.decimals = 18
	assert.Error(t, g.VerifyDecimals(context.Background()))
}

func TestToBaseUnits(t *testing.T) {
	units, err := ToBaseUnits(decimal.RequireFromString("1.5"), 6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", units.String())

	_, err = ToBaseUnits(decimal.Zero, 6)
	assert.Error(t, err)
	_, err = ToBaseUnits(decimal.RequireFromString("0.1234567"), 6)
	assert.Error(t, err)

	assert.InDelta(t, 1.5, WeiToGwei(big.NewInt(1_500_000_000)), 1e-12)
	assert.Zero(t, WeiToGwei(nil))
}

func TestSignerFromEnv(t *testing.T) {
	key, _ := crypto.GenerateKey()
	t.Setenv("TEST_SETTLER_KEY", "0x"+common.Bytes2Hex(crypto.FromECDSA(key)))

	s, err := SignerFromEnv("TEST_SETTLER_KEY", big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	_, err = SignerFromEnv("", big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoSigner)
	t.Setenv("TEST_SETTLER_EMPTY", "")
	_, err = SignerFromEnv("TEST_SETTLER_EMPTY", big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoSigner)
}
