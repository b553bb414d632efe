package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 30*time.Second, cfg.Claim.LockTTL)
	assert.True(t, cfg.Claim.ReleaseOnFailure)
	assert.Equal(t, 2, cfg.Claim.Retry.MaxRetries)
	assert.Equal(t, 30, cfg.Risk.LowThreshold)
	assert.Equal(t, 70, cfg.Risk.HighThreshold)
	assert.Equal(t, "1000", cfg.Risk.LargeAmount.String())
	require.Len(t, cfg.Risk.Limits, 2)
	assert.Equal(t, int64(5), cfg.Risk.Limits[0].Limit)
	assert.Empty(t, cfg.Rules)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log-level: debug
redis-addr: localhost:6379
claim:
  timeout: 10s
  release-on-failure: false
retry:
  max-retries: 4
risk:
  large-amount: "250.5"
  blocked-origins: [10.0.0.1, " 10.0.0.2 "]
  flag-scores:
    new_account: 15
  rules:
    - name: night-owl
      expr: 'platform == "discord"'
      score: 25
      severity: medium
`), 0o644))

	t.Setenv("SETTLER_RETRY_MAX_RETRIES", "6")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=warn"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 10*time.Second, cfg.Claim.Timeout)
	assert.False(t, cfg.Claim.ReleaseOnFailure)
	assert.Equal(t, 6, cfg.Claim.Retry.MaxRetries)
	assert.Equal(t, "250.5", cfg.Risk.LargeAmount.String())
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.BlockedOrigins)
	assert.Equal(t, 15, cfg.Risk.FlagScores["new_account"])
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "night-owl", cfg.Rules[0].Name)
	assert.Equal(t, 25, cfg.Rules[0].Score)
}

func TestLoadCommaSeparatedEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SETTLER_RISK_BLOCKED_IDENTITIES", "telegram:1, ,discord:2")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram:1", "discord:2"}, cfg.BlockedIdentities)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	chdir(t, t.TempDir())

	t.Run("thresholds", func(t *testing.T) {
		t.Setenv("SETTLER_RISK_LOW_THRESHOLD", "80")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "risk thresholds")
	})
	t.Run("lock shorter than claim", func(t *testing.T) {
		t.Setenv("SETTLER_LOCK_TTL", "5s")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "lock-ttl")
	})
	t.Run("lock ends with the claim deadline", func(t *testing.T) {
		t.Setenv("SETTLER_LOCK_TTL", "25s")
		t.Setenv("SETTLER_CLAIM_TIMEOUT", "25s")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "lock-ttl")
	})
	t.Run("lock leaves room for cleanup", func(t *testing.T) {
		t.Setenv("SETTLER_LOCK_TTL", "30s")
		t.Setenv("SETTLER_CLAIM_TIMEOUT", "25s")
		_, err := Load("", nil)
		assert.NoError(t, err)
	})
	t.Run("large amount", func(t *testing.T) {
		t.Setenv("SETTLER_RISK_LARGE_AMOUNT", "lots")
		_, err := Load("", nil)
		assert.ErrorContains(t, err, "risk.large-amount")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		assert.ErrorContains(t, err, "read config")
	})
}

func TestParseLedgers(t *testing.T) {
	ledgers, err := ParseLedgers([]byte(`
ledgers:
  - id: base
    rpc: https://base.example
    chain_id: 8453
    finality: 2s
    fee_thresholds: {low: 0.1, medium: 1, high: 5}
    signer_key_env: BASE_SIGNER_KEY
    assets:
      - {symbol: ETH, native: true, decimals: 18}
      - {symbol: USDC, contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", decimals: 6}
  - id: arbitrum
    rpc: https://arb.example
    finality: 1m
    assets:
      - {symbol: ETH, native: true, decimals: 18}
`))
	require.NoError(t, err)
	require.Len(t, ledgers, 2)

	assert.Equal(t, "base", ledgers[0].ID)
	assert.Equal(t, uint64(8453), ledgers[0].ChainID)
	assert.Equal(t, 2*time.Second, ledgers[0].Finality)
	assert.Equal(t, 5.0, ledgers[0].FeeThresholds.High)
	assert.True(t, ledgers[0].SupportsAsset("usdc"))
	assert.Equal(t, time.Minute, ledgers[1].Finality)
}

func TestParseLedgersRejects(t *testing.T) {
	cases := map[string]string{
		"empty":      `ledgers: []`,
		"missing id": "ledgers:\n  - rpc: x\n    assets: [{symbol: ETH, native: true}]",
		"duplicate": "ledgers:\n" +
			"  - {id: a, rpc: x, assets: [{symbol: ETH, native: true}]}\n" +
			"  - {id: a, rpc: y, assets: [{symbol: ETH, native: true}]}",
		"no rpc":      "ledgers:\n  - {id: a, assets: [{symbol: ETH, native: true}]}",
		"no assets":   "ledgers:\n  - {id: a, rpc: x}",
		"thresholds":  "ledgers:\n  - {id: a, rpc: x, fee_thresholds: {low: 5, medium: 1, high: 9}, assets: [{symbol: ETH, native: true}]}",
		"no contract": "ledgers:\n  - {id: a, rpc: x, assets: [{symbol: USDC, decimals: 6}]}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLedgers([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadLedgersMissingFile(t *testing.T) {
	_, err := LoadLedgers(filepath.Join(t.TempDir(), "ledgers.yaml"))
	assert.ErrorContains(t, err, "read ledgers file")
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
