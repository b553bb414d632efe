package model

import (
	"strings"
	"time"
)

// FeeThresholds are ascending fee-proxy bounds separating congestion tiers.
type FeeThresholds struct {
	Low    float64 `yaml:"low" json:"low"`
	Medium float64 `yaml:"medium" json:"medium"`
	High   float64 `yaml:"high" json:"high"`
}

// AssetDefinition describes an asset a ledger can transfer.
type AssetDefinition struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Contract string `yaml:"contract" json:"contract,omitempty"`
	Decimals int32  `yaml:"decimals" json:"decimals"`
	Native   bool   `yaml:"native" json:"native"`
}

// LedgerDefinition is the static configuration of a settlement network.
type LedgerDefinition struct {
	ID            string            `yaml:"id" json:"id"`
	RPCURL        string            `yaml:"rpc" json:"rpc"`
	ChainID       uint64            `yaml:"chain_id" json:"chain_id"`
	Finality      time.Duration     `yaml:"finality" json:"finality"`
	FeeThresholds FeeThresholds     `yaml:"fee_thresholds" json:"fee_thresholds"`
	Assets        []AssetDefinition `yaml:"assets" json:"assets"`
	SignerKeyEnv  string            `yaml:"signer_key_env" json:"signer_key_env"`
	RPCRateLimit  float64           `yaml:"rpc_rate_limit" json:"rpc_rate_limit"`
	GasLimit      uint64            `yaml:"gas_limit" json:"gas_limit"`
}

// Asset returns the definition of symbol on this ledger, matched case-insensitively.
func (l LedgerDefinition) Asset(symbol string) (AssetDefinition, bool) {
	for _, asset := range l.Assets {
		if strings.EqualFold(asset.Symbol, symbol) {
			return asset, true
		}
	}
	return AssetDefinition{}, false
}

// SupportsAsset reports whether the ledger can transfer symbol.
func (l LedgerDefinition) SupportsAsset(symbol string) bool {
	_, ok := l.Asset(symbol)
	return ok
}
