package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pocketSettle/internal/model"
)

type ledgersFile struct {
	Ledgers []model.LedgerDefinition `yaml:"ledgers"`
}

// LoadLedgers reads the ledger registry from a YAML file.
func LoadLedgers(path string) ([]model.LedgerDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledgers file: %w", err)
	}
	return ParseLedgers(raw)
}

// ParseLedgers decodes and validates a ledger registry document.
func ParseLedgers(raw []byte) ([]model.LedgerDefinition, error) {
	var file ledgersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode ledgers: %w", err)
	}
	if len(file.Ledgers) == 0 {
		return nil, fmt.Errorf("no ledgers defined")
	}

	seen := make(map[string]struct{}, len(file.Ledgers))
	for i := range file.Ledgers {
		def := &file.Ledgers[i]
		def.ID = strings.TrimSpace(def.ID)
		if def.ID == "" {
			return nil, fmt.Errorf("ledger %d: id is required", i)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("ledger %s: duplicate id", def.ID)
		}
		seen[def.ID] = struct{}{}

		if def.RPCURL == "" {
			return nil, fmt.Errorf("ledger %s: rpc is required", def.ID)
		}
		if len(def.Assets) == 0 {
			return nil, fmt.Errorf("ledger %s: at least one asset is required", def.ID)
		}
		t := def.FeeThresholds
		if t.Low > t.Medium || t.Medium > t.High {
			return nil, fmt.Errorf("ledger %s: fee thresholds must be ascending", def.ID)
		}
		for _, asset := range def.Assets {
			if asset.Symbol == "" {
				return nil, fmt.Errorf("ledger %s: asset symbol is required", def.ID)
			}
			if !asset.Native && asset.Contract == "" {
				return nil, fmt.Errorf("ledger %s: asset %s needs a contract or native", def.ID, asset.Symbol)
			}
		}
	}
	return file.Ledgers, nil
}
