package model

import "time"

// CongestionTier is a discretized classification of a ledger's current load.
type CongestionTier string

const (
	TierLow      CongestionTier = "low"
	TierMedium   CongestionTier = "medium"
	TierHigh     CongestionTier = "high"
	TierCritical CongestionTier = "critical"
)

// ChainHealth is the cached result of the latest probe of one ledger.
type ChainHealth struct {
	LedgerID    string         `json:"ledger_id"`
	Reachable   bool           `json:"reachable"`
	Latency     time.Duration  `json:"latency"`
	FeePrice    float64        `json:"fee_price"`
	BlockHeight uint64         `json:"block_height"`
	Tier        CongestionTier `json:"tier"`
	ProbedAt    time.Time      `json:"probed_at"`
	Error       string         `json:"error,omitempty"`
}

// Healthy reports whether the ledger may receive transfers.
func (h ChainHealth) Healthy() bool {
	return h.Reachable && h.Error == ""
}
