// Package selector ranks candidate ledgers for a transfer from cached health.
package selector

import (
	"sort"
	"time"

	"pocketSettle/internal/model"
)

const (
	baselineScore     = 100.0
	costBonusWeight   = 20.0
	finalityBonusMax  = 20.0
	latencyPenaltyMax = 20.0
	latencyStep       = 100 * time.Millisecond
)

var tierAdjustment = map[model.CongestionTier]float64{
	model.TierLow:      20,
	model.TierMedium:   10,
	model.TierHigh:     -10,
	model.TierCritical: -30,
}

// HealthSource is the read side of the health cache.
type HealthSource interface {
	Get(ledgerID string) (model.ChainHealth, bool)
}

// Criteria narrows and biases the candidate ordering.
type Criteria struct {
	Asset              string
	Exclude            []string
	MaxFee             float64 // zero means no ceiling
	PreferLowCost      bool
	PreferFastFinality bool
}

// Candidate is a ranked ledger.
type Candidate struct {
	LedgerID string
	Score    float64
	Health   model.ChainHealth
}

type Selector struct {
	ledgers          []model.LedgerDefinition
	health           HealthSource
	latencyThreshold time.Duration
}

// New builds a selector over ledgers. A zero latencyThreshold disables the
// latency penalty.
func New(ledgers []model.LedgerDefinition, health HealthSource, latencyThreshold time.Duration) *Selector {
	own := make([]model.LedgerDefinition, len(ledgers))
	copy(own, ledgers)
	return &Selector{ledgers: own, health: health, latencyThreshold: latencyThreshold}
}

// SelectOrder returns ledger ids best-first. An empty result means no ledger
// is eligible.
func (s *Selector) SelectOrder(c Criteria) []string {
	ranked := s.Rank(c)
	out := make([]string, len(ranked))
	for i, cand := range ranked {
		out[i] = cand.LedgerID
	}
	return out
}

// Rank is SelectOrder with scores attached.
func (s *Selector) Rank(c Criteria) []Candidate {
	excluded := make(map[string]struct{}, len(c.Exclude))
	for _, id := range c.Exclude {
		excluded[id] = struct{}{}
	}

	var out []Candidate
	for _, ledger := range s.ledgers {
		if _, skip := excluded[ledger.ID]; skip {
			continue
		}
		if c.Asset != "" && !ledger.SupportsAsset(c.Asset) {
			continue
		}
		h, fresh := s.health.Get(ledger.ID)
		if !fresh || !h.Healthy() {
			continue
		}
		if c.MaxFee > 0 && h.FeePrice > c.MaxFee {
			continue
		}
		out = append(out, Candidate{
			LedgerID: ledger.ID,
			Score:    s.score(ledger, h, c),
			Health:   h,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].LedgerID < out[j].LedgerID
	})
	return out
}

func (s *Selector) score(ledger model.LedgerDefinition, h model.ChainHealth, c Criteria) float64 {
	score := baselineScore + tierAdjustment[h.Tier]

	if c.PreferLowCost {
		fee := h.FeePrice
		if fee < 0 {
			fee = 0
		}
		score += costBonusWeight / (1 + fee)
	}
	if c.PreferFastFinality {
		score += finalityBonusMax / (1 + ledger.Finality.Seconds())
	}
	if s.latencyThreshold > 0 && h.Latency > s.latencyThreshold {
		over := h.Latency - s.latencyThreshold
		penalty := float64(over) / float64(latencyStep)
		if penalty > latencyPenaltyMax {
			penalty = latencyPenaltyMax
		}
		score -= penalty
	}
	return score
}
