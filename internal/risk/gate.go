// Package risk decides whether a claim may touch a pocket.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pocketSettle/internal/model"
)

// Scope selects what a window limit is keyed by.
type Scope string

const (
	ScopeIdentity Scope = "identity"
	ScopeOrigin   Scope = "origin"
)

// WindowLimit allows Limit requests of Action per Window for each key of Scope.
type WindowLimit struct {
	Action string        `mapstructure:"action"`
	Scope  Scope         `mapstructure:"scope"`
	Limit  int64         `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// Config holds thresholds and scores for the gate.
type Config struct {
	LowThreshold        int
	HighThreshold       int
	LargeAmount         decimal.Decimal
	Limits              []WindowLimit
	WindowExceededScore int
	LargeAmountScore    int
	DefaultFlagScore    int
	FlagScores          map[string]int
	BlockedScore        int
}

// DefaultConfig returns the reference thresholds: review from 30, block from 70.
func DefaultConfig() Config {
	return Config{
		LowThreshold:        30,
		HighThreshold:       70,
		LargeAmount:         decimal.NewFromInt(1000),
		WindowExceededScore: 30,
		LargeAmountScore:    50,
		DefaultFlagScore:    20,
		BlockedScore:        100,
		Limits: []WindowLimit{
			{Action: ActionClaim, Scope: ScopeIdentity, Limit: 5, Window: time.Minute},
			{Action: ActionClaim, Scope: ScopeOrigin, Limit: 30, Window: time.Minute},
		},
	}
}

// ActionClaim is the action name used for pocket claims.
const ActionClaim = "claim"

// Request carries what the gate needs to know about a claim.
type Request struct {
	Identity  model.Identity
	AccountID string
	Origin    string
	Action    string
	Amount    decimal.Decimal
	Flags     []string
}

// Gate evaluates risk signals. It mutates only its counters.
type Gate struct {
	cfg       Config
	counter   Counter
	blocklist *Blocklist
	rules     *RuleSet
	logger    *zap.Logger
}

func NewGate(cfg Config, counter Counter, blocklist *Blocklist, rules *RuleSet, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = NewMemoryCounter()
	}
	if cfg.BlockedScore <= 0 {
		cfg.BlockedScore = cfg.HighThreshold
	}
	return &Gate{
		cfg:       cfg,
		counter:   counter,
		blocklist: blocklist,
		rules:     rules,
		logger:    logger,
	}
}

// Evaluate scores req and maps the total to an action.
func (g *Gate) Evaluate(ctx context.Context, req Request) (model.RiskAssessment, error) {
	if req.Action == "" {
		req.Action = ActionClaim
	}
	identityKey := req.Identity.Key()

	if hit, blocked := g.blocklist.Match(identityKey, req.Origin); blocked {
		signal := model.RiskSignal{Name: "blocklisted:" + hit, Severity: model.SeverityCritical, Score: g.cfg.BlockedScore}
		return model.RiskAssessment{
			Signals: []model.RiskSignal{signal},
			Score:   signal.Score,
			Action:  model.RiskBlock,
		}, nil
	}

	var signals []model.RiskSignal
	for _, limit := range g.cfg.Limits {
		if limit.Action != req.Action || limit.Limit <= 0 || limit.Window <= 0 {
			continue
		}
		subject := identityKey
		if limit.Scope == ScopeOrigin {
			subject = req.Origin
		}
		if subject == "" {
			continue
		}
		key := fmt.Sprintf("%s:%s:%s", req.Action, limit.Scope, subject)
		count, err := g.counter.Incr(ctx, key, limit.Window)
		if err != nil {
			// Counters are approximate; an unavailable backend does not block claims.
			g.logger.Warn("risk counter unavailable", zap.String("key", key), zap.Error(err))
			continue
		}
		if count > limit.Limit {
			signals = append(signals, model.RiskSignal{
				Name:     fmt.Sprintf("rate_limit:%s", limit.Scope),
				Severity: model.SeverityMedium,
				Score:    g.cfg.WindowExceededScore,
			})
		}
	}

	if g.cfg.LargeAmount.IsPositive() && req.Amount.GreaterThan(g.cfg.LargeAmount) {
		signals = append(signals, model.RiskSignal{
			Name:     "large_amount",
			Severity: model.SeverityHigh,
			Score:    g.cfg.LargeAmountScore,
		})
	}

	for _, flag := range req.Flags {
		score, ok := g.cfg.FlagScores[flag]
		if !ok {
			score = g.cfg.DefaultFlagScore
		}
		signals = append(signals, model.RiskSignal{
			Name:     "flag:" + flag,
			Severity: model.SeverityMedium,
			Score:    score,
		})
	}

	ruleSignals, err := g.rules.Match(req)
	if err != nil {
		return model.RiskAssessment{}, err
	}
	signals = append(signals, ruleSignals...)

	total := 0
	for _, s := range signals {
		total += s.Score
	}
	return model.RiskAssessment{
		Signals: signals,
		Score:   total,
		Action:  g.actionFor(total),
	}, nil
}

func (g *Gate) actionFor(score int) model.RiskAction {
	switch {
	case score >= g.cfg.HighThreshold:
		return model.RiskBlock
	case score >= g.cfg.LowThreshold:
		return model.RiskReview
	default:
		return model.RiskAllow
	}
}
