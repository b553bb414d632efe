package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pocketSettle/internal/model"
)

func newTestGate(t *testing.T, cfg Config, blocklist *Blocklist, rules []RuleConfig) *Gate {
	t.Helper()
	set, err := NewRuleSet(rules)
	require.NoError(t, err)
	return NewGate(cfg, NewMemoryCounter(), blocklist, set, nil)
}

func claimRequest(user string, amount string) Request {
	return Request{
		Identity: model.Identity{Platform: "telegram", PlatformUserID: user},
		Origin:   "10.0.0.1",
		Action:   ActionClaim,
		Amount:   decimal.RequireFromString(amount),
	}
}

func TestEvaluateAllowsPlainClaim(t *testing.T) {
	gate := newTestGate(t, DefaultConfig(), NewBlocklist(nil, nil), nil)

	got, err := gate.Evaluate(context.Background(), claimRequest("42", "10"))
	require.NoError(t, err)
	assert.Equal(t, model.RiskAllow, got.Action)
	assert.Zero(t, got.Score)
	assert.Empty(t, got.Signals)
}

func TestEvaluateBlocklistShortCircuits(t *testing.T) {
	gate := newTestGate(t, DefaultConfig(), NewBlocklist([]string{"telegram:42"}, nil), nil)

	got, err := gate.Evaluate(context.Background(), claimRequest("42", "10"))
	require.NoError(t, err)
	assert.Equal(t, model.RiskBlock, got.Action)
	assert.Equal(t, 100, got.Score)
	require.Len(t, got.Signals, 1)
	assert.Equal(t, model.SeverityCritical, got.Signals[0].Severity)

	originGate := newTestGate(t, DefaultConfig(), NewBlocklist(nil, []string{"10.0.0.1"}), nil)
	got, err = originGate.Evaluate(context.Background(), claimRequest("7", "10"))
	require.NoError(t, err)
	assert.Equal(t, model.RiskBlock, got.Action)
}

func TestEvaluateWindowLimitIsReviewed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits = []WindowLimit{{Action: ActionClaim, Scope: ScopeIdentity, Limit: 2, Window: time.Minute}}
	gate := newTestGate(t, cfg, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := gate.Evaluate(ctx, claimRequest("42", "10"))
		require.NoError(t, err)
		assert.Equal(t, model.RiskAllow, got.Action)
	}

	got, err := gate.Evaluate(ctx, claimRequest("42", "10"))
	require.NoError(t, err)
	assert.Equal(t, model.RiskReview, got.Action)
	assert.Equal(t, 30, got.Score)
}

func TestEvaluateLargeAmountAndFlagsBlock(t *testing.T) {
	gate := newTestGate(t, DefaultConfig(), nil, nil)
	ctx := context.Background()

	got, err := gate.Evaluate(ctx, claimRequest("42", "5000"))
	require.NoError(t, err)
	assert.Equal(t, model.RiskReview, got.Action)
	assert.Equal(t, 50, got.Score)

	req := claimRequest("43", "5000")
	req.Flags = []string{"new_account"}
	got, err = gate.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RiskBlock, got.Action)
	assert.Equal(t, 70, got.Score)
}

func TestEvaluateCELRules(t *testing.T) {
	rules := []RuleConfig{
		{Name: "bot_platform", Expr: `platform == "discord" && "bot" in flags`, Score: 80, Severity: model.SeverityHigh},
		{Name: "tiny", Expr: `amount < 0.01`, Score: 5},
	}
	cfg := DefaultConfig()
	cfg.FlagScores = map[string]int{"bot": 0}
	gate := newTestGate(t, cfg, nil, rules)

	req := claimRequest("1", "10")
	req.Identity.Platform = "discord"
	req.Flags = []string{"bot"}

	got, err := gate.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.RiskBlock, got.Action)
	assert.Equal(t, 80, got.Score)

	names := make([]string, 0, len(got.Signals))
	for _, s := range got.Signals {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "rule:bot_platform")
	assert.NotContains(t, names, "rule:tiny")
}

func TestNewRuleSetRejectsBadExpressions(t *testing.T) {
	_, err := NewRuleSet([]RuleConfig{{Name: "broken", Expr: `amount >`}})
	assert.Error(t, err)

	_, err = NewRuleSet([]RuleConfig{{Name: "not_bool", Expr: `amount * 2.0`}})
	assert.Error(t, err)
}
