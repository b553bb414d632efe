package model

// RiskAction is the gate decision for a claim.
type RiskAction string

const (
	RiskAllow  RiskAction = "allow"
	RiskReview RiskAction = "review"
	RiskBlock  RiskAction = "block"
)

// Severity grades a single risk signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskSignal is one triggered rule.
type RiskSignal struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Score    int      `json:"score"`
}

// RiskAssessment is the derived outcome of a risk evaluation.
type RiskAssessment struct {
	Signals []RiskSignal `json:"signals"`
	Score   int          `json:"score"`
	Action  RiskAction   `json:"action"`
}
