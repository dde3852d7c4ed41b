package bifrost

import (
	"context"

	"github.com/mchahed99/bifrost-ward/internal/config"
)

// riskWeights turns a ward's informational severity into a numeric
// contribution to a call's risk score. Severity never affects the
// evaluation decision itself; this is purely advisory metadata.
var riskWeights = map[config.WardSeverity]int{
	config.SeverityLow:      1,
	config.SeverityMedium:   3,
	config.SeverityHigh:     6,
	config.SeverityCritical: 10,
}

// ScoreRisk is a pure, cheap heuristic: it never inspects arguments or
// calls out, only the shape of the evaluation result. A HALT contributes
// its own fixed weight; every matched ward compounds on top of that.
func ScoreRisk(decision config.WardDecision, matchedSeverities []config.WardSeverity) int {
	score := 0
	switch decision {
	case config.Halt:
		score += 10
	case config.Reshape:
		score += 4
	}
	for _, sev := range matchedSeverities {
		score += riskWeights[sev]
	}
	if score > 100 {
		score = 100
	}
	return score
}

// RiskTier buckets a numeric score into the tier recorded on the rune.
func RiskTier(score int) string {
	switch {
	case score >= 20:
		return "critical"
	case score >= 10:
		return "high"
	case score >= 4:
		return "medium"
	default:
		return "low"
	}
}

// Analyzer is the advisory AI-assisted analysis hook. Real model-backed
// analysis is an external collaborator; this interface only fixes the
// contract the proxy drives it through, gated by AIAnalysisConfig.
type Analyzer interface {
	Analyze(ctx context.Context, toolName string, arguments map[string]interface{}, score int) (reasoning string, err error)
}

// NoopAnalyzer never runs; it's the default when ai_analysis is disabled
// or no analyzer has been wired in.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Analyze(context.Context, string, map[string]interface{}, int) (string, error) {
	return "", nil
}
