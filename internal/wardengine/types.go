// Package wardengine implements the deterministic policy evaluator: given a
// tool call context and a set of configured wards, it produces a
// WardEvaluation describing the winning decision, which wards matched, and
// why.
package wardengine

import "github.com/mchahed99/bifrost-ward/internal/config"

// ToolCallContext describes a single tool invocation submitted for
// evaluation.
type ToolCallContext struct {
	ToolName  string
	Arguments map[string]interface{}
	SessionID string
	AgentID   string
	ServerID  string
}

// WardStep is one evaluation trace entry, recorded for every ward regardless
// of whether it matched.
type WardStep struct {
	WardID   string             `json:"ward_id"`
	Matched  bool               `json:"matched"`
	Decision config.WardDecision `json:"decision"`
	Reason   string             `json:"reason"`
}

// WardEvaluation is the total result of running a ToolCallContext through
// the configured wards.
type WardEvaluation struct {
	Decision             config.WardDecision    `json:"decision"`
	MatchedWards         []string               `json:"matched_wards"`
	WardChain            []WardStep             `json:"ward_chain"`
	Rationale            string                 `json:"rationale"`
	ReshapedArguments    map[string]interface{} `json:"reshaped_arguments,omitempty"`
	EvaluationDurationMs float64                `json:"evaluation_duration_ms"`
}

// RateLimitProvider reports how many calls were recorded for countingKey
// within the trailing windowMs milliseconds.
type RateLimitProvider func(sessionID, countingKey string, windowMs int64) int

// ConditionPlugin evaluates an unrecognized condition key against a tool
// call context. It is the extension point for condition types the engine
// doesn't ship with (see the cel_expression plugin).
type ConditionPlugin func(ctx ToolCallContext, value interface{}) bool
