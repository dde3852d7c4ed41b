package wardengine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mchahed99/bifrost-ward/internal/config"
)

const rateLimitWindowMs = 60_000

// compiledWard caches the regexes a ward needs so evaluation never
// recompiles a pattern. Compilation errors are config-time errors; by the
// time a compiledWard exists, its patterns are known good.
type compiledWard struct {
	ward            config.Ward
	toolPattern     *regexp.Regexp
	argMatches      map[string]*regexp.Regexp
	containsPattern *regexp.Regexp
}

// Engine is a stateless evaluator over a fixed, ordered set of wards. It is
// safe for concurrent use: evaluate never mutates engine state.
type Engine struct {
	wards       []compiledWard
	defaults    config.Defaults
	rateLimiter RateLimitProvider
	plugins     map[string]ConditionPlugin
}

// New compiles wards from cfg and returns a ready Engine. Patterns are
// assumed already validated (config.Load rejects bad regexes at load time);
// New re-derives the compiled form rather than trusting a cache so the
// engine has no dependency on how the config was produced.
func New(cfg *config.BifrostConfig, rateLimiter RateLimitProvider) (*Engine, error) {
	e := &Engine{
		defaults:    cfg.Defaults,
		rateLimiter: rateLimiter,
		plugins:     map[string]ConditionPlugin{},
	}
	for _, w := range cfg.Wards {
		cw, err := compileWard(w)
		if err != nil {
			return nil, fmt.Errorf("wardengine: compiling ward %q: %w", w.ID, err)
		}
		e.wards = append(e.wards, cw)
	}
	return e, nil
}

func compileWard(w config.Ward) (compiledWard, error) {
	toolPattern, err := config.CompileToolGlob(w.Tool)
	if err != nil {
		return compiledWard{}, err
	}
	cw := compiledWard{ward: w, toolPattern: toolPattern}

	if len(w.When.ArgumentMatches) > 0 {
		cw.argMatches = make(map[string]*regexp.Regexp, len(w.When.ArgumentMatches))
		for field, pattern := range w.When.ArgumentMatches {
			re, err := config.CompilePattern(pattern)
			if err != nil {
				return compiledWard{}, err
			}
			cw.argMatches[field] = re
		}
	}
	if w.When.ArgumentContainsPattern != "" {
		re, err := config.CompilePattern(w.When.ArgumentContainsPattern)
		if err != nil {
			return compiledWard{}, err
		}
		cw.containsPattern = re
	}
	return cw, nil
}

// Severities looks up the informational severity of each matched ward id,
// in the order given. Unknown ids are skipped rather than erroring: this is
// advisory lookup for risk scoring, not part of evaluation itself.
func (e *Engine) Severities(matchedWardIDs []string) []config.WardSeverity {
	byID := make(map[string]config.WardSeverity, len(e.wards))
	for _, cw := range e.wards {
		byID[cw.ward.ID] = cw.ward.Severity
	}
	severities := make([]config.WardSeverity, 0, len(matchedWardIDs))
	for _, id := range matchedWardIDs {
		if sev, ok := byID[id]; ok {
			severities = append(severities, sev)
		}
	}
	return severities
}

// RegisterPlugin wires a condition plugin under the given condition key, so
// WardCondition.Extra[key] is dispatched to it instead of always failing.
func (e *Engine) RegisterPlugin(key string, plugin ConditionPlugin) {
	e.plugins[key] = plugin
}

// Evaluate runs ctx through every configured ward in declaration order and
// returns the winning decision. It never returns an error: a ward whose
// patterns fail to apply simply doesn't match.
func (e *Engine) Evaluate(ctx ToolCallContext) WardEvaluation {
	start := time.Now()

	eval := WardEvaluation{
		Decision:  e.defaults.Action,
		Rationale: "No wards matched; applying default action.",
	}

	for _, cw := range e.wards {
		if !cw.toolPattern.MatchString(ctx.ToolName) {
			eval.WardChain = append(eval.WardChain, WardStep{
				WardID: cw.ward.ID, Matched: false, Decision: cw.ward.Action,
				Reason: "tool pattern did not apply",
			})
			continue
		}

		ok, reason := e.matchCondition(cw, ctx)
		if !ok {
			eval.WardChain = append(eval.WardChain, WardStep{
				WardID: cw.ward.ID, Matched: false, Decision: cw.ward.Action, Reason: reason,
			})
			continue
		}

		eval.WardChain = append(eval.WardChain, WardStep{
			WardID: cw.ward.ID, Matched: true, Decision: cw.ward.Action, Reason: cw.ward.Message,
		})
		eval.MatchedWards = append(eval.MatchedWards, cw.ward.ID)

		if cw.ward.Action.StricterThan(eval.Decision) {
			eval.Decision = cw.ward.Action
			eval.Rationale = cw.ward.Message
			if eval.Decision == config.Reshape {
				eval.ReshapedArguments = applyReshape(ctx.Arguments, cw.ward.Reshape)
			} else {
				eval.ReshapedArguments = nil
			}
		}
	}

	if len(eval.MatchedWards) > 0 && eval.Decision == config.Pass {
		eval.Rationale = fmt.Sprintf("%d ward(s) matched with PASS decision.", len(eval.MatchedWards))
	}

	eval.EvaluationDurationMs = float64(time.Since(start)) / float64(time.Millisecond)
	return eval
}

func (e *Engine) matchCondition(cw compiledWard, ctx ToolCallContext) (bool, string) {
	when := cw.ward.When

	if when.Always {
		return true, "always"
	}

	for field, re := range cw.argMatches {
		val, present := ctx.Arguments[field]
		if !present {
			return false, fmt.Sprintf("argument %q absent", field)
		}
		if !re.MatchString(fmt.Sprint(val)) {
			return false, fmt.Sprintf("argument %q did not match", field)
		}
	}

	if cw.containsPattern != nil {
		serialized, err := json.Marshal(ctx.Arguments)
		if err != nil {
			return false, "arguments not serializable"
		}
		if !cw.containsPattern.MatchString(string(serialized)) {
			return false, "arguments did not contain pattern"
		}
	}

	if when.MaxCallsPerMinute != nil {
		if e.rateLimiter == nil {
			return false, "no rate-limit provider registered"
		}
		countingKey := ctx.ToolName
		if cw.ward.Tool == "*" {
			countingKey = "*"
		}
		count := e.rateLimiter(ctx.SessionID, countingKey, rateLimitWindowMs)
		if count < *when.MaxCallsPerMinute {
			return false, "call rate below threshold"
		}
	}

	for key, value := range when.Extra {
		plugin, ok := e.plugins[key]
		if !ok {
			return false, fmt.Sprintf("unknown condition key %q", key)
		}
		if !plugin(ctx, value) {
			return false, fmt.Sprintf("condition %q did not match", key)
		}
	}

	// An empty condition (no clauses at all) always matches.
	if len(cw.argMatches) == 0 && cw.containsPattern == nil && when.MaxCallsPerMinute == nil &&
		!when.Always && len(when.Extra) == 0 {
		return true, "empty condition"
	}

	return true, strings.TrimSpace(cw.ward.Message)
}

func applyReshape(original map[string]interface{}, overrides map[string]interface{}) map[string]interface{} {
	reshaped := make(map[string]interface{}, len(original))
	for k, v := range original {
		reshaped[k] = v
	}
	for k, v := range overrides {
		if s, ok := v.(string); ok && s == config.DeleteSentinel {
			delete(reshaped, k)
			continue
		}
		reshaped[k] = v
	}
	return reshaped
}
