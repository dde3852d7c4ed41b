// Package bifrost is the outward-facing interception state machine: one
// downstream client, one upstream server facet, wards, the runechain,
// drift detection, the live bus, and sinks, wired together.
package bifrost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/downstream"
	"github.com/mchahed99/bifrost-ward/internal/drift"
	"github.com/mchahed99/bifrost-ward/internal/livebus"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
	"github.com/mchahed99/bifrost-ward/internal/sinks"
	"github.com/mchahed99/bifrost-ward/internal/wardengine"
)

// ErrDriftHalted surfaces to the caller of ListTools when drift was
// detected and the configured action is HALT.
var ErrDriftHalted = drift.ErrHalted

// CallToolRequest carries one upstream call-tool request.
type CallToolRequest struct {
	ToolName  string
	Arguments map[string]interface{}
	SessionID string
	AgentID   string
	ServerID  string
	// DryRun downgrades a HALT decision to a warning-with-forward: the
	// call still proceeds downstream, but the rune records the real HALT
	// decision that would otherwise have blocked it.
	DryRun bool
}

// CallToolResult is what the proxy hands back to the upstream caller.
type CallToolResult struct {
	Result  json.RawMessage
	Blocked bool
	Rune    runechain.Rune
}

// Proxy is the assembled gateway: it owns no network listener itself (that
// is the cmd entrypoint's job) but drives every call through policy,
// audit, drift, and fan-out in the order the state machine requires.
type Proxy struct {
	engine     *wardengine.Engine
	chain      runechain.StorageAdapter
	detector   *drift.Detector
	bus        *livebus.Bus
	fanout     *sinks.Fanout
	downstream downstream.Client
	rateLimit  recorder
	analyzer   Analyzer
	aiCfg      config.AIAnalysisConfig
	serverID   string
	logger     *slog.Logger
}

// recorder is the subset of a rate limiter the proxy needs to record a
// call before evaluation; it's satisfied by wardengine.InMemoryLimiter and
// wardengine.RedisLimiter alike.
type recorder interface {
	Record(session, tool string)
}

// Deps bundles everything New needs. ServerID identifies the downstream
// provider for baseline storage; it is not secret and need not be unique
// process-wide, only per configured downstream.
type Deps struct {
	Engine     *wardengine.Engine
	Chain      runechain.StorageAdapter
	Detector   *drift.Detector
	Bus        *livebus.Bus
	Fanout     *sinks.Fanout
	Downstream downstream.Client
	RateLimit  recorder
	Analyzer   Analyzer
	AIConfig   config.AIAnalysisConfig
	ServerID   string
	Logger     *slog.Logger
}

func New(d Deps) *Proxy {
	analyzer := d.Analyzer
	if analyzer == nil {
		analyzer = NoopAnalyzer{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default().With("component", "bifrost")
	}
	return &Proxy{
		engine:     d.Engine,
		chain:      d.Chain,
		detector:   d.Detector,
		bus:        d.Bus,
		fanout:     d.Fanout,
		downstream: d.Downstream,
		rateLimit:  d.RateLimit,
		analyzer:   analyzer,
		aiCfg:      d.AIConfig,
		serverID:   d.ServerID,
		logger:     logger,
	}
}

// ListTools forwards to the downstream provider and, if drift detection is
// enabled, checks the returned catalogue against the stored baseline
// before returning it.
func (p *Proxy) ListTools(ctx context.Context) ([]runechain.ToolDescriptor, error) {
	tools, err := p.downstream.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("bifrost: downstream listTools: %w", err)
	}

	if p.detector == nil {
		return tools, nil
	}

	result, err := p.detector.Check(p.serverID, tools)
	if err != nil && !errors.Is(err, drift.ErrHalted) {
		return nil, fmt.Errorf("bifrost: drift check: %w", err)
	}

	if result.Drifted {
		p.logger.Info("drift detected", "server_id", p.serverID, "changes", len(result.Changes))
		for _, c := range result.Changes {
			p.logger.Warn("drift change", "type", c.Type, "tool", c.ToolName, "severity", c.Severity, "details", c.Details)
		}
		p.bus.PublishDrift(map[string]interface{}{
			"server_id": p.serverID,
			"changes":   result.Changes,
		})
	}

	if errors.Is(err, drift.ErrHalted) {
		return nil, err
	}
	return tools, nil
}

// CallTool runs one tool call through the full state machine: rate-limit
// record, policy evaluation, optional downstream dispatch, inscription,
// and fan-out.
func (p *Proxy) CallTool(ctx context.Context, req CallToolRequest) (CallToolResult, error) {
	callCtx := wardengine.ToolCallContext{
		ToolName:  req.ToolName,
		Arguments: req.Arguments,
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		ServerID:  req.ServerID,
	}

	if p.rateLimit != nil {
		p.rateLimit.Record(req.SessionID, req.ToolName)
	}

	eval := p.engine.Evaluate(callCtx)

	score := ScoreRisk(eval.Decision, p.engine.Severities(eval.MatchedWards))
	tier := RiskTier(score)
	var reasoning string
	if p.aiCfg.Enabled && score >= p.aiCfg.Threshold {
		r, err := p.analyzer.Analyze(ctx, req.ToolName, req.Arguments, score)
		if err != nil {
			p.logger.Warn("ai analysis failed", "error", err)
		} else {
			reasoning = r
		}
	}

	if eval.Decision == config.Halt && !req.DryRun {
		r, err := p.inscribe(req, eval, nil, nil, score, tier, reasoning)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("bifrost: inscribe halted call: %w", err)
		}
		p.emit(ctx, r, nil)
		return CallToolResult{Blocked: true, Rune: r}, fmt.Errorf("bifrost: call blocked: %s", eval.Rationale)
	}

	callArguments := req.Arguments
	if eval.Decision == config.Reshape {
		callArguments = eval.ReshapedArguments
	}

	// A call cancelled before it ever reaches the downstream provider never
	// happened as far as the audit trail is concerned: no dispatch, no rune.
	if ctx.Err() != nil {
		return CallToolResult{}, ctx.Err()
	}

	start := time.Now()
	result, callErr := p.downstream.CallTool(ctx, req.ToolName, callArguments)
	durationMs := float64(time.Since(start)) / float64(time.Millisecond)

	var responseSummary string
	switch {
	case callErr != nil && errors.Is(callErr, context.Canceled):
		// Dispatched but cancelled mid-flight: the call happened, but there's
		// no response to summarize.
		responseSummary = ""
	case callErr != nil:
		responseSummary = fmt.Sprintf("error: %v", callErr)
	default:
		responseSummary = string(result)
	}

	r, err := p.inscribe(req, eval, &responseSummary, &durationMs, score, tier, reasoning)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("bifrost: inscribe call: %w", err)
	}
	p.emit(ctx, r, result)

	if callErr != nil {
		return CallToolResult{Rune: r}, fmt.Errorf("bifrost: downstream call failed: %w", callErr)
	}
	return CallToolResult{Result: result, Rune: r}, nil
}

func (p *Proxy) inscribe(req CallToolRequest, eval wardengine.WardEvaluation, responseSummary *string, durationMs *float64, score int, tier, reasoning string) (runechain.Rune, error) {
	scoreF := float64(score)
	in := runechain.InscribeInput{
		SessionID:    req.SessionID,
		ToolName:     req.ToolName,
		Arguments:    req.Arguments,
		Decision:     eval.Decision,
		MatchedWards: eval.MatchedWards,
		WardChain:    eval.WardChain,
		Rationale:    eval.Rationale,
		RiskScore:    &scoreF,
		RiskTier:     tier,
		AIReasoning:  reasoning,
	}
	if responseSummary != nil {
		in.ResponseSummary = *responseSummary
	}
	if durationMs != nil {
		in.DurationMs = durationMs
	}
	return p.chain.Inscribe(in)
}

func (p *Proxy) emit(ctx context.Context, r runechain.Rune, _ json.RawMessage) {
	p.bus.PublishRune(r)
	p.fanout.Emit(ctx, r)
}

// Close flushes and closes sinks, stops the live bus, and closes the
// downstream connection and the storage adapter, in that order.
func (p *Proxy) Close(ctx context.Context) error {
	p.fanout.FlushAll(ctx)
	p.fanout.CloseAll(ctx)
	p.bus.Close()
	if err := p.downstream.Close(); err != nil {
		p.logger.Warn("downstream close failed", "error", err)
	}
	return p.chain.Close()
}

// NewCorrelationID mints a uuid for session/effect correlation, used by
// callers that need to tag a request before it reaches the proxy (e.g. the
// upstream server facet assigning a session id to a fresh connection).
func NewCorrelationID() string {
	return uuid.NewString()
}
