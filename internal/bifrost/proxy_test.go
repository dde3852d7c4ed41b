package bifrost

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/drift"
	"github.com/mchahed99/bifrost-ward/internal/livebus"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
	"github.com/mchahed99/bifrost-ward/internal/sinks"
	"github.com/mchahed99/bifrost-ward/internal/wardengine"
)

// fakeDownstream is a scriptable downstream.Client double: no subprocess,
// no network, just the behavior a test asks of it.
type fakeDownstream struct {
	tools      []runechain.ToolDescriptor
	listErr    error
	callResult json.RawMessage
	callErr    error
	closed     bool
	calls      []string
	lastArgs   map[string]interface{}
}

func (f *fakeDownstream) ListTools(ctx context.Context) ([]runechain.ToolDescriptor, error) {
	return f.tools, f.listErr
}

func (f *fakeDownstream) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, name)
	f.lastArgs = arguments
	return f.callResult, f.callErr
}

func (f *fakeDownstream) Close() error {
	f.closed = true
	return nil
}

func newTestProxy(t *testing.T, cfg *config.BifrostConfig, ds *fakeDownstream) (*Proxy, runechain.StorageAdapter) {
	t.Helper()
	limiter := wardengine.NewInMemoryLimiter()
	engine, err := wardengine.New(cfg, limiter.Provider())
	require.NoError(t, err)

	chain := runechain.NewMemoryAdapter(nil)
	bus := livebus.New(nil)
	fanout := sinks.NewFanout(nil)

	p := New(Deps{
		Engine:     engine,
		Chain:      chain,
		Bus:        bus,
		Fanout:     fanout,
		Downstream: ds,
		RateLimit:  limiter,
		ServerID:   "srv1",
	})
	return p, chain
}

func wardCfg(wards ...config.Ward) *config.BifrostConfig {
	return &config.BifrostConfig{
		Defaults: config.Defaults{Action: config.Pass},
		Wards:    wards,
	}
}

func TestCallTool_NoMatchingWardsPassesThrough(t *testing.T) {
	ds := &fakeDownstream{callResult: json.RawMessage(`{"ok":true}`)}
	p, chain := newTestProxy(t, wardCfg(), ds)

	result, err := p.CallTool(context.Background(), CallToolRequest{
		ToolName:  "read_file",
		SessionID: "s1",
		Arguments: map[string]interface{}{"path": "/tmp/x"},
	})
	require.NoError(t, err)
	require.False(t, result.Blocked)
	require.Len(t, ds.calls, 1)

	count, err := chain.GetRuneCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestCallTool_HaltBlocksAndSkipsDownstream(t *testing.T) {
	ds := &fakeDownstream{callResult: json.RawMessage(`{"ok":true}`)}
	cfg := wardCfg(config.Ward{
		ID:       "deny-delete",
		Tool:     "delete_*",
		When:     config.WardCondition{Always: true},
		Action:   config.Halt,
		Message:  "destructive tool blocked",
		Severity: config.SeverityCritical,
	})
	p, chain := newTestProxy(t, cfg, ds)

	result, err := p.CallTool(context.Background(), CallToolRequest{
		ToolName:  "delete_everything",
		SessionID: "s1",
	})
	require.Error(t, err)
	require.True(t, result.Blocked)
	require.Empty(t, ds.calls)
	require.Equal(t, config.Halt, result.Rune.Decision)
	require.Equal(t, "critical", result.Rune.RiskTier)

	runes, err := chain.GetRunes(runechain.RuneFilters{})
	require.NoError(t, err)
	require.Len(t, runes, 1)
}

func TestCallTool_DryRunDowngradesHaltToForward(t *testing.T) {
	ds := &fakeDownstream{callResult: json.RawMessage(`{"ok":true}`)}
	cfg := wardCfg(config.Ward{
		ID:     "deny-delete",
		Tool:   "delete_*",
		When:   config.WardCondition{Always: true},
		Action: config.Halt,
	})
	p, _ := newTestProxy(t, cfg, ds)

	result, err := p.CallTool(context.Background(), CallToolRequest{
		ToolName:  "delete_everything",
		SessionID: "s1",
		DryRun:    true,
	})
	require.NoError(t, err)
	require.False(t, result.Blocked)
	require.Len(t, ds.calls, 1)
	require.Equal(t, config.Halt, result.Rune.Decision)
}

func TestCallTool_ReshapeSubstitutesArguments(t *testing.T) {
	ds := &fakeDownstream{callResult: json.RawMessage(`{"ok":true}`)}
	cfg := wardCfg(config.Ward{
		ID:      "redact-secret",
		Tool:    "*",
		When:    config.WardCondition{Always: true},
		Action:  config.Reshape,
		Reshape: map[string]interface{}{"api_key": config.DeleteSentinel},
	})
	p, _ := newTestProxy(t, cfg, ds)

	_, err := p.CallTool(context.Background(), CallToolRequest{
		ToolName:  "call_api",
		SessionID: "s1",
		Arguments: map[string]interface{}{"api_key": "secret", "endpoint": "/v1"},
	})
	require.NoError(t, err)
	require.Len(t, ds.calls, 1)
	require.Equal(t, map[string]interface{}{"endpoint": "/v1"}, ds.lastArgs)
}

func TestCallTool_DownstreamErrorIsSurfacedAndInscribed(t *testing.T) {
	ds := &fakeDownstream{callErr: errors.New("connection reset")}
	p, chain := newTestProxy(t, wardCfg(), ds)

	_, err := p.CallTool(context.Background(), CallToolRequest{
		ToolName:  "read_file",
		SessionID: "s1",
	})
	require.Error(t, err)

	runes, err := chain.GetRunes(runechain.RuneFilters{})
	require.NoError(t, err)
	require.Len(t, runes, 1)
}

func TestCallTool_CancelledBeforeDispatchSkipsInscription(t *testing.T) {
	ds := &fakeDownstream{}
	p, chain := newTestProxy(t, wardCfg(), ds)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.CallTool(ctx, CallToolRequest{ToolName: "read_file", SessionID: "s1"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, ds.calls, "expected no downstream dispatch once the context was already cancelled")

	runes, err := chain.GetRunes(runechain.RuneFilters{})
	require.NoError(t, err)
	require.Empty(t, runes, "a call cancelled before dispatch should not be inscribed")
}

func TestCallTool_CancelledAfterDispatchInscribesEmptyResponseSummary(t *testing.T) {
	ds := &fakeDownstream{callErr: context.Canceled}
	p, chain := newTestProxy(t, wardCfg(), ds)

	_, err := p.CallTool(context.Background(), CallToolRequest{ToolName: "read_file", SessionID: "s1"})
	require.ErrorIs(t, err, context.Canceled)

	runes, err := chain.GetRunes(runechain.RuneFilters{})
	require.NoError(t, err)
	require.Len(t, runes, 1)
	require.Empty(t, runes[0].ResponseSummary, "a call cancelled mid-flight has no response to summarize")
}

func TestListTools_FirstContactStoresBaselineWithoutError(t *testing.T) {
	ds := &fakeDownstream{tools: []runechain.ToolDescriptor{{Name: "read_file", Description: "reads a file", Version: "1.0.0"}}}
	p, chain := newTestProxy(t, wardCfg(), ds)
	p.detector = drift.NewDetector(chain, config.DriftConfig{Enabled: true, Action: config.DriftWarn})

	tools, err := p.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	baseline, err := chain.GetBaseline("srv1")
	require.NoError(t, err)
	require.NotNil(t, baseline)
}

func TestListTools_DriftHaltFailsRequest(t *testing.T) {
	ds := &fakeDownstream{tools: []runechain.ToolDescriptor{{Name: "read_file", Description: "reads a file", Version: "1.0.0"}}}
	p, chain := newTestProxy(t, wardCfg(), ds)
	p.detector = drift.NewDetector(chain, config.DriftConfig{Enabled: true, Action: config.DriftHalt})

	_, err := p.ListTools(context.Background())
	require.NoError(t, err, "first contact should not error")

	ds.tools = append(ds.tools, runechain.ToolDescriptor{Name: "delete_file", Description: "deletes a file", Version: "1.0.0"})
	_, err = p.ListTools(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, drift.ErrHalted))
}

func TestListTools_DownstreamErrorIsWrapped(t *testing.T) {
	ds := &fakeDownstream{listErr: errors.New("subprocess exited")}
	p, _ := newTestProxy(t, wardCfg(), ds)

	_, err := p.ListTools(context.Background())
	require.Error(t, err)
}

func TestClose_ClosesDownstreamAndChain(t *testing.T) {
	ds := &fakeDownstream{}
	p, _ := newTestProxy(t, wardCfg(), ds)

	require.NoError(t, p.Close(context.Background()))
	require.True(t, ds.closed)
}

func TestNewCorrelationID_ProducesDistinctValues(t *testing.T) {
	require.NotEqual(t, NewCorrelationID(), NewCorrelationID())
}
