package wardengine

import (
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELPlugin evaluates a boolean CEL expression over the tool call, for
// conditions the built-in clause types can't express. It is registered
// under the "cel_expression" condition key.
type CELPlugin struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	logger   *slog.Logger
}

// NewCELPlugin prepares a CEL environment exposing tool_name, arguments, and
// session_id to ward expressions.
func NewCELPlugin() (*CELPlugin, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session_id", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	return &CELPlugin{
		env:      env,
		programs: map[string]cel.Program{},
		logger:   slog.Default().With("component", "cel_plugin"),
	}, nil
}

// Condition adapts the plugin to the ConditionPlugin function shape; value
// is expected to be the CEL expression string.
func (p *CELPlugin) Condition(ctx ToolCallContext, value interface{}) bool {
	expr, ok := value.(string)
	if !ok {
		return false
	}

	prog, err := p.program(expr)
	if err != nil {
		p.logger.Warn("cel_expression failed to compile", "expression", expr, "error", err)
		return false
	}

	out, _, err := prog.Eval(map[string]interface{}{
		"tool_name":  ctx.ToolName,
		"arguments":  ctx.Arguments,
		"session_id": ctx.SessionID,
	})
	if err != nil {
		p.logger.Warn("cel_expression eval failed", "expression", expr, "error", err)
		return false
	}

	result, ok := out.Value().(bool)
	return ok && result
}

func (p *CELPlugin) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prog, hit := p.programs[expr]
	p.mu.RUnlock()
	if hit {
		return prog, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, hit = p.programs[expr]; hit {
		return prog, nil
	}

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	compiled, err := p.env.Program(ast)
	if err != nil {
		return nil, err
	}
	p.programs[expr] = compiled
	return compiled, nil
}
