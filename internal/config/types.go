// Package config loads and validates Bifrost's declarative policy
// configuration: the realm, its ward list, default action, sink
// declarations, storage settings, and drift policy.
package config

import "fmt"

// WardDecision is the terminal outcome of a ward evaluation, ordered by
// strictness: Pass < Reshape < Halt.
type WardDecision string

const (
	Pass    WardDecision = "PASS"
	Reshape WardDecision = "RESHAPE"
	Halt    WardDecision = "HALT"
)

// priority returns the strictness rank of a decision; a higher rank is
// stricter. Unknown decisions rank -1.
func (d WardDecision) priority() int {
	switch d {
	case Pass:
		return 0
	case Reshape:
		return 1
	case Halt:
		return 2
	default:
		return -1
	}
}

// StricterThan reports whether d is strictly more severe than other.
func (d WardDecision) StricterThan(other WardDecision) bool {
	return d.priority() > other.priority()
}

func (d WardDecision) Valid() bool {
	return d.priority() >= 0
}

// WardSeverity is informational metadata; it never affects evaluation.
type WardSeverity string

const (
	SeverityLow      WardSeverity = "low"
	SeverityMedium   WardSeverity = "medium"
	SeverityHigh     WardSeverity = "high"
	SeverityCritical WardSeverity = "critical"
)

func (s WardSeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// DriftAction controls what the proxy does when a tool catalogue diverges
// from its stored baseline.
type DriftAction string

const (
	DriftWarn DriftAction = "WARN"
	DriftHalt DriftAction = "HALT"
	DriftLog  DriftAction = "LOG"
)

func (a DriftAction) Valid() bool {
	switch a {
	case DriftWarn, DriftHalt, DriftLog:
		return true
	default:
		return false
	}
}

// DeleteSentinel is the reshape value that removes a key instead of
// substituting it.
const DeleteSentinel = "__DELETE__"

// WardCondition is an AND-conjunction of clauses. A condition with no
// clauses set matches unconditionally.
type WardCondition struct {
	ArgumentMatches         map[string]string `yaml:"argument_matches,omitempty"`
	ArgumentContainsPattern string            `yaml:"argument_contains_pattern,omitempty"`
	Always                  bool              `yaml:"always,omitempty"`
	MaxCallsPerMinute       *int              `yaml:"max_calls_per_minute,omitempty"`

	// Extra carries any condition keys this type doesn't recognize so they
	// can be routed to a registered plugin at evaluation time.
	Extra map[string]interface{} `yaml:"-"`
}

// Ward is a single declarative rule.
type Ward struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description,omitempty"`
	Tool        string        `yaml:"tool"`
	When        WardCondition `yaml:"when,omitempty"`
	Action      WardDecision  `yaml:"action"`
	Message     string        `yaml:"message,omitempty"`
	Severity    WardSeverity  `yaml:"severity,omitempty"`
	Reshape     map[string]interface{} `yaml:"reshape,omitempty"`
}

// Defaults holds the fallback decision applied when no ward matches.
type Defaults struct {
	Action   WardDecision `yaml:"action"`
	Severity WardSeverity `yaml:"severity"`
}

// SinkConfig declares one fan-out destination.
type SinkConfig struct {
	Type     string       `yaml:"type"`
	Events   []WardDecision `yaml:"events,omitempty"`
	URL      string       `yaml:"url,omitempty"`
	Endpoint string       `yaml:"endpoint,omitempty"`
	Extra    map[string]interface{} `yaml:"-"`
}

// StorageConfig selects and parameterizes the runechain's storage adapter.
type StorageConfig struct {
	Adapter string `yaml:"adapter"`
	Path    string `yaml:"path,omitempty"`
}

// DriftConfig controls the drift detector's reaction to catalogue changes.
type DriftConfig struct {
	Enabled bool        `yaml:"enabled"`
	Action  DriftAction `yaml:"action"`
	Message string      `yaml:"message,omitempty"`
}

// AIAnalysisConfig gates the optional advisory risk-scoring pass.
type AIAnalysisConfig struct {
	Enabled      bool `yaml:"enabled"`
	Threshold    int  `yaml:"threshold,omitempty"`
	BudgetTokens int  `yaml:"budget_tokens,omitempty"`
}

// BifrostConfig is the fully resolved, immutable policy configuration.
type BifrostConfig struct {
	Version     string           `yaml:"version"`
	Realm       string           `yaml:"realm"`
	Extends     []string         `yaml:"extends,omitempty"`
	Defaults    Defaults         `yaml:"defaults"`
	Wards       []Ward           `yaml:"wards"`
	Sinks       []SinkConfig     `yaml:"sinks,omitempty"`
	Storage     StorageConfig    `yaml:"storage,omitempty"`
	Drift       DriftConfig      `yaml:"drift,omitempty"`
	AIAnalysis  AIAnalysisConfig `yaml:"ai_analysis,omitempty"`
}

// ConfigError wraps a configuration problem with the offending field.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
