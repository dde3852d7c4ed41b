package runechain

import (
	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/wardengine"
)

// InscribeInput carries everything needed to assemble a new rune, short of
// its position in the chain (which the adapter assigns).
type InscribeInput struct {
	SessionID       string
	ToolName        string
	Arguments       map[string]interface{}
	Decision        config.WardDecision
	MatchedWards    []string
	WardChain       []wardengine.WardStep
	Rationale       string
	ResponseSummary string
	DurationMs      *float64
	RiskScore       *float64
	RiskTier        string
	AIReasoning     string
}

// StorageAdapter is the port the runechain drives. Two implementations are
// provided: an in-memory adapter for tests and ephemeral deployments, and a
// durable SQLite-backed adapter.
type StorageAdapter interface {
	Inscribe(in InscribeInput) (Rune, error)
	UpdateLastResponse(responseSummary string, durationMs *float64) (*Rune, error)
	VerifyChain() (ChainVerificationResult, error)
	ExportReceipt(sequence uint64) (*SignedReceipt, error)

	GetRunes(filters RuneFilters) ([]Rune, error)
	GetRuneBySequence(sequence uint64) (*Rune, error)
	GetChainStats() (ChainStats, error)
	GetRuneCount() (uint64, error)
	GetLastSequence() (uint64, error)
	GetRecentCallCount(sessionID, toolName string, windowMs int64) (int, error)

	GetBaseline(serverID string) (*Baseline, error)
	SetBaseline(b Baseline) error
	ClearBaseline(serverID string) error
	ClearAllBaselines() error
	GetAllBaselines() ([]Baseline, error)

	GetPendingBaseline(serverID string) (*Baseline, error)
	SetPendingBaseline(b Baseline) error
	ApprovePending(serverID string) (bool, error)

	GetPublicKey() (string, error)

	Close() error
}
