// Package runechain owns the append-only, hash-chained, Ed25519-signed
// audit log of tool call decisions ("runes"), plus the baseline tables the
// drift detector reads and writes.
package runechain

import (
	"errors"
	"time"

	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/wardengine"
)

// GenesisHash is the previous_hash sentinel recorded for the first rune in
// a chain.
const GenesisHash = "GENESIS"

var (
	ErrChainBroken  = errors.New("runechain: chain verification failed")
	ErrNoSuchRune   = errors.New("runechain: no rune at that sequence")
	ErrTailOnly     = errors.New("runechain: a later rune already exists; refusing update")
	ErrBaselineMissing = errors.New("runechain: no baseline for that server")
)

// Rune is one immutable audit record for one tool call.
type Rune struct {
	Sequence         uint64                `json:"sequence"`
	Timestamp        time.Time             `json:"timestamp"`
	SessionID        string                `json:"session_id"`
	ToolName         string                `json:"tool_name"`
	ArgumentsHash    string                `json:"arguments_hash"`
	ArgumentsSummary string                `json:"arguments_summary"`
	Decision         config.WardDecision   `json:"decision"`
	MatchedWards     []string              `json:"matched_wards"`
	WardChain        []wardengine.WardStep `json:"ward_chain"`
	Rationale        string                `json:"rationale"`
	ResponseSummary  string                `json:"response_summary,omitempty"`
	DurationMs       *float64              `json:"duration_ms,omitempty"`
	PreviousHash     string                `json:"previous_hash"`
	ContentHash       string               `json:"content_hash"`
	IsGenesis        bool                  `json:"is_genesis"`
	Signature        string                `json:"signature,omitempty"`
	KeyID            string                `json:"key_id,omitempty"`
	RiskScore        *float64              `json:"risk_score,omitempty"`
	RiskTier         string                `json:"risk_tier,omitempty"`
	AIReasoning      string                `json:"ai_reasoning,omitempty"`
}

// RuneFilters narrows a getRunes query. Results are returned newest-first.
type RuneFilters struct {
	SessionID string
	ToolName  string
	Decision  config.WardDecision
	Limit     int
	Offset    int
}

// ChainStats aggregates counters over the full chain.
type ChainStats struct {
	TotalRunes       uint64
	DistinctSessions int
	DistinctTools    int
	DecisionCounts   map[config.WardDecision]int
	FirstTimestamp   *time.Time
	LastTimestamp    *time.Time
}

// ChainVerificationResult is the outcome of walking the whole chain.
type ChainVerificationResult struct {
	Valid             bool
	BrokenAtSequence  uint64
	BrokenReason      string
	VerifiedRunes     uint64
	SignaturesVerified uint64
	SignaturesMissing  uint64
	Stats             ChainStats
	VerificationHash  string
}

// SignedReceipt is a self-contained, offline-verifiable proof for one rune.
type SignedReceipt struct {
	Version       string       `json:"version"`
	Rune          ReceiptRune  `json:"rune"`
	ChainPosition ChainPosition `json:"chain_position"`
	Signature     string       `json:"signature"`
	PublicKey     string       `json:"public_key"`
}

// ReceiptRune is the rune subset bundled into a receipt.
type ReceiptRune struct {
	Sequence      uint64              `json:"sequence"`
	Timestamp     time.Time           `json:"timestamp"`
	ToolName      string              `json:"tool_name"`
	Decision      config.WardDecision `json:"decision"`
	Rationale     string              `json:"rationale"`
	MatchedWards  []string            `json:"matched_wards"`
	ArgumentsHash string              `json:"arguments_hash"`
	ContentHash   string              `json:"content_hash"`
	PreviousHash  string              `json:"previous_hash"`
	IsGenesis     bool                `json:"is_genesis"`
}

// ChainPosition records how long the chain was when the receipt was issued.
type ChainPosition struct {
	ChainLength uint64 `json:"chain_length"`
}

// ToolDescriptor is the minimal shape of one downstream tool definition,
// as returned by listTools and stored inside baselines.
type ToolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Version     string      `json:"version,omitempty"`
	InputSchema interface{} `json:"inputSchema,omitempty"`
}

// Baseline is the stored shape of a server's last-known-good tool
// catalogue, or its pending replacement awaiting operator approval.
type Baseline struct {
	ServerID     string           `json:"server_id"`
	ToolsHash    string           `json:"tools_hash"`
	ToolsSnapshot []ToolDescriptor `json:"tools_snapshot"`
	FirstSeen    time.Time        `json:"first_seen"`
	LastVerified time.Time        `json:"last_verified"`
}
