package runechain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mchahed99/bifrost-ward/internal/canonicalize"
)

// hashableRune is the subset of Rune fields that feed content_hash.
// signature, content_hash, key_id, and the advisory AI/risk fields are
// excluded so the hash is a pure function of the decision the rune records.
type hashableRune struct {
	Sequence         uint64                 `json:"sequence"`
	Timestamp        string                 `json:"timestamp"`
	SessionID        string                 `json:"session_id"`
	ToolName         string                 `json:"tool_name"`
	ArgumentsHash    string                 `json:"arguments_hash"`
	ArgumentsSummary string                 `json:"arguments_summary"`
	Decision         string                 `json:"decision"`
	MatchedWards     []string               `json:"matched_wards"`
	WardChain        interface{}            `json:"ward_chain"`
	Rationale        string                 `json:"rationale"`
	ResponseSummary  string                 `json:"response_summary,omitempty"`
	DurationMs       *float64               `json:"duration_ms,omitempty"`
	PreviousHash     string                 `json:"previous_hash"`
	IsGenesis        bool                   `json:"is_genesis"`
}

func contentHash(r Rune) (string, error) {
	h := hashableRune{
		Sequence:         r.Sequence,
		Timestamp:        r.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		SessionID:        r.SessionID,
		ToolName:         r.ToolName,
		ArgumentsHash:    r.ArgumentsHash,
		ArgumentsSummary: r.ArgumentsSummary,
		Decision:         string(r.Decision),
		MatchedWards:     r.MatchedWards,
		WardChain:        r.WardChain,
		Rationale:        r.Rationale,
		ResponseSummary:  r.ResponseSummary,
		DurationMs:       r.DurationMs,
		PreviousHash:     r.PreviousHash,
		IsGenesis:        r.IsGenesis,
	}
	return canonicalize.Hash(h)
}

// hashArguments hashes the JSON serialization of arguments with SHA-256.
func hashArguments(args map[string]interface{}) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("runechain: marshaling arguments: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON is used by callers needing the raw serialized form for
// summarization (pre-redaction).
func canonicalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
