package runechain

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mchahed99/bifrost-ward/internal/canonicalize"
	"github.com/mchahed99/bifrost-ward/internal/config"
	"log/slog"
)

// MemoryAdapter is an in-process StorageAdapter backed by a mutex-guarded
// slice, for tests and ephemeral deployments. It implements the same
// inscription, verification, and baseline semantics as the durable adapter.
type MemoryAdapter struct {
	mu               sync.Mutex
	runes            []Rune
	baselines        map[string]Baseline
	pendingBaselines map[string]Baseline
	keyring          *KeyRing
	logger           *slog.Logger
	signingBroken    bool
}

// NewMemoryAdapter returns a ready adapter. If keyring is nil or empty, the
// chain is unsigned.
func NewMemoryAdapter(keyring *KeyRing) *MemoryAdapter {
	return &MemoryAdapter{
		baselines:        map[string]Baseline{},
		pendingBaselines: map[string]Baseline{},
		keyring:          keyring,
		logger:           slog.Default().With("component", "runechain.memory"),
	}
}

func (a *MemoryAdapter) Inscribe(in InscribeInput) (Rune, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	argsHash, err := hashArguments(in.Arguments)
	if err != nil {
		return Rune{}, err
	}
	rawArgs, err := canonicalJSON(in.Arguments)
	if err != nil {
		return Rune{}, err
	}

	seq := uint64(len(a.runes)) + 1
	prevHash := GenesisHash
	if len(a.runes) > 0 {
		prevHash = a.runes[len(a.runes)-1].ContentHash
	}

	r := Rune{
		Sequence:         seq,
		Timestamp:        time.Now().UTC(),
		SessionID:        in.SessionID,
		ToolName:         in.ToolName,
		ArgumentsHash:    argsHash,
		ArgumentsSummary: summarize(rawArgs),
		Decision:         in.Decision,
		MatchedWards:     in.MatchedWards,
		WardChain:        in.WardChain,
		Rationale:        in.Rationale,
		ResponseSummary:  summarize(in.ResponseSummary),
		DurationMs:       in.DurationMs,
		PreviousHash:     prevHash,
		IsGenesis:        seq == 1,
		RiskScore:        in.RiskScore,
		RiskTier:         in.RiskTier,
		AIReasoning:      in.AIReasoning,
	}
	hash, err := contentHash(r)
	if err != nil {
		return Rune{}, fmt.Errorf("runechain: computing content hash: %w", err)
	}
	r.ContentHash = hash
	a.sign(&r)

	a.runes = append(a.runes, r)
	return r, nil
}

func (a *MemoryAdapter) sign(r *Rune) {
	if a.keyring == nil || a.keyring.Empty() {
		return
	}
	sig, keyID, ok := a.keyring.Sign([]byte(r.ContentHash))
	if !ok {
		if !a.signingBroken {
			a.logger.Warn("signing key unavailable; chain continuing unsigned")
			a.signingBroken = true
		}
		return
	}
	r.Signature = sig
	r.KeyID = keyID
}

func (a *MemoryAdapter) UpdateLastResponse(responseSummary string, durationMs *float64) (*Rune, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.runes) == 0 {
		return nil, ErrNoSuchRune
	}
	idx := len(a.runes) - 1
	tail := a.runes[idx]

	tail.ResponseSummary = summarize(responseSummary)
	tail.DurationMs = durationMs

	hash, err := contentHash(tail)
	if err != nil {
		return nil, fmt.Errorf("runechain: recomputing content hash: %w", err)
	}
	tail.ContentHash = hash
	tail.Signature = ""
	tail.KeyID = ""
	a.sign(&tail)

	a.runes[idx] = tail
	return &tail, nil
}

func (a *MemoryAdapter) VerifyChain() (ChainVerificationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return verifyRunes(a.runes, a.keyring)
}

// verifyRunes walks runes in ascending sequence, checking linkage, content
// hash, and (when present) signature.
func verifyRunes(runes []Rune, keyring *KeyRing) (ChainVerificationResult, error) {
	result := ChainVerificationResult{
		Valid: true,
		Stats: ChainStats{DecisionCounts: map[config.WardDecision]int{}},
	}

	expectedPrev := GenesisHash
	sessions := map[string]bool{}
	tools := map[string]bool{}

	for _, r := range runes {
		if r.PreviousHash != expectedPrev {
			result.Valid = false
			result.BrokenAtSequence = r.Sequence
			result.BrokenReason = "Chain linkage broken"
			break
		}

		recomputed, err := contentHash(r)
		if err != nil {
			return result, err
		}
		if recomputed != r.ContentHash {
			result.Valid = false
			result.BrokenAtSequence = r.Sequence
			result.BrokenReason = "Content hash mismatch"
			break
		}

		if r.Signature != "" {
			var ok bool
			var err error
			if keyring != nil {
				ok, err = keyring.Verify(r.KeyID, []byte(r.ContentHash), r.Signature)
			}
			if err != nil || !ok {
				result.Valid = false
				result.BrokenAtSequence = r.Sequence
				result.BrokenReason = "Invalid signature"
				break
			}
			result.SignaturesVerified++
		} else {
			result.SignaturesMissing++
		}

		result.VerifiedRunes++
		result.Stats.TotalRunes++
		sessions[r.SessionID] = true
		tools[r.ToolName] = true
		result.Stats.DecisionCounts[r.Decision]++
		ts := r.Timestamp
		if result.Stats.FirstTimestamp == nil {
			result.Stats.FirstTimestamp = &ts
		}
		result.Stats.LastTimestamp = &ts

		expectedPrev = r.ContentHash
	}

	result.Stats.DistinctSessions = len(sessions)
	result.Stats.DistinctTools = len(tools)

	tailHash := GenesisHash
	if len(runes) > 0 {
		tailHash = runes[len(runes)-1].ContentHash
	}
	outcomeTag := "valid"
	if !result.Valid {
		outcomeTag = "invalid"
	}
	result.VerificationHash = canonicalize.HashBytes([]byte(fmt.Sprintf("%s:%s", outcomeTag, tailHash)))

	return result, nil
}

func (a *MemoryAdapter) ExportReceipt(sequence uint64) (*SignedReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, err := a.ruleAt(sequence)
	if err != nil {
		return nil, err
	}

	payload := []byte(r.ContentHash)
	sig := r.Signature
	if sig == "" && a.keyring != nil && !a.keyring.Empty() {
		var ok bool
		sig, _, ok = a.keyring.Sign(payload)
		if !ok {
			sig = ""
		}
	}

	pub := ""
	if a.keyring != nil {
		pub = a.keyring.ActivePublicKeyPEM()
	}

	return &SignedReceipt{
		Version: "1",
		Rune: ReceiptRune{
			Sequence:      r.Sequence,
			Timestamp:     r.Timestamp,
			ToolName:      r.ToolName,
			Decision:      r.Decision,
			Rationale:     r.Rationale,
			MatchedWards:  r.MatchedWards,
			ArgumentsHash: r.ArgumentsHash,
			ContentHash:   r.ContentHash,
			PreviousHash:  r.PreviousHash,
			IsGenesis:     r.IsGenesis,
		},
		ChainPosition: ChainPosition{ChainLength: uint64(len(a.runes))},
		Signature:     sig,
		PublicKey:     pub,
	}, nil
}

func (a *MemoryAdapter) ruleAt(sequence uint64) (Rune, error) {
	if sequence < 1 || sequence > uint64(len(a.runes)) {
		return Rune{}, ErrNoSuchRune
	}
	return a.runes[sequence-1], nil
}

func (a *MemoryAdapter) GetRunes(filters RuneFilters) ([]Rune, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var matched []Rune
	for _, r := range a.runes {
		if filters.SessionID != "" && r.SessionID != filters.SessionID {
			continue
		}
		if filters.ToolName != "" && r.ToolName != filters.ToolName {
			continue
		}
		if filters.Decision != "" && r.Decision != filters.Decision {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Sequence > matched[j].Sequence })

	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			return []Rune{}, nil
		}
		matched = matched[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}
	return matched, nil
}

func (a *MemoryAdapter) GetRuneBySequence(sequence uint64) (*Rune, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.ruleAt(sequence)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *MemoryAdapter) GetChainStats() (ChainStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result, err := verifyRunes(a.runes, a.keyring)
	if err != nil {
		return ChainStats{}, err
	}
	return result.Stats, nil
}

func (a *MemoryAdapter) GetRuneCount() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.runes)), nil
}

func (a *MemoryAdapter) GetLastSequence() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.runes)), nil
}

func (a *MemoryAdapter) GetRecentCallCount(sessionID, toolName string, windowMs int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(windowMs) * time.Millisecond)
	count := 0
	for _, r := range a.runes {
		if r.SessionID != sessionID {
			continue
		}
		if toolName != "*" && r.ToolName != toolName {
			continue
		}
		if r.Timestamp.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (a *MemoryAdapter) GetBaseline(serverID string) (*Baseline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.baselines[serverID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (a *MemoryAdapter) SetBaseline(b Baseline) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.baselines[b.ServerID]; ok {
		b.FirstSeen = existing.FirstSeen
	} else if b.FirstSeen.IsZero() {
		b.FirstSeen = time.Now().UTC()
	}
	a.baselines[b.ServerID] = b
	return nil
}

func (a *MemoryAdapter) ClearBaseline(serverID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.baselines, serverID)
	return nil
}

func (a *MemoryAdapter) ClearAllBaselines() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baselines = map[string]Baseline{}
	return nil
}

func (a *MemoryAdapter) GetAllBaselines() ([]Baseline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Baseline, 0, len(a.baselines))
	for _, b := range a.baselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

func (a *MemoryAdapter) GetPendingBaseline(serverID string) (*Baseline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.pendingBaselines[serverID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (a *MemoryAdapter) SetPendingBaseline(b Baseline) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingBaselines[b.ServerID] = b
	return nil
}

func (a *MemoryAdapter) ApprovePending(serverID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending, ok := a.pendingBaselines[serverID]
	if !ok {
		return false, nil
	}
	if existing, ok := a.baselines[serverID]; ok {
		pending.FirstSeen = existing.FirstSeen
	} else {
		pending.FirstSeen = time.Now().UTC()
	}
	pending.LastVerified = time.Now().UTC()
	a.baselines[serverID] = pending
	delete(a.pendingBaselines, serverID)
	return true, nil
}

func (a *MemoryAdapter) GetPublicKey() (string, error) {
	if a.keyring == nil {
		return "", nil
	}
	return a.keyring.ActivePublicKeyPEM(), nil
}

func (a *MemoryAdapter) Close() error { return nil }
