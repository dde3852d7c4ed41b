package drift

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

// ErrHalted is returned by Check when drift is detected and the configured
// action is HALT.
var ErrHalted = errors.New("drift: catalogue diverged from baseline, listTools halted")

// Result reports what the detector found for one list-tools call.
type Result struct {
	FirstContact     bool
	Drifted          bool
	Changes          []Change
	Halted           bool
	MalformedSchemas []string
}

// Detector gates list-tools responses against a per-server baseline,
// following the teacher's known-fingerprint/pending-reevaluation shape but
// persisting through the storage adapter rather than in-process maps, so a
// restart does not forget an operator's pending approval.
type Detector struct {
	storage runechain.StorageAdapter
	cfg     config.DriftConfig
	now     func() time.Time
	logger  *slog.Logger
}

func NewDetector(storage runechain.StorageAdapter, cfg config.DriftConfig) *Detector {
	return &Detector{
		storage: storage,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default().With("component", "drift"),
	}
}

// Check compares the current catalogue against the stored baseline for
// serverID. On first contact it stores a new baseline and returns cleanly.
// On divergence it stores a pending baseline (never overwriting the active
// one) and, when the configured action is HALT, returns ErrHalted.
//
// Each tool's inputSchema is validated as a well-formed JSON Schema
// document before the catalogue is hashed; a malformed schema is flagged in
// the result and logged, but does not by itself block hashing or diffing —
// the catalogue still needs a stable fingerprint even when one tool's
// schema is broken.
func (d *Detector) Check(serverID string, current []runechain.ToolDescriptor) (Result, error) {
	if !d.cfg.Enabled {
		return Result{}, nil
	}

	var malformed []string
	for _, tool := range current {
		if err := ValidateInputSchema(tool.Name, tool.InputSchema); err != nil {
			d.logger.Warn("malformed tool inputSchema", "server_id", serverID, "tool", tool.Name, "error", err)
			malformed = append(malformed, tool.Name)
		}
	}

	currentHash, err := CanonicalHash(current)
	if err != nil {
		return Result{}, fmt.Errorf("drift: hashing current catalogue: %w", err)
	}

	baseline, err := d.storage.GetBaseline(serverID)
	if err != nil {
		return Result{}, fmt.Errorf("drift: loading baseline: %w", err)
	}

	if baseline == nil {
		if err := d.storage.SetBaseline(runechain.Baseline{
			ServerID:      serverID,
			ToolsHash:     currentHash,
			ToolsSnapshot: current,
			FirstSeen:     d.now(),
			LastVerified:  d.now(),
		}); err != nil {
			return Result{}, fmt.Errorf("drift: storing first-contact baseline: %w", err)
		}
		return Result{FirstContact: true, MalformedSchemas: malformed}, nil
	}

	if baseline.ToolsHash == currentHash {
		baseline.LastVerified = d.now()
		if err := d.storage.SetBaseline(*baseline); err != nil {
			return Result{}, fmt.Errorf("drift: refreshing baseline: %w", err)
		}
		return Result{MalformedSchemas: malformed}, nil
	}

	changes, err := Diff(baseline.ToolsSnapshot, current)
	if err != nil {
		return Result{}, fmt.Errorf("drift: diffing catalogue: %w", err)
	}

	if err := d.storage.SetPendingBaseline(runechain.Baseline{
		ServerID:      serverID,
		ToolsHash:     currentHash,
		ToolsSnapshot: current,
		FirstSeen:     baseline.FirstSeen,
		LastVerified:  d.now(),
	}); err != nil {
		return Result{}, fmt.Errorf("drift: storing pending baseline: %w", err)
	}

	result := Result{Drifted: true, Changes: changes, MalformedSchemas: malformed}
	if d.cfg.Action == config.DriftHalt {
		result.Halted = true
		return result, ErrHalted
	}
	return result, nil
}

// Approve promotes serverID's pending baseline to active, clearing the
// pending slot. It is a thin pass-through kept here so callers depend on
// the drift package's vocabulary rather than reaching into storage directly.
func (d *Detector) Approve(serverID string) (bool, error) {
	return d.storage.ApprovePending(serverID)
}
