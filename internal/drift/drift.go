// Package drift detects and classifies changes between a downstream tool
// provider's current catalogue and its last stored baseline.
package drift

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/mchahed99/bifrost-ward/internal/canonicalize"
	"github.com/mchahed99/bifrost-ward/internal/config"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

var ErrBaselineMissing = errors.New("drift: no baseline for that server")

// ChangeType tags the kind of catalogue difference.
type ChangeType string

const (
	Added    ChangeType = "added"
	Removed  ChangeType = "removed"
	Modified ChangeType = "modified"
)

// Change describes one difference found between a baseline and the current
// catalogue. Severity reuses the ward severity vocabulary so operators read
// one scale across wards and drift alike.
type Change struct {
	Type     ChangeType         `json:"type"`
	ToolName string             `json:"tool_name"`
	Severity config.WardSeverity `json:"severity"`
	Details  string             `json:"details"`
}

// CanonicalHash sorts tools by name, recursively sorts object keys, and
// returns the SHA-256 hex digest of the resulting JSON. It is invariant
// under tool reordering and key reordering within tool objects.
func CanonicalHash(tools []runechain.ToolDescriptor) (string, error) {
	sorted := sortedCopy(tools)
	return canonicalize.Hash(sorted)
}

func sortedCopy(tools []runechain.ToolDescriptor) []runechain.ToolDescriptor {
	out := make([]runechain.ToolDescriptor, len(tools))
	copy(out, tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Diff compares a stored baseline snapshot against the current catalogue,
// returning changes in stable order: added, then removed, then modified.
func Diff(baseline, current []runechain.ToolDescriptor) ([]Change, error) {
	baseByName := map[string]runechain.ToolDescriptor{}
	for _, t := range baseline {
		baseByName[t.Name] = t
	}
	curByName := map[string]runechain.ToolDescriptor{}
	for _, t := range current {
		curByName[t.Name] = t
	}

	var added, removed, modified []Change

	for _, name := range sortedNames(curByName) {
		if _, ok := baseByName[name]; !ok {
			added = append(added, Change{Type: Added, ToolName: name, Severity: config.SeverityHigh, Details: "tool added to catalogue"})
		}
	}
	for _, name := range sortedNames(baseByName) {
		if _, ok := curByName[name]; !ok {
			removed = append(removed, Change{Type: Removed, ToolName: name, Severity: config.SeverityHigh, Details: "tool removed from catalogue"})
		}
	}
	for _, name := range sortedNames(baseByName) {
		cur, ok := curByName[name]
		if !ok {
			continue
		}
		base := baseByName[name]

		schemaChanged, err := inputSchemaChanged(base, cur)
		if err != nil {
			return nil, err
		}
		if schemaChanged {
			modified = append(modified, Change{Type: Modified, ToolName: name, Severity: config.SeverityCritical, Details: "inputSchema changed"})
			continue
		}

		if sev, details, changed := versionOrDescriptionChange(base, cur); changed {
			modified = append(modified, Change{Type: Modified, ToolName: name, Severity: sev, Details: details})
		}
	}

	out := append(added, removed...)
	out = append(out, modified...)
	return out, nil
}

func sortedNames(m map[string]runechain.ToolDescriptor) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func inputSchemaChanged(a, b runechain.ToolDescriptor) (bool, error) {
	ha, err := canonicalize.Hash(a.InputSchema)
	if err != nil {
		return false, err
	}
	hb, err := canonicalize.Hash(b.InputSchema)
	if err != nil {
		return false, err
	}
	return ha != hb, nil
}

// versionOrDescriptionChange refines description-only severity using
// semver when both sides carry a parseable version: a major bump is
// critical even with the schema and description unchanged; a minor/patch
// bump on an otherwise-identical tool folds into the low, description-
// changed bucket rather than a separate change.
func versionOrDescriptionChange(base, cur runechain.ToolDescriptor) (config.WardSeverity, string, bool) {
	descChanged := base.Description != cur.Description

	baseVer, baseErr := semver.NewVersion(base.Version)
	curVer, curErr := semver.NewVersion(cur.Version)
	if baseErr == nil && curErr == nil && !baseVer.Equal(curVer) {
		if curVer.Major() != baseVer.Major() {
			return config.SeverityCritical, fmt.Sprintf("major version bump %s -> %s", base.Version, cur.Version), true
		}
		return config.SeverityLow, fmt.Sprintf("version bump %s -> %s", base.Version, cur.Version), true
	}

	if descChanged {
		return config.SeverityLow, "description changed", true
	}
	return "", "", false
}
