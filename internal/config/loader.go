package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var interpVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// interpolate resolves ${VAR} and ${VAR:-default} references against the
// process environment. A required reference with no default and no value
// set is a ConfigError.
func interpolate(raw []byte) ([]byte, error) {
	var firstErr error
	out := interpVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := interpVarPattern.FindSubmatch(match)
		name := string(groups[1])
		hasDefault := len(groups[2]) > 0
		def := string(groups[3])

		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if hasDefault {
			return []byte(def)
		}
		if firstErr == nil {
			firstErr = &ConfigError{Field: "extends/env:" + name, Err: errors.New("required environment variable is not set")}
		}
		return match
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Load reads, interpolates, and resolves a BifrostConfig from path,
// recursively prepending any `extends` files, then validates the result.
func Load(path string) (*BifrostConfig, error) {
	cfg, err := loadChain(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadChain(path string, visiting map[string]bool) (*BifrostConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Field: "path", Err: err}
	}
	if visiting[abs] {
		return nil, &ConfigError{Field: "extends", Err: fmt.Errorf("cycle detected at %s", abs)}
	}
	visiting[abs] = true

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ConfigError{Field: "path", Err: err}
	}
	raw, err = interpolate(raw)
	if err != nil {
		return nil, err
	}

	var cfg BifrostConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &ConfigError{Field: "yaml", Err: err}
	}

	if len(cfg.Extends) == 0 {
		return &cfg, nil
	}

	baseDir := filepath.Dir(abs)
	var prepended []Ward
	for _, rel := range cfg.Extends {
		extPath := rel
		if !filepath.IsAbs(extPath) {
			extPath = filepath.Join(baseDir, rel)
		}
		parent, err := loadChain(extPath, visiting)
		if err != nil {
			return nil, err
		}
		prepended = append(prepended, parent.Wards...)
	}

	cfg.Wards = append(prepended, cfg.Wards...)
	return &cfg, nil
}

func validate(cfg *BifrostConfig) error {
	if strings.TrimSpace(cfg.Version) == "" {
		return &ConfigError{Field: "version", Err: errors.New("required")}
	}
	if strings.TrimSpace(cfg.Realm) == "" {
		return &ConfigError{Field: "realm", Err: errors.New("required")}
	}

	if cfg.Defaults.Action == "" {
		cfg.Defaults.Action = Pass
	}
	if cfg.Defaults.Severity == "" {
		cfg.Defaults.Severity = SeverityLow
	}
	if !cfg.Defaults.Action.Valid() {
		return &ConfigError{Field: "defaults.action", Err: fmt.Errorf("unknown action %q", cfg.Defaults.Action)}
	}
	if !cfg.Defaults.Severity.Valid() {
		return &ConfigError{Field: "defaults.severity", Err: fmt.Errorf("unknown severity %q", cfg.Defaults.Severity)}
	}

	seen := map[string]bool{}
	for i := range cfg.Wards {
		w := &cfg.Wards[i]
		if w.ID == "" {
			return &ConfigError{Field: "wards[].id", Err: errors.New("required")}
		}
		if seen[w.ID] {
			return &ConfigError{Field: "wards[].id", Err: fmt.Errorf("duplicate ward id %q", w.ID)}
		}
		seen[w.ID] = true

		if w.Tool == "" {
			return &ConfigError{Field: fmt.Sprintf("wards[%s].tool", w.ID), Err: errors.New("required")}
		}
		if _, err := CompileToolGlob(w.Tool); err != nil {
			return &ConfigError{Field: fmt.Sprintf("wards[%s].tool", w.ID), Err: err}
		}
		if !w.Action.Valid() {
			return &ConfigError{Field: fmt.Sprintf("wards[%s].action", w.ID), Err: fmt.Errorf("unknown action %q", w.Action)}
		}
		if w.Severity == "" {
			w.Severity = SeverityLow
		}
		if !w.Severity.Valid() {
			return &ConfigError{Field: fmt.Sprintf("wards[%s].severity", w.ID), Err: fmt.Errorf("unknown severity %q", w.Severity)}
		}
		for field, pattern := range w.When.ArgumentMatches {
			if _, err := CompilePattern(pattern); err != nil {
				return &ConfigError{Field: fmt.Sprintf("wards[%s].when.argument_matches.%s", w.ID, field), Err: err}
			}
		}
		if w.When.ArgumentContainsPattern != "" {
			if _, err := CompilePattern(w.When.ArgumentContainsPattern); err != nil {
				return &ConfigError{Field: fmt.Sprintf("wards[%s].when.argument_contains_pattern", w.ID), Err: err}
			}
		}
	}

	for i, s := range cfg.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return &ConfigError{Field: fmt.Sprintf("sinks[%d].url", i), Err: errors.New("required for webhook sink")}
			}
		case "otlp", "span_exporter":
			if s.Endpoint == "" {
				return &ConfigError{Field: fmt.Sprintf("sinks[%d].endpoint", i), Err: errors.New("required for span exporter sink")}
			}
		default:
			return &ConfigError{Field: fmt.Sprintf("sinks[%d].type", i), Err: fmt.Errorf("unknown sink type %q", s.Type)}
		}
		for _, ev := range s.Events {
			if !ev.Valid() {
				return &ConfigError{Field: fmt.Sprintf("sinks[%d].events", i), Err: fmt.Errorf("unknown decision %q", ev)}
			}
		}
	}

	if cfg.Drift.Action == "" {
		cfg.Drift.Action = DriftWarn
	}
	if !cfg.Drift.Action.Valid() {
		return &ConfigError{Field: "drift.action", Err: fmt.Errorf("unknown drift action %q", cfg.Drift.Action)}
	}

	return nil
}
