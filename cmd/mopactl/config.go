package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"mopa/internal/config"
)

// setFlags collects repeated -set key=value overrides.
type setFlags []string

func (s *setFlags) String() string { return strings.Join(*s, ",") }

func (s *setFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("override must be key=value, got %q", v)
	}
	*s = append(*s, v)
	return nil
}

// loadConfig builds the run configuration: defaults, then the HCL file,
// then command-line overrides, then validation.
func loadConfig(path string, sets setFlags) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.LoadFile(cfg, path)
		if err != nil {
			return config.Config{}, err
		}
	}

	if len(sets) > 0 {
		values := make(map[string]cty.Value, len(sets))
		for _, kv := range sets {
			key, raw, _ := strings.Cut(kv, "=")
			values[strings.TrimSpace(key)] = literalValue(strings.TrimSpace(raw))
		}
		if err := config.ApplyOverrides(&cfg, cty.ObjectVal(values)); err != nil {
			return config.Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// literalValue types a flag literal: integers and floats become
// numbers, everything else stays a string. Booleans, including the
// launcher's "True"/"False" spelling, are parsed at the config
// boundary.
func literalValue(raw string) cty.Value {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return cty.NumberIntVal(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return cty.NumberFloatVal(f)
	}
	return cty.StringVal(raw)
}

// parseState parses a comma-separated state vector.
func parseState(raw string) ([]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("state is required")
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("bad component %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}
