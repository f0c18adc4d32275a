package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "nav2d" || cfg.PlannerType != "rrt" {
		t.Fatalf("unexpected defaults: env=%s planner=%s", cfg.Env, cfg.PlannerType)
	}
}

func TestLoadConfigFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.hcl")
	src := []byte(`
training {
  max_global_step = 5000
  workers         = 2
}
`)
	if err := os.WriteFile(path, src, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := loadConfig(path, setFlags{
		"max_global_step=1000",
		"reuse_data=True",
		"gamma=0.95",
		"planner_type=straight",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Flag overrides win over the file.
	if cfg.MaxGlobalStep != 1000 {
		t.Fatalf("max global step = %d, want 1000", cfg.MaxGlobalStep)
	}
	if cfg.Workers != 2 {
		t.Fatalf("workers = %d, want 2", cfg.Workers)
	}
	if !cfg.ReuseData {
		t.Fatal("reuse_data override not applied")
	}
	if cfg.Gamma != 0.95 {
		t.Fatalf("gamma = %v, want 0.95", cfg.Gamma)
	}
	if cfg.PlannerType != "straight" {
		t.Fatalf("planner = %s, want straight", cfg.PlannerType)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	if _, err := loadConfig("", setFlags{"rollout_length=0"}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := loadConfig("", setFlags{"warp_factor=9"}); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestSetFlagsRejectMalformed(t *testing.T) {
	var s setFlags
	if err := s.Set("no-equals"); err == nil {
		t.Fatal("expected error")
	}
	if err := s.Set("a=1"); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestParseState(t *testing.T) {
	got, err := parseState("1.5, 2, -3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 || got[0] != 1.5 || got[2] != -3 {
		t.Fatalf("got %v", got)
	}
	if _, err := parseState(""); err == nil {
		t.Fatal("expected error for empty state")
	}
	if _, err := parseState("1,x"); err == nil {
		t.Fatal("expected error for bad component")
	}
}
