package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty env", func(c *Config) { c.Env = "" }},
		{"zero timelimit", func(c *Config) { c.Timelimit = 0 }},
		{"negative range", func(c *Config) { c.Range = -1 }},
		{"batch larger than buffer", func(c *Config) { c.BufferSize = 10; c.BatchSize = 11 }},
		{"reuse without budget", func(c *Config) { c.ReuseData = true; c.MaxReuseData = 0 }},
		{"zero meta len", func(c *Config) { c.MaxMetaLen = 0 }},
		{"gamma above one", func(c *Config) { c.Gamma = 1.5 }},
		{"bad update target", func(c *Config) { c.MetaUpdateTarget = "critic" }},
		{"bad failure handling", func(c *Config) { c.InvalidTargetHandling = "retry" }},
		{"relax growth too small", func(c *Config) { c.RelaxGrowth = 1.0 }},
		{"zero rollout", func(c *Config) { c.RolloutLength = 0 }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadBytesMergesOverDefaults(t *testing.T) {
	src := []byte(`
env  = "nav2d-cluttered"
seed = 7

planner {
  type      = "straight"
  timelimit = 0.5
  threshold = 0.3
}

replay {
  buffer_size = 5000
  reuse_data  = true
}

meta {
  max_meta_len    = 10
  use_smdp_update = false
}

training {
  max_global_step = 2000
  rollout_length  = 50
  workers         = 4
}

storage {
  backend = "sqlite"
  path    = "runs.db"
}
`)
	cfg, err := LoadBytes(Default(), src, "test.hcl")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nav2d-cluttered", cfg.Env)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, "straight", cfg.PlannerType)
	assert.Equal(t, 500*time.Millisecond, cfg.Timelimit)
	assert.Equal(t, 0.3, cfg.Threshold)
	assert.Equal(t, 5000, cfg.BufferSize)
	assert.True(t, cfg.ReuseData)
	assert.Equal(t, 10, cfg.MaxMetaLen)
	assert.False(t, cfg.UseSMDPUpdate)
	assert.Equal(t, int64(2000), cfg.MaxGlobalStep)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, "runs.db", cfg.DBPath)

	// Untouched fields keep their defaults.
	assert.Equal(t, 0.5, cfg.Range)
	assert.Equal(t, 64, cfg.BatchSize)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`env = "nav2d"`), 0o644))

	cfg, err := LoadFile(Default(), path)
	require.NoError(t, err)
	assert.Equal(t, "nav2d", cfg.Env)

	_, err = LoadFile(Default(), filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestOverridesBlock(t *testing.T) {
	src := []byte(`
overrides = {
  max_global_step = 1000
  reuse_data      = "True"
  stochastic_eval = "False"
  gamma           = 0.95
  planner_type    = "straight"
}
`)
	cfg, err := LoadBytes(Default(), src, "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, int64(1000), cfg.MaxGlobalStep)
	assert.True(t, cfg.ReuseData)
	assert.False(t, cfg.StochasticEval)
	assert.Equal(t, 0.95, cfg.Gamma)
	assert.Equal(t, "straight", cfg.PlannerType)
}

func TestApplyOverridesRejectsUnknownKey(t *testing.T) {
	cfg := Default()
	err := ApplyOverrides(&cfg, cty.ObjectVal(map[string]cty.Value{
		"warp_factor": cty.NumberIntVal(9),
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp_factor")
}

func TestApplyOverridesRejectsBadBool(t *testing.T) {
	cfg := Default()
	err := ApplyOverrides(&cfg, cty.ObjectVal(map[string]cty.Value{
		"debug": cty.StringVal("yes please"),
	}))
	assert.Error(t, err)
}

func TestParseBool(t *testing.T) {
	for s, want := range map[string]bool{
		"True": true, "False": false,
		"true": true, "false": false,
		"1": true, "0": false,
		" True ": true,
	} {
		got, err := ParseBool(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseBool("TRUE-ish")
	assert.Error(t, err)
}

func TestTargetSelectors(t *testing.T) {
	cfg := Default()

	cfg.MetaUpdateTarget = TargetBoth
	assert.True(t, cfg.TargetsLow())
	assert.True(t, cfg.TargetsHigh())

	cfg.MetaUpdateTarget = TargetHigh
	assert.False(t, cfg.TargetsLow())
	assert.True(t, cfg.TargetsHigh())

	cfg.MetaUpdateTarget = TargetNone
	assert.False(t, cfg.TargetsLow())
	assert.False(t, cfg.TargetsHigh())
}
