package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// fileSchema mirrors the on-disk HCL layout. Every attribute is
// optional so a config file only states what it changes from Default.
type fileSchema struct {
	Env  *string `hcl:"env,optional"`
	Seed *int64  `hcl:"seed,optional"`

	Planner  *plannerSchema  `hcl:"planner,block"`
	Replay   *replaySchema   `hcl:"replay,block"`
	Meta     *metaSchema     `hcl:"meta,block"`
	Training *trainingSchema `hcl:"training,block"`
	Storage  *storageSchema  `hcl:"storage,block"`

	Overrides *cty.Value `hcl:"overrides,optional"`
}

type plannerSchema struct {
	Type                  *string  `hcl:"type,optional"`
	TimelimitSec          *float64 `hcl:"timelimit,optional"`
	Range                 *float64 `hcl:"range,optional"`
	Threshold             *float64 `hcl:"threshold,optional"`
	FindCollisionFree     *bool    `hcl:"find_collision_free,optional"`
	InvalidTargetHandling *string  `hcl:"invalid_target_handling,optional"`
	RelaxAttempts         *int     `hcl:"relax_attempts,optional"`
	RelaxGrowth           *float64 `hcl:"relax_growth,optional"`
}

type replaySchema struct {
	BufferSize   *int  `hcl:"buffer_size,optional"`
	BatchSize    *int  `hcl:"batch_size,optional"`
	ReuseData    *bool `hcl:"reuse_data,optional"`
	MaxReuseData *int  `hcl:"max_reuse_data,optional"`
}

type metaSchema struct {
	MaxMetaLen      *int     `hcl:"max_meta_len,optional"`
	MetaSubgoalRew  *float64 `hcl:"meta_subgoal_rew,optional"`
	UseSMDPUpdate   *bool    `hcl:"use_smdp_update,optional"`
	UseDiscountMeta *bool    `hcl:"use_discount_meta,optional"`
	UpdateTarget    *string  `hcl:"meta_update_target,optional"`
}

type trainingSchema struct {
	NumBatches       *int     `hcl:"num_batches,optional"`
	Gamma            *float64 `hcl:"gamma,optional"`
	LearningRate     *float64 `hcl:"learning_rate,optional"`
	Tau              *float64 `hcl:"tau,optional"`
	EntropyLossCoef  *float64 `hcl:"entropy_loss_coef,optional"`
	MaxGlobalStep    *int64   `hcl:"max_global_step,optional"`
	RolloutLength    *int     `hcl:"rollout_length,optional"`
	MaxEpisodeStep   *int     `hcl:"max_episode_step,optional"`
	StartSteps       *int     `hcl:"start_steps,optional"`
	EvaluateInterval *int     `hcl:"evaluate_interval,optional"`
	NumEval          *int     `hcl:"num_eval,optional"`
	CkptInterval     *int     `hcl:"ckpt_interval,optional"`
	StochasticEval   *bool    `hcl:"stochastic_eval,optional"`
	Debug            *bool    `hcl:"debug,optional"`
	Workers          *int     `hcl:"workers,optional"`
}

type storageSchema struct {
	Backend *string `hcl:"backend,optional"`
	Path    *string `hcl:"path,optional"`
}

// LoadFile merges an HCL config file on top of base.
func LoadFile(base Config, path string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("parse %s: %w", path, diags)
	}
	return merge(base, file.Body)
}

// LoadBytes merges HCL source text on top of base. The filename only
// labels diagnostics.
func LoadBytes(base Config, src []byte, filename string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("parse %s: %w", filename, diags)
	}
	return merge(base, file.Body)
}

func merge(base Config, body hcl.Body) (Config, error) {
	var raw fileSchema
	if diags := gohcl.DecodeBody(body, nil, &raw); diags.HasErrors() {
		return Config{}, fmt.Errorf("decode config: %w", diags)
	}

	cfg := base
	setString(&cfg.Env, raw.Env)
	setInt64(&cfg.Seed, raw.Seed)

	if p := raw.Planner; p != nil {
		setString(&cfg.PlannerType, p.Type)
		if p.TimelimitSec != nil {
			cfg.Timelimit = time.Duration(*p.TimelimitSec * float64(time.Second))
		}
		setFloat(&cfg.Range, p.Range)
		setFloat(&cfg.Threshold, p.Threshold)
		setBool(&cfg.FindCollisionFree, p.FindCollisionFree)
		setString(&cfg.InvalidTargetHandling, p.InvalidTargetHandling)
		setInt(&cfg.RelaxAttempts, p.RelaxAttempts)
		setFloat(&cfg.RelaxGrowth, p.RelaxGrowth)
	}
	if r := raw.Replay; r != nil {
		setInt(&cfg.BufferSize, r.BufferSize)
		setInt(&cfg.BatchSize, r.BatchSize)
		setBool(&cfg.ReuseData, r.ReuseData)
		setInt(&cfg.MaxReuseData, r.MaxReuseData)
	}
	if m := raw.Meta; m != nil {
		setInt(&cfg.MaxMetaLen, m.MaxMetaLen)
		setFloat(&cfg.MetaSubgoalRew, m.MetaSubgoalRew)
		setBool(&cfg.UseSMDPUpdate, m.UseSMDPUpdate)
		setBool(&cfg.UseDiscountMeta, m.UseDiscountMeta)
		setString(&cfg.MetaUpdateTarget, m.UpdateTarget)
	}
	if t := raw.Training; t != nil {
		setInt(&cfg.NumBatches, t.NumBatches)
		setFloat(&cfg.Gamma, t.Gamma)
		setFloat(&cfg.LearningRate, t.LearningRate)
		setFloat(&cfg.Tau, t.Tau)
		setFloat(&cfg.EntropyLossCoef, t.EntropyLossCoef)
		setInt64(&cfg.MaxGlobalStep, t.MaxGlobalStep)
		setInt(&cfg.RolloutLength, t.RolloutLength)
		setInt(&cfg.MaxEpisodeStep, t.MaxEpisodeStep)
		setInt(&cfg.StartSteps, t.StartSteps)
		setInt(&cfg.EvaluateInterval, t.EvaluateInterval)
		setInt(&cfg.NumEval, t.NumEval)
		setInt(&cfg.CkptInterval, t.CkptInterval)
		setBool(&cfg.StochasticEval, t.StochasticEval)
		setBool(&cfg.Debug, t.Debug)
		setInt(&cfg.Workers, t.Workers)
	}
	if s := raw.Storage; s != nil {
		setString(&cfg.Store, s.Backend)
		setString(&cfg.DBPath, s.Path)
	}

	if raw.Overrides != nil && !raw.Overrides.IsNull() {
		if err := ApplyOverrides(&cfg, *raw.Overrides); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// ApplyOverrides applies a flat cty object of launcher overrides to
// cfg. Keys use the flag spelling, and boolean values may arrive as
// the strings "True" or "False".
func ApplyOverrides(cfg *Config, v cty.Value) error {
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return fmt.Errorf("overrides must be an object, got %s", v.Type().FriendlyName())
	}
	for key, val := range v.AsValueMap() {
		if err := applyOverride(cfg, key, val); err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}
	}
	return nil
}

func applyOverride(cfg *Config, key string, val cty.Value) error {
	switch key {
	case "env":
		return fromCty(val, &cfg.Env)
	case "seed":
		return fromCty(val, &cfg.Seed)
	case "planner_type":
		return fromCty(val, &cfg.PlannerType)
	case "timelimit":
		var sec float64
		if err := fromCty(val, &sec); err != nil {
			return err
		}
		cfg.Timelimit = time.Duration(sec * float64(time.Second))
		return nil
	case "range":
		return fromCty(val, &cfg.Range)
	case "threshold":
		return fromCty(val, &cfg.Threshold)
	case "find_collision_free":
		return boolFromCty(val, &cfg.FindCollisionFree)
	case "invalid_target_handling":
		return fromCty(val, &cfg.InvalidTargetHandling)
	case "relax_attempts":
		return fromCty(val, &cfg.RelaxAttempts)
	case "relax_growth":
		return fromCty(val, &cfg.RelaxGrowth)
	case "buffer_size":
		return fromCty(val, &cfg.BufferSize)
	case "batch_size":
		return fromCty(val, &cfg.BatchSize)
	case "reuse_data":
		return boolFromCty(val, &cfg.ReuseData)
	case "max_reuse_data":
		return fromCty(val, &cfg.MaxReuseData)
	case "max_meta_len":
		return fromCty(val, &cfg.MaxMetaLen)
	case "meta_subgoal_rew":
		return fromCty(val, &cfg.MetaSubgoalRew)
	case "use_smdp_update":
		return boolFromCty(val, &cfg.UseSMDPUpdate)
	case "use_discount_meta":
		return boolFromCty(val, &cfg.UseDiscountMeta)
	case "meta_update_target":
		return fromCty(val, &cfg.MetaUpdateTarget)
	case "num_batches":
		return fromCty(val, &cfg.NumBatches)
	case "gamma":
		return fromCty(val, &cfg.Gamma)
	case "learning_rate":
		return fromCty(val, &cfg.LearningRate)
	case "tau":
		return fromCty(val, &cfg.Tau)
	case "entropy_loss_coef":
		return fromCty(val, &cfg.EntropyLossCoef)
	case "max_global_step":
		return fromCty(val, &cfg.MaxGlobalStep)
	case "rollout_length":
		return fromCty(val, &cfg.RolloutLength)
	case "max_episode_step":
		return fromCty(val, &cfg.MaxEpisodeStep)
	case "start_steps":
		return fromCty(val, &cfg.StartSteps)
	case "evaluate_interval":
		return fromCty(val, &cfg.EvaluateInterval)
	case "num_eval":
		return fromCty(val, &cfg.NumEval)
	case "ckpt_interval":
		return fromCty(val, &cfg.CkptInterval)
	case "stochastic_eval":
		return boolFromCty(val, &cfg.StochasticEval)
	case "debug":
		return boolFromCty(val, &cfg.Debug)
	case "workers":
		return fromCty(val, &cfg.Workers)
	case "store":
		return fromCty(val, &cfg.Store)
	case "db_path":
		return fromCty(val, &cfg.DBPath)
	default:
		return fmt.Errorf("unknown key")
	}
}

func fromCty(val cty.Value, target any) error {
	return gocty.FromCtyValue(val, target)
}

// boolFromCty accepts native booleans and the launcher's "True" /
// "False" string spelling.
func boolFromCty(val cty.Value, target *bool) error {
	if val.Type() == cty.String {
		b, err := ParseBool(val.AsString())
		if err != nil {
			return err
		}
		*target = b
		return nil
	}
	return gocty.FromCtyValue(val, target)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
