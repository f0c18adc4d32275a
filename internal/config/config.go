// Package config builds the single immutable run configuration. All
// dynamic typing lives at this boundary: HCL files, cty override
// values and the launcher's literal "True"/"False" strings are parsed
// here once, and every component receives typed values by reference.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MetaUpdateTarget selects which policy levels get polyak-smoothed
// target networks.
const (
	TargetBoth = "both"
	TargetHigh = "high"
	TargetLow  = "low"
	TargetNone = "none"
)

// InvalidTargetHandling selects the reaction to a planning failure.
const (
	OnFailureRelax = "relax"
	OnFailureAbort = "abort"
)

// Config is the complete, immutable run configuration. Construct it
// with Default, optionally merge a file and overrides, then Validate.
type Config struct {
	RunID string
	Env   string
	Seed  int64

	// Planner
	PlannerType           string
	Timelimit             time.Duration
	Range                 float64
	Threshold             float64
	FindCollisionFree     bool
	InvalidTargetHandling string
	RelaxAttempts         int
	RelaxGrowth           float64

	// Replay
	BufferSize   int
	BatchSize    int
	ReuseData    bool
	MaxReuseData int

	// High level
	MaxMetaLen      int
	MetaSubgoalRew  float64
	UseSMDPUpdate   bool
	UseDiscountMeta bool

	// Updates
	NumBatches       int
	Gamma            float64
	LearningRate     float64
	Tau              float64
	EntropyLossCoef  float64
	MetaUpdateTarget string

	// Orchestration
	MaxGlobalStep    int64
	RolloutLength    int
	MaxEpisodeStep   int
	StartSteps       int
	EvaluateInterval int
	NumEval          int
	CkptInterval     int
	StochasticEval   bool
	Debug            bool

	Workers int

	// Persistence
	Store  string
	DBPath string
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Env:                   "nav2d",
		PlannerType:           "rrt",
		Timelimit:             2 * time.Second,
		Range:                 0.5,
		Threshold:             0.4,
		FindCollisionFree:     true,
		InvalidTargetHandling: OnFailureRelax,
		RelaxAttempts:         3,
		RelaxGrowth:           1.5,
		BufferSize:            100000,
		BatchSize:             64,
		MaxReuseData:          30,
		MaxMetaLen:            25,
		MetaSubgoalRew:        -1,
		UseSMDPUpdate:         true,
		NumBatches:            4,
		Gamma:                 0.99,
		LearningRate:          3e-4,
		Tau:                   0.005,
		EntropyLossCoef:       0.2,
		MetaUpdateTarget:      TargetBoth,
		MaxGlobalStep:         1000000,
		RolloutLength:         100,
		MaxEpisodeStep:        250,
		StartSteps:            1000,
		EvaluateInterval:      20,
		NumEval:               5,
		CkptInterval:          50,
		Workers:               1,
		Store:                 "memory",
		DBPath:                "mopa.db",
	}
}

// Validate rejects configurations no component should ever see.
func (c Config) Validate() error {
	if c.Env == "" {
		return fmt.Errorf("env is required")
	}
	if c.PlannerType == "" {
		return fmt.Errorf("planner type is required")
	}
	if c.Timelimit <= 0 {
		return fmt.Errorf("timelimit must be > 0, got %v", c.Timelimit)
	}
	if c.Range <= 0 || c.Threshold <= 0 {
		return fmt.Errorf("planner range and threshold must be > 0, got %v and %v", c.Range, c.Threshold)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be > 0, got %d", c.BufferSize)
	}
	if c.BatchSize <= 0 || c.BatchSize > c.BufferSize {
		return fmt.Errorf("batch size must be in [1, buffer size], got %d", c.BatchSize)
	}
	if c.MaxReuseData < 0 {
		return fmt.Errorf("max reuse data must be >= 0, got %d", c.MaxReuseData)
	}
	if c.ReuseData && c.MaxReuseData == 0 {
		return fmt.Errorf("reuse data enabled but max reuse data is 0")
	}
	if c.MaxMetaLen <= 0 {
		return fmt.Errorf("max meta len must be > 0, got %d", c.MaxMetaLen)
	}
	if c.NumBatches <= 0 {
		return fmt.Errorf("num batches must be > 0, got %d", c.NumBatches)
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be in (0, 1], got %v", c.Gamma)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be > 0, got %v", c.LearningRate)
	}
	if c.EntropyLossCoef < 0 {
		return fmt.Errorf("entropy loss coef must be >= 0, got %v", c.EntropyLossCoef)
	}
	switch c.MetaUpdateTarget {
	case TargetBoth, TargetHigh, TargetLow, TargetNone:
	default:
		return fmt.Errorf("meta update target must be both|high|low|none, got %q", c.MetaUpdateTarget)
	}
	switch c.InvalidTargetHandling {
	case OnFailureRelax, OnFailureAbort:
	default:
		return fmt.Errorf("invalid target handling must be relax|abort, got %q", c.InvalidTargetHandling)
	}
	if c.InvalidTargetHandling == OnFailureRelax {
		if c.RelaxAttempts <= 0 {
			return fmt.Errorf("relax attempts must be > 0 when relaxing, got %d", c.RelaxAttempts)
		}
		if c.RelaxGrowth <= 1 {
			return fmt.Errorf("relax growth must be > 1, got %v", c.RelaxGrowth)
		}
	}
	if c.MaxGlobalStep <= 0 {
		return fmt.Errorf("max global step must be > 0, got %d", c.MaxGlobalStep)
	}
	if c.RolloutLength <= 0 {
		return fmt.Errorf("rollout length must be > 0, got %d", c.RolloutLength)
	}
	if c.MaxEpisodeStep <= 0 {
		return fmt.Errorf("max episode step must be > 0, got %d", c.MaxEpisodeStep)
	}
	if c.StartSteps < 0 {
		return fmt.Errorf("start steps must be >= 0, got %d", c.StartSteps)
	}
	if c.EvaluateInterval <= 0 || c.NumEval <= 0 {
		return fmt.Errorf("evaluate interval and num eval must be > 0, got %d and %d", c.EvaluateInterval, c.NumEval)
	}
	if c.CkptInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be > 0, got %d", c.CkptInterval)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0, got %d", c.Workers)
	}
	if c.Tau <= 0 || c.Tau > 1 {
		return fmt.Errorf("tau must be in (0, 1], got %v", c.Tau)
	}
	return nil
}

// TargetsLow reports whether the low level gets target smoothing.
func (c Config) TargetsLow() bool {
	return c.MetaUpdateTarget == TargetBoth || c.MetaUpdateTarget == TargetLow
}

// TargetsHigh reports whether the high level gets target smoothing.
func (c Config) TargetsHigh() bool {
	return c.MetaUpdateTarget == TargetBoth || c.MetaUpdateTarget == TargetHigh
}

// ParseBool accepts Go booleans plus the launcher's literal "True" and
// "False" strings. Nothing past this boundary handles string booleans.
func ParseBool(s string) (bool, error) {
	switch strings.TrimSpace(s) {
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("not a boolean: %q", s)
	}
	return v, nil
}
