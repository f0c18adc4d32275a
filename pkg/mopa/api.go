// Package mopa is the public surface for motion-planner-augmented
// hierarchical training: configure a run, drive it across workers, and
// inspect its persisted artifacts.
package mopa

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"mopa/internal/config"
	"mopa/internal/env"
	"mopa/internal/planner"
	"mopa/internal/policy"
	"mopa/internal/replay"
	"mopa/internal/stats"
	"mopa/internal/storage"
	"mopa/internal/trainer"
	"mopa/internal/worker"
)

const (
	defaultDBPath       = "mopa.db"
	defaultSubgoalRange = 2.0
)

type Options struct {
	StoreKind string
	DBPath    string
}

type Client struct {
	store storage.Store
}

type RunRequest struct {
	Config config.Config
	// RunID resumes an existing run when set; otherwise a fresh id is
	// generated.
	RunID string
}

type RunSummary struct {
	RunID       string
	Env         string
	GlobalStep  int64
	UpdateIter  int
	Cycles      int
	Workers     int
	MeanReturn  float64
	StdReturn   float64
	SuccessRate float64
	StepsPerSec float64
}

type EvaluateRequest struct {
	Config config.Config
	// RunID selects the checkpoint to evaluate; empty evaluates a
	// fresh, untrained policy pair.
	RunID    string
	Episodes int
}

type EvaluateSummary struct {
	Episodes    int
	MeanReturn  float64
	StdReturn   float64
	MinReturn   float64
	MaxReturn   float64
	MeanSteps   float64
	SuccessRate float64
}

type PlanRequest struct {
	Env           string
	Planner       string
	Start         []float64
	Goal          []float64
	Range         float64
	Threshold     float64
	Timelimit     time.Duration
	RelaxAttempts int
	RelaxGrowth   float64
	Seed          int64
}

type PlanSummary struct {
	Waypoints [][]float64
	Segments  int
	Cost      float64
}

type CheckpointsRequest struct {
	RunID string
}

type CheckpointItem struct {
	GlobalStep   int64
	UpdateIter   int
	CreatedAtUTC string
}

func New(opts Options) (*Client, error) {
	kind := opts.StoreKind
	if kind == "" {
		kind = "memory"
	}
	path := opts.DBPath
	if path == "" {
		path = defaultDBPath
	}

	store, err := storage.NewStore(kind, path)
	if err != nil {
		return nil, err
	}
	return &Client{store: store}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Run trains until the configured global step budget is exhausted and
// returns the closing evaluation.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	cfg.RunID = req.RunID
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}
	if err := c.store.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	started := time.Now()
	orchs := make([]*trainer.Orchestrator, cfg.Workers)
	var mu sync.Mutex
	coord, err := worker.NewCoordinator(cfg.Workers, func(ctx context.Context, rank int, coll worker.Collective) error {
		o, err := c.buildOrchestrator(cfg, coll, rank)
		if err != nil {
			return err
		}
		mu.Lock()
		orchs[rank] = o
		mu.Unlock()
		return o.Run(ctx)
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := coord.Run(ctx); err != nil {
		return RunSummary{}, err
	}

	chief := orchs[0]
	eval := chief.LastEvaluation()
	return RunSummary{
		RunID:       cfg.RunID,
		Env:         cfg.Env,
		GlobalStep:  chief.GlobalStep(),
		UpdateIter:  chief.UpdateIter(),
		Cycles:      chief.Cycles(),
		Workers:     cfg.Workers,
		MeanReturn:  eval.MeanReturn,
		StdReturn:   eval.StdReturn,
		SuccessRate: eval.SuccessRate,
		StepsPerSec: stats.Throughput(chief.GlobalStep(), time.Since(started)),
	}, nil
}

// Evaluate rolls out the policy pair for a checkpointed run without
// training.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateSummary, error) {
	cfg := req.Config
	cfg.RunID = req.RunID
	if req.Episodes > 0 {
		cfg.NumEval = req.Episodes
	}
	if err := cfg.Validate(); err != nil {
		return EvaluateSummary{}, err
	}
	if err := c.store.Init(ctx); err != nil {
		return EvaluateSummary{}, err
	}

	o, err := c.buildOrchestrator(cfg, worker.NopCollective{}, 0)
	if err != nil {
		return EvaluateSummary{}, err
	}
	if req.RunID != "" {
		if err := restoreLatest(ctx, c.store, req.RunID, o); err != nil {
			return EvaluateSummary{}, err
		}
	}

	eval, err := o.Evaluate(ctx)
	if err != nil {
		return EvaluateSummary{}, err
	}
	return EvaluateSummary{
		Episodes:    eval.Episodes,
		MeanReturn:  eval.MeanReturn,
		StdReturn:   eval.StdReturn,
		MinReturn:   eval.MinReturn,
		MaxReturn:   eval.MaxReturn,
		MeanSteps:   eval.MeanSteps,
		SuccessRate: eval.SuccessRate,
	}, nil
}

// Plan runs a single motion-planning query against a registered
// environment's geometry.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (PlanSummary, error) {
	if req.Planner == "" {
		req.Planner = "rrt"
	}
	if req.Range <= 0 {
		req.Range = 0.5
	}
	if req.Threshold <= 0 {
		req.Threshold = 0.4
	}
	if req.Timelimit <= 0 {
		req.Timelimit = 2 * time.Second
	}

	e, err := env.New(req.Env)
	if err != nil {
		return PlanSummary{}, err
	}
	geom, ok := e.(env.Geometry)
	if !ok {
		return PlanSummary{}, fmt.Errorf("environment %s does not expose geometry", req.Env)
	}

	p, err := planner.NewRelaxer(req.Planner, geom, planner.Options{
		Range:     req.Range,
		Threshold: req.Threshold,
		Timelimit: req.Timelimit,
		Seed:      req.Seed,
	}, req.RelaxAttempts, req.RelaxGrowth)
	if err != nil {
		return PlanSummary{}, err
	}

	path, err := p.Plan(ctx, req.Start, req.Goal)
	if err != nil {
		return PlanSummary{}, err
	}
	return PlanSummary{Waypoints: path.Waypoints, Segments: path.Len(), Cost: path.Cost}, nil
}

// Checkpoints lists the persisted checkpoints of a run, oldest first.
func (c *Client) Checkpoints(ctx context.Context, req CheckpointsRequest) ([]CheckpointItem, error) {
	if req.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	ckpts, err := c.store.ListCheckpoints(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	items := make([]CheckpointItem, 0, len(ckpts))
	for _, ckpt := range ckpts {
		items = append(items, CheckpointItem{
			GlobalStep:   ckpt.GlobalStep,
			UpdateIter:   ckpt.UpdateIter,
			CreatedAtUTC: time.UnixMilli(ckpt.CreatedAtMs).UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

// Summary fetches the persisted end-of-run report.
func (c *Client) Summary(ctx context.Context, runID string) (RunSummary, bool, error) {
	if err := c.store.Init(ctx); err != nil {
		return RunSummary{}, false, err
	}
	rec, ok, err := c.store.GetRunSummary(ctx, runID)
	if err != nil || !ok {
		return RunSummary{}, ok, err
	}
	return RunSummary{
		RunID:       rec.RunID,
		Env:         rec.Env,
		GlobalStep:  rec.GlobalStep,
		UpdateIter:  rec.UpdateIter,
		Cycles:      rec.Cycles,
		Workers:     rec.Workers,
		MeanReturn:  rec.MeanReturn,
		StdReturn:   rec.StdReturn,
		SuccessRate: rec.SuccessRate,
		StepsPerSec: rec.StepsPerSec,
	}, true, nil
}

// Environments lists the registered environment names.
func (c *Client) Environments() []string { return env.Names() }

// Planners lists the registered planner names.
func (c *Client) Planners() []string { return planner.Names() }

// buildOrchestrator assembles one rank's full training stack.
func (c *Client) buildOrchestrator(cfg config.Config, coll worker.Collective, rank int) (*trainer.Orchestrator, error) {
	trainEnv, err := env.New(cfg.Env)
	if err != nil {
		return nil, err
	}
	evalEnv, err := env.New(cfg.Env)
	if err != nil {
		return nil, err
	}
	geom, ok := trainEnv.(env.Geometry)
	if !ok {
		return nil, fmt.Errorf("environment %s does not expose geometry", cfg.Env)
	}

	seed := cfg.Seed + int64(rank)*1009

	low, err := policy.NewLowLevel(policy.LowLevelConfig{
		ObsSize:         trainEnv.ObservationSize(),
		ActionSize:      trainEnv.ActionSize(),
		ActionRange:     trainEnv.ActionRange(),
		Gamma:           cfg.Gamma,
		LearningRate:    cfg.LearningRate,
		Tau:             cfg.Tau,
		EntropyCoef:     cfg.EntropyLossCoef,
		TargetSmoothing: cfg.TargetsLow(),
		Seed:            seed,
	})
	if err != nil {
		return nil, err
	}
	high, err := policy.NewHighLevel(policy.HighLevelConfig{
		ObsSize:         trainEnv.ObservationSize(),
		SubgoalRange:    defaultSubgoalRange,
		MaxMetaLen:      cfg.MaxMetaLen,
		Gamma:           cfg.Gamma,
		LearningRate:    cfg.LearningRate,
		Tau:             cfg.Tau,
		EntropyCoef:     cfg.EntropyLossCoef,
		SMDPUpdate:      cfg.UseSMDPUpdate,
		DiscountMeta:    cfg.UseDiscountMeta,
		SubgoalRew:      cfg.MetaSubgoalRew,
		TargetSmoothing: cfg.TargetsHigh(),
		Seed:            seed + 1,
	})
	if err != nil {
		return nil, err
	}

	reuseLimit := 0
	if cfg.ReuseData {
		reuseLimit = cfg.MaxReuseData
	}
	lowBuf, err := replay.NewBuffer(cfg.BufferSize, reuseLimit)
	if err != nil {
		return nil, err
	}
	metaBuf, err := replay.NewBuffer(cfg.BufferSize, 0)
	if err != nil {
		return nil, err
	}

	relaxAttempts := 0
	relaxGrowth := 0.0
	if cfg.InvalidTargetHandling == config.OnFailureRelax {
		relaxAttempts = cfg.RelaxAttempts
		relaxGrowth = cfg.RelaxGrowth
	}
	pl, err := planner.NewRelaxer(cfg.PlannerType, geom, planner.Options{
		Range:     cfg.Range,
		Threshold: cfg.Threshold,
		Timelimit: cfg.Timelimit,
		Seed:      seed,
	}, relaxAttempts, relaxGrowth)
	if err != nil {
		return nil, err
	}

	return trainer.New(trainer.Params{
		Config:     cfg,
		Env:        trainEnv,
		EvalEnv:    evalEnv,
		Geometry:   geom,
		Low:        low,
		High:       high,
		LowBuffer:  lowBuf,
		MetaBuffer: metaBuf,
		Planner:    pl,
		Store:      c.store,
		Collective: coll,
		Rng:        rand.New(rand.NewSource(seed)),
	})
}

// restoreLatest installs a run's latest checkpoint into an
// orchestrator's policies via a throwaway resume pass.
func restoreLatest(ctx context.Context, store storage.Store, runID string, o *trainer.Orchestrator) error {
	ckpt, ok, err := store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no checkpoint for run %s", runID)
	}
	return o.Restore(ckpt)
}
