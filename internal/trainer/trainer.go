// Package trainer drives the hierarchical training loop: collect
// planner-guided rollouts, average gradients across workers, update
// both policy levels, and periodically evaluate and checkpoint.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"mopa/internal/config"
	"mopa/internal/ctxlog"
	"mopa/internal/env"
	"mopa/internal/model"
	"mopa/internal/planner"
	"mopa/internal/policy"
	"mopa/internal/replay"
	"mopa/internal/stats"
	"mopa/internal/storage"
	"mopa/internal/worker"
)

// Buffer is the replay surface the orchestrator needs from the
// low-level and meta buffers.
type Buffer interface {
	Insert(model.Transition)
	InsertEpisode(model.Episode)
	Size() int
	Sample(rng *rand.Rand, batchSize int) ([]model.Transition, error)
	SampleReuse(nearState []float64, k int) ([]model.Transition, error)
}

var _ Buffer = (*replay.Buffer)(nil)

// Params wires one worker's orchestrator. Every field except Store is
// required; a nil Store disables persistence.
type Params struct {
	Config     config.Config
	Env        env.Environment
	EvalEnv    env.Environment
	Geometry   env.Geometry
	Low        *policy.LowLevel
	High       *policy.HighLevel
	LowBuffer  Buffer
	MetaBuffer Buffer
	Planner    planner.Planner
	Store      storage.Store
	Collective worker.Collective
	Rng        *rand.Rand
}

// episode is the in-flight episode state carried across rollout
// boundaries, so rollouts can cut episodes mid-way. The id is assigned
// at reset and shared by every chunk the episode flushes.
type episode struct {
	id    string
	obs   []float64
	steps int
}

// Orchestrator runs the training loop for a single rank.
type Orchestrator struct {
	cfg   config.Config
	envr  env.Environment
	eval  env.Environment
	geom  env.Geometry
	low   *policy.LowLevel
	high  *policy.HighLevel
	lowB  Buffer
	metaB Buffer
	plan  planner.Planner
	store storage.Store
	coll  worker.Collective
	rng   *rand.Rand

	ep        *episode
	waypoints [][]float64
	subgoal   []float64

	globalStep int64
	updateIter int
	cycles     int
	lastEval   stats.Evaluation
	startedAt  time.Time
}

// New validates the wiring and builds an orchestrator.
func New(p Params) (*Orchestrator, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if p.Env == nil || p.EvalEnv == nil {
		return nil, errors.New("training and evaluation environments are required")
	}
	if p.Geometry == nil {
		return nil, errors.New("geometry is required")
	}
	if p.Low == nil || p.High == nil {
		return nil, errors.New("both policy levels are required")
	}
	if p.LowBuffer == nil || p.MetaBuffer == nil {
		return nil, errors.New("both replay buffers are required")
	}
	if p.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if p.Collective == nil {
		return nil, errors.New("collective is required")
	}
	if p.Rng == nil {
		return nil, errors.New("rng is required")
	}
	return &Orchestrator{
		cfg:   p.Config,
		envr:  p.Env,
		eval:  p.EvalEnv,
		geom:  p.Geometry,
		low:   p.Low,
		high:  p.High,
		lowB:  p.LowBuffer,
		metaB: p.MetaBuffer,
		plan:  p.Planner,
		store: p.Store,
		coll:  p.Collective,
		rng:   p.Rng,
	}, nil
}

// GlobalStep reports the cross-worker environment step count.
func (o *Orchestrator) GlobalStep() int64 { return o.globalStep }

// UpdateIter reports the completed update iterations.
func (o *Orchestrator) UpdateIter() int { return o.updateIter }

// Cycles reports the completed collection cycles.
func (o *Orchestrator) Cycles() int { return o.cycles }

// LastEvaluation reports the most recent evaluation summary.
func (o *Orchestrator) LastEvaluation() stats.Evaluation { return o.lastEval }

func (o *Orchestrator) chef() bool { return o.coll.Rank() == 0 }

// Run executes the training loop until the shared step count reaches
// the configured maximum.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := ctxlog.FromContext(ctx).With("rank", o.coll.Rank())
	o.startedAt = time.Now()

	if err := o.resume(ctx, log); err != nil {
		return err
	}
	if err := o.warmup(ctx); err != nil {
		return err
	}
	if o.chef() {
		log.Info("training started",
			"env", o.envr.Name(),
			"planner", o.plan.Name(),
			"workers", o.coll.Size(),
			"max_global_step", o.cfg.MaxGlobalStep)
	}

	for o.globalStep < o.cfg.MaxGlobalStep {
		if err := ctx.Err(); err != nil {
			return err
		}

		collected, err := o.collectRollout(ctx, o.cfg.RolloutLength)
		if err != nil {
			return fmt.Errorf("rollout: %w", err)
		}
		if err := o.coll.Barrier(ctx); err != nil {
			return fmt.Errorf("post-rollout barrier: %w", err)
		}

		steps := []float64{float64(collected)}
		if err := o.coll.AllReduceSum(ctx, steps); err != nil {
			return fmt.Errorf("step count reduce: %w", err)
		}
		o.globalStep += int64(steps[0])
		o.cycles++

		if err := o.updatePolicies(ctx, log); err != nil {
			return err
		}
		o.updateIter++

		if o.updateIter%o.cfg.EvaluateInterval == 0 {
			if err := o.runEvaluation(ctx, log); err != nil {
				return err
			}
		}
		if o.updateIter%o.cfg.CkptInterval == 0 {
			if err := o.checkpoint(ctx, log); err != nil {
				return err
			}
		}
	}

	if err := o.checkpoint(ctx, log); err != nil {
		return err
	}
	if err := o.finish(ctx, log); err != nil {
		return err
	}
	if o.chef() {
		log.Info("training finished",
			"global_step", o.globalStep,
			"cycles", o.cycles,
			"steps_per_sec", stats.Throughput(o.globalStep, time.Since(o.startedAt)))
	}
	return nil
}

// resume restores the latest checkpoint for this run. All ranks read
// the same record, so parameters stay synchronized.
func (o *Orchestrator) resume(ctx context.Context, log *slog.Logger) error {
	if o.store == nil || o.cfg.Debug || o.cfg.RunID == "" {
		return nil
	}
	ckpt, ok, err := o.store.LatestCheckpoint(ctx, o.cfg.RunID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return nil
	}
	if err := o.Restore(ckpt); err != nil {
		return err
	}
	if o.chef() {
		log.Info("resumed from checkpoint", "global_step", ckpt.GlobalStep, "update_iter", ckpt.UpdateIter)
	}
	return nil
}

// Restore installs a checkpoint's parameters and progress counters.
func (o *Orchestrator) Restore(ckpt model.Checkpoint) error {
	if err := o.low.SetParams(ckpt.LowLevelParams); err != nil {
		return fmt.Errorf("restore low-level params: %w", err)
	}
	if err := o.high.SetParams(ckpt.HighLevelParams); err != nil {
		return fmt.Errorf("restore high-level params: %w", err)
	}
	o.globalStep = ckpt.GlobalStep
	o.updateIter = ckpt.UpdateIter
	return nil
}

// warmup takes start-steps uniform random transitions to seed the
// low-level buffer before any gradient step. The count is of steps
// taken, not buffer size, which plateaus at capacity. Warmup steps do
// not advance the global step count.
func (o *Orchestrator) warmup(ctx context.Context) error {
	for taken := 0; taken < o.cfg.StartSteps; taken++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.ep == nil {
			o.ep = &episode{id: uuid.NewString(), obs: o.envr.Reset(o.rng)}
		}
		action := o.randomAction()
		next, reward, done := o.envr.Step(action)
		o.lowB.Insert(model.Transition{
			State:     o.ep.obs,
			Action:    action,
			Reward:    reward,
			NextState: next,
			Done:      done,
		})
		o.ep.obs = next
		o.ep.steps++
		if done || o.ep.steps >= o.cfg.MaxEpisodeStep {
			o.ep = nil
		}
	}
	// Training episodes start fresh after warmup.
	o.ep = nil
	return nil
}

// collectRollout advances the training environment by n low-level
// steps, feeding the high-level state machine and the meta buffer.
// Low-level transitions are batched per episode: each chunk carries
// the episode id assigned at reset, and a chunk is flushed when its
// episode ends or the rollout does, before any update touches the
// buffer. An episode cut mid-rollout continues under the same id in
// the next rollout's first chunk.
func (o *Orchestrator) collectRollout(ctx context.Context, n int) (int, error) {
	var chunk model.Episode
	flush := func() {
		if len(chunk.Transitions) > 0 {
			o.lowB.InsertEpisode(chunk)
		}
		chunk = model.Episode{}
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if o.ep == nil {
			o.ep = &episode{id: uuid.NewString(), obs: o.envr.Reset(o.rng)}
		}
		if chunk.ID != o.ep.id {
			flush()
			chunk.ID = o.ep.id
		}

		if o.high.Phase() == model.AwaitingSubgoal {
			if err := o.startMetaStep(ctx); err != nil {
				return i, err
			}
		}

		var action []float64
		var waypoint []float64
		switch {
		case len(o.waypoints) > 0:
			waypoint = o.waypoints[0]
		case o.subgoal != nil:
			waypoint = o.subgoal
		}
		if waypoint != nil {
			action = o.low.Act(o.ep.obs, waypoint, false)
		} else {
			// No usable plan: explore.
			action = o.randomAction()
		}

		next, reward, done := o.envr.Step(action)
		episodeDone := done || o.ep.steps+1 >= o.cfg.MaxEpisodeStep

		chunk.Transitions = append(chunk.Transitions, model.Transition{
			State:     o.ep.obs,
			Action:    action,
			Reward:    reward,
			NextState: next,
			Done:      done,
			Subgoal:   waypoint,
		})
		chunk.Return += reward

		if o.high.Phase() == model.SubgoalActive {
			achieved := stateDistance(next, o.subgoal) <= o.cfg.Threshold
			if err := o.high.ObserveStep(reward, achieved, episodeDone); err != nil {
				return i, err
			}
			if len(o.waypoints) > 0 && stateDistance(next, o.waypoints[0]) <= o.cfg.Threshold {
				o.waypoints = o.waypoints[1:]
			}
			phase := o.high.Phase()
			if phase == model.SubgoalExpired || phase == model.SubgoalAchieved {
				tr, err := o.high.FinishMeta(next, done)
				if err != nil {
					return i, err
				}
				o.metaB.Insert(tr)
				o.waypoints = nil
				o.subgoal = nil
			}
		}

		o.ep.obs = next
		o.ep.steps++
		if episodeDone {
			chunk.Success = o.envr.Success()
			o.ep = nil
			o.resetMeta()
		}
	}
	flush()
	return n, nil
}

// startMetaStep selects a subgoal and plans toward it. A colliding
// target or an exhausted search falls back per configuration: relax is
// handled inside the planner, abort discards the meta-step so this
// rollout step explores randomly.
func (o *Orchestrator) startMetaStep(ctx context.Context) error {
	sg, err := o.high.SelectSubgoal(o.ep.obs, false)
	if err != nil {
		return err
	}

	if o.cfg.FindCollisionFree && !o.geom.StateFree(sg.Target) {
		o.high.Abort()
		o.waypoints = nil
		o.subgoal = nil
		return nil
	}

	path, err := o.plan.Plan(ctx, o.ep.obs, sg.Target)
	if err != nil {
		if errors.Is(err, planner.ErrPlanningFailure) {
			o.high.Abort()
			o.waypoints = nil
			o.subgoal = nil
			return nil
		}
		return err
	}

	o.subgoal = sg.Target
	if path.Len() == 0 {
		// Start already within threshold: track the target directly.
		o.waypoints = [][]float64{sg.Target}
		return nil
	}
	o.waypoints = path.Waypoints[1:]
	return nil
}

func (o *Orchestrator) resetMeta() {
	if o.high.Phase() != model.AwaitingSubgoal {
		o.high.Abort()
	}
	o.waypoints = nil
	o.subgoal = nil
}

// updatePolicies performs the configured number of gradient batches per
// level, averaging gradients across workers. Every rank executes the
// same collective sequence: a readiness vote, then the gradient reduce
// only when every rank has enough data.
func (o *Orchestrator) updatePolicies(ctx context.Context, log *slog.Logger) error {
	for batch := 0; batch < o.cfg.NumBatches; batch++ {
		if err := o.updateLow(ctx, log); err != nil {
			return err
		}
		if err := o.updateHigh(ctx, log); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) updateLow(ctx context.Context, log *slog.Logger) error {
	batch, err := o.lowB.Sample(o.rng, o.cfg.BatchSize)
	ready := err == nil
	if err != nil && !errors.Is(err, replay.ErrEmptyBuffer) {
		return fmt.Errorf("low-level sample: %w", err)
	}

	all, err := o.allReady(ctx, ready)
	if err != nil {
		return err
	}
	if !all {
		return nil
	}

	if o.cfg.ReuseData {
		near := o.currentState()
		if near != nil {
			reuse, err := o.lowB.SampleReuse(near, o.cfg.MaxReuseData)
			if err == nil {
				batch = append(batch, reuse...)
			} else if !errors.Is(err, replay.ErrEmptyBuffer) {
				return fmt.Errorf("reuse sample: %w", err)
			}
		}
	}

	grad, us, err := o.low.ComputeGradients(batch)
	if err != nil {
		return fmt.Errorf("low-level gradients: %w", err)
	}
	if err := o.coll.AllReduceSum(ctx, grad); err != nil {
		return fmt.Errorf("low-level gradient reduce: %w", err)
	}
	floats.Scale(1/float64(o.coll.Size()), grad)
	if err := o.low.ApplyGradients(grad); err != nil {
		return fmt.Errorf("low-level apply: %w", err)
	}
	if o.chef() {
		log.Debug("low-level update", "critic_loss", us.CriticLoss, "actor_loss", us.ActorLoss)
	}
	return nil
}

func (o *Orchestrator) updateHigh(ctx context.Context, log *slog.Logger) error {
	// Meta transitions accrue slowly, so the high level trains on
	// whatever is available rather than waiting for a full batch.
	want := min(o.cfg.BatchSize, o.metaB.Size())
	ready := want > 0

	var batch []model.Transition
	if ready {
		var err error
		batch, err = o.metaB.Sample(o.rng, want)
		if err != nil {
			if !errors.Is(err, replay.ErrEmptyBuffer) {
				return fmt.Errorf("high-level sample: %w", err)
			}
			ready = false
		}
	}

	all, err := o.allReady(ctx, ready)
	if err != nil {
		return err
	}
	if !all {
		return nil
	}

	grad, us, err := o.high.ComputeGradients(batch)
	if err != nil {
		return fmt.Errorf("high-level gradients: %w", err)
	}
	if err := o.coll.AllReduceSum(ctx, grad); err != nil {
		return fmt.Errorf("high-level gradient reduce: %w", err)
	}
	floats.Scale(1/float64(o.coll.Size()), grad)
	if err := o.high.ApplyGradients(grad); err != nil {
		return fmt.Errorf("high-level apply: %w", err)
	}
	if o.chef() {
		log.Debug("high-level update", "critic_loss", us.CriticLoss, "actor_loss", us.ActorLoss)
	}
	return nil
}

// allReady votes across ranks on whether a data-dependent collective
// sequence can run. Skipping must be unanimous or the collective call
// counts would diverge.
func (o *Orchestrator) allReady(ctx context.Context, ready bool) (bool, error) {
	vote := []float64{0}
	if ready {
		vote[0] = 1
	}
	if err := o.coll.AllReduceSum(ctx, vote); err != nil {
		return false, fmt.Errorf("readiness vote: %w", err)
	}
	return vote[0] == float64(o.coll.Size()), nil
}

// runEvaluation evaluates on rank 0 only; evaluation has no collective
// calls, so other ranks proceed to the next rollout and wait at its
// barrier.
func (o *Orchestrator) runEvaluation(ctx context.Context, log *slog.Logger) error {
	if !o.chef() {
		return nil
	}
	eval, err := o.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	o.lastEval = eval
	log.Info("evaluation",
		"global_step", o.globalStep,
		"update_iter", o.updateIter,
		"mean_return", eval.MeanReturn,
		"std_return", eval.StdReturn,
		"success_rate", eval.SuccessRate,
		"mean_steps", eval.MeanSteps)
	return nil
}

// Evaluate runs the configured number of evaluation episodes on the
// evaluation environment. Actions are deterministic unless stochastic
// evaluation is configured. The training episode and any active
// meta-step are discarded first so the shared state machine is free.
func (o *Orchestrator) Evaluate(ctx context.Context) (stats.Evaluation, error) {
	o.ep = nil
	o.resetMeta()
	deterministic := !o.cfg.StochasticEval

	results := make([]stats.EpisodeResult, 0, o.cfg.NumEval)
	for i := 0; i < o.cfg.NumEval; i++ {
		res, err := o.evalEpisode(ctx, deterministic)
		if err != nil {
			return stats.Evaluation{}, err
		}
		results = append(results, res)
	}
	return stats.Summarize(results)
}

func (o *Orchestrator) evalEpisode(ctx context.Context, deterministic bool) (stats.EpisodeResult, error) {
	obs := o.eval.Reset(o.rng)
	var (
		ret       float64
		steps     int
		subgoal   []float64
		waypoints [][]float64
	)
	defer o.resetMeta()

	for steps < o.cfg.MaxEpisodeStep {
		if err := ctx.Err(); err != nil {
			return stats.EpisodeResult{}, err
		}

		if o.high.Phase() == model.AwaitingSubgoal {
			sg, err := o.high.SelectSubgoal(obs, deterministic)
			if err != nil {
				return stats.EpisodeResult{}, err
			}
			subgoal = sg.Target
			path, err := o.plan.Plan(ctx, obs, sg.Target)
			switch {
			case err == nil && path.Len() > 0:
				waypoints = path.Waypoints[1:]
			case err == nil || errors.Is(err, planner.ErrPlanningFailure):
				waypoints = [][]float64{sg.Target}
			default:
				return stats.EpisodeResult{}, err
			}
		}

		waypoint := subgoal
		if len(waypoints) > 0 {
			waypoint = waypoints[0]
		}
		action := o.low.Act(obs, waypoint, deterministic)
		next, reward, done := o.eval.Step(action)
		ret += reward
		steps++
		episodeDone := done || steps >= o.cfg.MaxEpisodeStep

		achieved := stateDistance(next, subgoal) <= o.cfg.Threshold
		if err := o.high.ObserveStep(reward, achieved, episodeDone); err != nil {
			return stats.EpisodeResult{}, err
		}
		if len(waypoints) > 0 && stateDistance(next, waypoints[0]) <= o.cfg.Threshold {
			waypoints = waypoints[1:]
		}
		phase := o.high.Phase()
		if phase == model.SubgoalExpired || phase == model.SubgoalAchieved {
			if _, err := o.high.FinishMeta(next, done); err != nil {
				return stats.EpisodeResult{}, err
			}
			waypoints = nil
			subgoal = nil
		}

		obs = next
		if done {
			break
		}
	}
	return stats.EpisodeResult{Return: ret, Steps: steps, Success: o.eval.Success()}, nil
}

// checkpoint persists the current run snapshot from rank 0.
func (o *Orchestrator) checkpoint(ctx context.Context, log *slog.Logger) error {
	if o.store == nil || o.cfg.Debug || !o.chef() {
		return nil
	}
	ckpt := model.Checkpoint{
		VersionedRecord: storage.Stamp(),
		RunID:           o.cfg.RunID,
		GlobalStep:      o.globalStep,
		UpdateIter:      o.updateIter,
		LowLevelParams:  o.low.Params(),
		HighLevelParams: o.high.Params(),
		CreatedAtMs:     time.Now().UnixMilli(),
	}
	if err := o.store.SaveCheckpoint(ctx, ckpt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	log.Debug("checkpoint saved", "global_step", o.globalStep, "update_iter", o.updateIter)
	return nil
}

// finish runs a closing evaluation and persists the run summary.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger) error {
	if !o.chef() {
		return nil
	}
	eval, err := o.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("final evaluation: %w", err)
	}
	o.lastEval = eval

	if o.store == nil || o.cfg.Debug {
		return nil
	}
	summary := model.RunSummary{
		VersionedRecord: storage.Stamp(),
		RunID:           o.cfg.RunID,
		Env:             o.envr.Name(),
		GlobalStep:      o.globalStep,
		UpdateIter:      o.updateIter,
		Cycles:          o.cycles,
		MeanReturn:      eval.MeanReturn,
		StdReturn:       eval.StdReturn,
		SuccessRate:     eval.SuccessRate,
		StepsPerSec:     stats.Throughput(o.globalStep, time.Since(o.startedAt)),
		Workers:         o.coll.Size(),
	}
	if err := o.store.SaveRunSummary(ctx, summary); err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	log.Debug("run summary saved", "run_id", o.cfg.RunID)
	return nil
}

// currentState is the most recent observation, used as the reuse query
// point.
func (o *Orchestrator) currentState() []float64 {
	if o.ep != nil {
		return o.ep.obs
	}
	return nil
}

func (o *Orchestrator) randomAction() []float64 {
	action := make([]float64, o.envr.ActionSize())
	r := o.envr.ActionRange()
	for i := range action {
		action[i] = (2*o.rng.Float64() - 1) * r
	}
	return action
}

func stateDistance(a, b []float64) float64 {
	if a == nil || b == nil {
		return 0
	}
	return floats.Distance(a, b, 2)
}
