package trainer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"mopa/internal/config"
	"mopa/internal/env"
	"mopa/internal/model"
	"mopa/internal/planner"
	"mopa/internal/policy"
	"mopa/internal/replay"
	"mopa/internal/storage"
	"mopa/internal/worker"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RunID = "test-run"
	cfg.Env = "nav2d"
	cfg.PlannerType = "straight"
	cfg.Timelimit = 100 * time.Millisecond
	cfg.InvalidTargetHandling = config.OnFailureAbort
	cfg.BufferSize = 5000
	cfg.BatchSize = 32
	cfg.StartSteps = 100
	cfg.NumBatches = 1
	cfg.MaxMetaLen = 5
	cfg.RolloutLength = 50
	cfg.MaxEpisodeStep = 100
	cfg.MaxGlobalStep = 1000
	cfg.EvaluateInterval = 1000
	cfg.CkptInterval = 1000
	cfg.NumEval = 2
	return cfg
}

func buildParams(t *testing.T, cfg config.Config, store storage.Store, coll worker.Collective, seed int64) Params {
	t.Helper()

	e, err := env.New(cfg.Env)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	evalEnv, err := env.New(cfg.Env)
	if err != nil {
		t.Fatalf("eval env: %v", err)
	}
	geom, ok := e.(env.Geometry)
	if !ok {
		t.Fatalf("env %s has no geometry", cfg.Env)
	}
	return buildParamsWith(t, cfg, e, evalEnv, geom, store, coll, seed)
}

func buildParamsWith(t *testing.T, cfg config.Config, e, evalEnv env.Environment, geom env.Geometry, store storage.Store, coll worker.Collective, seed int64) Params {
	t.Helper()

	low, err := policy.NewLowLevel(policy.LowLevelConfig{
		ObsSize:         e.ObservationSize(),
		ActionSize:      e.ActionSize(),
		ActionRange:     e.ActionRange(),
		Gamma:           cfg.Gamma,
		LearningRate:    cfg.LearningRate,
		Tau:             cfg.Tau,
		EntropyCoef:     cfg.EntropyLossCoef,
		TargetSmoothing: cfg.TargetsLow(),
		Seed:            seed,
	})
	if err != nil {
		t.Fatalf("low-level policy: %v", err)
	}
	high, err := policy.NewHighLevel(policy.HighLevelConfig{
		ObsSize:         e.ObservationSize(),
		SubgoalRange:    2,
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
		t.Fatalf("high-level policy: %v", err)
	}

	reuseLimit := 0
	if cfg.ReuseData {
		reuseLimit = cfg.MaxReuseData
	}
	lowBuf, err := replay.NewBuffer(cfg.BufferSize, reuseLimit)
	if err != nil {
		t.Fatalf("low buffer: %v", err)
	}
	metaBuf, err := replay.NewBuffer(cfg.BufferSize, 0)
	if err != nil {
		t.Fatalf("meta buffer: %v", err)
	}

	pl, err := planner.NewRelaxer(cfg.PlannerType, geom, planner.Options{
		Range:     cfg.Range,
		Threshold: cfg.Threshold,
		Timelimit: cfg.Timelimit,
		Seed:      seed,
	}, 0, 0)
	if err != nil {
		t.Fatalf("planner: %v", err)
	}

	return Params{
		Config:     cfg,
		Env:        e,
		EvalEnv:    evalEnv,
		Geometry:   geom,
		Low:        low,
		High:       high,
		LowBuffer:  lowBuf,
		MetaBuffer: metaBuf,
		Planner:    pl,
		Store:      store,
		Collective: coll,
		Rng:        rand.New(rand.NewSource(seed)),
	}
}

func TestRunCompletesConfiguredSteps(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}

	o, err := New(buildParams(t, cfg, store, worker.NopCollective{}, 1))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if o.GlobalStep() < cfg.MaxGlobalStep {
		t.Fatalf("global step = %d, want >= %d", o.GlobalStep(), cfg.MaxGlobalStep)
	}
	wantCycles := int(cfg.MaxGlobalStep) / cfg.RolloutLength
	if o.Cycles() != wantCycles {
		t.Fatalf("cycles = %d, want %d", o.Cycles(), wantCycles)
	}
	if o.UpdateIter() != wantCycles {
		t.Fatalf("update iter = %d, want %d", o.UpdateIter(), wantCycles)
	}

	ckpt, ok, err := store.LatestCheckpoint(context.Background(), cfg.RunID)
	if err != nil || !ok {
		t.Fatalf("final checkpoint: ok=%v err=%v", ok, err)
	}
	if ckpt.GlobalStep != o.GlobalStep() {
		t.Fatalf("checkpoint step = %d, want %d", ckpt.GlobalStep, o.GlobalStep())
	}
	if _, ok, err := store.GetRunSummary(context.Background(), cfg.RunID); err != nil || !ok {
		t.Fatalf("run summary: ok=%v err=%v", ok, err)
	}
}

func TestDebugModeSkipsPersistence(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	cfg.MaxGlobalStep = 100
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}

	o, err := New(buildParams(t, cfg, store, worker.NopCollective{}, 2))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, ok, _ := store.LatestCheckpoint(context.Background(), cfg.RunID); ok {
		t.Fatal("debug run saved a checkpoint")
	}
	if _, ok, _ := store.GetRunSummary(context.Background(), cfg.RunID); ok {
		t.Fatal("debug run saved a summary")
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}

	params := buildParams(t, cfg, store, worker.NopCollective{}, 3)
	ckpt := model.Checkpoint{
		VersionedRecord: storage.Stamp(),
		RunID:           cfg.RunID,
		GlobalStep:      cfg.MaxGlobalStep,
		UpdateIter:      7,
		LowLevelParams:  params.Low.Params(),
		HighLevelParams: params.High.Params(),
	}
	if err := store.SaveCheckpoint(context.Background(), ckpt); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	o, err := New(params)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The restored step count already satisfies the budget.
	if o.Cycles() != 0 {
		t.Fatalf("cycles after resume = %d, want 0", o.Cycles())
	}
	if o.GlobalStep() != cfg.MaxGlobalStep {
		t.Fatalf("global step = %d, want %d", o.GlobalStep(), cfg.MaxGlobalStep)
	}
	if o.UpdateIter() != 7 {
		t.Fatalf("update iter = %d, want 7", o.UpdateIter())
	}
}

func TestEvaluate(t *testing.T) {
	cfg := testConfig()
	o, err := New(buildParams(t, cfg, nil, worker.NopCollective{}, 4))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	eval, err := o.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Episodes != cfg.NumEval {
		t.Fatalf("episodes = %d, want %d", eval.Episodes, cfg.NumEval)
	}
	if eval.MeanSteps <= 0 || eval.MeanSteps > float64(cfg.MaxEpisodeStep) {
		t.Fatalf("mean steps = %v, want in (0, %d]", eval.MeanSteps, cfg.MaxEpisodeStep)
	}
}

func TestWarmupCompletesWhenStartStepsExceedBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 50
	cfg.StartSteps = 100
	cfg.MaxGlobalStep = 100

	// Buffer size plateaus at capacity, so warmup must count steps
	// taken. A hang here trips the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o, err := New(buildParams(t, cfg, nil, worker.NopCollective{}, 6))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.GlobalStep() < cfg.MaxGlobalStep {
		t.Fatalf("global step = %d, want >= %d", o.GlobalStep(), cfg.MaxGlobalStep)
	}
	if o.lowB.Size() != cfg.BufferSize {
		t.Fatalf("buffer size = %d, want capacity %d", o.lowB.Size(), cfg.BufferSize)
	}
}

// recordingBuffer captures flushed episode chunks before storing them.
type recordingBuffer struct {
	*replay.Buffer
	episodes []model.Episode
}

func (b *recordingBuffer) InsertEpisode(ep model.Episode) {
	b.episodes = append(b.episodes, ep)
	b.Buffer.InsertEpisode(ep)
}

func TestRolloutChunksSplitPerEpisode(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEpisodeStep = 4

	params := buildParams(t, cfg, nil, worker.NopCollective{}, 7)
	rec := &recordingBuffer{Buffer: params.LowBuffer.(*replay.Buffer)}
	params.LowBuffer = rec

	o, err := New(params)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	// 10 steps with 4-step episodes: two full episodes plus a cut one.
	if _, err := o.collectRollout(context.Background(), 10); err != nil {
		t.Fatalf("rollout: %v", err)
	}
	if len(rec.episodes) != 3 {
		t.Fatalf("flushed %d chunks, want 3", len(rec.episodes))
	}
	for i, want := range []int{4, 4, 2} {
		if got := len(rec.episodes[i].Transitions); got != want {
			t.Fatalf("chunk %d holds %d transitions, want %d", i, got, want)
		}
		if rec.episodes[i].ID == "" {
			t.Fatalf("chunk %d has no episode id", i)
		}
	}
	if rec.episodes[0].ID == rec.episodes[1].ID || rec.episodes[1].ID == rec.episodes[2].ID {
		t.Fatal("chunks from different episodes share an id")
	}

	// The cut episode continues under the same id in the next rollout.
	carried := rec.episodes[2].ID
	rec.episodes = rec.episodes[:0]
	if _, err := o.collectRollout(context.Background(), 10); err != nil {
		t.Fatalf("second rollout: %v", err)
	}
	if len(rec.episodes) != 3 {
		t.Fatalf("flushed %d chunks, want 3", len(rec.episodes))
	}
	if rec.episodes[0].ID != carried {
		t.Fatal("cut episode resumed under a new id")
	}
	if got := len(rec.episodes[0].Transitions); got != 2 {
		t.Fatalf("resumed chunk holds %d transitions, want 2", got)
	}
}

// nanRewardEnv drives the training loss non-finite.
type nanRewardEnv struct {
	obs []float64
}

func (e *nanRewardEnv) Name() string { return "nan-reward" }

func (e *nanRewardEnv) Reset(*rand.Rand) []float64 {
	e.obs = []float64{1, 1}
	return append([]float64(nil), e.obs...)
}

func (e *nanRewardEnv) Step(action []float64) ([]float64, float64, bool) {
	next := append([]float64(nil), e.obs...)
	for i := range next {
		next[i] += action[i] * 0.1
	}
	e.obs = next
	return next, math.NaN(), false
}

func (e *nanRewardEnv) ObservationSize() int { return 2 }
func (e *nanRewardEnv) ActionSize() int      { return 2 }
func (e *nanRewardEnv) ActionRange() float64 { return 1 }
func (e *nanRewardEnv) Success() bool        { return false }

func (e *nanRewardEnv) StateBounds() (lo, hi []float64) {
	return []float64{0, 0}, []float64{10, 10}
}
func (e *nanRewardEnv) StateFree([]float64) bool        { return true }
func (e *nanRewardEnv) SegmentFree(_, _ []float64) bool { return true }
func (e *nanRewardEnv) SampleState(rng *rand.Rand) []float64 {
	return []float64{rng.Float64() * 10, rng.Float64() * 10}
}

func TestDivergenceIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGlobalStep = 200
	e := &nanRewardEnv{}
	evalEnv := &nanRewardEnv{}

	o, err := New(buildParamsWith(t, cfg, e, evalEnv, e, nil, worker.NopCollective{}, 5))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	err = o.Run(context.Background())
	if !errors.Is(err, policy.ErrTrainingDivergence) {
		t.Fatalf("err = %v, want ErrTrainingDivergence", err)
	}
}

func TestMultiWorkerRunStaysSynchronized(t *testing.T) {
	const workers = 2
	cfg := testConfig()
	cfg.MaxGlobalStep = 200
	cfg.Workers = workers

	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}

	orchs := make([]*Orchestrator, workers)
	coord, err := worker.NewCoordinator(workers, func(ctx context.Context, rank int, coll worker.Collective) error {
		o, err := New(buildParams(t, cfg, store, coll, int64(10+rank)))
		if err != nil {
			return err
		}
		orchs[rank] = o
		return o.Run(ctx)
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Every cycle adds workers*rollout steps, so two cycles suffice.
	for rank, o := range orchs {
		if o.GlobalStep() < cfg.MaxGlobalStep {
			t.Fatalf("rank %d global step = %d, want >= %d", rank, o.GlobalStep(), cfg.MaxGlobalStep)
		}
		if o.Cycles() != 2 {
			t.Fatalf("rank %d cycles = %d, want 2", rank, o.Cycles())
		}
	}

	lowSum := policy.Checksum(orchs[0].low.Params())
	highSum := policy.Checksum(orchs[0].high.Params())
	for rank := 1; rank < workers; rank++ {
		if got := policy.Checksum(orchs[rank].low.Params()); got != lowSum {
			t.Fatalf("rank %d low-level params diverged", rank)
		}
		if got := policy.Checksum(orchs[rank].high.Params()); got != highSum {
			t.Fatalf("rank %d high-level params diverged", rank)
		}
	}
}
