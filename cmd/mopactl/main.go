package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"mopa/internal/ctxlog"
	"mopa/internal/storage"
	"mopa/pkg/mopa"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "evaluate":
		return runEvaluate(ctx, args[1:])
	case "plan":
		return runPlan(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "summary":
		return runSummary(ctx, args[1:])
	case "envs":
		return runEnvs(ctx, args[1:])
	case "planners":
		return runPlanners(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", "sqlite", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "mopa.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	if err := store.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "HCL configuration file")
	runID := fs.String("run-id", "", "resume an existing run")
	storeKind := fs.String("store", "", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "", "sqlite database path")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	logFormat := fs.String("log-format", "text", "log format: text|json")
	var sets setFlags
	fs.Var(&sets, "set", "override a config key, key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, sets)
	if err != nil {
		return err
	}
	if *storeKind != "" {
		cfg.Store = *storeKind
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	client, err := mopa.New(mopa.Options{StoreKind: cfg.Store, DBPath: cfg.DBPath})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx = ctxlog.WithLogger(ctx, ctxlog.New(*logLevel, *logFormat, os.Stderr))
	summary, err := client.Run(ctx, mopa.RunRequest{Config: cfg, RunID: *runID})
	if err != nil {
		return err
	}

	fmt.Printf("run %s finished\n", summary.RunID)
	fmt.Printf("  env:           %s\n", summary.Env)
	fmt.Printf("  global steps:  %s\n", humanize.Comma(summary.GlobalStep))
	fmt.Printf("  cycles:        %d (update iters: %d, workers: %d)\n", summary.Cycles, summary.UpdateIter, summary.Workers)
	fmt.Printf("  mean return:   %.3f ± %.3f\n", summary.MeanReturn, summary.StdReturn)
	fmt.Printf("  success rate:  %.0f%%\n", summary.SuccessRate*100)
	fmt.Printf("  steps/sec:     %.0f\n", summary.StepsPerSec)
	return nil
}

func runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	configPath := fs.String("config", "", "HCL configuration file")
	runID := fs.String("run-id", "", "run whose latest checkpoint to evaluate")
	episodes := fs.Int("episodes", 0, "number of evaluation episodes")
	storeKind := fs.String("store", "", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "", "sqlite database path")
	var sets setFlags
	fs.Var(&sets, "set", "override a config key, key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, sets)
	if err != nil {
		return err
	}
	if *storeKind != "" {
		cfg.Store = *storeKind
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	client, err := mopa.New(mopa.Options{StoreKind: cfg.Store, DBPath: cfg.DBPath})
	if err != nil {
		return err
	}
	defer client.Close()

	eval, err := client.Evaluate(ctx, mopa.EvaluateRequest{
		Config:   cfg,
		RunID:    *runID,
		Episodes: *episodes,
	})
	if err != nil {
		return err
	}

	fmt.Printf("evaluation over %d episodes\n", eval.Episodes)
	fmt.Printf("  mean return:  %.3f ± %.3f (min %.3f, max %.3f)\n", eval.MeanReturn, eval.StdReturn, eval.MinReturn, eval.MaxReturn)
	fmt.Printf("  mean steps:   %.1f\n", eval.MeanSteps)
	fmt.Printf("  success rate: %.0f%%\n", eval.SuccessRate*100)
	return nil
}

func runPlan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	envName := fs.String("env", "nav2d", "environment name")
	plannerName := fs.String("planner", "rrt", "planner name")
	start := fs.String("start", "", "start state, comma separated")
	goal := fs.String("goal", "", "goal state, comma separated")
	searchRange := fs.Float64("range", 0.5, "maximum extension step")
	threshold := fs.Float64("threshold", 0.4, "goal reach distance")
	timelimit := fs.Duration("timelimit", 2*time.Second, "wall-clock planning budget")
	relaxAttempts := fs.Int("relax-attempts", 0, "threshold relaxation retries")
	relaxGrowth := fs.Float64("relax-growth", 1.5, "threshold growth per retry")
	seed := fs.Int64("seed", 0, "sampling seed")
	asJSON := fs.Bool("json", false, "emit the path as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	startState, err := parseState(*start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	goalState, err := parseState(*goal)
	if err != nil {
		return fmt.Errorf("goal: %w", err)
	}

	client, err := mopa.New(mopa.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Plan(ctx, mopa.PlanRequest{
		Env:           *envName,
		Planner:       *plannerName,
		Start:         startState,
		Goal:          goalState,
		Range:         *searchRange,
		Threshold:     *threshold,
		Timelimit:     *timelimit,
		RelaxAttempts: *relaxAttempts,
		RelaxGrowth:   *relaxGrowth,
		Seed:          *seed,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(summary)
	}
	fmt.Printf("path with %d segments, cost %.3f\n", summary.Segments, summary.Cost)
	for i, wp := range summary.Waypoints {
		fmt.Printf("  %3d: %v\n", i, wp)
	}
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	storeKind := fs.String("store", "sqlite", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "mopa.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := mopa.New(mopa.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer client.Close()

	items, err := client.Checkpoints(ctx, mopa.CheckpointsRequest{RunID: *runID})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, item := range items {
		created := item.CreatedAtUTC
		if t, err := time.Parse(time.RFC3339, item.CreatedAtUTC); err == nil {
			created = humanize.Time(t)
		}
		fmt.Printf("step %12s  update_iter %6d  %s\n", humanize.Comma(item.GlobalStep), item.UpdateIter, created)
	}
	return nil
}

func runSummary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	storeKind := fs.String("store", "sqlite", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "mopa.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("summary requires -run-id")
	}

	client, err := mopa.New(mopa.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer client.Close()

	summary, ok, err := client.Summary(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no summary for run %s", *runID)
	}

	fmt.Printf("run %s (%s)\n", summary.RunID, summary.Env)
	fmt.Printf("  global steps:  %s over %d cycles\n", humanize.Comma(summary.GlobalStep), summary.Cycles)
	fmt.Printf("  mean return:   %.3f ± %.3f\n", summary.MeanReturn, summary.StdReturn)
	fmt.Printf("  success rate:  %.0f%%\n", summary.SuccessRate*100)
	fmt.Printf("  steps/sec:     %.0f with %d workers\n", summary.StepsPerSec, summary.Workers)
	return nil
}

func runEnvs(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("envs", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := mopa.New(mopa.Options{})
	if err != nil {
		return err
	}
	defer client.Close()
	for _, name := range client.Environments() {
		fmt.Println(name)
	}
	return nil
}

func runPlanners(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("planners", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := mopa.New(mopa.Options{})
	if err != nil {
		return err
	}
	defer client.Close()
	for _, name := range client.Planners() {
		fmt.Println(name)
	}
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: mopactl <init|run|evaluate|plan|checkpoints|summary|envs|planners> [flags]", msg)
}
