package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrWorkerFailure is fatal to the whole run: there is no partial
// failure tolerance and no automatic restart.
var ErrWorkerFailure = errors.New("worker failed")

// Runner is one worker's whole workload: the rollout/update loop bound
// to its rank's collective endpoint.
type Runner func(ctx context.Context, rank int, coll Collective) error

// Coordinator runs n copies of a Runner over an in-process collective
// group. The first worker error cancels and drains every sibling, then
// surfaces as ErrWorkerFailure.
type Coordinator struct {
	workers int
	runner  Runner
}

func NewCoordinator(workers int, runner Runner) (*Coordinator, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("worker count must be > 0, got %d", workers)
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	return &Coordinator{workers: workers, runner: runner}, nil
}

func (c *Coordinator) Run(ctx context.Context) error {
	if c.workers == 1 {
		if err := c.runner(ctx, 0, NopCollective{}); err != nil {
			return fmt.Errorf("%w: rank 0: %v", ErrWorkerFailure, err)
		}
		return nil
	}

	group, err := NewLocalGroup(c.workers)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type workerResult struct {
		rank int
		err  error
	}

	results := make(chan workerResult, c.workers)
	var wg sync.WaitGroup
	wg.Add(c.workers)
	for rank := 0; rank < c.workers; rank++ {
		go func(rank int) {
			defer wg.Done()
			results <- workerResult{rank: rank, err: c.runner(runCtx, rank, group[rank])}
		}(rank)
	}

	var firstFailure *workerResult
	for i := 0; i < c.workers; i++ {
		res := <-results
		if res.err == nil {
			continue
		}
		if firstFailure == nil {
			failure := res
			firstFailure = &failure
			// Break siblings out of pending collectives, then cancel.
			AbortLocalGroup(group, fmt.Errorf("rank %d failed: %w", res.rank, res.err))
			cancel()
		}
	}
	wg.Wait()

	if firstFailure != nil {
		return fmt.Errorf("%w: rank %d: %v", ErrWorkerFailure, firstFailure.rank, firstFailure.err)
	}
	return nil
}
