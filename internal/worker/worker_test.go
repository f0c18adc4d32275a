package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mopa/internal/policy"
)

func TestLocalGroupAllReduceAverages(t *testing.T) {
	const n = 4
	group, err := NewLocalGroup(n)
	if err != nil {
		t.Fatalf("new group: %v", err)
	}

	results := make([][]float64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for rank := 0; rank < n; rank++ {
		go func(rank int) {
			defer wg.Done()
			vec := []float64{float64(rank), 1}
			if err := group[rank].AllReduceSum(context.Background(), vec); err != nil {
				t.Errorf("rank %d all-reduce: %v", rank, err)
				return
			}
			results[rank] = vec
		}(rank)
	}
	wg.Wait()

	for rank, vec := range results {
		if vec == nil {
			t.Fatalf("rank %d produced no result", rank)
		}
		if vec[0] != 0+1+2+3 || vec[1] != n {
			t.Fatalf("rank %d reduced to %v", rank, vec)
		}
	}
}

func TestCoordinatorKeepsPolicyChecksumsIdentical(t *testing.T) {
	const n = 4
	const cycles = 5

	checksums := make([][]uint64, n)
	runner := func(ctx context.Context, rank int, coll Collective) error {
		p, err := policy.NewLowLevel(policy.LowLevelConfig{
			ObsSize:      2,
			ActionSize:   2,
			ActionRange:  0.5,
			Gamma:        0.99,
			LearningRate: 0.01,
			Seed:         int64(rank), // rank-dependent exploration, shared updates
		})
		if err != nil {
			return err
		}

		for cycle := 0; cycle < cycles; cycle++ {
			if err := coll.Barrier(ctx); err != nil {
				return err
			}
			// Rank-dependent local gradient, as real rollouts produce.
			grad := make([]float64, p.NumParams())
			for i := range grad {
				grad[i] = float64(rank+1) * 0.01
			}
			if err := coll.AllReduceSum(ctx, grad); err != nil {
				return err
			}
			for i := range grad {
				grad[i] /= float64(coll.Size())
			}
			if err := p.ApplyGradients(grad); err != nil {
				return err
			}
			checksums[rank] = append(checksums[rank], policy.Checksum(p.Params()))
		}
		return nil
	}

	coord, err := NewCoordinator(n, runner)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	for cycle := 0; cycle < cycles; cycle++ {
		for rank := 1; rank < n; rank++ {
			if checksums[rank][cycle] != checksums[0][cycle] {
				t.Fatalf("cycle %d: rank %d checksum %x != rank 0 checksum %x",
					cycle, rank, checksums[rank][cycle], checksums[0][cycle])
			}
		}
	}
}

func TestWorkerCrashIsFatalAndDoesNotStrandSiblings(t *testing.T) {
	boom := errors.New("boom")
	runner := func(ctx context.Context, rank int, coll Collective) error {
		if rank == 2 {
			return boom
		}
		// Siblings head into a barrier the crashed worker never joins.
		for {
			if err := coll.Barrier(ctx); err != nil {
				return err
			}
		}
	}

	coord, err := NewCoordinator(4, runner)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- coord.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrWorkerFailure) {
			t.Fatalf("err = %v, want ErrWorkerFailure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator deadlocked after worker crash")
	}
}

func TestAllReduceLengthMismatchFailsEveryone(t *testing.T) {
	group, err := NewLocalGroup(2)
	if err != nil {
		t.Fatalf("new group: %v", err)
	}

	errs := make(chan error, 2)
	go func() { errs <- group[0].AllReduceSum(context.Background(), []float64{1, 2}) }()
	go func() { errs <- group[1].AllReduceSum(context.Background(), []float64{1}) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Fatal("expected mismatch error")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("all-reduce deadlocked on length mismatch")
		}
	}
}

func TestNopCollective(t *testing.T) {
	var c NopCollective
	if c.Size() != 1 || c.Rank() != 0 {
		t.Fatalf("nop collective world = rank %d size %d", c.Rank(), c.Size())
	}
	vec := []float64{3}
	if err := c.AllReduceSum(context.Background(), vec); err != nil {
		t.Fatalf("all-reduce: %v", err)
	}
	if vec[0] != 3 {
		t.Fatalf("nop all-reduce changed vec to %v", vec)
	}
}
