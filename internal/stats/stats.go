// Package stats aggregates evaluation rollouts into run metrics.
package stats

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// EpisodeResult is the outcome of a single evaluation episode.
type EpisodeResult struct {
	Return  float64
	Steps   int
	Success bool
}

// Evaluation summarizes a batch of evaluation episodes.
type Evaluation struct {
	Episodes    int
	MeanReturn  float64
	StdReturn   float64
	MinReturn   float64
	MaxReturn   float64
	MeanSteps   float64
	SuccessRate float64
}

// Summarize reduces episode results to an Evaluation.
func Summarize(results []EpisodeResult) (Evaluation, error) {
	if len(results) == 0 {
		return Evaluation{}, fmt.Errorf("no episodes to summarize")
	}

	returns := make([]float64, len(results))
	steps := make([]float64, len(results))
	successes := 0
	for i, r := range results {
		returns[i] = r.Return
		steps[i] = float64(r.Steps)
		if r.Success {
			successes++
		}
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if len(results) == 1 {
		std = 0
	}
	minR, maxR := returns[0], returns[0]
	for _, r := range returns[1:] {
		minR = math.Min(minR, r)
		maxR = math.Max(maxR, r)
	}

	return Evaluation{
		Episodes:    len(results),
		MeanReturn:  mean,
		StdReturn:   std,
		MinReturn:   minR,
		MaxReturn:   maxR,
		MeanSteps:   stat.Mean(steps, nil),
		SuccessRate: float64(successes) / float64(len(results)),
	}, nil
}

// Throughput converts a step count over a wall-clock span to steps
// per second. A non-positive span yields zero rather than infinity.
func Throughput(steps int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(steps) / elapsed.Seconds()
}

func (e Evaluation) String() string {
	return fmt.Sprintf("episodes=%d mean_return=%.3f±%.3f success=%.0f%% mean_steps=%.1f",
		e.Episodes, e.MeanReturn, e.StdReturn, e.SuccessRate*100, e.MeanSteps)
}
