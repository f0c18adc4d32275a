package planner

import (
	"context"
	"errors"
	"fmt"

	"mopa/internal/env"
	"mopa/internal/model"
)

// Relaxer retries a failed search with a progressively larger goal
// threshold. Attempts of zero means a single strict attempt; any
// failure then aborts the meta-step.
type Relaxer struct {
	name     string
	geom     env.Geometry
	opts     Options
	Attempts int
	Growth   float64
}

// NewRelaxer wraps the named planner with a relaxation retry policy.
func NewRelaxer(name string, geom env.Geometry, opts Options, attempts int, growth float64) (*Relaxer, error) {
	if attempts < 0 {
		return nil, fmt.Errorf("relax attempts must be >= 0, got %d", attempts)
	}
	if attempts > 0 && growth <= 1 {
		return nil, fmt.Errorf("relax growth must be > 1, got %v", growth)
	}
	// Validate the underlying planner eagerly.
	if _, err := New(name, geom, opts); err != nil {
		return nil, err
	}
	return &Relaxer{name: name, geom: geom, opts: opts, Attempts: attempts, Growth: growth}, nil
}

func (r *Relaxer) Name() string { return r.name }

func (r *Relaxer) Plan(ctx context.Context, start, goal []float64) (model.PlannerPath, error) {
	opts := r.opts
	var lastErr error
	for attempt := 0; attempt <= r.Attempts; attempt++ {
		// Each attempt samples a fresh sequence; replaying the base
		// seed would leave threshold growth as the only variation.
		opts.Seed = r.opts.Seed + int64(attempt)
		p, err := New(r.name, r.geom, opts)
		if err != nil {
			return model.PlannerPath{}, err
		}
		path, err := p.Plan(ctx, start, goal)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, ErrPlanningFailure) {
			return model.PlannerPath{}, err
		}
		lastErr = err
		opts.Threshold *= r.Growth
	}
	return model.PlannerPath{}, fmt.Errorf("relaxation exhausted after %d attempts: %w", r.Attempts+1, lastErr)
}
