package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mopa/internal/env"
	"mopa/internal/model"
)

// ErrPlanningFailure is returned when no path within threshold of the
// goal is found inside the wall-clock budget.
var ErrPlanningFailure = errors.New("planning failed")

// Planner produces a collision-free path from a start state toward a
// goal state.
type Planner interface {
	Name() string
	Plan(ctx context.Context, start, goal []float64) (model.PlannerPath, error)
}

// Options configure a search. Range is the maximum extension step,
// Threshold the goal-reach distance, Timelimit the wall-clock budget.
type Options struct {
	Range     float64
	Threshold float64
	Timelimit time.Duration
	GoalBias  float64
	MaxNodes  int
	Seed      int64
}

func (o Options) validate() error {
	if o.Range <= 0 {
		return fmt.Errorf("planner range must be > 0, got %v", o.Range)
	}
	if o.Threshold <= 0 {
		return fmt.Errorf("planner threshold must be > 0, got %v", o.Threshold)
	}
	if o.Timelimit <= 0 {
		return fmt.Errorf("planner timelimit must be > 0, got %v", o.Timelimit)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.GoalBias == 0 {
		o.GoalBias = 0.1
	}
	if o.MaxNodes == 0 {
		o.MaxNodes = 20000
	}
	return o
}

// Builder constructs a planner bound to one geometry.
type Builder func(geom env.Geometry, opts Options) (Planner, error)

var plannerRegistry = struct {
	mu sync.RWMutex
	m  map[string]Builder
}{
	m: make(map[string]Builder),
}

func init() {
	MustRegister("rrt", newRRT)
	MustRegister("straight", newStraight)
}

func Register(name string, builder Builder) error {
	if name == "" {
		return errors.New("planner name is required")
	}
	if builder == nil {
		return errors.New("planner builder is required")
	}

	plannerRegistry.mu.Lock()
	defer plannerRegistry.mu.Unlock()

	if _, exists := plannerRegistry.m[name]; exists {
		return fmt.Errorf("planner already registered: %s", name)
	}
	plannerRegistry.m[name] = builder
	return nil
}

func MustRegister(name string, builder Builder) {
	if err := Register(name, builder); err != nil {
		panic(err)
	}
}

// New builds a registered planner by name.
func New(name string, geom env.Geometry, opts Options) (Planner, error) {
	plannerRegistry.mu.RLock()
	builder, ok := plannerRegistry.m[name]
	plannerRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("planner not found: %s", name)
	}
	if geom == nil {
		return nil, errors.New("planner geometry is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return builder(geom, opts.withDefaults())
}

// Names lists registered planners in sorted order.
func Names() []string {
	plannerRegistry.mu.RLock()
	defer plannerRegistry.mu.RUnlock()

	names := make([]string, 0, len(plannerRegistry.m))
	for name := range plannerRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
