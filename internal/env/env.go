package env

import "math/rand"

// Environment is the opaque simulation collaborator. Observations,
// actions and rewards are its business; the trainer only moves data.
type Environment interface {
	Name() string
	// Reset starts a new episode and returns the initial observation.
	Reset(rng *rand.Rand) []float64
	// Step applies an action and returns the next observation, the
	// reward, and whether the episode terminated.
	Step(action []float64) ([]float64, float64, bool)
	ObservationSize() int
	ActionSize() int
	// ActionRange bounds each primitive action component to
	// [-ActionRange, ActionRange].
	ActionRange() float64
	// Success reports whether the current episode reached its goal.
	Success() bool
}

// Geometry exposes the state-space view the planner needs: bounds,
// collision checks and uniform state sampling. Environments that
// support motion planning implement it alongside Environment.
type Geometry interface {
	StateBounds() (lo, hi []float64)
	// StateFree reports whether a state is collision free.
	StateFree(q []float64) bool
	// SegmentFree reports whether the straight segment between two
	// states stays collision free.
	SegmentFree(a, b []float64) bool
	SampleState(rng *rand.Rand) []float64
}
