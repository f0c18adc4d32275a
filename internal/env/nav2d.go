package env

import (
	"math"
	"math/rand"
)

// Rect is an axis-aligned obstacle in the plane.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

func (r Rect) contains(x, y float64) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Nav2DLayout describes a planar navigation task: a point robot moving
// between rectangular obstacles toward a goal region.
type Nav2DLayout struct {
	Width      float64
	Height     float64
	Start      [2]float64
	Goal       [2]float64
	GoalRadius float64
	Obstacles  []Rect
	MaxStep    float64
}

// DefaultNav2DLayout is an open room with a single wall gap between
// start and goal.
func DefaultNav2DLayout() Nav2DLayout {
	return Nav2DLayout{
		Width:      10,
		Height:     10,
		Start:      [2]float64{1, 1},
		Goal:       [2]float64{9, 9},
		GoalRadius: 0.5,
		Obstacles: []Rect{
			{MinX: 4.5, MinY: 0, MaxX: 5.5, MaxY: 6.5},
		},
		MaxStep: 0.5,
	}
}

// ClutteredNav2DLayout adds enough obstacles that greedy straight-line
// motion fails and planning matters.
func ClutteredNav2DLayout() Nav2DLayout {
	return Nav2DLayout{
		Width:      10,
		Height:     10,
		Start:      [2]float64{0.5, 0.5},
		Goal:       [2]float64{9.5, 9.5},
		GoalRadius: 0.4,
		Obstacles: []Rect{
			{MinX: 2, MinY: 0, MaxX: 3, MaxY: 7},
			{MinX: 5, MinY: 3, MaxX: 6, MaxY: 10},
			{MinX: 7.5, MinY: 0, MaxX: 8.5, MaxY: 6},
		},
		MaxStep: 0.4,
	}
}

// Nav2D is a point-mass navigation environment with sparse -1 per-step
// reward until the goal region is reached.
type Nav2D struct {
	layout  Nav2DLayout
	pos     [2]float64
	reached bool
}

func NewNav2D(layout Nav2DLayout) *Nav2D {
	return &Nav2D{layout: layout}
}

func (e *Nav2D) Name() string { return "nav2d" }

func (e *Nav2D) Reset(rng *rand.Rand) []float64 {
	e.pos = e.layout.Start
	e.reached = false
	if rng != nil {
		// Jitter the start inside free space for exploration variety.
		for attempt := 0; attempt < 16; attempt++ {
			x := e.layout.Start[0] + rng.Float64()*0.5 - 0.25
			y := e.layout.Start[1] + rng.Float64()*0.5 - 0.25
			if e.StateFree([]float64{x, y}) {
				e.pos = [2]float64{x, y}
				break
			}
		}
	}
	return e.observe()
}

func (e *Nav2D) Step(action []float64) ([]float64, float64, bool) {
	dx := clip(action[0], e.layout.MaxStep)
	dy := clip(action[1], e.layout.MaxStep)

	next := [2]float64{e.pos[0] + dx, e.pos[1] + dy}
	if e.SegmentFree(e.pos[:], next[:]) {
		e.pos = next
	}

	gx := e.layout.Goal[0] - e.pos[0]
	gy := e.layout.Goal[1] - e.pos[1]
	if math.Hypot(gx, gy) <= e.layout.GoalRadius {
		e.reached = true
		return e.observe(), 0, true
	}
	return e.observe(), -1, false
}

func (e *Nav2D) ObservationSize() int   { return 2 }
func (e *Nav2D) ActionSize() int        { return 2 }
func (e *Nav2D) ActionRange() float64   { return e.layout.MaxStep }
func (e *Nav2D) Success() bool          { return e.reached }

func (e *Nav2D) observe() []float64 {
	return []float64{e.pos[0], e.pos[1]}
}

func (e *Nav2D) StateBounds() (lo, hi []float64) {
	return []float64{0, 0}, []float64{e.layout.Width, e.layout.Height}
}

func (e *Nav2D) StateFree(q []float64) bool {
	if q[0] < 0 || q[0] > e.layout.Width || q[1] < 0 || q[1] > e.layout.Height {
		return false
	}
	for _, obstacle := range e.layout.Obstacles {
		if obstacle.contains(q[0], q[1]) {
			return false
		}
	}
	return true
}

func (e *Nav2D) SegmentFree(a, b []float64) bool {
	dist := math.Hypot(b[0]-a[0], b[1]-a[1])
	steps := int(dist/0.05) + 1
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		q := []float64{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])}
		if !e.StateFree(q) {
			return false
		}
	}
	return true
}

func (e *Nav2D) SampleState(rng *rand.Rand) []float64 {
	for {
		q := []float64{rng.Float64() * e.layout.Width, rng.Float64() * e.layout.Height}
		if e.StateFree(q) {
			return q
		}
	}
}

func clip(v, bound float64) float64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}
