package planner

import (
	"context"
	"fmt"

	"mopa/internal/env"
	"mopa/internal/model"
)

// straight interpolates directly between start and goal. It is the
// degenerate planner for obstacle-free segments and for tests.
type straight struct {
	geom env.Geometry
	opts Options
}

func newStraight(geom env.Geometry, opts Options) (Planner, error) {
	return &straight{geom: geom, opts: opts}, nil
}

func (p *straight) Name() string { return "straight" }

func (p *straight) Plan(_ context.Context, start, goal []float64) (model.PlannerPath, error) {
	if len(start) != len(goal) {
		return model.PlannerPath{}, fmt.Errorf("start/goal dimension mismatch: %d vs %d", len(start), len(goal))
	}

	dist := stateDistance(start, goal)
	if dist <= p.opts.Threshold {
		return model.PlannerPath{Waypoints: [][]float64{cloneState(start)}}, nil
	}
	if !p.geom.SegmentFree(start, goal) {
		return model.PlannerPath{}, fmt.Errorf("%w: straight segment is blocked", ErrPlanningFailure)
	}

	segments := int(dist/p.opts.Range) + 1
	waypoints := make([][]float64, 0, segments+1)
	for i := 0; i <= segments; i++ {
		t := float64(i) / float64(segments)
		q := make([]float64, len(start))
		for d := range start {
			q[d] = start[d] + t*(goal[d]-start[d])
		}
		waypoints = append(waypoints, q)
	}
	return model.PlannerPath{Waypoints: waypoints, Cost: dist}, nil
}
