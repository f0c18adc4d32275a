package planner

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/kdtree"

	"mopa/internal/env"
	"mopa/internal/model"
)

// rrt grows a search tree from the start state by incremental
// nearest-neighbor expansion, biased toward the goal.
type rrt struct {
	geom env.Geometry
	opts Options
	rng  *rand.Rand
}

func newRRT(geom env.Geometry, opts Options) (Planner, error) {
	return &rrt{
		geom: geom,
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

func (p *rrt) Name() string { return "rrt" }

type rrtNode struct {
	state  []float64
	parent int
	cost   float64
}

func (p *rrt) Plan(ctx context.Context, start, goal []float64) (model.PlannerPath, error) {
	if len(start) != len(goal) {
		return model.PlannerPath{}, fmt.Errorf("start/goal dimension mismatch: %d vs %d", len(start), len(goal))
	}
	if stateDistance(start, goal) <= p.opts.Threshold {
		return model.PlannerPath{Waypoints: [][]float64{cloneState(start)}}, nil
	}
	if !p.geom.StateFree(start) {
		return model.PlannerPath{}, fmt.Errorf("%w: start state is in collision", ErrPlanningFailure)
	}

	nodes := []rrtNode{{state: cloneState(start), parent: -1}}
	tree := kdtree.New(nodePoints{nodePoint{Point: kdtree.Point(nodes[0].state), idx: 0}}, false)

	deadline := time.Now().Add(p.opts.Timelimit)

	for len(nodes) < p.opts.MaxNodes {
		if err := ctx.Err(); err != nil {
			return model.PlannerPath{}, fmt.Errorf("%w: %v", ErrPlanningFailure, err)
		}
		if time.Now().After(deadline) {
			return model.PlannerPath{}, fmt.Errorf("%w: timelimit %v exceeded after %d nodes", ErrPlanningFailure, p.opts.Timelimit, len(nodes))
		}

		target := p.sampleTarget(goal)

		nearest, _ := tree.Nearest(nodePoint{Point: kdtree.Point(target)})
		nearIdx := nearest.(nodePoint).idx
		next := steer(nodes[nearIdx].state, target, p.opts.Range)

		if !p.geom.StateFree(next) || !p.geom.SegmentFree(nodes[nearIdx].state, next) {
			continue
		}

		stepCost := stateDistance(nodes[nearIdx].state, next)
		nodes = append(nodes, rrtNode{
			state:  next,
			parent: nearIdx,
			cost:   nodes[nearIdx].cost + stepCost,
		})
		idx := len(nodes) - 1
		tree.Insert(nodePoint{Point: kdtree.Point(next), idx: idx}, false)

		if stateDistance(next, goal) <= p.opts.Threshold {
			return p.extract(nodes, p.bestWithinThreshold(nodes, goal)), nil
		}
	}

	return model.PlannerPath{}, fmt.Errorf("%w: node budget %d exhausted", ErrPlanningFailure, p.opts.MaxNodes)
}

func (p *rrt) sampleTarget(goal []float64) []float64 {
	if p.rng.Float64() < p.opts.GoalBias {
		return goal
	}
	return p.geom.SampleState(p.rng)
}

// bestWithinThreshold picks the lowest-cost node inside the goal
// region; several nodes can qualify by the time one is accepted.
func (p *rrt) bestWithinThreshold(nodes []rrtNode, goal []float64) int {
	best := -1
	for i, node := range nodes {
		if stateDistance(node.state, goal) > p.opts.Threshold {
			continue
		}
		if best < 0 || node.cost < nodes[best].cost {
			best = i
		}
	}
	return best
}

func (p *rrt) extract(nodes []rrtNode, idx int) model.PlannerPath {
	var reversed [][]float64
	for i := idx; i >= 0; i = nodes[i].parent {
		reversed = append(reversed, nodes[i].state)
	}
	waypoints := make([][]float64, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		waypoints = append(waypoints, reversed[i])
	}
	return model.PlannerPath{Waypoints: waypoints, Cost: nodes[idx].cost}
}

func steer(from, toward []float64, maxStep float64) []float64 {
	dist := stateDistance(from, toward)
	if dist <= maxStep {
		return cloneState(toward)
	}
	out := make([]float64, len(from))
	scale := maxStep / dist
	for i := range from {
		out[i] = from[i] + scale*(toward[i]-from[i])
	}
	return out
}

func stateDistance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

func cloneState(q []float64) []float64 {
	out := make([]float64, len(q))
	copy(out, q)
	return out
}

// nodePoint indexes a tree node in the kd-tree used for nearest
// neighbor lookups.
type nodePoint struct {
	kdtree.Point
	idx int
}

func (p nodePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(nodePoint)
	return p.Point[d] - q.Point[d]
}

func (p nodePoint) Dims() int { return len(p.Point) }

func (p nodePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(nodePoint)
	return p.Point.Distance(q.Point)
}

type nodePoints []nodePoint

func (p nodePoints) Index(i int) kdtree.Comparable { return p[i] }
func (p nodePoints) Len() int                      { return len(p) }
func (p nodePoints) Pivot(d kdtree.Dim) int {
	return nodePlane{nodePoints: p, Dim: d}.Pivot()
}
func (p nodePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type nodePlane struct {
	kdtree.Dim
	nodePoints
}

func (p nodePlane) Less(i, j int) bool {
	return p.nodePoints[i].Point[p.Dim] < p.nodePoints[j].Point[p.Dim]
}
func (p nodePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p nodePlane) Slice(start, end int) kdtree.SortSlicer {
	p.nodePoints = p.nodePoints[start:end]
	return p
}
func (p nodePlane) Swap(i, j int) {
	p.nodePoints[i], p.nodePoints[j] = p.nodePoints[j], p.nodePoints[i]
}
