package replay

import "gonum.org/v1/gonum/spatial/kdtree"

// statePoint is a stored state with its buffer slot, indexable by the
// kd-tree used for reuse queries.
type statePoint struct {
	kdtree.Point
	idx int
}

func (p statePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(statePoint)
	return p.Point[d] - q.Point[d]
}

func (p statePoint) Dims() int { return len(p.Point) }

func (p statePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(statePoint)
	return p.Point.Distance(q.Point)
}

type statePoints []statePoint

func (p statePoints) Index(i int) kdtree.Comparable { return p[i] }
func (p statePoints) Len() int                      { return len(p) }
func (p statePoints) Pivot(d kdtree.Dim) int {
	return statePlane{statePoints: p, Dim: d}.Pivot()
}
func (p statePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// statePlane sorts statePoints along a single dimension.
type statePlane struct {
	kdtree.Dim
	statePoints
}

func (p statePlane) Less(i, j int) bool {
	return p.statePoints[i].Point[p.Dim] < p.statePoints[j].Point[p.Dim]
}
func (p statePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p statePlane) Slice(start, end int) kdtree.SortSlicer {
	p.statePoints = p.statePoints[start:end]
	return p
}
func (p statePlane) Swap(i, j int) {
	p.statePoints[i], p.statePoints[j] = p.statePoints[j], p.statePoints[i]
}
