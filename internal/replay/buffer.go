package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"

	"mopa/internal/model"
)

// ErrEmptyBuffer is returned by Sample when the buffer holds fewer
// transitions than the requested batch size.
var ErrEmptyBuffer = errors.New("replay buffer has too few transitions")

// Buffer is a fixed-capacity transition store with ring semantics:
// inserts are O(1) and evict the oldest entry once capacity is reached.
// A single mutex makes every insert atomic with respect to readers.
type Buffer struct {
	mu       sync.RWMutex
	entries  []model.Transition
	next     int
	size     int
	capacity int

	reuseLimit int
	tree       *kdtree.Tree
	treeStale  bool
}

// NewBuffer creates a buffer holding at most capacity transitions.
// reuseLimit caps how many stored transitions SampleReuse may return;
// zero disables reuse queries.
func NewBuffer(capacity, reuseLimit int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be > 0, got %d", capacity)
	}
	if reuseLimit < 0 {
		return nil, fmt.Errorf("reuse limit must be >= 0, got %d", reuseLimit)
	}
	return &Buffer{
		entries:    make([]model.Transition, capacity),
		capacity:   capacity,
		reuseLimit: reuseLimit,
	}, nil
}

// Insert records a transition, evicting the oldest entry when full.
func (b *Buffer) Insert(t model.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = t
	b.next = (b.next + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
	b.treeStale = true
}

// InsertEpisode records an episode's transitions in order under a
// single lock acquisition.
func (b *Buffer) InsertEpisode(ep model.Episode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range ep.Transitions {
		b.entries[b.next] = t
		b.next = (b.next + 1) % b.capacity
		if b.size < b.capacity {
			b.size++
		}
	}
	b.treeStale = true
}

// Size reports the number of stored transitions.
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity reports the fixed capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Sample returns batchSize transitions drawn uniformly at random
// without replacement within the batch.
func (b *Buffer) Sample(rng *rand.Rand, batchSize int) ([]model.Transition, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size < batchSize {
		return nil, fmt.Errorf("%w: size=%d batch=%d", ErrEmptyBuffer, b.size, batchSize)
	}

	batch := make([]model.Transition, 0, batchSize)
	for _, idx := range rng.Perm(b.size)[:batchSize] {
		batch = append(batch, b.entries[idx])
	}
	return batch, nil
}

// SampleReuse returns up to k stored transitions nearest to nearState
// by state distance, bounded by the configured reuse limit. The kd-tree
// is rebuilt lazily after inserts.
func (b *Buffer) SampleReuse(nearState []float64, k int) ([]model.Transition, error) {
	if k <= 0 {
		return nil, fmt.Errorf("reuse count must be > 0, got %d", k)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reuseLimit == 0 {
		return nil, errors.New("reuse sampling is disabled")
	}
	if b.size == 0 {
		return nil, fmt.Errorf("%w: size=0", ErrEmptyBuffer)
	}
	if k > b.reuseLimit {
		k = b.reuseLimit
	}
	if k > b.size {
		k = b.size
	}

	if b.tree == nil || b.treeStale {
		points := make(statePoints, 0, b.size)
		for i := 0; i < b.size; i++ {
			points = append(points, statePoint{Point: kdtree.Point(b.entries[i].State), idx: i})
		}
		b.tree = kdtree.New(points, false)
		b.treeStale = false
	}

	keep := kdtree.NewNKeeper(k)
	b.tree.NearestSet(keep, statePoint{Point: kdtree.Point(nearState)})

	out := make([]model.Transition, 0, k)
	for _, cd := range keep.Heap {
		point, ok := cd.Comparable.(statePoint)
		if !ok {
			continue
		}
		out = append(out, b.entries[point.idx])
	}
	return out, nil
}

// Snapshot copies out the current contents, oldest first.
func (b *Buffer) Snapshot() []model.Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Transition, 0, b.size)
	start := 0
	if b.size == b.capacity {
		start = b.next
	}
	for i := 0; i < b.size; i++ {
		out = append(out, b.entries[(start+i)%b.capacity])
	}
	return out
}
