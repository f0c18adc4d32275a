// Package worker distributes rollout collection and gradient averaging
// across parallel workers. Synchronization happens only through the
// Collective: a barrier after each collection phase and an all-reduce
// over gradients after each computation phase, mirroring an MPI
// AllReduce(OpSum) followed by division by world size.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Collective is the synchronous communication surface between workers.
// All members must execute the same sequence of collective calls.
type Collective interface {
	Rank() int
	Size() int
	Barrier(ctx context.Context) error
	// AllReduceSum replaces vec with the element-wise sum over all
	// members' vectors. Callers average by dividing by Size.
	AllReduceSum(ctx context.Context, vec []float64) error
}

// NopCollective is the single-worker collective: every operation is a
// no-op over a world of one.
type NopCollective struct{}

func (NopCollective) Rank() int                                   { return 0 }
func (NopCollective) Size() int                                   { return 1 }
func (NopCollective) Barrier(context.Context) error               { return nil }
func (NopCollective) AllReduceSum(context.Context, []float64) error { return nil }

// localHub is the shared state behind an in-process collective group.
// Members block on a condition variable; Abort wakes everyone with a
// sticky error so a crashed worker cannot strand its siblings.
type localHub struct {
	n int

	mu   sync.Mutex
	cond *sync.Cond
	err  error

	barrierArrived int
	barrierGen     int

	reduceArrived int
	reduceGen     int
	sum           []float64
	result        []float64
}

// localMember is one rank's view of the group.
type localMember struct {
	hub  *localHub
	rank int
}

// NewLocalGroup creates an in-process collective of n members.
func NewLocalGroup(n int) ([]Collective, error) {
	if n <= 0 {
		return nil, fmt.Errorf("collective size must be > 0, got %d", n)
	}
	hub := &localHub{n: n}
	hub.cond = sync.NewCond(&hub.mu)
	members := make([]Collective, n)
	for rank := 0; rank < n; rank++ {
		members[rank] = &localMember{hub: hub, rank: rank}
	}
	return members, nil
}

// AbortLocalGroup breaks every pending and future collective call in
// the group with the given error.
func AbortLocalGroup(members []Collective, err error) {
	if len(members) == 0 {
		return
	}
	member, ok := members[0].(*localMember)
	if !ok {
		return
	}
	if err == nil {
		err = errors.New("collective group aborted")
	}
	hub := member.hub
	hub.mu.Lock()
	if hub.err == nil {
		hub.err = err
	}
	hub.cond.Broadcast()
	hub.mu.Unlock()
}

func (m *localMember) Rank() int { return m.rank }
func (m *localMember) Size() int { return m.hub.n }

func (m *localMember) Barrier(ctx context.Context) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		return h.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.barrierArrived++
	if h.barrierArrived == h.n {
		h.barrierArrived = 0
		h.barrierGen++
		h.cond.Broadcast()
		return nil
	}

	gen := h.barrierGen
	for h.barrierGen == gen && h.err == nil {
		h.cond.Wait()
	}
	return h.err
}

func (m *localMember) AllReduceSum(ctx context.Context, vec []float64) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		return h.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if h.sum == nil {
		h.sum = make([]float64, len(vec))
	}
	if len(h.sum) != len(vec) {
		err := fmt.Errorf("all-reduce length mismatch: got %d, want %d", len(vec), len(h.sum))
		if h.err == nil {
			h.err = err
		}
		h.cond.Broadcast()
		return err
	}
	floats.Add(h.sum, vec)

	h.reduceArrived++
	if h.reduceArrived == h.n {
		h.result = h.sum
		h.sum = nil
		h.reduceArrived = 0
		h.reduceGen++
		h.cond.Broadcast()
		copy(vec, h.result)
		return nil
	}

	gen := h.reduceGen
	for h.reduceGen == gen && h.err == nil {
		h.cond.Wait()
	}
	if h.err != nil {
		return h.err
	}
	copy(vec, h.result)
	return nil
}
