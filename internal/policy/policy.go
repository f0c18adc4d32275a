// Package policy implements the two levels of the control hierarchy:
// a low-level max-entropy actor-critic over primitive actions and a
// high-level SMDP policy that emits subgoals at a coarser resolution.
// Both levels expose flat parameter and gradient vectors so the worker
// coordinator can all-reduce them without knowing their structure.
package policy

import (
	"errors"
	"hash/fnv"
	"math"
)

// ErrTrainingDivergence is fatal: a loss or parameter went NaN/Inf.
var ErrTrainingDivergence = errors.New("training diverged")

// UpdateStats summarizes one gradient update.
type UpdateStats struct {
	CriticLoss float64
	ActorLoss  float64
	Entropy    float64
}

// Learner is the parameter surface shared by both policy levels.
type Learner interface {
	NumParams() int
	Params() []float64
	SetParams(params []float64) error
	ApplyGradients(grad []float64) error
}

// Checksum fingerprints a parameter vector. Workers compare checksums
// after synchronization barriers.
func Checksum(params []float64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range params {
		bits := math.Float64bits(v)
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}

func anyNonFinite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func nonFinite(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

func clampLogStd(v float64) float64 {
	if v < -5 {
		return -5
	}
	if v > 2 {
		return 2
	}
	return v
}
