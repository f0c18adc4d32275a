package env

import (
	"math/rand"
	"testing"
)

func TestRegistryKnowsBuiltins(t *testing.T) {
	for _, name := range []string{"nav2d", "nav2d-cluttered"} {
		e, err := New(name)
		if err != nil {
			t.Fatalf("new %s: %v", name, err)
		}
		if e.ObservationSize() != 2 || e.ActionSize() != 2 {
			t.Fatalf("%s: unexpected sizes obs=%d act=%d", name, e.ObservationSize(), e.ActionSize())
		}
	}
	if _, err := New("no-such-env"); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestNav2DObstacleBlocksMotion(t *testing.T) {
	e := NewNav2D(DefaultNav2DLayout())
	e.Reset(nil)

	if e.StateFree([]float64{5, 3}) {
		t.Fatal("state inside obstacle reported free")
	}
	if e.SegmentFree([]float64{4, 3}, []float64{6, 3}) {
		t.Fatal("segment through obstacle reported free")
	}
	if !e.SegmentFree([]float64{1, 8}, []float64{9, 8}) {
		t.Fatal("segment above wall gap reported blocked")
	}
}

func TestNav2DStepClipsAndRewards(t *testing.T) {
	e := NewNav2D(DefaultNav2DLayout())
	start := e.Reset(nil)

	next, reward, done := e.Step([]float64{10, 0})
	if done {
		t.Fatal("unexpected terminal step")
	}
	if reward != -1 {
		t.Fatalf("reward = %v, want -1", reward)
	}
	moved := next[0] - start[0]
	if moved > e.ActionRange()+1e-9 {
		t.Fatalf("moved %v, beyond action range %v", moved, e.ActionRange())
	}
}

func TestNav2DReachesGoal(t *testing.T) {
	layout := DefaultNav2DLayout()
	layout.Start = [2]float64{8.8, 8.8}
	e := NewNav2D(layout)
	e.Reset(nil)

	_, reward, done := e.Step([]float64{0.15, 0.15})
	if !done {
		t.Fatal("expected terminal step near goal")
	}
	if reward != 0 {
		t.Fatalf("terminal reward = %v, want 0", reward)
	}
	if !e.Success() {
		t.Fatal("expected success flag")
	}
}

func TestNav2DSampleStateIsFree(t *testing.T) {
	e := NewNav2D(ClutteredNav2DLayout())
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		q := e.SampleState(rng)
		if !e.StateFree(q) {
			t.Fatalf("sampled state %v is not free", q)
		}
	}
}
