package policy

import (
	"math"
	"testing"

	"mopa/internal/model"
)

func highLevelConfig() HighLevelConfig {
	return HighLevelConfig{
		ObsSize:      2,
		SubgoalRange: 2,
		MaxMetaLen:   3,
		Gamma:        0.9,
		LearningRate: 0.01,
		Tau:          0.05,
		EntropyCoef:  0.1,
		SMDPUpdate:   true,
		SubgoalRew:   -1,
		Seed:         9,
	}
}

func TestSubgoalStateMachine(t *testing.T) {
	p, err := NewHighLevel(highLevelConfig())
	if err != nil {
		t.Fatalf("new high level: %v", err)
	}
	if p.Phase() != model.AwaitingSubgoal {
		t.Fatalf("initial phase = %s", p.Phase())
	}

	sg, err := p.SelectSubgoal([]float64{1, 1}, false)
	if err != nil {
		t.Fatalf("select subgoal: %v", err)
	}
	if p.Phase() != model.SubgoalActive {
		t.Fatalf("phase after select = %s", p.Phase())
	}
	for i, v := range sg.Target {
		if math.Abs(v-1) > highLevelConfig().SubgoalRange+1e-9 {
			t.Fatalf("subgoal component %d = %v beyond range", i, v)
		}
	}

	if _, err := p.SelectSubgoal([]float64{1, 1}, false); err == nil {
		t.Fatal("expected error selecting subgoal while one is active")
	}

	if err := p.ObserveStep(-1, true, false); err != nil {
		t.Fatalf("observe step: %v", err)
	}
	if p.Phase() != model.SubgoalAchieved {
		t.Fatalf("phase after achievement = %s", p.Phase())
	}

	tr, err := p.FinishMeta([]float64{1.5, 1.5}, false)
	if err != nil {
		t.Fatalf("finish meta: %v", err)
	}
	if tr.MetaLen != 1 {
		t.Fatalf("meta len = %d, want 1", tr.MetaLen)
	}
	if tr.Reward != -1+highLevelConfig().SubgoalRew {
		t.Fatalf("meta reward = %v, want %v", tr.Reward, -1+highLevelConfig().SubgoalRew)
	}
	if p.Phase() != model.AwaitingSubgoal {
		t.Fatalf("phase after finish = %s", p.Phase())
	}
}

func TestSubgoalExpiresAtMaxMetaLen(t *testing.T) {
	p, _ := NewHighLevel(highLevelConfig())
	if _, err := p.SelectSubgoal([]float64{0, 0}, false); err != nil {
		t.Fatalf("select subgoal: %v", err)
	}

	for i := 0; i < highLevelConfig().MaxMetaLen; i++ {
		if p.Phase() != model.SubgoalActive {
			t.Fatalf("phase = %s before step %d", p.Phase(), i)
		}
		if err := p.ObserveStep(-1, false, false); err != nil {
			t.Fatalf("observe step %d: %v", i, err)
		}
	}
	if p.Phase() != model.SubgoalExpired {
		t.Fatalf("phase = %s, want expired at max meta len", p.Phase())
	}

	tr, err := p.FinishMeta([]float64{0.5, 0.5}, false)
	if err != nil {
		t.Fatalf("finish meta: %v", err)
	}
	if tr.MetaLen != highLevelConfig().MaxMetaLen {
		t.Fatalf("meta len = %d, want %d", tr.MetaLen, highLevelConfig().MaxMetaLen)
	}
	if err := p.ObserveStep(-1, false, false); err == nil {
		t.Fatal("expected error observing step without an active subgoal")
	}
}

func TestAbortReturnsToAwaiting(t *testing.T) {
	p, _ := NewHighLevel(highLevelConfig())
	if _, err := p.SelectSubgoal([]float64{0, 0}, false); err != nil {
		t.Fatalf("select subgoal: %v", err)
	}
	p.Abort()
	if p.Phase() != model.AwaitingSubgoal {
		t.Fatalf("phase after abort = %s", p.Phase())
	}
	if _, err := p.SelectSubgoal([]float64{0, 0}, false); err != nil {
		t.Fatalf("select after abort: %v", err)
	}
}

func TestDiscountedMetaReward(t *testing.T) {
	cfg := highLevelConfig()
	cfg.DiscountMeta = true
	cfg.SubgoalRew = 0
	p, _ := NewHighLevel(cfg)

	if _, err := p.SelectSubgoal([]float64{0, 0}, false); err != nil {
		t.Fatalf("select subgoal: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.ObserveStep(-1, false, false); err != nil {
			t.Fatalf("observe step: %v", err)
		}
	}
	tr, err := p.FinishMeta([]float64{0, 0}, false)
	if err != nil {
		t.Fatalf("finish meta: %v", err)
	}
	want := -(1 + cfg.Gamma + cfg.Gamma*cfg.Gamma)
	if math.Abs(tr.Reward-want) > 1e-12 {
		t.Fatalf("discounted meta reward = %v, want %v", tr.Reward, want)
	}
}

func metaBatch(metaLen int) []model.Transition {
	batch := make([]model.Transition, 0, 4)
	for i := 0; i < 4; i++ {
		v := float64(i)
		batch = append(batch, model.Transition{
			State:     []float64{v, v},
			Action:    []float64{v + 1, v + 1},
			Reward:    -3,
			NextState: []float64{v + 1, v + 1},
			MetaLen:   metaLen,
		})
	}
	return batch
}

func TestSMDPDiscountUsesMetaLength(t *testing.T) {
	// With a critic whose next-state value is nonzero, the TD target
	// and therefore the gradient must depend on the meta length only
	// when SMDP updates are on.
	prime := func(smdp bool) *HighLevel {
		cfg := highLevelConfig()
		cfg.SMDPUpdate = smdp
		p, _ := NewHighLevel(cfg)
		if _, err := p.Update(metaBatch(1)); err != nil {
			panic(err)
		}
		return p
	}

	smdpA := prime(true)
	gradShort, _, err := smdpA.ComputeGradients(metaBatch(1))
	if err != nil {
		t.Fatalf("compute gradients: %v", err)
	}
	gradLong, _, err := smdpA.ComputeGradients(metaBatch(5))
	if err != nil {
		t.Fatalf("compute gradients: %v", err)
	}
	if Checksum(gradShort) == Checksum(gradLong) {
		t.Fatal("SMDP gradients ignore meta length")
	}

	plain := prime(false)
	gradShort, _, err = plain.ComputeGradients(metaBatch(1))
	if err != nil {
		t.Fatalf("compute gradients: %v", err)
	}
	gradLong, _, err = plain.ComputeGradients(metaBatch(5))
	if err != nil {
		t.Fatalf("compute gradients: %v", err)
	}
	if Checksum(gradShort) != Checksum(gradLong) {
		t.Fatal("non-SMDP gradients depend on meta length")
	}
}

func TestSMDPUpdateRejectsMissingMetaLen(t *testing.T) {
	p, _ := NewHighLevel(highLevelConfig())
	if _, _, err := p.ComputeGradients(metaBatch(0)); err == nil {
		t.Fatal("expected error for meta transition without meta length")
	}
}
