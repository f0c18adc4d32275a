package policy

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"mopa/internal/model"
)

// HighLevelConfig configures the subgoal policy.
type HighLevelConfig struct {
	ObsSize         int
	SubgoalRange    float64
	MaxMetaLen      int
	Gamma           float64
	LearningRate    float64
	Tau             float64
	EntropyCoef     float64
	SMDPUpdate      bool
	DiscountMeta    bool
	SubgoalRew      float64
	TargetSmoothing bool
	Seed            int64
}

func (c HighLevelConfig) validate() error {
	if c.ObsSize <= 0 {
		return fmt.Errorf("obs size must be > 0, got %d", c.ObsSize)
	}
	if c.SubgoalRange <= 0 {
		return fmt.Errorf("subgoal range must be > 0, got %v", c.SubgoalRange)
	}
	if c.MaxMetaLen <= 0 {
		return fmt.Errorf("max meta len must be > 0, got %d", c.MaxMetaLen)
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be in (0, 1], got %v", c.Gamma)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be > 0, got %v", c.LearningRate)
	}
	if c.TargetSmoothing && (c.Tau <= 0 || c.Tau > 1) {
		return fmt.Errorf("tau must be in (0, 1] when target smoothing is on, got %v", c.Tau)
	}
	return nil
}

// HighLevel selects subgoals at SMDP resolution: a new decision every
// MaxMetaLen low-level steps or when the active subgoal resolves. The
// value update discounts by the number of elapsed low-level steps when
// SMDPUpdate is on.
type HighLevel struct {
	cfg HighLevelConfig

	featDim int // [s, 1]
	quadDim int // [s, g-s, 1]
	actorW  *mat.Dense
	logStd  []float64
	critic  []float64
	target  []float64

	noise distuv.Normal

	phase      model.SubgoalPhase
	current    model.Subgoal
	metaStart  []float64
	metaReward float64
}

// NewHighLevel builds a zero-initialized high-level policy in the
// AWAITING_SUBGOAL phase.
func NewHighLevel(cfg HighLevelConfig) (*HighLevel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	featDim := cfg.ObsSize + 1
	quadDim := 2*cfg.ObsSize + 1
	p := &HighLevel{
		cfg:     cfg,
		featDim: featDim,
		quadDim: quadDim,
		actorW:  mat.NewDense(cfg.ObsSize, featDim, nil),
		logStd:  make([]float64, cfg.ObsSize),
		critic:  make([]float64, quadDim),
		target:  make([]float64, quadDim),
		noise:   distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(uint64(cfg.Seed))},
		phase:   model.AwaitingSubgoal,
	}
	for i := range p.logStd {
		p.logStd[i] = -0.5
	}
	return p, nil
}

// Phase reports the state machine position.
func (p *HighLevel) Phase() model.SubgoalPhase { return p.phase }

func (p *HighLevel) features(state []float64) []float64 {
	out := make([]float64, p.featDim)
	copy(out, state)
	out[p.featDim-1] = 1
	return out
}

func (p *HighLevel) criticFeatures(state, subgoal []float64) []float64 {
	out := make([]float64, p.quadDim)
	copy(out, state)
	for i := range state {
		out[p.cfg.ObsSize+i] = subgoal[i] - state[i]
	}
	out[p.quadDim-1] = 1
	return out
}

// SelectSubgoal starts a new meta-step. Only legal in the
// AWAITING_SUBGOAL phase.
func (p *HighLevel) SelectSubgoal(state []float64, deterministic bool) (model.Subgoal, error) {
	if p.phase != model.AwaitingSubgoal {
		return model.Subgoal{}, fmt.Errorf("subgoal selection in phase %s", p.phase)
	}

	phi := p.features(state)
	z := mat.NewVecDense(p.cfg.ObsSize, nil)
	z.MulVec(p.actorW, mat.NewVecDense(len(phi), phi))

	target := make([]float64, p.cfg.ObsSize)
	for i := range target {
		delta := p.cfg.SubgoalRange * math.Tanh(z.AtVec(i))
		if !deterministic {
			delta += math.Exp(p.logStd[i]) * p.noise.Rand()
			if delta > p.cfg.SubgoalRange {
				delta = p.cfg.SubgoalRange
			}
			if delta < -p.cfg.SubgoalRange {
				delta = -p.cfg.SubgoalRange
			}
		}
		target[i] = state[i] + delta
	}

	p.current = model.Subgoal{
		Target: target,
		MaxLen: p.cfg.MaxMetaLen,
		Phase:  model.SubgoalActive,
	}
	p.metaStart = append([]float64(nil), state...)
	p.metaReward = 0
	p.phase = model.SubgoalActive
	return p.current, nil
}

// ObserveStep accounts one low-level step under the active subgoal and
// advances the state machine: ACHIEVED when the subgoal is reached,
// EXPIRED when MaxMetaLen elapses or the episode ends.
func (p *HighLevel) ObserveStep(reward float64, achieved, episodeDone bool) error {
	if p.phase != model.SubgoalActive {
		return fmt.Errorf("step observed in phase %s", p.phase)
	}

	if p.cfg.DiscountMeta {
		p.metaReward += math.Pow(p.cfg.Gamma, float64(p.current.Elapsed)) * reward
	} else {
		p.metaReward += reward
	}
	p.current.Elapsed++

	switch {
	case achieved:
		p.phase = model.SubgoalAchieved
		p.current.Phase = model.SubgoalAchieved
	case p.current.Elapsed >= p.current.MaxLen || episodeDone:
		p.phase = model.SubgoalExpired
		p.current.Phase = model.SubgoalExpired
	}
	return nil
}

// FinishMeta closes the meta-step and returns its SMDP transition. The
// per-meta-step subgoal penalty is folded into the reward here. The
// machine returns to AWAITING_SUBGOAL.
func (p *HighLevel) FinishMeta(nextState []float64, episodeDone bool) (model.Transition, error) {
	if p.phase != model.SubgoalExpired && p.phase != model.SubgoalAchieved {
		return model.Transition{}, fmt.Errorf("meta finish in phase %s", p.phase)
	}

	tr := model.Transition{
		State:     p.metaStart,
		Action:    append([]float64(nil), p.current.Target...),
		Reward:    p.metaReward + p.cfg.SubgoalRew,
		NextState: append([]float64(nil), nextState...),
		Done:      episodeDone,
		Subgoal:   append([]float64(nil), p.current.Target...),
		MetaLen:   p.current.Elapsed,
	}
	p.phase = model.AwaitingSubgoal
	p.current = model.Subgoal{}
	p.metaStart = nil
	p.metaReward = 0
	return tr, nil
}

// Abort discards the active meta-step, e.g. after an unrecoverable
// planning failure, and returns to AWAITING_SUBGOAL.
func (p *HighLevel) Abort() {
	p.phase = model.AwaitingSubgoal
	p.current = model.Subgoal{}
	p.metaStart = nil
	p.metaReward = 0
}

// NumParams reports the flattened parameter count.
func (p *HighLevel) NumParams() int {
	return p.cfg.ObsSize*p.featDim + p.cfg.ObsSize + p.quadDim
}

// Params flattens the learnable parameters.
func (p *HighLevel) Params() []float64 {
	out := make([]float64, 0, p.NumParams())
	out = append(out, p.actorW.RawMatrix().Data...)
	out = append(out, p.logStd...)
	out = append(out, p.critic...)
	return out
}

// SetParams installs a flattened parameter vector; the target critic
// is reset to the installed critic.
func (p *HighLevel) SetParams(params []float64) error {
	if len(params) != p.NumParams() {
		return fmt.Errorf("param length mismatch: got %d, want %d", len(params), p.NumParams())
	}
	offset := 0
	actorData := p.actorW.RawMatrix().Data
	copy(actorData, params[offset:offset+len(actorData)])
	offset += len(actorData)
	copy(p.logStd, params[offset:offset+p.cfg.ObsSize])
	offset += p.cfg.ObsSize
	copy(p.critic, params[offset:])
	copy(p.target, p.critic)
	return nil
}

// ComputeGradients evaluates a batch of meta transitions. The discount
// exponent is the stored meta-step length when SMDPUpdate is on, one
// otherwise.
func (p *HighLevel) ComputeGradients(batch []model.Transition) ([]float64, UpdateStats, error) {
	if len(batch) == 0 {
		return nil, UpdateStats{}, fmt.Errorf("empty batch")
	}

	actorGrad := make([]float64, p.cfg.ObsSize*p.featDim)
	logStdGrad := make([]float64, p.cfg.ObsSize)
	criticGrad := make([]float64, p.quadDim)

	criticLoss := 0.0
	actorLoss := 0.0
	inv := 1.0 / float64(len(batch))

	for _, tr := range batch {
		exponent := 1.0
		if p.cfg.SMDPUpdate {
			if tr.MetaLen < 1 {
				return nil, UpdateStats{}, fmt.Errorf("meta transition without meta length")
			}
			exponent = float64(tr.MetaLen)
		}
		discount := math.Pow(p.cfg.Gamma, exponent)

		nextSubgoal := p.deterministicSubgoal(tr.NextState)
		target := tr.Reward
		if !tr.Done {
			target += discount * floats.Dot(p.target, p.criticFeatures(tr.NextState, nextSubgoal))
		}

		psi := p.criticFeatures(tr.State, tr.Action)
		delta := floats.Dot(p.critic, psi) - target
		criticLoss += delta * delta * inv
		floats.AddScaled(criticGrad, 2*delta*inv, psi)

		// Ascend Q(s, g(s)) through the tanh-squashed displacement.
		phi := p.features(tr.State)
		z := mat.NewVecDense(p.cfg.ObsSize, nil)
		z.MulVec(p.actorW, mat.NewVecDense(len(phi), phi))
		muPsi := p.criticFeatures(tr.State, p.deterministicSubgoal(tr.State))
		actorLoss -= floats.Dot(p.critic, muPsi) * inv
		for k := 0; k < p.cfg.ObsSize; k++ {
			dQdg := p.critic[p.cfg.ObsSize+k]
			tanhZ := math.Tanh(z.AtVec(k))
			scale := -dQdg * p.cfg.SubgoalRange * (1 - tanhZ*tanhZ) * inv
			for i := 0; i < p.featDim; i++ {
				actorGrad[k*p.featDim+i] += scale * phi[i]
			}
		}
	}

	for k := range logStdGrad {
		logStdGrad[k] = -p.cfg.EntropyCoef
	}

	if nonFinite(criticLoss) || nonFinite(actorLoss) {
		return nil, UpdateStats{}, fmt.Errorf("%w: critic_loss=%v actor_loss=%v", ErrTrainingDivergence, criticLoss, actorLoss)
	}

	grad := make([]float64, 0, p.NumParams())
	grad = append(grad, actorGrad...)
	grad = append(grad, logStdGrad...)
	grad = append(grad, criticGrad...)
	entropy := 0.0
	for _, ls := range p.logStd {
		entropy += ls + 0.5*math.Log(2*math.Pi*math.E)
	}
	return grad, UpdateStats{CriticLoss: criticLoss, ActorLoss: actorLoss, Entropy: entropy}, nil
}

func (p *HighLevel) deterministicSubgoal(state []float64) []float64 {
	phi := p.features(state)
	z := mat.NewVecDense(p.cfg.ObsSize, nil)
	z.MulVec(p.actorW, mat.NewVecDense(len(phi), phi))
	out := make([]float64, p.cfg.ObsSize)
	for i := range out {
		out[i] = state[i] + p.cfg.SubgoalRange*math.Tanh(z.AtVec(i))
	}
	return out
}

// ApplyGradients takes one descent step and smooths the target critic.
func (p *HighLevel) ApplyGradients(grad []float64) error {
	if len(grad) != p.NumParams() {
		return fmt.Errorf("gradient length mismatch: got %d, want %d", len(grad), p.NumParams())
	}

	offset := 0
	actorData := p.actorW.RawMatrix().Data
	floats.AddScaled(actorData, -p.cfg.LearningRate, grad[offset:offset+len(actorData)])
	offset += len(actorData)

	floats.AddScaled(p.logStd, -p.cfg.LearningRate, grad[offset:offset+p.cfg.ObsSize])
	for i := range p.logStd {
		p.logStd[i] = clampLogStd(p.logStd[i])
	}
	offset += p.cfg.ObsSize

	floats.AddScaled(p.critic, -p.cfg.LearningRate, grad[offset:])

	if p.cfg.TargetSmoothing {
		polyak(p.target, p.critic, p.cfg.Tau)
	} else {
		copy(p.target, p.critic)
	}

	if anyNonFinite(actorData) || anyNonFinite(p.logStd) || anyNonFinite(p.critic) {
		return fmt.Errorf("%w: non-finite parameter after update", ErrTrainingDivergence)
	}
	return nil
}

// Update computes and applies gradients in one step.
func (p *HighLevel) Update(batch []model.Transition) (UpdateStats, error) {
	grad, stats, err := p.ComputeGradients(batch)
	if err != nil {
		return UpdateStats{}, err
	}
	if err := p.ApplyGradients(grad); err != nil {
		return UpdateStats{}, err
	}
	return stats, nil
}
