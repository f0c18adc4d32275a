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

// LowLevelConfig configures the primitive-action policy.
type LowLevelConfig struct {
	ObsSize         int
	ActionSize      int
	ActionRange     float64
	Gamma           float64
	LearningRate    float64
	Tau             float64
	EntropyCoef     float64
	TargetSmoothing bool
	Seed            int64
}

func (c LowLevelConfig) validate() error {
	if c.ObsSize <= 0 {
		return fmt.Errorf("obs size must be > 0, got %d", c.ObsSize)
	}
	if c.ActionSize <= 0 {
		return fmt.Errorf("action size must be > 0, got %d", c.ActionSize)
	}
	if c.ActionRange <= 0 {
		return fmt.Errorf("action range must be > 0, got %v", c.ActionRange)
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
	if c.EntropyCoef < 0 {
		return fmt.Errorf("entropy coefficient must be >= 0, got %v", c.EntropyCoef)
	}
	return nil
}

// LowLevel maps (state, waypoint) pairs to bounded continuous actions.
// The actor is a linear-Gaussian head squashed by tanh; twin linear
// critics score (state, waypoint, action) features, with polyak-
// smoothed target copies when configured.
type LowLevel struct {
	cfg LowLevelConfig

	featDim  int // [state, waypoint-state, 1]
	quadDim  int // [state, waypoint-state, action, 1]
	actorW   *mat.Dense
	logStd   []float64
	critic1  []float64
	critic2  []float64
	target1  []float64
	target2  []float64

	noise distuv.Normal
}

// NewLowLevel builds a zero-initialized low-level policy.
func NewLowLevel(cfg LowLevelConfig) (*LowLevel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	featDim := 2*cfg.ObsSize + 1
	quadDim := 2*cfg.ObsSize + cfg.ActionSize + 1
	p := &LowLevel{
		cfg:     cfg,
		featDim: featDim,
		quadDim: quadDim,
		actorW:  mat.NewDense(cfg.ActionSize, featDim, nil),
		logStd:  make([]float64, cfg.ActionSize),
		critic1: make([]float64, quadDim),
		critic2: make([]float64, quadDim),
		target1: make([]float64, quadDim),
		target2: make([]float64, quadDim),
		noise:   distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(uint64(cfg.Seed))},
	}
	for i := range p.logStd {
		p.logStd[i] = -0.5
	}
	return p, nil
}

// features builds the actor feature vector [s, w-s, 1].
func (p *LowLevel) features(state, waypoint []float64) []float64 {
	out := make([]float64, p.featDim)
	copy(out, state)
	for i := range state {
		out[p.cfg.ObsSize+i] = waypoint[i] - state[i]
	}
	out[p.featDim-1] = 1
	return out
}

// criticFeatures builds [s, w-s, a, 1].
func (p *LowLevel) criticFeatures(state, waypoint, action []float64) []float64 {
	out := make([]float64, p.quadDim)
	copy(out, state)
	for i := range state {
		out[p.cfg.ObsSize+i] = waypoint[i] - state[i]
	}
	copy(out[2*p.cfg.ObsSize:], action)
	out[p.quadDim-1] = 1
	return out
}

func (p *LowLevel) mean(phi []float64) []float64 {
	z := mat.NewVecDense(p.cfg.ActionSize, nil)
	z.MulVec(p.actorW, mat.NewVecDense(len(phi), phi))
	out := make([]float64, p.cfg.ActionSize)
	for i := range out {
		out[i] = p.cfg.ActionRange * math.Tanh(z.AtVec(i))
	}
	return out
}

// Act returns an action for the given state and waypoint. When
// deterministic it returns the squashed mean; otherwise Gaussian
// exploration noise scaled by the learned std is added and the result
// clipped back into the action range.
func (p *LowLevel) Act(state, waypoint []float64, deterministic bool) []float64 {
	action := p.mean(p.features(state, waypoint))
	if deterministic {
		return action
	}
	for i := range action {
		std := math.Exp(p.logStd[i])
		action[i] += std * p.noise.Rand()
		if action[i] > p.cfg.ActionRange {
			action[i] = p.cfg.ActionRange
		}
		if action[i] < -p.cfg.ActionRange {
			action[i] = -p.cfg.ActionRange
		}
	}
	return action
}

// Entropy is the differential entropy of the Gaussian head.
func (p *LowLevel) Entropy() float64 {
	sum := 0.0
	for _, ls := range p.logStd {
		sum += ls + 0.5*math.Log(2*math.Pi*math.E)
	}
	return sum
}

// NumParams reports the flattened parameter count: actor weights,
// log-std head and both critics. Target copies are derived state.
func (p *LowLevel) NumParams() int {
	return p.cfg.ActionSize*p.featDim + p.cfg.ActionSize + 2*p.quadDim
}

// Params flattens the learnable parameters.
func (p *LowLevel) Params() []float64 {
	out := make([]float64, 0, p.NumParams())
	out = append(out, p.actorW.RawMatrix().Data...)
	out = append(out, p.logStd...)
	out = append(out, p.critic1...)
	out = append(out, p.critic2...)
	return out
}

// SetParams installs a flattened parameter vector and resets the
// target critics to the installed critics, so freshly synchronized
// workers agree on derived state too.
func (p *LowLevel) SetParams(params []float64) error {
	if len(params) != p.NumParams() {
		return fmt.Errorf("param length mismatch: got %d, want %d", len(params), p.NumParams())
	}
	offset := 0
	copy(p.actorW.RawMatrix().Data, params[offset:offset+p.cfg.ActionSize*p.featDim])
	offset += p.cfg.ActionSize * p.featDim
	copy(p.logStd, params[offset:offset+p.cfg.ActionSize])
	offset += p.cfg.ActionSize
	copy(p.critic1, params[offset:offset+p.quadDim])
	offset += p.quadDim
	copy(p.critic2, params[offset:])
	copy(p.target1, p.critic1)
	copy(p.target2, p.critic2)
	return nil
}

// ComputeGradients evaluates one batch and returns the flattened
// gradient of the combined actor-critic loss, without touching the
// parameters. The trainer may all-reduce the result across workers
// before applying it.
func (p *LowLevel) ComputeGradients(batch []model.Transition) ([]float64, UpdateStats, error) {
	if len(batch) == 0 {
		return nil, UpdateStats{}, fmt.Errorf("empty batch")
	}

	actorGrad := make([]float64, p.cfg.ActionSize*p.featDim)
	logStdGrad := make([]float64, p.cfg.ActionSize)
	critic1Grad := make([]float64, p.quadDim)
	critic2Grad := make([]float64, p.quadDim)

	criticLoss := 0.0
	actorLoss := 0.0
	inv := 1.0 / float64(len(batch))

	for _, tr := range batch {
		waypoint := tr.Subgoal
		if waypoint == nil {
			waypoint = tr.NextState
		}

		// Critic TD target from the target networks with the
		// entropy-regularized next action value.
		nextAction := p.mean(p.features(tr.NextState, waypoint))
		nextPsi := p.criticFeatures(tr.NextState, waypoint, nextAction)
		nextQ := math.Min(floats.Dot(p.target1, nextPsi), floats.Dot(p.target2, nextPsi))
		nextQ -= p.cfg.EntropyCoef * p.logProbMean()

		target := tr.Reward
		if !tr.Done {
			target += p.cfg.Gamma * nextQ
		}

		psi := p.criticFeatures(tr.State, waypoint, tr.Action)
		delta1 := floats.Dot(p.critic1, psi) - target
		delta2 := floats.Dot(p.critic2, psi) - target
		criticLoss += (delta1*delta1 + delta2*delta2) * inv
		floats.AddScaled(critic1Grad, 2*delta1*inv, psi)
		floats.AddScaled(critic2Grad, 2*delta2*inv, psi)

		// Actor: ascend Q1(s, mu(s)) through the tanh squash.
		phi := p.features(tr.State, waypoint)
		z := mat.NewVecDense(p.cfg.ActionSize, nil)
		z.MulVec(p.actorW, mat.NewVecDense(len(phi), phi))
		muPsi := p.criticFeatures(tr.State, waypoint, p.mean(phi))
		actorLoss -= floats.Dot(p.critic1, muPsi) * inv
		for k := 0; k < p.cfg.ActionSize; k++ {
			dQda := p.critic1[2*p.cfg.ObsSize+k]
			tanhZ := math.Tanh(z.AtVec(k))
			scale := -dQda * p.cfg.ActionRange * (1 - tanhZ*tanhZ) * inv
			for i := 0; i < p.featDim; i++ {
				actorGrad[k*p.featDim+i] += scale * phi[i]
			}
		}
	}

	// Entropy bonus pushes the exploration std up.
	for k := range logStdGrad {
		logStdGrad[k] = -p.cfg.EntropyCoef
	}
	entropy := p.Entropy()
	actorLoss -= p.cfg.EntropyCoef * entropy

	if nonFinite(criticLoss) || nonFinite(actorLoss) {
		return nil, UpdateStats{}, fmt.Errorf("%w: critic_loss=%v actor_loss=%v", ErrTrainingDivergence, criticLoss, actorLoss)
	}

	grad := make([]float64, 0, p.NumParams())
	grad = append(grad, actorGrad...)
	grad = append(grad, logStdGrad...)
	grad = append(grad, critic1Grad...)
	grad = append(grad, critic2Grad...)
	return grad, UpdateStats{CriticLoss: criticLoss, ActorLoss: actorLoss, Entropy: entropy}, nil
}

// logProbMean approximates the log-density of the current Gaussian at
// its mean, which is what the entropy correction needs.
func (p *LowLevel) logProbMean() float64 {
	sum := 0.0
	for _, ls := range p.logStd {
		sum += -ls - 0.5*math.Log(2*math.Pi)
	}
	return sum
}

// ApplyGradients takes one descent step and smooths the target
// critics. A non-finite parameter afterwards is fatal.
func (p *LowLevel) ApplyGradients(grad []float64) error {
	if len(grad) != p.NumParams() {
		return fmt.Errorf("gradient length mismatch: got %d, want %d", len(grad), p.NumParams())
	}

	offset := 0
	actorData := p.actorW.RawMatrix().Data
	floats.AddScaled(actorData, -p.cfg.LearningRate, grad[offset:offset+len(actorData)])
	offset += len(actorData)

	floats.AddScaled(p.logStd, -p.cfg.LearningRate, grad[offset:offset+p.cfg.ActionSize])
	for i := range p.logStd {
		p.logStd[i] = clampLogStd(p.logStd[i])
	}
	offset += p.cfg.ActionSize

	floats.AddScaled(p.critic1, -p.cfg.LearningRate, grad[offset:offset+p.quadDim])
	offset += p.quadDim
	floats.AddScaled(p.critic2, -p.cfg.LearningRate, grad[offset:])

	if p.cfg.TargetSmoothing {
		polyak(p.target1, p.critic1, p.cfg.Tau)
		polyak(p.target2, p.critic2, p.cfg.Tau)
	} else {
		copy(p.target1, p.critic1)
		copy(p.target2, p.critic2)
	}

	if anyNonFinite(actorData) || anyNonFinite(p.logStd) || anyNonFinite(p.critic1) || anyNonFinite(p.critic2) {
		return fmt.Errorf("%w: non-finite parameter after update", ErrTrainingDivergence)
	}
	return nil
}

// Update computes and applies gradients in one step, for the
// single-worker path.
func (p *LowLevel) Update(batch []model.Transition) (UpdateStats, error) {
	grad, stats, err := p.ComputeGradients(batch)
	if err != nil {
		return UpdateStats{}, err
	}
	if err := p.ApplyGradients(grad); err != nil {
		return UpdateStats{}, err
	}
	return stats, nil
}

func polyak(target, source []float64, tau float64) {
	for i := range target {
		target[i] = tau*source[i] + (1-tau)*target[i]
	}
}
