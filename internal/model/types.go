package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Transition is a single environment step. Once recorded it is never
// mutated; the replay buffer that stored it owns the backing slices.
type Transition struct {
	State     []float64 `json:"state"`
	Action    []float64 `json:"action"`
	Reward    float64   `json:"reward"`
	NextState []float64 `json:"next_state"`
	Done      bool      `json:"done"`
	Subgoal   []float64 `json:"subgoal,omitempty"`
	MetaLen   int       `json:"meta_len,omitempty"`
}

// Episode is an ordered run of transitions sharing one episode id,
// bounded by environment reset and termination.
type Episode struct {
	ID          string       `json:"id"`
	Transitions []Transition `json:"transitions"`
	Return      float64      `json:"return"`
	Success     bool         `json:"success"`
}

// SubgoalPhase is the high-level decision state machine position.
type SubgoalPhase int

const (
	AwaitingSubgoal SubgoalPhase = iota
	SubgoalActive
	SubgoalExpired
	SubgoalAchieved
)

func (p SubgoalPhase) String() string {
	switch p {
	case AwaitingSubgoal:
		return "awaiting_subgoal"
	case SubgoalActive:
		return "subgoal_active"
	case SubgoalExpired:
		return "expired"
	case SubgoalAchieved:
		return "achieved"
	default:
		return "unknown"
	}
}

// Subgoal is a target state chosen by the high-level policy. It stays
// valid for at most MaxLen low-level steps.
type Subgoal struct {
	Target  []float64
	MaxLen  int
	Elapsed int
	Phase   SubgoalPhase
}

// PlannerPath is an ordered sequence of way-states from a start state
// toward a subgoal. Cost is accumulated state-space distance.
type PlannerPath struct {
	Waypoints [][]float64
	Cost      float64
}

// Len reports the number of segments in the path.
func (p PlannerPath) Len() int {
	if len(p.Waypoints) == 0 {
		return 0
	}
	return len(p.Waypoints) - 1
}

// Checkpoint is the persisted snapshot of a run: policy parameters and
// progress counters, enough to resume training.
type Checkpoint struct {
	VersionedRecord
	RunID           string    `json:"run_id"`
	GlobalStep      int64     `json:"global_step"`
	UpdateIter      int       `json:"update_iter"`
	LowLevelParams  []float64 `json:"low_level_params"`
	HighLevelParams []float64 `json:"high_level_params"`
	CreatedAtMs     int64     `json:"created_at_ms"`
}

// RunSummary is the persisted end-of-run report.
type RunSummary struct {
	VersionedRecord
	RunID       string  `json:"run_id"`
	Env         string  `json:"env"`
	GlobalStep  int64   `json:"global_step"`
	UpdateIter  int     `json:"update_iter"`
	Cycles      int     `json:"cycles"`
	MeanReturn  float64 `json:"mean_return"`
	StdReturn   float64 `json:"std_return"`
	SuccessRate float64 `json:"success_rate"`
	StepsPerSec float64 `json:"steps_per_sec"`
	Workers     int     `json:"workers"`
}
