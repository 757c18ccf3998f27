package types

// TraceStep is one environment step of an episode
type TraceStep struct {
	Step    int            `json:"step"`
	Encoded EncodedAction  `json:"encoded"`
	Action  TopologyAction `json:"action"`
	Reward  float64        `json:"reward"`
	Done    bool           `json:"done"`
	Info    StepInfo       `json:"info"`
}

// Trace of an episode
type Trace struct {
	Steps []TraceStep `json:"steps"`
}

func NewTrace() *Trace {
	return &Trace{
		Steps: make([]TraceStep, 0),
	}
}

func (t *Trace) Append(step int, encoded EncodedAction, action TopologyAction, res *StepResult) {
	t.Steps = append(t.Steps, TraceStep{
		Step:    step,
		Encoded: encoded,
		Action:  action,
		Reward:  res.Reward,
		Done:    res.Done,
		Info:    res.Info,
	})
}

func (t *Trace) Len() int {
	return len(t.Steps)
}

func (t *Trace) Get(i int) (TraceStep, bool) {
	if i < 0 || i >= len(t.Steps) {
		return TraceStep{}, false
	}
	return t.Steps[i], true
}

func (t *Trace) Last() (TraceStep, bool) {
	return t.Get(len(t.Steps) - 1)
}

// TotalReward of the episode
func (t *Trace) TotalReward() float64 {
	sum := 0.0
	for _, s := range t.Steps {
		sum += s.Reward
	}
	return sum
}

func (t *Trace) Slice(from, to int) *Trace {
	sliced := NewTrace()
	sliced.Steps = append(sliced.Steps, t.Steps[from:to]...)
	return sliced
}
