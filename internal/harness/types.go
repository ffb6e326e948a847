package harness

// TraceEvent records one executed step. Only deterministic facts are kept
// (no attempt counts or timings), so traces can be compared against golden
// files.
type TraceEvent struct {
	Step int    `yaml:"step"`
	Kind string `yaml:"kind"`

	// Deployment is "name/generation (mode)" of the deployment the step ran
	// against.
	Deployment string `yaml:"deployment"`

	Target      string `yaml:"target,omitempty"`
	SQL         string `yaml:"sql,omitempty"`
	Params      string `yaml:"params,omitempty"`
	Rows        string `yaml:"rows,omitempty"`
	Destination string `yaml:"destination,omitempty"`
	Artifacts   string `yaml:"artifacts,omitempty"`

	// Outcome is "ok" or "failed".
	Outcome string `yaml:"outcome"`
	Error   string `yaml:"error,omitempty"`
}

// Step outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step succeeded.
	Pass bool `yaml:"pass"`

	// Trace contains the executed steps in order, including the failing one.
	Trace []TraceEvent `yaml:"trace"`

	// Errors contains step failure messages. Empty if Pass is true.
	Errors []string `yaml:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step record.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
