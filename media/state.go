package media

type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateCancelRequested State = "cancel_requested"
	StateFinished        State = "finished"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Outcome is the terminal result of a run. Success and Canceled are only
// meaningful for StateFinished; Err is set for StateFailed.
type Outcome struct {
	State    State
	Success  bool
	Canceled bool
	Err      error
}

func Completed() Outcome { return Outcome{State: StateFinished, Success: true} }
func Canceled() Outcome  { return Outcome{State: StateFinished, Canceled: true} }
func Failed(err error) Outcome {
	return Outcome{State: StateFailed, Err: err}
}
