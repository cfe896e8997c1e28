package agent

// OutcomeKind is how a session ended.
type OutcomeKind int

const (
	// OutcomeExited means the child exited with a code, which was reported.
	OutcomeExited OutcomeKind = iota
	// OutcomeSignaled means the child was terminated without an exit code.
	OutcomeSignaled
	// OutcomeFailed means the session failed and an Error was reported.
	OutcomeFailed
	// OutcomeDisconnected means the parent went away. Nothing was reported.
	OutcomeDisconnected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExited:
		return "exited"
	case OutcomeSignaled:
		return "signaled"
	case OutcomeFailed:
		return "failed"
	case OutcomeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind OutcomeKind
	// Code is the exit code, set when Kind is OutcomeExited.
	Code int
	// Err is set when Kind is OutcomeFailed or OutcomeDisconnected.
	Err error
}
