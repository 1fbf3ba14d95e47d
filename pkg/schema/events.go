package schema

// Run control event types recorded in the event log.
const (
	EventRunSubmitted = "run_submitted"
	EventRunCancelled = "run_cancelled"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
)

// RunState is the control state of a workflow run as seen by the Stop layers.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCancelled RunState = "cancelled"
)
