package flow

// Run event types, appended to the run event log as an execution proceeds.
const (
	EventRunStarted     = "run.started"
	EventRunSucceeded   = "run.succeeded"
	EventRunFailed      = "run.failed"
	EventStateEntered   = "state.entered"
	EventStateCompleted = "state.completed"
	EventStateFailed    = "state.failed"
	EventStateCaught    = "state.caught"
	EventMapItemStarted = "map.item_started"
	EventMapItemDone    = "map.item_done"
)

// RunStatus is the lifecycle status of one graph execution.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)
