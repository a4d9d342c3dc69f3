package models

// Op codes recorded in OperationEntry.Op by the mutation engine. internal/watch
// maps each to an external event type (e.g. OpDone -> "task.completed").
const (
	OpAddTask              = "add_task"
	OpClaim                = "claim"
	OpUnclaim              = "unclaim"
	OpDone                 = "done"
	OpFail                 = "fail"
	OpRetry                = "retry"
	OpAbandon              = "abandon"
	OpPause                = "pause"
	OpResume               = "resume"
	OpHeartbeat            = "heartbeat"
	OpCycleReactivated     = "cycle_reactivated"
	OpCycleGuardUnresolved = "cycle_guard_unresolved"
	OpAgentSpawned         = "agent_spawned"
	OpAgentReaped          = "agent_reaped"
	OpFunctionApplied      = "function_applied"
	OpArchive              = "archive"
)
