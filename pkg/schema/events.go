package schema

// Event type constants for the per-run event log.
const (
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunTimedOut  = "run_timed_out"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepCacheHit  = "step_cache_hit"

	EventActionDispatched = "action_dispatched"
	EventActionFailed     = "action_failed"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIterStarted    = "loop_iter_started"
	EventLoopIterCompleted  = "loop_iter_completed"
	EventLoopIterFailed     = "loop_iter_failed"
	EventLoopCompleted      = "loop_completed"
	EventParallelStarted    = "parallel_started"
	EventParallelCompleted  = "parallel_completed"
	EventRaceSettled        = "race_settled"
	EventSubflowStarted     = "subflow_started"
	EventSubflowCompleted   = "subflow_completed"

	EventPauseCreated  = "pause_created"
	EventPauseResolved = "pause_resolved"
	EventPauseExpired  = "pause_expired"

	EventPublished = "event_published"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step invocation.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusPaused    StepStatus = "paused"
)

// TerminalStep reports whether a step status is final.
func TerminalStep(s StepStatus) bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// TriggerOrigin identifies how a run was started.
type TriggerOrigin string

const (
	OriginWebhook  TriggerOrigin = "webhook"
	OriginSchedule TriggerOrigin = "schedule"
	OriginEvent    TriggerOrigin = "event"
	OriginManual   TriggerOrigin = "manual"
	OriginPoll     TriggerOrigin = "poll"
)
