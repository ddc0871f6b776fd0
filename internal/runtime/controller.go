// Package runtime defines the external collaborator the Observer Core
// delegates lifecycle and status operations to: the agent orchestration
// runtime itself. spec.md §1 puts task scheduling, the agent registry, and
// model inference out of scope and names the interface the core consumes
// instead (start, stop, submitTask, executeCommand, getStatus, getMetrics,
// getTaskSnapshot).
package runtime

import "context"

// TaskSubmission is the body of POST /observer/tasks.
type TaskSubmission struct {
	Description string
	SpecPath    string
	Metadata    map[string]interface{}
}

// SubmitResult is returned by SubmitTask. Queued is false when the runtime
// could not accept the task (e.g. at capacity or unreachable).
type SubmitResult struct {
	TaskID       string
	AssignmentID string
	Queued       bool
}

// CommandResult is returned by ExecuteCommand.
type CommandResult struct {
	Acknowledged bool
	Note         string
}

// StatusReport generalizes the teacher's engine.Status worker-pool snapshot
// into the Observer Core's runtime-reported counters. When Reachable is
// false, Ingest/Store falls back to event-log-derived values (spec.md §9
// open question resolution).
type StatusReport struct {
	Reachable   bool
	Running     bool
	ActiveTasks int
	QueuedTasks int
	LastError   string
}

// TaskSnapshot is the runtime's point-in-time view of a single task, merged
// by Ingest/Store with the ring-derived event/CoT timeline (spec.md §4.1
// getTask).
type TaskSnapshot struct {
	TaskID      string
	Status      string
	Description string
	AssignedTo  string
	Metadata    map[string]interface{}
}

// Controller is the runtime collaborator interface. Implementations live
// outside this repository in production; the reference implementation in
// this package exists only for local development and is never wired by
// default (SPEC_FULL.md §4 ambient additions).
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SubmitTask(ctx context.Context, sub TaskSubmission) (SubmitResult, error)
	ExecuteCommand(ctx context.Context, command string) (CommandResult, error)
	GetStatus(ctx context.Context) (StatusReport, error)
	GetMetrics(ctx context.Context) (map[string]interface{}, error)
	GetTaskSnapshot(ctx context.Context, taskID string) (*TaskSnapshot, error)
}
