package bus

// Task lifecycle topics. Published by internal/runtime reference
// implementations and consumed by internal/ingest to reconstruct task state
// alongside the event/CoT stream.
const (
	TopicTaskStateChanged = "observer.task.state_changed"
)

// TaskStateChangedMessage is published when a task transitions between
// lifecycle states (queued, active, completed, failed).
type TaskStateChangedMessage struct {
	TaskID    string
	OldStatus string
	NewStatus string
}
