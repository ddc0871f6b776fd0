// Package ingest implements the Ingest/Store component from spec.md §4.1:
// the hot path that accepts events and chain-of-thought entries, redacts
// them, assigns a monotonic sequence under single-writer discipline,
// maintains a bounded in-memory ring for querying, enqueues asynchronous
// persistence, and folds every accepted record into the derived counters
// behind the Metrics Snapshot.
package ingest

import "time"

// Severity classifies an Event's importance and drives backpressure drop
// decisions (spec.md §4.1, §5).
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Phase classifies a chain-of-thought entry's reasoning stage.
type Phase string

const (
	PhaseObservation Phase = "observation"
	PhaseAnalysis    Phase = "analysis"
	PhasePlan        Phase = "plan"
	PhaseDecision    Phase = "decision"
	PhaseExecute     Phase = "execute"
	PhaseVerify      Phase = "verify"
	PhaseHypothesis  Phase = "hypothesis"
	PhaseCritique    Phase = "critique"
)

const schemaVersion = 1

// EventInput is the producer-supplied shape for recordEvent, before seq
// assignment and redaction.
type EventInput struct {
	ID            string
	Type          string
	Severity      Severity
	Source        string
	TaskID        string
	AgentID       string
	TraceID       string
	SpanID        string
	CorrelationID string
	Timestamp     time.Time
	Metadata      map[string]interface{}
}

// Event is the persisted/broadcast form (spec.md §3).
type Event struct {
	ID            string                 `json:"id"`
	Seq           uint64                 `json:"seq"`
	Type          string                 `json:"type"`
	Severity      Severity               `json:"severity"`
	Source        string                 `json:"source"`
	TaskID        string                 `json:"taskId,omitempty"`
	AgentID       string                 `json:"agentId,omitempty"`
	TraceID       string                 `json:"traceId,omitempty"`
	SpanID        string                 `json:"spanId,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	SchemaVersion int                    `json:"schemaVersion"`
	SourceVersion string                 `json:"sourceVersion,omitempty"`
}

// MinifiedEvent is the non-verbose SSE projection (spec.md §4.4).
type MinifiedEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	TaskID    string    `json:"taskId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Minified projects an Event to its SSE non-verbose form.
func (e Event) Minified() MinifiedEvent {
	return MinifiedEvent{
		ID:        e.ID,
		Type:      e.Type,
		Severity:  e.Severity,
		TaskID:    e.TaskID,
		Timestamp: e.Timestamp,
		Source:    e.Source,
	}
}

// CoTInput is the producer-supplied shape for recordChainOfThought.
type CoTInput struct {
	ID         string
	TaskID     string
	AgentID    string
	Phase      Phase
	Content    string
	Timestamp  time.Time
	Confidence *float64
}

// CoTEntry is the persisted/broadcast chain-of-thought form (spec.md §3).
type CoTEntry struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	TaskID        string    `json:"taskId,omitempty"`
	AgentID       string    `json:"agentId,omitempty"`
	Phase         Phase     `json:"phase"`
	Content       string    `json:"content,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Confidence    *float64  `json:"confidence,omitempty"`
	Redacted      bool      `json:"redacted"`
	Hash          string    `json:"hash"`
	SchemaVersion int       `json:"schemaVersion"`
	SourceVersion string    `json:"sourceVersion,omitempty"`
}

// StatusSummary is the derived status view served by GET /observer/status
// (spec.md §3).
type StatusSummary struct {
	Status             string `json:"status"`
	StartedAt          time.Time `json:"startedAt"`
	UptimeMs           int64  `json:"uptimeMs"`
	QueueDepth         int64  `json:"queueDepth"`
	MaxQueueSize       int    `json:"maxQueueSize"`
	ObserverDegraded   bool   `json:"observerDegraded"`
	LastFlushMs        int64  `json:"lastFlushMs"`
	ActiveFile         string `json:"activeFile"`
	BackpressureEvents int64  `json:"backpressureEvents"`
	AuthConfigured     bool   `json:"authConfigured"`
}

// MetricsSnapshot is the derived metrics view served by GET /observer/metrics
// (spec.md §3).
type MetricsSnapshot struct {
	ReasoningDepthAvg     float64   `json:"reasoningDepthAvg"`
	ReasoningDepthP95     float64   `json:"reasoningDepthP95"`
	DebateBreadthAvg      float64   `json:"debateBreadthAvg"`
	TaskSuccessRate       float64   `json:"taskSuccessRate"`
	ToolBudgetUtilization float64   `json:"toolBudgetUtilization"`
	ActiveTasks           int       `json:"activeTasks"`
	QueuedTasks           int       `json:"queuedTasks"`
	PolicyViolations      int       `json:"policyViolations"`
	QueueDepth            int64     `json:"queueDepth"`
	ObserverDegraded      bool      `json:"observerDegraded"`
	Timestamp             time.Time `json:"timestamp"`
}

// ProgressSummary backs GET /observer/progress (spec.md §6).
type ProgressSummary struct {
	Status             string         `json:"status"`
	ReasoningSteps      map[string]int `json:"reasoningSteps"`
	TotalReasoningSteps int            `json:"totalReasoningSteps"`
	UptimeMinutes       float64        `json:"uptimeMinutes"`
}

// TaskView is the merged runtime + ring-derived view served by
// GET /observer/tasks/:taskId (spec.md §4.1 getTask).
type TaskView struct {
	TaskID      string                 `json:"taskId"`
	State       string                 `json:"state"`
	Description string                 `json:"description,omitempty"`
	AssignedTo  string                 `json:"assignedTo,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Events      []Event                `json:"events"`
	CoT         []CoTEntry             `json:"chainOfThought"`
}
