package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/observer-core/internal/bus"
	obsotel "github.com/basket/observer-core/internal/otel"
	"github.com/basket/observer-core/internal/redact"
	"github.com/basket/observer-core/internal/runtime"
	"github.com/basket/observer-core/internal/writer"
)

const sourceVersionTag = "observer-core/v1"

// StoreConfig is the subset of config.Config the Ingest/Store needs.
type StoreConfig struct {
	MaxQueueSize   int
	RingCapacity   int
	AuthConfigured bool
	Standalone     bool
}

// Store is the Ingest/Store component (spec.md §4.1). All mutation of
// sequence counters, rings, derived counters, and task state happens under
// mu, forming the single-writer critical section described in spec.md §5;
// only the async-writer enqueue crosses that boundary.
type Store struct {
	mu sync.Mutex

	cfg      StoreConfig
	redactor *redact.Redactor
	writer   *writer.Manager
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *obsotel.Metrics
	runtime  runtime.Controller

	startedAt time.Time

	eventSeq uint64
	cotSeq   uint64
	eventRing *eventRing
	cotRing   *cotRing

	pendingWrites      int64
	backpressureEvents int64
	degraded           bool
	lastFlushMs        int64

	totalTasks      int
	successfulTasks int
	policyViolations int

	aggregateBudgetDebit float64
	aggregateBudgetLimit float64

	reasoningCounts map[string]int
	taskDepth       map[string]int
	taskBreadth     map[string]map[string]struct{}
	taskStates      map[string]string
}

// NewStore constructs an Ingest/Store. runtimeController may be nil (no
// runtime attached); metrics may be nil (telemetry disabled).
func NewStore(cfg StoreConfig, red *redact.Redactor, wm *writer.Manager, b *bus.Bus, logger *slog.Logger, metrics *obsotel.Metrics, runtimeController runtime.Controller) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:             cfg,
		redactor:        red,
		writer:          wm,
		bus:             b,
		logger:          logger,
		metrics:         metrics,
		runtime:         runtimeController,
		startedAt:       time.Now().UTC(),
		eventRing:       newEventRing(cfg.RingCapacity),
		cotRing:         newCoTRing(cfg.RingCapacity),
		reasoningCounts: make(map[string]int),
		taskDepth:       make(map[string]int),
		taskBreadth:     make(map[string]map[string]struct{}),
		taskStates:      make(map[string]string),
	}
}

// RuntimeAttached reports whether a runtime.Controller was wired in.
func (s *Store) RuntimeAttached() bool {
	return s.runtime != nil
}

// QueueDepth reports the current count of records enqueued to the async
// writer but not yet flushed, for the observer.writer.queue_depth gauge.
func (s *Store) QueueDepth() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingWrites
}

// RecordEvent implements recordEvent(e) from spec.md §4.1.
func (s *Store) RecordEvent(in EventInput) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	severity := in.Severity
	if severity == "" {
		severity = SeverityInfo
	}

	redactedMeta := s.redactMetadata(in.Metadata)

	s.mu.Lock()
	s.eventSeq++
	seq := s.eventSeq

	if s.pendingWrites >= int64(s.cfg.MaxQueueSize) && (severity == SeverityDebug || severity == SeverityInfo) {
		s.backpressureEvents++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.BackpressureDrops.Add(context.Background(), 1)
		}
		return
	}

	ev := Event{
		ID:            id,
		Seq:           seq,
		Type:          in.Type,
		Severity:      severity,
		Source:        in.Source,
		TaskID:        in.TaskID,
		AgentID:       in.AgentID,
		TraceID:       in.TraceID,
		SpanID:        in.SpanID,
		CorrelationID: in.CorrelationID,
		Timestamp:     ts,
		Metadata:      redactedMeta,
		SchemaVersion: schemaVersion,
		SourceVersion: sourceVersionTag,
	}

	s.eventRing.push(ev)
	s.applyEventCounters(ev)
	s.pendingWrites++
	s.mu.Unlock()

	s.enqueueEventPersist(ev)
	s.bus.Publish(bus.TopicObserverEvent, bus.ObserverEventMessage{TaskID: ev.TaskID, Seq: ev.Seq, Event: ev})

	if s.metrics != nil {
		s.metrics.EventsIngested.Add(context.Background(), 1)
	}
	s.logger.Debug("event ingested", "seq", ev.Seq, "type", ev.Type, "severity", string(ev.Severity))
}

// RecordChainOfThought implements recordChainOfThought(c) from spec.md §4.1.
func (s *Store) RecordChainOfThought(in CoTInput) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	phase := in.Phase
	if phase == "" {
		phase = PhaseObservation
	}

	result := s.redactor.RedactText(in.Content)

	s.mu.Lock()
	s.cotSeq++
	seq := s.cotSeq

	extremeThreshold := int64(float64(s.cfg.MaxQueueSize) * 1.5)
	extremePhase := phase == PhaseObservation || phase == PhaseAnalysis || phase == PhasePlan
	if s.pendingWrites >= extremeThreshold && extremePhase {
		s.backpressureEvents++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.BackpressureDrops.Add(context.Background(), 1)
		}
		return
	}

	entry := CoTEntry{
		ID:            id,
		Seq:           seq,
		TaskID:        in.TaskID,
		AgentID:       in.AgentID,
		Phase:         phase,
		Content:       result.Text,
		Timestamp:     ts,
		Confidence:    in.Confidence,
		Redacted:      result.Redacted,
		Hash:          result.Hash,
		SchemaVersion: schemaVersion,
		SourceVersion: sourceVersionTag,
	}

	s.cotRing.push(entry)
	s.applyCoTCounters(entry)
	s.pendingWrites++
	s.mu.Unlock()

	s.enqueueCoTPersist(entry)
	s.bus.Publish(bus.TopicObserverCoT, bus.ObserverCoTMessage{TaskID: entry.TaskID, Seq: entry.Seq, Entry: entry})

	if s.metrics != nil {
		s.metrics.CoTIngested.Add(context.Background(), 1)
	}
	s.logger.Debug("cot ingested", "seq", entry.Seq, "phase", string(entry.Phase), "taskId", entry.TaskID)
}

// AppendObservation implements POST /observer/observations: a manually
// authored note folded into the event stream for traceability.
func (s *Store) AppendObservation(message, taskID, author string) (string, time.Time) {
	id := uuid.NewString()
	ts := time.Now().UTC()
	md := map[string]interface{}{"message": message}
	if author != "" {
		md["author"] = author
	}
	s.RecordEvent(EventInput{
		ID:        id,
		Type:      "observer.observation",
		Severity:  SeverityInfo,
		Source:    "observer",
		TaskID:    taskID,
		Timestamp: ts,
		Metadata:  md,
	})
	return id, ts
}

func (s *Store) redactMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		out[k] = s.redactor.RedactObject(v)
	}
	return out
}

func (s *Store) enqueueEventPersist(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", "err", err)
		s.mu.Lock()
		s.pendingWrites--
		s.mu.Unlock()
		return
	}
	done := s.writer.Events.Enqueue(data)
	go s.awaitPersist(done)
}

func (s *Store) enqueueCoTPersist(entry CoTEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("cot marshal failed", "err", err)
		s.mu.Lock()
		s.pendingWrites--
		s.mu.Unlock()
		return
	}
	done := s.writer.CoT.Enqueue(data)
	go s.awaitPersist(done)
}

func (s *Store) awaitPersist(done <-chan error) {
	err := <-done
	s.mu.Lock()
	s.pendingWrites--
	if err != nil {
		s.degraded = true
	}
	s.lastFlushMs = time.Since(s.startedAt).Milliseconds()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("persistence failed", "err", err)
	} else {
		s.writer.WriteMetricsMirror(s.snapshotMetricsLocked())
	}
}

// snapshotMetricsLocked takes its own lock; callers must not already hold mu.
func (s *Store) snapshotMetricsLocked() MetricsSnapshot {
	return s.GetMetrics(context.Background())
}

func (s *Store) applyEventCounters(ev Event) {
	applyTaskEvent(s.taskStates, ev)

	if ev.Type == "task.completed" || ev.Type == "task.failed" {
		s.totalTasks++
		if ev.Type == "task.completed" && successFromMetadata(ev.Metadata) {
			s.successfulTasks++
		}
	}

	if s.isPolicyViolation(ev) {
		s.policyViolations++
	}

	if strings.HasPrefix(ev.Type, "budget.") {
		if debit, ok := toFloat(ev.Metadata["debit"]); ok {
			s.aggregateBudgetDebit += debit
		}
		if limit, ok := toFloat(ev.Metadata["limit"]); ok {
			s.aggregateBudgetLimit += limit
		}
	}
}

func (s *Store) isPolicyViolation(ev Event) bool {
	switch ev.Type {
	case "policy.caws.violation":
		return true
	case "caws.validation":
		if passed, ok := ev.Metadata["passed"].(bool); ok && !passed {
			return true
		}
		if verdict, ok := ev.Metadata["verdict"].(string); ok {
			return verdict == "fail" || verdict == "waiver-required"
		}
		return false
	case "caws.compliance":
		if verdict, ok := ev.Metadata["verdict"].(string); ok {
			switch verdict {
			case "verified_false", "contradictory", "error":
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (s *Store) applyCoTCounters(entry CoTEntry) {
	if category, ok := reasoningCategory(entry.Phase); ok {
		s.reasoningCounts[category]++
	}
	if entry.TaskID == "" {
		return
	}
	s.taskDepth[entry.TaskID]++
	if entry.AgentID != "" {
		set, ok := s.taskBreadth[entry.TaskID]
		if !ok {
			set = make(map[string]struct{})
			s.taskBreadth[entry.TaskID] = set
		}
		set[entry.AgentID] = struct{}{}
	}
}

func reasoningCategory(phase Phase) (string, bool) {
	switch phase {
	case PhaseObservation:
		return "observations", true
	case PhaseAnalysis:
		return "analyses", true
	case PhasePlan:
		return "plans", true
	case PhaseDecision:
		return "decisions", true
	case PhaseExecute:
		return "executions", true
	case PhaseVerify:
		return "verifications", true
	default:
		return "", false
	}
}

func successFromMetadata(md map[string]interface{}) bool {
	if md == nil {
		return true
	}
	if v, ok := md["success"].(bool); ok {
		return v
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// SubmitTask delegates to the runtime controller (spec.md §2 control surface)
// and emits a traceability event regardless of outcome.
func (s *Store) SubmitTask(ctx context.Context, sub runtime.TaskSubmission) (runtime.SubmitResult, error) {
	if s.runtime == nil {
		s.RecordEvent(EventInput{
			Type:     "observer.submit_task",
			Severity: SeverityWarn,
			Source:   "observer",
			Metadata: map[string]interface{}{"reason": "no runtime controller attached"},
		})
		return runtime.SubmitResult{Queued: false}, nil
	}

	res, err := s.runtime.SubmitTask(ctx, sub)
	if err != nil {
		s.RecordEvent(EventInput{
			Type:     "observer.submit_task",
			Severity: SeverityError,
			Source:   "observer",
			Metadata: map[string]interface{}{"error": err.Error()},
		})
		return res, err
	}

	s.RecordEvent(EventInput{
		Type:     "observer.submit_task",
		Severity: SeverityInfo,
		Source:   "observer",
		TaskID:   res.TaskID,
		Metadata: map[string]interface{}{"queued": res.Queued},
	})
	return res, nil
}

// ExecuteCommand delegates to the runtime controller.
func (s *Store) ExecuteCommand(ctx context.Context, command string) (runtime.CommandResult, error) {
	if s.runtime == nil {
		s.RecordEvent(EventInput{
			Type:     "observer.execute_command",
			Severity: SeverityWarn,
			Source:   "observer",
			Metadata: map[string]interface{}{"reason": "no runtime controller attached"},
		})
		return runtime.CommandResult{Acknowledged: false, Note: "no runtime controller attached"}, nil
	}

	res, err := s.runtime.ExecuteCommand(ctx, command)
	if err != nil {
		s.RecordEvent(EventInput{
			Type:     "observer.execute_command",
			Severity: SeverityError,
			Source:   "observer",
			Metadata: map[string]interface{}{"error": err.Error()},
		})
		return res, err
	}
	return res, nil
}

// StartRuntime delegates to the runtime controller's Start.
func (s *Store) StartRuntime(ctx context.Context) error {
	if s.runtime == nil {
		return fmt.Errorf("no runtime controller attached")
	}
	if err := s.runtime.Start(ctx); err != nil {
		s.RecordEvent(EventInput{Type: "observer.arbiter_start", Severity: SeverityError, Source: "observer", Metadata: map[string]interface{}{"error": err.Error()}})
		return err
	}
	s.RecordEvent(EventInput{Type: "observer.arbiter_start", Severity: SeverityInfo, Source: "observer"})
	return nil
}

// StopRuntime delegates to the runtime controller's Stop.
func (s *Store) StopRuntime(ctx context.Context) error {
	if s.runtime == nil {
		return fmt.Errorf("no runtime controller attached")
	}
	if err := s.runtime.Stop(ctx); err != nil {
		s.RecordEvent(EventInput{Type: "observer.arbiter_stop", Severity: SeverityError, Source: "observer", Metadata: map[string]interface{}{"error": err.Error()}})
		return err
	}
	s.RecordEvent(EventInput{Type: "observer.arbiter_stop", Severity: SeverityInfo, Source: "observer"})
	return nil
}
