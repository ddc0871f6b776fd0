package ingest

import (
	"context"
	"sort"
	"time"
)

// GetMetrics implements the Metrics Snapshot computation from spec.md §4.1.
// Derived vs. runtime metrics are never mixed within one snapshot: active
// and queued task counts are replaced wholesale by the runtime's values when
// it is reachable, never merged field-by-field.
func (s *Store) GetMetrics(ctx context.Context) MetricsSnapshot {
	s.mu.Lock()
	depthAvg, depthP95 := depthStats(s.taskDepth)
	breadthAvg := breadthStats(s.taskBreadth)

	taskSuccessRate := 0.0
	if s.totalTasks > 0 {
		taskSuccessRate = float64(s.successfulTasks) / float64(s.totalTasks)
	}

	toolBudgetUtilization := 0.0
	if s.aggregateBudgetLimit > 0 {
		toolBudgetUtilization = s.aggregateBudgetDebit / s.aggregateBudgetLimit
	}

	active, queued := countActiveQueued(s.taskStates)
	policyViolations := s.policyViolations
	queueDepth := s.pendingWrites
	degraded := s.degraded
	s.mu.Unlock()

	if s.runtime != nil {
		if status, err := s.runtime.GetStatus(ctx); err == nil && status.Reachable {
			active = status.ActiveTasks
			queued = status.QueuedTasks
		}
	}

	return MetricsSnapshot{
		ReasoningDepthAvg:     depthAvg,
		ReasoningDepthP95:     depthP95,
		DebateBreadthAvg:      breadthAvg,
		TaskSuccessRate:       taskSuccessRate,
		ToolBudgetUtilization: toolBudgetUtilization,
		ActiveTasks:           active,
		QueuedTasks:           queued,
		PolicyViolations:      policyViolations,
		QueueDepth:            queueDepth,
		ObserverDegraded:      degraded,
		Timestamp:             time.Now().UTC(),
	}
}

// GetStatus implements the Status Summary view from spec.md §3. Per the
// open-question resolution in spec.md §9: the explicit three-state model
// (running/degraded/stopped) is driven by runtime reachability plus the
// degraded latch, and a missing runtime reports "stopped" unless the
// deployment declares itself standalone.
func (s *Store) GetStatus(ctx context.Context) StatusSummary {
	s.mu.Lock()
	degraded := s.degraded
	queueDepth := s.pendingWrites
	backpressureEvents := s.backpressureEvents
	lastFlushMs := s.lastFlushMs
	startedAt := s.startedAt
	s.mu.Unlock()

	status := "running"
	switch {
	case s.runtime == nil:
		if !s.cfg.Standalone {
			status = "stopped"
		}
	default:
		report, err := s.runtime.GetStatus(ctx)
		switch {
		case err != nil || !report.Reachable:
			if !s.cfg.Standalone {
				status = "stopped"
			}
		case !report.Running:
			status = "stopped"
		}
	}
	if degraded && status == "running" {
		status = "degraded"
	}

	return StatusSummary{
		Status:             status,
		StartedAt:          startedAt,
		UptimeMs:           time.Since(startedAt).Milliseconds(),
		QueueDepth:         queueDepth,
		MaxQueueSize:       s.cfg.MaxQueueSize,
		ObserverDegraded:   degraded,
		LastFlushMs:        lastFlushMs,
		ActiveFile:         s.writer.Events.ActiveFile(),
		BackpressureEvents: backpressureEvents,
		AuthConfigured:     s.cfg.AuthConfigured,
	}
}

// GetProgress implements GET /observer/progress from spec.md §6.
func (s *Store) GetProgress(ctx context.Context) ProgressSummary {
	s.mu.Lock()
	degraded := s.degraded
	startedAt := s.startedAt
	steps := map[string]int{
		"observations":  s.reasoningCounts["observations"],
		"analyses":      s.reasoningCounts["analyses"],
		"plans":         s.reasoningCounts["plans"],
		"decisions":     s.reasoningCounts["decisions"],
		"executions":    s.reasoningCounts["executions"],
		"verifications": s.reasoningCounts["verifications"],
	}
	s.mu.Unlock()

	status := "running"
	if degraded {
		status = "degraded"
	}

	total := 0
	for _, v := range steps {
		total += v
	}

	return ProgressSummary{
		Status:              status,
		ReasoningSteps:      steps,
		TotalReasoningSteps: total,
		UptimeMinutes:       time.Since(startedAt).Minutes(),
	}
}

func depthStats(depth map[string]int) (avg, p95 float64) {
	if len(depth) == 0 {
		return 0, 0
	}
	values := make([]int, 0, len(depth))
	sum := 0
	for _, v := range depth {
		values = append(values, v)
		sum += v
	}
	avg = float64(sum) / float64(len(values))

	sort.Ints(values)
	idx := int(0.95 * float64(len(values)))
	if idx >= len(values) {
		idx = len(values) - 1
	}
	p95 = float64(values[idx])
	return avg, p95
}

func breadthStats(breadth map[string]map[string]struct{}) float64 {
	if len(breadth) == 0 {
		return 0
	}
	sum := 0
	for _, set := range breadth {
		sum += len(set)
	}
	return float64(sum) / float64(len(breadth))
}
