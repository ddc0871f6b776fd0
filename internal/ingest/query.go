package ingest

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
	defaultCoTLimit   = 50
	maxCoTLimit       = 200
)

// EncodeCursor implements encodeCursor(seq) from spec.md §4.1: an opaque
// base64 encoding of the last delivered seq.
func EncodeCursor(seq uint64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatUint(seq, 10)))
}

// DecodeCursor implements the inverse of EncodeCursor. Unknown or garbled
// cursors decode to "start" (seq 0), per spec.md §8.
func DecodeCursor(cursor string) uint64 {
	if cursor == "" {
		return 0
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	seq, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// EventFilter is listEvents' query shape. Limit is a pointer so an absent
// query parameter (use the default) is distinguishable from an explicit
// limit=0 (spec.md §8 boundary: returns an empty page, not the default page).
type EventFilter struct {
	Cursor   string
	Limit    *int
	Since    *time.Time
	Until    *time.Time
	Type     string
	TaskID   string
	Severity Severity
}

// EventPage is the result of ListEvents.
type EventPage struct {
	Events     []Event
	NextCursor string
}

// ListEvents implements listEvents(...) from spec.md §4.1.
func (s *Store) ListEvents(f EventFilter) EventPage {
	s.mu.Lock()
	items := s.eventRing.snapshot()
	tailSeq := s.eventSeq
	s.mu.Unlock()

	if f.Since != nil && f.Until != nil && f.Since.After(*f.Until) {
		return EventPage{Events: []Event{}, NextCursor: EncodeCursor(tailSeq)}
	}

	limit := defaultEventLimit
	if f.Limit != nil {
		if *f.Limit == 0 {
			return EventPage{Events: []Event{}, NextCursor: EncodeCursor(tailSeq)}
		}
		limit = *f.Limit
		if limit < 0 || limit > maxEventLimit {
			limit = maxEventLimit
		}
	}

	afterSeq := DecodeCursor(f.Cursor)

	filtered := make([]Event, 0, len(items))
	for _, e := range items {
		if e.Seq <= afterSeq {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		filtered = append(filtered, e)
	}

	if len(filtered) > limit {
		page := filtered[:limit]
		return EventPage{Events: page, NextCursor: EncodeCursor(page[len(page)-1].Seq)}
	}
	return EventPage{Events: filtered}
}

// CoTFilter is listChainOfThought's query shape.
type CoTFilter struct {
	Cursor string
	Limit  *int
	Since  *time.Time
	TaskID string
}

// CoTPage is the result of ListChainOfThought.
type CoTPage struct {
	Entries    []CoTEntry
	NextCursor string
}

// ListChainOfThought implements listChainOfThought(...) from spec.md §4.1.
func (s *Store) ListChainOfThought(f CoTFilter) CoTPage {
	s.mu.Lock()
	items := s.cotRing.snapshot()
	tailSeq := s.cotSeq
	s.mu.Unlock()

	limit := defaultCoTLimit
	if f.Limit != nil {
		if *f.Limit == 0 {
			return CoTPage{Entries: []CoTEntry{}, NextCursor: EncodeCursor(tailSeq)}
		}
		limit = *f.Limit
		if limit < 0 || limit > maxCoTLimit {
			limit = maxCoTLimit
		}
	}

	afterSeq := DecodeCursor(f.Cursor)

	filtered := make([]CoTEntry, 0, len(items))
	for _, c := range items {
		if c.Seq <= afterSeq {
			continue
		}
		if f.TaskID != "" && c.TaskID != f.TaskID {
			continue
		}
		if f.Since != nil && c.Timestamp.Before(*f.Since) {
			continue
		}
		filtered = append(filtered, c)
	}

	if len(filtered) > limit {
		page := filtered[:limit]
		return CoTPage{Entries: page, NextCursor: EncodeCursor(page[len(page)-1].Seq)}
	}
	return CoTPage{Entries: filtered}
}

// GetTask implements getTask(taskId) from spec.md §4.1: merges the runtime
// snapshot (if present) with the ring-derived progress timeline and CoT
// phases. Returns nil when neither a runtime snapshot nor any ring event
// references taskID.
func (s *Store) GetTask(ctx context.Context, taskID string) *TaskView {
	s.mu.Lock()
	events := s.eventRing.snapshot()
	cot := s.cotRing.snapshot()
	state, hasState := s.taskStates[taskID]
	s.mu.Unlock()

	var taskEvents []Event
	for _, e := range events {
		if e.TaskID == taskID {
			taskEvents = append(taskEvents, e)
		}
	}
	var taskCoT []CoTEntry
	for _, c := range cot {
		if c.TaskID == taskID {
			taskCoT = append(taskCoT, c)
		}
	}

	var snap *runtimeTaskSnapshot
	if s.runtime != nil {
		if rs, err := s.runtime.GetTaskSnapshot(ctx, taskID); err == nil && rs != nil {
			snap = &runtimeTaskSnapshot{
				status:      rs.Status,
				description: rs.Description,
				assignedTo:  rs.AssignedTo,
				metadata:    rs.Metadata,
			}
		}
	}

	if snap == nil && !hasState && len(taskEvents) == 0 {
		return nil
	}

	derivedState := "running"
	switch {
	case len(taskEvents) > 0:
		switch taskEvents[len(taskEvents)-1].Type {
		case "task.completed":
			derivedState = "completed"
		case "task.failed":
			derivedState = "failed"
		}
	case hasState && state == "terminal":
		derivedState = "completed"
	}

	view := &TaskView{
		TaskID: taskID,
		State:  derivedState,
		Events: taskEvents,
		CoT:    taskCoT,
	}
	if snap != nil {
		view.Description = snap.description
		view.AssignedTo = snap.assignedTo
		view.Metadata = snap.metadata
		if snap.status != "" {
			view.State = snap.status
		}
	}
	return view
}

// runtimeTaskSnapshot avoids importing runtime.TaskSnapshot's exact shape
// into the return path so GetTask stays decoupled from runtime package churn.
type runtimeTaskSnapshot struct {
	status      string
	description string
	assignedTo  string
	metadata    map[string]interface{}
}
