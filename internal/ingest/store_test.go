package ingest

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/basket/observer-core/internal/bus"
	"github.com/basket/observer-core/internal/config"
	"github.com/basket/observer-core/internal/redact"
	"github.com/basket/observer-core/internal/runtime"
	"github.com/basket/observer-core/internal/writer"
)

func newTestStore(t *testing.T, maxQueueSize int, ctrl runtime.Controller) *Store {
	t.Helper()
	wm, err := writer.NewManager(t.TempDir(), 0, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = wm.Close() })

	red := redact.New(config.PrivacyStandard, nil)
	b := bus.New()
	cfg := StoreConfig{MaxQueueSize: maxQueueSize, RingCapacity: 5000}
	return NewStore(cfg, red, wm, b, slog.Default(), nil, ctrl)
}

func TestRecordEvent_AssignsMonotonicSeq(t *testing.T) {
	s := newTestStore(t, 100, nil)
	for i := 0; i < 5; i++ {
		s.RecordEvent(EventInput{Type: "test.event", Severity: SeverityInfo})
	}
	page := s.ListEvents(EventFilter{})
	if len(page.Events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(page.Events))
	}
	for i, e := range page.Events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, e.Seq)
		}
	}
}

func TestRecordEvent_DropsLowSeverityUnderBackpressure_ButStillConsumesSeq(t *testing.T) {
	s := newTestStore(t, 1, nil)
	s.mu.Lock()
	s.pendingWrites = 1
	s.mu.Unlock()

	s.RecordEvent(EventInput{Type: "test.debug", Severity: SeverityDebug})

	s.mu.Lock()
	seq := s.eventSeq
	dropped := s.backpressureEvents
	s.mu.Unlock()

	if seq != 1 {
		t.Fatalf("expected seq to be consumed even when dropped, got %d", seq)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 backpressure drop, got %d", dropped)
	}
	page := s.ListEvents(EventFilter{})
	if len(page.Events) != 0 {
		t.Fatalf("expected dropped event to not appear in ring, got %d", len(page.Events))
	}
}

func TestRecordEvent_NeverDropsErrorSeverity(t *testing.T) {
	s := newTestStore(t, 1, nil)
	s.mu.Lock()
	s.pendingWrites = 1
	s.mu.Unlock()

	s.RecordEvent(EventInput{Type: "test.error", Severity: SeverityError})

	page := s.ListEvents(EventFilter{})
	if len(page.Events) != 1 {
		t.Fatalf("expected error severity to bypass backpressure drop, got %d events", len(page.Events))
	}
}

func TestRecordChainOfThought_DropsEarlyPhasesAtExtremeThreshold(t *testing.T) {
	s := newTestStore(t, 10, nil)
	s.mu.Lock()
	s.pendingWrites = 15 // 1.5x of 10
	s.mu.Unlock()

	s.RecordChainOfThought(CoTInput{TaskID: "t1", Phase: PhaseObservation, Content: "hello"})
	s.RecordChainOfThought(CoTInput{TaskID: "t1", Phase: PhaseDecision, Content: "keep this"})

	page := s.ListChainOfThought(CoTFilter{TaskID: "t1"})
	if len(page.Entries) != 1 {
		t.Fatalf("expected only the non-extreme phase to survive, got %d", len(page.Entries))
	}
	if page.Entries[0].Phase != PhaseDecision {
		t.Fatalf("expected surviving entry to be decision phase, got %s", page.Entries[0].Phase)
	}
}

func TestRecordEvent_ConcurrentProducersNeverDuplicateSeq(t *testing.T) {
	s := newTestStore(t, 10000, nil)
	var wg sync.WaitGroup
	n := 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s.RecordEvent(EventInput{Type: "concurrent.event", Severity: SeverityInfo})
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	page := s.ListEvents(EventFilter{Limit: intPtr(500)})
	for _, e := range page.Events {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq observed: %d", e.Seq)
		}
		seen[e.Seq] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct seqs, got %d", n, len(seen))
	}
}

func TestAppendObservation_EmitsEvent(t *testing.T) {
	s := newTestStore(t, 100, nil)
	id, ts := s.AppendObservation("hello world", "task-1", "alice")
	if id == "" {
		t.Fatal("expected non-empty id")
	}
	if ts.IsZero() {
		t.Fatal("expected non-zero timestamp")
	}
	page := s.ListEvents(EventFilter{TaskID: "task-1"})
	if len(page.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(page.Events))
	}
	if page.Events[0].Type != "observer.observation" {
		t.Fatalf("unexpected type %q", page.Events[0].Type)
	}
}

func TestIsPolicyViolation(t *testing.T) {
	s := newTestStore(t, 100, nil)

	cases := []struct {
		name string
		ev   Event
		want bool
	}{
		{"violation type always counts", Event{Type: "policy.caws.violation"}, true},
		{"validation failed bool", Event{Type: "caws.validation", Metadata: map[string]interface{}{"passed": false}}, true},
		{"validation passed", Event{Type: "caws.validation", Metadata: map[string]interface{}{"passed": true}}, false},
		{"validation waiver-required verdict", Event{Type: "caws.validation", Metadata: map[string]interface{}{"verdict": "waiver-required"}}, true},
		{"compliance verified_false", Event{Type: "caws.compliance", Metadata: map[string]interface{}{"verdict": "verified_false"}}, true},
		{"compliance verified_true", Event{Type: "caws.compliance", Metadata: map[string]interface{}{"verdict": "verified_true"}}, false},
		{"unrelated type", Event{Type: "observer.observation"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.isPolicyViolation(tc.ev); got != tc.want {
				t.Fatalf("isPolicyViolation(%+v) = %v, want %v", tc.ev, got, tc.want)
			}
		})
	}
}

type stubController struct {
	startCalled bool
	submitResult runtime.SubmitResult
	submitErr    error
	statusReport runtime.StatusReport
	statusErr    error
}

func (c *stubController) Start(ctx context.Context) error { c.startCalled = true; return nil }
func (c *stubController) Stop(ctx context.Context) error  { return nil }
func (c *stubController) SubmitTask(ctx context.Context, sub runtime.TaskSubmission) (runtime.SubmitResult, error) {
	return c.submitResult, c.submitErr
}
func (c *stubController) ExecuteCommand(ctx context.Context, command string) (runtime.CommandResult, error) {
	return runtime.CommandResult{Acknowledged: true}, nil
}
func (c *stubController) GetStatus(ctx context.Context) (runtime.StatusReport, error) {
	return c.statusReport, c.statusErr
}
func (c *stubController) GetMetrics(ctx context.Context) (map[string]interface{}, error) {
	return nil, nil
}
func (c *stubController) GetTaskSnapshot(ctx context.Context, taskID string) (*runtime.TaskSnapshot, error) {
	return nil, nil
}

func TestSubmitTask_NoRuntimeAttached(t *testing.T) {
	s := newTestStore(t, 100, nil)
	res, err := s.SubmitTask(context.Background(), runtime.TaskSubmission{Description: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Queued {
		t.Fatal("expected Queued=false with no runtime attached")
	}
}

func TestSubmitTask_DelegatesToRuntime(t *testing.T) {
	ctrl := &stubController{submitResult: runtime.SubmitResult{TaskID: "t1", Queued: true}}
	s := newTestStore(t, 100, ctrl)
	res, err := s.SubmitTask(context.Background(), runtime.TaskSubmission{Description: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Queued || res.TaskID != "t1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func intPtr(n int) *int { return &n }
