package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DevController is an in-memory reference Controller for local development
// and demos. It never delegates to a real orchestrator; SubmitTask simply
// records the task as "assigned" and ExecuteCommand always acknowledges.
// Grounded on the teacher's engine.Status worker-pool snapshot shape, which
// it generalizes into StatusReport.
//
// Only wired when the operator explicitly passes --dev-runtime to
// cmd/observer; production deployments attach a real Controller instead.
type DevController struct {
	mu      sync.RWMutex
	tasks   map[string]*TaskSnapshot
	running atomic.Bool
	nextID  atomic.Int64
	started time.Time
}

// NewDevController constructs an idle reference controller.
func NewDevController() *DevController {
	return &DevController{tasks: make(map[string]*TaskSnapshot)}
}

func (d *DevController) Start(ctx context.Context) error {
	d.started = time.Now()
	d.running.Store(true)
	return nil
}

func (d *DevController) Stop(ctx context.Context) error {
	d.running.Store(false)
	return nil
}

func (d *DevController) SubmitTask(ctx context.Context, sub TaskSubmission) (SubmitResult, error) {
	if !d.running.Load() {
		return SubmitResult{Queued: false}, nil
	}
	id := fmt.Sprintf("dev-task-%d", d.nextID.Add(1))
	d.mu.Lock()
	d.tasks[id] = &TaskSnapshot{
		TaskID:      id,
		Status:      "assigned",
		Description: sub.Description,
		Metadata:    sub.Metadata,
	}
	d.mu.Unlock()
	return SubmitResult{TaskID: id, AssignmentID: id, Queued: true}, nil
}

func (d *DevController) ExecuteCommand(ctx context.Context, command string) (CommandResult, error) {
	if !d.running.Load() {
		return CommandResult{Acknowledged: false, Note: "runtime not running"}, nil
	}
	return CommandResult{Acknowledged: true}, nil
}

func (d *DevController) GetStatus(ctx context.Context) (StatusReport, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	active, queued := 0, 0
	for _, t := range d.tasks {
		switch t.Status {
		case "assigned", "running":
			active++
		case "queued":
			queued++
		}
	}
	return StatusReport{
		Reachable:   true,
		Running:     d.running.Load(),
		ActiveTasks: active,
		QueuedTasks: queued,
	}, nil
}

func (d *DevController) GetMetrics(ctx context.Context) (map[string]interface{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]interface{}{"taskCount": len(d.tasks)}, nil
}

func (d *DevController) GetTaskSnapshot(ctx context.Context, taskID string) (*TaskSnapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap, ok := d.tasks[taskID]
	if !ok {
		return nil, nil
	}
	copy := *snap
	return &copy, nil
}
