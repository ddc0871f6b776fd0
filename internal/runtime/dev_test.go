package runtime_test

import (
	"context"
	"testing"

	"github.com/basket/observer-core/internal/runtime"
)

func TestDevController_SubmitBeforeStart_NotQueued(t *testing.T) {
	d := runtime.NewDevController()
	res, err := d.SubmitTask(context.Background(), runtime.TaskSubmission{Description: "x"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if res.Queued {
		t.Fatal("expected Queued=false before Start")
	}
}

func TestDevController_SubmitAfterStart_Queued(t *testing.T) {
	d := runtime.NewDevController()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := d.SubmitTask(context.Background(), runtime.TaskSubmission{Description: "do work"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if !res.Queued || res.TaskID == "" {
		t.Fatalf("expected queued task with id, got %+v", res)
	}

	snap, err := d.GetTaskSnapshot(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("GetTaskSnapshot: %v", err)
	}
	if snap == nil || snap.Description != "do work" {
		t.Fatalf("expected snapshot with description, got %+v", snap)
	}
}

func TestDevController_GetStatus_ReflectsActiveTasks(t *testing.T) {
	d := runtime.NewDevController()
	_ = d.Start(context.Background())
	for i := 0; i < 3; i++ {
		if _, err := d.SubmitTask(context.Background(), runtime.TaskSubmission{Description: "t"}); err != nil {
			t.Fatalf("SubmitTask: %v", err)
		}
	}
	status, err := d.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.Reachable || !status.Running {
		t.Fatalf("expected reachable+running status, got %+v", status)
	}
	if status.ActiveTasks != 3 {
		t.Fatalf("ActiveTasks = %d, want 3", status.ActiveTasks)
	}
}

func TestDevController_GetTaskSnapshot_UnknownReturnsNil(t *testing.T) {
	d := runtime.NewDevController()
	snap, err := d.GetTaskSnapshot(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetTaskSnapshot: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for unknown task, got %+v", snap)
	}
}

func TestDevController_ExecuteCommand_RequiresRunning(t *testing.T) {
	d := runtime.NewDevController()
	res, err := d.ExecuteCommand(context.Background(), "noop")
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if res.Acknowledged {
		t.Fatal("expected command to be rejected before Start")
	}

	_ = d.Start(context.Background())
	res, err = d.ExecuteCommand(context.Background(), "noop")
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if !res.Acknowledged {
		t.Fatal("expected command to be acknowledged after Start")
	}
}
