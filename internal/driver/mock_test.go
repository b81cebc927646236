package driver

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockConnectRequiredBeforeUse(t *testing.T) {
	m := NewMock(time.Millisecond, 1, 10, 10)
	_, err := m.CurrentStatus(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized before Connect, got %v", err)
	}
}

func TestMockUploadStartThenFileInUse(t *testing.T) {
	ctx := context.Background()
	m := NewMock(time.Millisecond, 5, 10, 10)
	defer m.Stop()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.UploadFile(ctx, "/tmp/a.gcode"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if err := m.StartJob(ctx, "a.gcode"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	if err := m.UploadFile(ctx, "/tmp/a.gcode"); !errors.Is(err, ErrFileInUse) {
		t.Fatalf("expected ErrFileInUse re-uploading a printing file, got %v", err)
	}
	if err := m.DeleteFile(ctx, "a.gcode"); !errors.Is(err, ErrFileInUse) {
		t.Fatalf("expected ErrFileInUse deleting a printing file, got %v", err)
	}
	if err := m.StartJob(ctx, "a.gcode"); !errors.Is(err, ErrPrinterIsBusy) {
		t.Fatalf("expected ErrPrinterIsBusy starting while printing, got %v", err)
	}
}

func TestMockProgressGatedOnHeating(t *testing.T) {
	ctx := context.Background()
	m := NewMock(5*time.Millisecond, 2, 20, 20)
	defer m.Stop()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.UploadFile(ctx, "/tmp/b.gcode"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if err := m.StartJob(ctx, "b.gcode"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	status, err := m.CurrentStatus(ctx)
	if err != nil {
		t.Fatalf("CurrentStatus: %v", err)
	}
	if status.LatestJob == nil || *status.LatestJob.Progress != 0 {
		t.Fatalf("expected zero progress before heating finishes, got %+v", status.LatestJob)
	}

	time.Sleep(200 * time.Millisecond)

	status, err = m.CurrentStatus(ctx)
	if err != nil {
		t.Fatalf("CurrentStatus: %v", err)
	}
	if status.State != StateReady || status.LatestJob != nil {
		t.Fatalf("expected the job to have finished once heating completed, got state %s job %+v", status.State, status.LatestJob)
	}
}

func TestMockStopJobRequiresActiveJob(t *testing.T) {
	ctx := context.Background()
	m := NewMock(time.Millisecond, 5, 10, 10)
	defer m.Stop()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.StopJob(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound stopping with no job, got %v", err)
	}
}
