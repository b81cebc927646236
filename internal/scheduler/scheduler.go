// Package scheduler assigns unscheduled, approved, from_server jobs to
// idle printers. It decides assignment only; the owning Worker validates
// readiness and actually launches the job on its next tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/monashautomation/printfarm-controlplane/internal/logger"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
	"github.com/monashautomation/printfarm-controlplane/internal/task"
)

// FleetPrinters is the subset of fleet.Manager the scheduler needs: which
// printer ids currently have a running worker. Expressed as an interface
// here so the scheduler doesn't depend on fleet's concrete type; the
// scheduler's own lifecycle is run by cmd/controlplaned.
type FleetPrinters interface {
	WorkeredPrinterIDs() []int64
}

// Scheduler is a FIFO job scheduler built on task.Periodic. When AutoSchedule
// is false it only promotes jobs that already carry a printer_id (set by the
// external API at submission) to Scheduled, never reassigning across idle
// printers itself.
type Scheduler struct {
	store        store.Interface
	fleet        FleetPrinters
	AutoSchedule bool

	task *task.Periodic
}

// New builds a Scheduler driven by task.Periodic at the given tick
// interval (default ~60s per spec), not yet started.
func New(st store.Interface, fleet FleetPrinters, interval time.Duration, autoSchedule bool) *Scheduler {
	s := &Scheduler{store: st, fleet: fleet, AutoSchedule: autoSchedule}
	s.task = &task.Periodic{
		Interval: interval,
		Step:     s.tick,
		OnError: func(err error, _ bool) {
			logger.Default().Error("scheduler: tick failed", "error", err)
		},
	}
	return s
}

// Start begins the periodic scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.task.Start(ctx)
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	s.task.Stop()
}

// RunOnce runs a single scheduling tick synchronously, used by tests and by
// an operator-triggered "schedule now" action.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) error {
	if !s.AutoSchedule {
		return s.promoteAssignedOnly(ctx)
	}
	return s.assignFIFO(ctx)
}

// promoteAssignedOnly handles AUTO_SCHEDULE=false: jobs the external API
// already pinned to a printer just need their status flipped to Scheduled.
func (s *Scheduler) promoteAssignedOnly(ctx context.Context) error {
	preAssigned, err := s.store.PreAssignedJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load pre-assigned jobs: %w", err)
	}
	for _, j := range preAssigned {
		if err := s.store.UpdateJob(ctx, j.ID, model.Scheduled); err != nil {
			return fmt.Errorf("scheduler: promote job %d: %w", j.ID, err)
		}
		logger.Default().Info("scheduler: promoted pre-assigned job", "job_id", j.ID, "printer_id", *j.PrinterID)
	}
	return nil
}

// assignFIFO implements spec §4.6: assign the oldest unscheduled job to the
// first idle printer, one assignment per tick, preserving FIFO ordering.
func (s *Scheduler) assignFIFO(ctx context.Context) error {
	unscheduled, err := s.store.UnscheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load unscheduled jobs: %w", err)
	}
	if len(unscheduled) == 0 {
		return nil
	}

	scheduled, err := s.store.ScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load scheduled jobs: %w", err)
	}
	busy := make(map[int64]bool, len(scheduled))
	for _, j := range scheduled {
		if j.PrinterID != nil {
			busy[*j.PrinterID] = true
		}
	}

	var idle []int64
	for _, pid := range s.fleet.WorkeredPrinterIDs() {
		if !busy[pid] {
			idle = append(idle, pid)
		}
	}
	if len(idle) == 0 {
		return nil
	}

	job, printerID := unscheduled[0], idle[0]
	if err := s.store.SetJobPrinterAndStatus(ctx, job.ID, printerID, model.Scheduled); err != nil {
		return fmt.Errorf("scheduler: assign job %d to printer %d: %w", job.ID, printerID, err)
	}
	logger.Default().Info("scheduler: assigned job to printer", "job_id", job.ID, "printer_id", printerID)
	return nil
}
