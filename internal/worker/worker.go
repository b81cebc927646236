// Package worker runs one per-printer control loop: poll the Driver, mirror
// observed state into the Twin, reconcile the printer's physical state
// against the job the Store believes is current, and drive that job through
// its status transitions. Each Worker is single-threaded: its mutable
// fields are touched only by its own task.Periodic goroutine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/monashautomation/printfarm-controlplane/internal/driver"
	"github.com/monashautomation/printfarm-controlplane/internal/logger"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
	"github.com/monashautomation/printfarm-controlplane/internal/task"
	"github.com/monashautomation/printfarm-controlplane/internal/twin"
)

// EventKind names the externally delivered events a Worker accepts on its
// queue; pickup confirmation is the only one. Cancel/pickup requests coming from the Store (CancelIssued,
// pickup polling) are not events — the next tick observes them directly.
type EventKind int

const (
	// EventPickup signals that an external pickup-confirmation system has
	// observed the operator take the finished print off the printer.
	EventPickup EventKind = iota
)

// Event is a single externally delivered signal for this printer's Worker.
type Event struct {
	Kind EventKind
}

// Status is the externally observable state of a Worker, returned by
// fleet.Manager.GetStatus and surfaced over the external API.
type Status struct {
	PrinterID  int64
	Running    bool
	LastTick   time.Time
	LastError  string
}

// Worker owns one Printer's Driver, a handle on the shared Twin, a Store
// handle, an inbound event queue, and a short-lived status cache. It is
// driven by an internal task.Periodic.
type Worker struct {
	printer  model.Printer
	driver   driver.Driver
	twin     twin.Twin
	store    store.Interface
	matchWindow time.Duration

	events chan Event
	log    *logger.Fields

	task *task.Periodic

	cache     *driver.PrinterStatus
	cachedAt  time.Time
	cacheTTL  time.Duration

	lastTick  time.Time
	lastError error
}

// New builds a Worker for printer, not yet started. interval is both the
// step cadence and the status cache TTL, per spec.
func New(printer model.Printer, drv driver.Driver, tw twin.Twin, st store.Interface, interval, matchWindow time.Duration) *Worker {
	w := &Worker{
		printer:     printer,
		driver:      drv,
		twin:        tw,
		store:       st,
		matchWindow: matchWindow,
		events:      make(chan Event, 16),
		cacheTTL:    interval,
		log:         logger.Default().With("printer_id", printer.ID),
	}
	w.task = &task.Periodic{
		Interval: interval,
		Step:     w.step,
		Classify: func(err error) bool { return driver.IsTransport(err) },
		OnError:  w.onStepError,
	}
	return w
}

// Start begins the worker's periodic loop.
func (w *Worker) Start(ctx context.Context) {
	if err := w.driver.Connect(ctx); err != nil {
		w.log.Warn("worker: initial connect failed, will retry on tick", "error", err)
	}
	w.task.Start(ctx)
}

// Stop halts the worker's periodic loop and waits for it to exit.
func (w *Worker) Stop() {
	w.task.Stop()
	if s, ok := w.driver.(interface{ Stop() }); ok {
		s.Stop()
	}
}

// PushEvent enqueues an externally delivered event for this printer. Never
// blocks indefinitely: the queue is buffered and single-consumer.
func (w *Worker) PushEvent(e Event) {
	select {
	case w.events <- e:
	default:
		w.log.Warn("worker: event queue full, dropping event", "kind", e.Kind)
	}
}

// PrinterID returns the id of the printer this worker manages.
func (w *Worker) PrinterID() int64 { return w.printer.ID }

// Status returns the worker's last-observed health, for external reporting.
func (w *Worker) Status() Status {
	s := Status{PrinterID: w.printer.ID, Running: true, LastTick: w.lastTick}
	if w.lastError != nil {
		s.LastError = w.lastError.Error()
	}
	return s
}

func (w *Worker) onStepError(err error, transport bool) {
	w.lastError = err
	if transport {
		w.log.Warn("worker: transport error, skipping tick", "error", err)
		return
	}
	w.log.Error("worker: reconciliation error", "error", err)
}

// step is one full tick: fetch status, mirror to twin, drain events, then
// reconcile against the current job.
func (w *Worker) step(ctx context.Context) error {
	w.lastTick = time.Now()

	status, err := w.printerStatus(ctx)
	if err != nil {
		w.invalidateCache()
		return err
	}

	w.commitTwin(ctx, status)
	w.drainEvents(ctx)

	job, err := w.store.CurrentPrinterJob(ctx, w.printer.ID)
	if err != nil {
		return fmt.Errorf("worker: load current job: %w", err)
	}

	return w.handle(ctx, job, status)
}

// printerStatus returns the cached observation if still fresh, else
// refetches from the Driver. A fresh miss is itself cached.
func (w *Worker) printerStatus(ctx context.Context) (driver.PrinterStatus, error) {
	if w.cache != nil && time.Since(w.cachedAt) < w.cacheTTL {
		return *w.cache, nil
	}

	status, err := w.driver.CurrentStatus(ctx)
	if err != nil {
		return driver.PrinterStatus{}, err
	}
	w.cache = &status
	w.cachedAt = time.Now()
	return status, nil
}

func (w *Worker) invalidateCache() {
	w.cache = nil
}

func (w *Worker) commitTwin(ctx context.Context, status driver.PrinterStatus) {
	fields := twin.Fields{
		URL:          w.printer.URL,
		UpdateTime:   time.Now().Unix(),
		State:        string(status.State),
		BedActual:    status.TempBed.Actual,
		BedTarget:    status.TempBed.Target,
		NozzleActual: status.TempNozzle.Actual,
		NozzleTarget: status.TempNozzle.Target,
		CameraURL:    w.printer.CameraURL,
		Model:        w.printer.Model,
	}
	if status.LatestJob != nil {
		fields.JobFile = status.LatestJob.PrinterFilename
		if status.LatestJob.Progress != nil {
			fields.JobProgress = *status.LatestJob.Progress
		}
		fields.JobTimeUsed = status.LatestJob.TimeUsedSecs
		fields.JobTimeLeft = status.LatestJob.TimeLeftSecs
		if status.LatestJob.TimeApproxSecs != nil {
			fields.JobTimeLeftApprox = *status.LatestJob.TimeApproxSecs
		}
	}

	name := w.printer.TwinName
	if name == "" {
		name = fmt.Sprintf("printer-%d", w.printer.ID)
	}
	w.twin.Update(name, fields)

	if err := w.twin.Commit(ctx); err != nil {
		w.log.Warn("worker: twin commit failed, advisory only", "error", err)
	}
}

// drainEvents processes every event currently queued, at most once per
// tick, preserving FIFO order.
func (w *Worker) drainEvents(ctx context.Context) {
	for {
		select {
		case e := <-w.events:
			w.handleEvent(ctx, e)
		default:
			return
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, e Event) {
	switch e.Kind {
	case EventPickup:
		job, err := w.store.CurrentPrinterJob(ctx, w.printer.ID)
		if err != nil || job == nil {
			return
		}
		if err := w.onPick(ctx, job); err != nil {
			w.log.Warn("worker: pickup event handling failed", "error", err)
		}
	}
}

// handle is the reconciliation function: given the Store's belief about
// the printer's current job (possibly nil) and the freshly observed
// status, decide and perform the one action the truth table names.
func (w *Worker) handle(ctx context.Context, job *model.Job, status driver.PrinterStatus) error {
	if status.State == driver.StateError {
		w.log.Warn("worker: printer reports error state")
		return nil
	}

	lj := status.LatestJob

	if job == nil {
		if status.State == driver.StatePrinting && lj != nil {
			return w.adopt(ctx, lj)
		}
		return nil // idle, no-op
	}

	if w.matches(job, status, lj) {
		return w.runSubState(ctx, job, status)
	}

	if job.IsPending() && status.State == driver.StateReady {
		return w.launchServerJob(ctx, job)
	}

	if status.State == driver.StatePrinting && lj != nil && lj.PrinterFilename != job.PrinterFilename {
		// job was picked/displaced on the printer itself
		return w.store.UpdateJob(ctx, job.ID, model.Picked)
	}

	return nil
}

// matches reports whether job is the same print job the firmware is
// currently tracking: same printer-side filename, and if both start times
// are known, within the configured tolerance window.
func (w *Worker) matches(job *model.Job, status driver.PrinterStatus, lj *driver.LatestJob) bool {
	if lj == nil || job.PrinterFilename == "" {
		return false
	}
	if job.PrinterFilename != lj.PrinterFilename {
		return false
	}
	if job.StartTime == nil {
		return true
	}
	observedStart := time.Now().Add(-time.Duration(lj.TimeUsedSecs) * time.Second)
	delta := observedStart.Sub(*job.StartTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= w.matchWindow
}

func (w *Worker) runSubState(ctx context.Context, job *model.Job, status driver.PrinterStatus) error {
	switch {
	case job.NeedPickup():
		return w.whenPrinted(ctx, job)
	case job.NeedCancel():
		return w.onCancel(ctx, job)
	case job.IsPrinting():
		return w.whenPrinting(ctx, job, status)
	case job.IsPrinted():
		return nil // waiting on pickup
	}
	return nil
}

// adopt records a job observed running on the printer that the Store did
// not launch itself (e.g. started from the printer's own front panel).
func (w *Worker) adopt(ctx context.Context, lj *driver.LatestJob) error {
	start := time.Now().Add(-time.Duration(lj.TimeUsedSecs) * time.Second)
	job := &model.Job{
		PrinterID:       &w.printer.ID,
		Status:          model.Printing | model.Scheduled,
		FromServer:      false,
		PrinterFilename: lj.PrinterFilename,
		StartTime:       &start,
	}
	_, err := w.store.CreateJob(ctx, job)
	return err
}

// launchServerJob uploads and starts a job the API created with
// from_server=true, per spec §4.5.
func (w *Worker) launchServerJob(ctx context.Context, job *model.Job) error {
	if !job.FromServer || job.GcodeFilePath == "" {
		return fmt.Errorf("worker: launch_server_job precondition violated for job %d", job.ID)
	}

	if err := w.driver.UploadFile(ctx, job.GcodeFilePath); err != nil {
		return fmt.Errorf("worker: upload file for job %d: %w", job.ID, err)
	}
	if err := w.driver.StartJob(ctx, job.GcodeFilename()); err != nil {
		return fmt.Errorf("worker: start job %d: %w", job.ID, err)
	}

	// PrinterFilename and StartTime are persisted here, not just the status
	// flag, so the next tick's matches() recognizes this job as the one now
	// running instead of treating it as displaced.
	return w.store.SetJobRunning(ctx, job.ID, job.GcodeFilename(), time.Now(), model.Printing)
}

func (w *Worker) whenPrinting(ctx context.Context, job *model.Job, status driver.PrinterStatus) error {
	if status.LatestJob == nil || status.LatestJob.Done() {
		return w.store.UpdateJob(ctx, job.ID, model.Printed)
	}
	return nil
}

func (w *Worker) whenPrinted(ctx context.Context, job *model.Job) error {
	if job.FromServer {
		if err := w.driver.DeleteFile(ctx, job.GcodeFilename()); err != nil && !isIgnorable(err) {
			w.log.Warn("worker: delete printed file failed", "job_id", job.ID, "error", err)
		}
	}
	return w.requirePickup(ctx, job)
}

// requirePickup marks the job PickupIssued; no signal is sent from here.
// The matching confirmation arrives later as an EventPickup pushed by the
// API's websocket channel.
func (w *Worker) requirePickup(ctx context.Context, job *model.Job) error {
	return w.store.UpdateJob(ctx, job.ID, model.PickupIssued)
}

func (w *Worker) onCancel(ctx context.Context, job *model.Job) error {
	if job.IsPrinting() {
		if err := w.driver.StopJob(ctx); err != nil && !isIgnorable(err) {
			return fmt.Errorf("worker: stop job %d: %w", job.ID, err)
		}
	}
	return w.store.UpdateJob(ctx, job.ID, model.Cancelled)
}

func (w *Worker) onPick(ctx context.Context, job *model.Job) error {
	return w.store.UpdateJob(ctx, job.ID, model.Picked)
}

func isIgnorable(err error) bool {
	return errors.Is(err, driver.ErrNotFound)
}
