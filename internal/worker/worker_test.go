package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monashautomation/printfarm-controlplane/internal/driver"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
	"github.com/monashautomation/printfarm-controlplane/internal/twin"
)

// fakeStore implements store.Interface with enough behavior to drive the
// worker's reconciliation logic through a single in-memory job slot.
type fakeStore struct {
	jobs       map[int64]*model.Job
	nextID     int64
	history    map[int64][]model.Status
	printerJob map[int64]int64 // printerID -> jobID
}

var _ store.Interface = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:       make(map[int64]*model.Job),
		history:    make(map[int64][]model.Status),
		printerJob: make(map[int64]int64),
		nextID:     1,
	}
}

func (s *fakeStore) Exists(ctx context.Context, kind store.EntityKind, id int64) (bool, error) {
	return false, nil
}
func (s *fakeStore) Get(ctx context.Context, kind store.EntityKind, id int64) (interface{}, error) {
	return nil, nil
}
func (s *fakeStore) All(ctx context.Context, kind store.EntityKind) ([]interface{}, error) {
	return nil, nil
}
func (s *fakeStore) ActivePrinters(ctx context.Context) ([]model.Printer, error) { return nil, nil }
func (s *fakeStore) UserOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return nil, nil
}

func (s *fakeStore) CurrentPrinterJob(ctx context.Context, printerID int64) (*model.Job, error) {
	id, ok := s.printerJob[printerID]
	if !ok {
		return nil, nil
	}
	j := *s.jobs[id]
	return &j, nil
}

func (s *fakeStore) UnapprovedJobs(ctx context.Context) ([]model.Job, error)  { return nil, nil }
func (s *fakeStore) UnscheduledJobs(ctx context.Context) ([]model.Job, error) { return nil, nil }
func (s *fakeStore) PreAssignedJobs(ctx context.Context) ([]model.Job, error) { return nil, nil }
func (s *fakeStore) ScheduledJobs(ctx context.Context) ([]model.Job, error)   { return nil, nil }
func (s *fakeStore) NextPendingJob(ctx context.Context, printerID int64) (*model.Job, error) {
	return nil, nil
}
func (s *fakeStore) JobHistory(ctx context.Context, jobID int64) ([]model.JobHistory, error) {
	return nil, nil
}
func (s *fakeStore) CreateUser(ctx context.Context, u *model.User) (int64, error) { return 0, nil }
func (s *fakeStore) CreatePrinter(ctx context.Context, p *model.Printer) (int64, error) {
	return 0, nil
}
func (s *fakeStore) CreateOrder(ctx context.Context, o *model.Order) (int64, error) { return 0, nil }

func (s *fakeStore) CreateJob(ctx context.Context, j *model.Job) (int64, error) {
	id := s.nextID
	s.nextID++
	j.ID = id
	cp := *j
	s.jobs[id] = &cp
	s.history[id] = append(s.history[id], j.Status)
	if j.PrinterID != nil {
		s.printerJob[*j.PrinterID] = id
	}
	return id, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, jobID int64, newFlag model.Status) error {
	j, ok := s.jobs[jobID]
	if !ok {
		return errors.New("fakeStore: job not found")
	}
	if j.Status.Has(newFlag) {
		return nil
	}
	j.Status = j.Status.Add(newFlag)
	s.history[jobID] = append(s.history[jobID], newFlag)
	return nil
}

func (s *fakeStore) SetJobPrinterAndStatus(ctx context.Context, jobID, printerID int64, newFlag model.Status) error {
	j := s.jobs[jobID]
	j.PrinterID = &printerID
	s.printerJob[printerID] = jobID
	return s.UpdateJob(ctx, jobID, newFlag)
}

func (s *fakeStore) SetJobRunning(ctx context.Context, jobID int64, printerFilename string, startTime time.Time, newFlag model.Status) error {
	j, ok := s.jobs[jobID]
	if !ok {
		return errors.New("fakeStore: job not found")
	}
	j.PrinterFilename = printerFilename
	start := startTime
	j.StartTime = &start
	return s.UpdateJob(ctx, jobID, newFlag)
}
func (s *fakeStore) ApproveOrder(ctx context.Context, orderID int64) error { return nil }
func (s *fakeStore) CancelOrder(ctx context.Context, orderID int64) error { return nil }
func (s *fakeStore) Close() error                                        { return nil }

// fakeDriver is a scripted driver.Driver for reconciliation tests.
type fakeDriver struct {
	status       driver.PrinterStatus
	statusErr    error
	uploaded     []string
	started      []string
	stopped      bool
	deleted      []string
}

func (d *fakeDriver) Connect(ctx context.Context) error { return nil }
func (d *fakeDriver) CurrentStatus(ctx context.Context) (driver.PrinterStatus, error) {
	return d.status, d.statusErr
}
func (d *fakeDriver) UploadFile(ctx context.Context, localPath string) error {
	d.uploaded = append(d.uploaded, localPath)
	return nil
}
func (d *fakeDriver) DeleteFile(ctx context.Context, printerFilename string) error {
	d.deleted = append(d.deleted, printerFilename)
	return nil
}
func (d *fakeDriver) StartJob(ctx context.Context, printerFilename string) error {
	d.started = append(d.started, printerFilename)
	return nil
}
func (d *fakeDriver) StopJob(ctx context.Context) error {
	d.stopped = true
	return nil
}
func (d *fakeDriver) LatestJob(ctx context.Context) (*driver.LatestJob, error) {
	return d.status.LatestJob, nil
}

// noopTwin satisfies twin.Twin with no-op behavior for tests that don't
// assert on mirrored fields.
type noopTwin struct{}

func (noopTwin) Update(twinName string, fields twin.Fields) {}
func (noopTwin) Commit(ctx context.Context) error           { return nil }
func (noopTwin) Close() error                               { return nil }

func newWorker(st store.Interface, drv driver.Driver) *Worker {
	return New(model.Printer{ID: 1, URL: "http://printer.local"}, drv, noopTwin{}, st, time.Second, 10*time.Second)
}

func TestAdoptsExternallyStartedJob(t *testing.T) {
	progress := 40.0
	drv := &fakeDriver{status: driver.PrinterStatus{
		State: driver.StatePrinting,
		LatestJob: &driver.LatestJob{
			PrinterFilename: "X.gcode",
			Progress:        &progress,
			TimeUsedSecs:    120,
		},
	}}
	st := newFakeStore()
	w := newWorker(st, drv)

	require.NoError(t, w.step(context.Background()))

	job, err := st.CurrentPrinterJob(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.False(t, job.FromServer)
	require.Equal(t, "X.gcode", job.PrinterFilename)
	require.True(t, job.Status.Has(model.Printing))
	require.True(t, job.Status.Has(model.Scheduled))
}

func TestCancelDuringPrintingStopsDriver(t *testing.T) {
	drv := &fakeDriver{status: driver.PrinterStatus{
		State: driver.StatePrinting,
		LatestJob: &driver.LatestJob{
			PrinterFilename: "A.gcode",
			TimeUsedSecs:    5,
		},
	}}
	st := newFakeStore()
	jid, err := st.CreateJob(context.Background(), &model.Job{
		PrinterID:       ptr(int64(1)),
		Status:          model.ToPrint | model.Printing,
		PrinterFilename: "A.gcode",
		StartTime:       ptrTime(time.Now().Add(-5 * time.Second)),
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateJob(context.Background(), jid, model.CancelIssued))

	w := newWorker(st, drv)
	require.NoError(t, w.step(context.Background()))

	require.True(t, drv.stopped)
	j, _ := st.CurrentPrinterJob(context.Background(), 1)
	require.True(t, j.Status.Has(model.Cancelled))
}

func TestDisplacedJobGainsPicked(t *testing.T) {
	drv := &fakeDriver{status: driver.PrinterStatus{
		State: driver.StatePrinting,
		LatestJob: &driver.LatestJob{
			PrinterFilename: "B.gcode",
			TimeUsedSecs:    1,
		},
	}}
	st := newFakeStore()
	_, err := st.CreateJob(context.Background(), &model.Job{
		PrinterID:       ptr(int64(1)),
		Status:          model.ToPrint | model.Printing,
		PrinterFilename: "A.gcode",
	})
	require.NoError(t, err)

	w := newWorker(st, drv)
	require.NoError(t, w.step(context.Background()))

	j, _ := st.CurrentPrinterJob(context.Background(), 1)
	require.True(t, j.Status.Has(model.Picked), "displaced job must gain Picked")
}

func TestTransientTransportErrorSkipsTick(t *testing.T) {
	drv := &fakeDriver{statusErr: &driver.TransportError{Op: "current_status", Err: errors.New("timeout")}}
	st := newFakeStore()
	w := newWorker(st, drv)

	err := w.step(context.Background())
	require.Error(t, err)
	require.True(t, driver.IsTransport(err))
	require.Nil(t, w.cache)
}

// scriptedDriver mutates its own reported status in response to StartJob,
// so a test can drive a from_server job through multiple ticks without
// hand-scripting each status ahead of time.
type scriptedDriver struct {
	state     driver.PrinterState
	latestJob *driver.LatestJob
	started   []string
}

func (d *scriptedDriver) Connect(ctx context.Context) error { return nil }
func (d *scriptedDriver) CurrentStatus(ctx context.Context) (driver.PrinterStatus, error) {
	return driver.PrinterStatus{State: d.state, LatestJob: d.latestJob}, nil
}
func (d *scriptedDriver) UploadFile(ctx context.Context, localPath string) error { return nil }
func (d *scriptedDriver) DeleteFile(ctx context.Context, printerFilename string) error {
	return nil
}
func (d *scriptedDriver) StartJob(ctx context.Context, printerFilename string) error {
	d.started = append(d.started, printerFilename)
	d.state = driver.StatePrinting
	progress := 10.0
	d.latestJob = &driver.LatestJob{PrinterFilename: printerFilename, Progress: &progress, TimeUsedSecs: 1}
	return nil
}
func (d *scriptedDriver) StopJob(ctx context.Context) error { return nil }
func (d *scriptedDriver) LatestJob(ctx context.Context) (*driver.LatestJob, error) {
	return d.latestJob, nil
}

// TestLaunchedServerJobSurvivesSubsequentTicks drives a from_server job
// through launch, mid-print, completion and pickup-required across several
// ticks. It guards against launchServerJob forgetting to persist
// PrinterFilename/StartTime: if it did, the second tick's matches() would
// see an empty PrinterFilename, fall into the "displaced" branch, and
// wrongly mark the job Picked.
func TestLaunchedServerJobSurvivesSubsequentTicks(t *testing.T) {
	drv := &scriptedDriver{state: driver.StateReady}
	st := newFakeStore()
	_, err := st.CreateJob(context.Background(), &model.Job{
		PrinterID:        ptr(int64(1)),
		Status:           model.ToPrint,
		FromServer:       true,
		GcodeFilePath:    "/tmp/part.gcode",
		OriginalFilename: "part.gcode",
	})
	require.NoError(t, err)

	w := New(model.Printer{ID: 1, URL: "http://printer.local"}, drv, noopTwin{}, st, time.Nanosecond, 10*time.Second)

	// Tick 1: printer is idle and the job is pending, so it gets launched.
	require.NoError(t, w.step(context.Background()))
	require.Equal(t, []string{"part.gcode"}, drv.started)
	job, err := st.CurrentPrinterJob(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "part.gcode", job.PrinterFilename)
	require.NotNil(t, job.StartTime)
	require.True(t, job.Status.Has(model.Printing))
	require.False(t, job.Status.Has(model.Picked))

	// Tick 2: still printing, firmware agrees it's the same job.
	require.NoError(t, w.step(context.Background()))
	job, err = st.CurrentPrinterJob(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, job.Status.Has(model.Picked))
	require.False(t, job.Status.Has(model.Printed))

	// Tick 3: firmware reports the print finished.
	done := 100.0
	drv.latestJob.Progress = &done
	require.NoError(t, w.step(context.Background()))
	job, err = st.CurrentPrinterJob(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, job.Status.Has(model.Printed))
	require.False(t, job.Status.Has(model.Picked))

	// Tick 4: printed and awaiting pickup; the worker issues the pickup
	// requirement and deletes the server-uploaded file, still without Picked.
	require.NoError(t, w.step(context.Background()))
	job, err = st.CurrentPrinterJob(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, job.Status.Has(model.PickupIssued))
	require.False(t, job.Status.Has(model.Picked))
}

func ptr[T any](v T) *T               { return &v }
func ptrTime(t time.Time) *time.Time { return &t }
