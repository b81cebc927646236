package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockJob is a single simulated print, grounded on the deterministic mock
// printer's job bookkeeping.
type mockJob struct {
	file          string
	timeEstimated float64
	timeUsed      float64
	stopped       bool
}

func (j *mockJob) printing() bool {
	return !j.stopped && j.timeUsed < j.timeEstimated
}

func (j *mockJob) progress() float64 {
	if j.timeEstimated <= 0 {
		return 100
	}
	p := j.timeUsed / j.timeEstimated * 100
	if p > 100 {
		p = 100
	}
	return p
}

func (j *mockJob) timeLeft() float64 {
	left := j.timeEstimated - j.timeUsed
	if left < 0 {
		return 0
	}
	return left
}

// Mock is a deterministic simulated printer driver: it heats bed/nozzle
// linearly toward configured targets and only advances job progress once
// both temperatures reach target, matching a real device's behavior
// closely enough for development and tests without any hardware.
type Mock struct {
	mu sync.Mutex

	interval       time.Duration
	jobTimeSecs    float64
	bedExpected    float64
	nozzleExpected float64

	connected  bool
	bedActual  float64
	nozzleActual float64
	jobs       []*mockJob
	files      map[string]bool

	cancel context.CancelFunc
}

// NewMock builds a Mock driver. interval is the internal simulation tick;
// jobTimeSecs is how long a simulated print takes once heating finishes.
func NewMock(interval time.Duration, jobTimeSecs, bedExpected, nozzleExpected float64) *Mock {
	return &Mock{
		interval:       interval,
		jobTimeSecs:    jobTimeSecs,
		bedExpected:    bedExpected,
		nozzleExpected: nozzleExpected,
		files:          make(map[string]bool),
	}
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	already := m.connected
	m.connected = true
	m.mu.Unlock()

	if already {
		return nil
	}

	simCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.run(simCtx)
	return nil
}

// Stop halts the background simulation goroutine. Not part of the Driver
// interface; Worker.Stop calls it when the fleet manager tears a worker down.
func (m *Mock) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.connected = false
	m.mu.Unlock()
}

func (m *Mock) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.updateStates()
			m.mu.Unlock()
		}
	}
}

// updateStates advances the simulation by one tick. Must be called with
// m.mu held.
func (m *Mock) updateStates() {
	job := m.currentJob()
	if job == nil {
		coolTowards(&m.bedActual, 0)
		coolTowards(&m.nozzleActual, 0)
		return
	}

	heatTowards(&m.bedActual, m.bedExpected)
	heatTowards(&m.nozzleActual, m.nozzleExpected)

	if m.heatingFinished() {
		job.timeUsed++
	}
}

func (m *Mock) heatingFinished() bool {
	return m.bedActual >= m.bedExpected && m.nozzleActual >= m.nozzleExpected
}

func heatTowards(actual *float64, target float64) {
	if *actual < target {
		*actual += 10
		if *actual > target {
			*actual = target
		}
	}
}

func coolTowards(actual *float64, target float64) {
	if *actual > target {
		*actual -= 10
		if *actual < target {
			*actual = target
		}
	}
}

// currentJob returns the job presently printing, if any. Must be called
// with m.mu held.
func (m *Mock) currentJob() *mockJob {
	if len(m.jobs) == 0 {
		return nil
	}
	last := m.jobs[len(m.jobs)-1]
	if last.printing() {
		return last
	}
	return nil
}

func (m *Mock) checkConnection() error {
	if !m.connected {
		return ErrUnauthorized
	}
	return nil
}

func (m *Mock) CurrentStatus(ctx context.Context) (PrinterStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnection(); err != nil {
		return PrinterStatus{}, err
	}

	status := PrinterStatus{
		TempBed:    Temperature{Actual: m.bedActual, Target: m.bedExpected},
		TempNozzle: Temperature{Actual: m.nozzleActual, Target: m.nozzleExpected},
	}

	job := m.currentJob()
	if job == nil {
		status.State = StateReady
		return status, nil
	}

	status.State = StatePrinting
	progress := job.progress()
	status.LatestJob = &LatestJob{
		PrinterFilename: job.file,
		Progress:        &progress,
		TimeUsedSecs:    job.timeUsed,
		TimeLeftSecs:    job.timeLeft(),
	}
	return status, nil
}

func (m *Mock) LatestJob(ctx context.Context) (*LatestJob, error) {
	status, err := m.CurrentStatus(ctx)
	if err != nil {
		return nil, err
	}
	return status.LatestJob, nil
}

func (m *Mock) fileInUse(name string) bool {
	job := m.currentJob()
	return job != nil && job.file == name
}

func (m *Mock) UploadFile(ctx context.Context, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnection(); err != nil {
		return err
	}

	name := baseName(localPath)
	if m.fileInUse(name) {
		return fmt.Errorf("upload %s: %w", name, ErrFileInUse)
	}
	if m.files[name] {
		return fmt.Errorf("upload %s: %w", name, ErrFileAlreadyExists)
	}
	m.files[name] = true
	return nil
}

func (m *Mock) DeleteFile(ctx context.Context, printerFilename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnection(); err != nil {
		return err
	}
	if !m.files[printerFilename] {
		return fmt.Errorf("delete %s: %w", printerFilename, ErrNotFound)
	}
	if m.fileInUse(printerFilename) {
		return fmt.Errorf("delete %s: %w", printerFilename, ErrFileInUse)
	}
	delete(m.files, printerFilename)
	return nil
}

func (m *Mock) StartJob(ctx context.Context, printerFilename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnection(); err != nil {
		return err
	}
	if !m.files[printerFilename] {
		return fmt.Errorf("start %s: %w", printerFilename, ErrNotFound)
	}
	if m.currentJob() != nil {
		return fmt.Errorf("start %s: %w", printerFilename, ErrPrinterIsBusy)
	}
	m.jobs = append(m.jobs, &mockJob{file: printerFilename, timeEstimated: m.jobTimeSecs})
	return nil
}

func (m *Mock) StopJob(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnection(); err != nil {
		return err
	}
	job := m.currentJob()
	if job == nil {
		return fmt.Errorf("stop_job: %w", ErrNotFound)
	}
	job.stopped = true
	return nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
