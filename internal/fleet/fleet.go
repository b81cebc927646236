// Package fleet owns the process-wide printer_id -> Worker mapping. It is
// the one piece of cross-worker shared state in the system (spec §5): the
// API and the scheduler read it, only the Manager mutates it.
package fleet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/monashautomation/printfarm-controlplane/internal/config"
	"github.com/monashautomation/printfarm-controlplane/internal/driver"
	"github.com/monashautomation/printfarm-controlplane/internal/logger"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
	"github.com/monashautomation/printfarm-controlplane/internal/twin"
	"github.com/monashautomation/printfarm-controlplane/internal/worker"
)

// Manager owns the printer_id -> Worker mapping for the whole process.
type Manager struct {
	mu      sync.RWMutex
	workers map[int64]*worker.Worker

	store       store.Interface
	twin        twin.Twin
	httpClient  *http.Client
	interval    time.Duration
	matchWindow time.Duration
	mockCfg     config.MockPrinterConfig
}

// New builds an empty Manager. httpClient is shared by all Drivers
// (connection pooling, per spec §5); twinClient is shared by all Workers.
// mockCfg parameterizes any Mock-driven printer.
func New(st store.Interface, twinClient twin.Twin, httpClient *http.Client, interval, matchWindow time.Duration, mockCfg config.MockPrinterConfig) *Manager {
	return &Manager{
		workers:     make(map[int64]*worker.Worker),
		store:       st,
		twin:        twinClient,
		httpClient:  httpClient,
		interval:    interval,
		matchWindow: matchWindow,
		mockCfg:     mockCfg,
	}
}

// Bootstrap reads every active printer from the Store and starts a worker
// for each, used once at process startup.
func (m *Manager) Bootstrap(ctx context.Context) error {
	printers, err := m.store.ActivePrinters(ctx)
	if err != nil {
		return fmt.Errorf("fleet: load active printers: %w", err)
	}
	for _, p := range printers {
		if err := m.StartNew(ctx, p); err != nil {
			logger.Default().Error("fleet: failed to start worker during bootstrap", "printer_id", p.ID, "error", err)
		}
	}
	return nil
}

// StartNew starts a worker for printer, unless one is already running for
// its id (idempotent — the existing entry wins).
func (m *Manager) StartNew(ctx context.Context, printer model.Printer) error {
	m.mu.Lock()
	if _, exists := m.workers[printer.ID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	drv, err := newDriver(printer, m.httpClient, m.mockCfg)
	if err != nil {
		return fmt.Errorf("fleet: build driver for printer %d: %w", printer.ID, err)
	}

	w := worker.New(printer, drv, m.twin, m.store, m.interval, m.matchWindow)

	m.mu.Lock()
	if _, exists := m.workers[printer.ID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.workers[printer.ID] = w
	m.mu.Unlock()

	w.Start(ctx)
	logger.Default().Info("fleet: started worker", "printer_id", printer.ID, "driver", printer.Driver)
	return nil
}

// Stop removes and stops the worker for printerID, if any.
func (m *Manager) Stop(printerID int64) {
	m.mu.Lock()
	w, exists := m.workers[printerID]
	if exists {
		delete(m.workers, printerID)
	}
	m.mu.Unlock()

	if exists {
		w.Stop()
		logger.Default().Info("fleet: stopped worker", "printer_id", printerID)
	}
}

// Get returns the worker for printerID, if running.
func (m *Manager) Get(printerID int64) (*worker.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[printerID]
	return w, ok
}

// GetStatus returns the worker's status for printerID, if running.
func (m *Manager) GetStatus(printerID int64) (worker.Status, bool) {
	w, ok := m.Get(printerID)
	if !ok {
		return worker.Status{}, false
	}
	return w.Status(), true
}

// WorkeredPrinterIDs returns the ids of every printer with a running
// worker, satisfying scheduler.FleetPrinters.
func (m *Manager) WorkeredPrinterIDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every worker concurrently, then releases the shared Twin
// connection and Store. The HTTP client has no Close method (net/http's
// idle connections are reclaimed by the transport on process exit).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[int64]*worker.Worker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(workers))
	for _, w := range workers {
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	if err := m.twin.Close(); err != nil {
		logger.Default().Warn("fleet: twin close failed", "error", err)
	}
	return m.store.Close()
}

// newDriver builds the concrete driver.Driver for printer.Driver.
func newDriver(printer model.Printer, httpClient *http.Client, mockCfg config.MockPrinterConfig) (driver.Driver, error) {
	switch printer.Driver {
	case model.DriverOctoPrint:
		return driver.NewOctoPrint(printer.URL, printer.APIKey, httpClient), nil
	case model.DriverPrusaLink:
		return driver.NewPrusaLink(printer.URL, printer.APIKey, httpClient), nil
	case model.DriverMock:
		interval := time.Duration(mockCfg.IntervalSecs) * time.Second
		return driver.NewMock(interval, float64(mockCfg.JobTimeSecs), mockCfg.BedExpected, mockCfg.NozzleExpected), nil
	default:
		return nil, fmt.Errorf("fleet: unknown driver kind %q", printer.Driver)
	}
}
