// Package driver defines the abstract Printer Driver contract: a uniform
// view of a physical printer's status, files, and job control, implemented
// once per concrete printer firmware (OctoPrint, PrusaLink) plus a Mock
// driver used for development and tests.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// PrinterState is the common state a driver maps its vendor-specific
// reporting onto.
type PrinterState string

const (
	StateReady    PrinterState = "Ready"
	StatePrinting PrinterState = "Printing"
	StatePaused   PrinterState = "Paused"
	StateStopped  PrinterState = "Stopped"
	StateError    PrinterState = "Error"
)

// LatestJob describes the job currently known to the printer's firmware.
type LatestJob struct {
	PrinterFilename    string
	Progress           *float64 // percent in [0,100], nil when unknown
	TimeUsedSecs       float64
	TimeLeftSecs       float64
	TimeApproxSecs     *float64
	PreviewedModelURL  string
}

// Done reports whether the firmware-reported job has reached 100% progress.
func (j *LatestJob) Done() bool {
	return j != nil && j.Progress != nil && *j.Progress >= 100
}

// PrinterStatus is a single poll of a printer's current condition.
type PrinterStatus struct {
	State      PrinterState
	TempBed    Temperature
	TempNozzle Temperature
	LatestJob  *LatestJob // nil when the printer is not running anything
}

// Temperature is an actual/target pair reported by the firmware.
type Temperature struct {
	Actual float64
	Target float64
}

// HeatingFinished reports whether the actual temperature has reached target.
func (t Temperature) HeatingFinished() bool {
	return t.Actual >= t.Target
}

// Driver error taxonomy. Concrete drivers wrap these with context via
// fmt.Errorf("...: %w", ...); callers use errors.Is to classify failures.
var (
	ErrUnauthorized     = errors.New("driver: unauthorized")
	ErrFileInUse        = errors.New("driver: file in use")
	ErrFileAlreadyExists = errors.New("driver: file already exists")
	ErrNotFound         = errors.New("driver: not found")
	ErrPrinterIsBusy    = errors.New("driver: printer is busy")
)

// TransportError wraps a network/protocol-level failure talking to the
// printer (timeouts, connection refused, bad status codes the driver
// doesn't otherwise classify). Workers treat these as transient.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("driver transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Driver is the uniform contract implemented once per printer firmware.
type Driver interface {
	// Connect performs an idempotent handshake; safe to call repeatedly.
	Connect(ctx context.Context) error

	// CurrentStatus polls the printer's present condition.
	CurrentStatus(ctx context.Context) (PrinterStatus, error)

	// UploadFile uploads the local gcode file at path to the printer's
	// storage. May fail with ErrFileAlreadyExists or ErrFileInUse.
	UploadFile(ctx context.Context, localPath string) error

	// DeleteFile removes a previously uploaded file by its printer-side
	// filename. May fail with ErrNotFound or ErrFileInUse.
	DeleteFile(ctx context.Context, printerFilename string) error

	// StartJob begins printing an already-uploaded file by its
	// printer-side filename. May fail with ErrNotFound or ErrPrinterIsBusy.
	StartJob(ctx context.Context, printerFilename string) error

	// StopJob cancels the current print if any; safe when already stopped.
	StopJob(ctx context.Context) error

	// LatestJob returns the job the firmware currently reports, or nil.
	LatestJob(ctx context.Context) (*LatestJob, error)
}
