// Package model defines the entities persisted by the job/order store:
// users, printers, orders, jobs, and the append-only job history log.
package model

import "time"

// Role is a User's access level. The API layer (out of scope here) is the
// only consumer; the store treats it as an opaque string.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is an account that can own Orders.
type User struct {
	ID          int64
	Identity    string
	DisplayName string
	Role        Role
	CreatedAt   time.Time
}

// DriverKind selects which Printer Driver implementation manages a Printer.
type DriverKind string

const (
	DriverOctoPrint DriverKind = "OctoPrint"
	DriverPrusaLink DriverKind = "Prusa"
	DriverMock      DriverKind = "Mock"
)

// Printer is a managed 3D printer.
type Printer struct {
	ID         int64
	URL        string
	APIKey     string // plaintext in memory; encrypted at rest by the store
	Driver     DriverKind
	Group      string
	Active     bool // should a worker run for this printer
	TwinName   string
	CameraURL  string
	Model      string
}

// Order is a customer-facing intent that may spawn one or more Jobs.
type Order struct {
	ID        int64
	UserID    int64
	PrinterID *int64
	Cancelled bool
}

// Status is the Job status bitmask. Flags combine monotonically: a Job's
// status only ever gains bits, never loses them.
type Status uint32

const (
	Created      Status = 1
	Approved     Status = 2
	Scheduled    Status = 4
	Printing     Status = 8
	Printed      Status = 16
	Picked       Status = 256
	Cancelled    Status = 512
	PickupIssued Status = 1024
	CancelIssued Status = 2048
)

// Composite predicates built from the base flags above.
const (
	ToSchedule = Created | Approved
	ToPrint    = ToSchedule | Scheduled
)

// Has reports whether every bit in flags is set in s.
func (s Status) Has(flags Status) bool {
	return s&flags == flags
}

// Add returns s with flags set, implementing the monotonic-OR progression
// invariant: callers must never clear bits, only add them.
func (s Status) Add(flags Status) Status {
	return s | flags
}

// IsPending reports whether the job is exactly ToSchedule|Scheduled and has
// not started printing: status == ToPrint.
func (s Status) IsPending() bool {
	return s == ToPrint
}

// NeedCancel reports whether a cancel has been requested but not yet acted on.
func (s Status) NeedCancel() bool {
	return s.Has(CancelIssued) && !s.Has(Cancelled)
}

// NeedPickup reports whether the job has printed but pickup has not been signaled.
func (s Status) NeedPickup() bool {
	return s.Has(Printed) && !s.Has(PickupIssued)
}

// IsPrinting reports whether the job is actively printing: the Printing bit
// is set and the job has not progressed as far as Printed.
func (s Status) IsPrinting() bool {
	return s.Has(Printing) && !s.Has(Printed)
}

// IsPrinted reports whether the job has finished printing.
func (s Status) IsPrinted() bool {
	return s.Has(Printed)
}

// IsTerminal reports whether the job has reached a state with no further
// valid transitions: picked up, or cancelled.
func (s Status) IsTerminal() bool {
	return s.Has(Picked) || s.Has(Cancelled)
}

// Job is a server-tracked print attempt.
type Job struct {
	ID         int64
	OrderID    *int64
	UserID     *int64
	PrinterID  *int64
	Status     Status
	FromServer bool // true: gcode uploaded via the API; false: observed on the printer

	GcodeFilePath    string // set when FromServer
	OriginalFilename string
	PrinterFilename  string // set once the job is observed running on a printer
	StartTime        *time.Time
	CreatedAt        time.Time
}

// IsPending reports whether the job is ready to be launched on its printer.
func (j *Job) IsPending() bool { return j.Status.IsPending() }

// NeedCancel reports whether a cancel has been requested but not acted on.
func (j *Job) NeedCancel() bool { return j.Status.NeedCancel() }

// NeedPickup reports whether the job is printed but awaiting pickup.
func (j *Job) NeedPickup() bool { return j.Status.NeedPickup() }

// IsPrinting reports whether the job is actively printing.
func (j *Job) IsPrinting() bool { return j.Status.IsPrinting() }

// IsPrinted reports whether the job has finished printing.
func (j *Job) IsPrinted() bool { return j.Status.IsPrinted() }

// GcodeFilename returns the base filename portion of GcodeFilePath, the
// name the driver knows the uploaded file by on the printer's storage.
func (j *Job) GcodeFilename() string {
	path := j.GcodeFilePath
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// JobHistory is one append-only record of a status-flag addition.
type JobHistory struct {
	ID        int64
	JobID     int64
	StatusName string
	Timestamp time.Time
}

// StatusName renders a single Status flag as its canonical name, used when
// appending JobHistory rows. Composite or zero values render as "unknown".
func StatusName(flag Status) string {
	switch flag {
	case Created:
		return "Created"
	case Approved:
		return "Approved"
	case Scheduled:
		return "Scheduled"
	case Printing:
		return "Printing"
	case Printed:
		return "Printed"
	case Picked:
		return "Picked"
	case Cancelled:
		return "Cancelled"
	case PickupIssued:
		return "PickupIssued"
	case CancelIssued:
		return "CancelIssued"
	default:
		return "unknown"
	}
}
