// Package twin mirrors observed printer status into a structured remote
// object (OPC UA) used by operators and PLCs. Twin is advisory: the Store
// remains the source of truth, and a stale or failed twin write never
// blocks reconciliation.
package twin

import "context"

// Fields is the full set of attributes mirrored for one printer, matching
// the fixed attribute names: url, update_time, state, bed.{actual,target},
// nozzle.{actual,target}, camera_url, model, job.{file, progress,
// time_used, time_left, time_left_approx}.
type Fields struct {
	URL        string
	UpdateTime int64 // unix seconds
	State      string

	BedActual    float64
	BedTarget    float64
	NozzleActual float64
	NozzleTarget float64

	CameraURL string
	Model     string

	// Job fields. Zero values when no job is running.
	JobFile           string
	JobProgress       float64
	JobTimeUsed       float64
	JobTimeLeft       float64
	JobTimeLeftApprox float64
}

// Twin buffers per-printer field writes and flushes them on Commit. Update
// is idempotent and non-blocking; Commit is at-most-once-per-tick.
type Twin interface {
	// Update buffers the latest fields for twinName, replacing any prior
	// buffered value for that name.
	Update(twinName string, fields Fields)

	// Commit flushes all buffered updates to the remote object. Commit
	// failures are advisory: callers log and continue.
	Commit(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
