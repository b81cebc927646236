// Package store persists users, printers, orders, jobs, and job history,
// and exposes the read queries and mutations the scheduler and printer
// workers need. Two dialects are supported: SQLite (modernc.org/sqlite,
// pure Go, the default) and PostgreSQL (jackc/pgx).
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/monashautomation/printfarm-controlplane/internal/config"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
)

type (
	User       = model.User
	Printer    = model.Printer
	Order      = model.Order
	Job        = model.Job
	JobHistory = model.JobHistory
	Status     = model.Status
)

// EntityKind names the four queryable entity tables for the generic
// exists/get/all operations.
type EntityKind string

const (
	KindUser    EntityKind = "user"
	KindPrinter EntityKind = "printer"
	KindOrder   EntityKind = "order"
	KindJob     EntityKind = "job"
)

// Interface is the Job/Order Store contract consumed by the scheduler,
// the printer workers, and the external API.
type Interface interface {
	Exists(ctx context.Context, kind EntityKind, id int64) (bool, error)
	Get(ctx context.Context, kind EntityKind, id int64) (interface{}, error)
	All(ctx context.Context, kind EntityKind) ([]interface{}, error)

	ActivePrinters(ctx context.Context) ([]Printer, error)
	UserOrders(ctx context.Context, userID int64) ([]Order, error)
	CurrentPrinterJob(ctx context.Context, printerID int64) (*Job, error)
	UnapprovedJobs(ctx context.Context) ([]Job, error)
	UnscheduledJobs(ctx context.Context) ([]Job, error)
	PreAssignedJobs(ctx context.Context) ([]Job, error)
	ScheduledJobs(ctx context.Context) ([]Job, error)
	NextPendingJob(ctx context.Context, printerID int64) (*Job, error)
	JobHistory(ctx context.Context, jobID int64) ([]JobHistory, error)

	CreateUser(ctx context.Context, u *User) (int64, error)
	CreatePrinter(ctx context.Context, p *Printer) (int64, error)
	CreateOrder(ctx context.Context, o *Order) (int64, error)
	CreateJob(ctx context.Context, j *Job) (int64, error)

	UpdateJob(ctx context.Context, jobID int64, newFlag Status) error
	SetJobPrinterAndStatus(ctx context.Context, jobID, printerID int64, newFlag Status) error
	SetJobRunning(ctx context.Context, jobID int64, printerFilename string, startTime time.Time, newFlag Status) error
	ApproveOrder(ctx context.Context, orderID int64) error
	CancelOrder(ctx context.Context, orderID int64) error

	Close() error
}

// NewStore dispatches to the configured driver, derived from the scheme of
// cfg.URL: "sqlite://" or "postgres(ql)://".
func NewStore(ctx context.Context, cfg config.DatabaseConfig, apiKeyPassphrase string) (Interface, error) {
	key, err := DeriveKeyFromPassphrase(apiKeyPassphrase)
	if err != nil {
		return nil, err
	}

	switch driverOf(cfg.URL) {
	case "sqlite":
		return NewSQLiteStore(ctx, cfg, key)
	case "postgres":
		return NewPostgresStore(ctx, cfg, key)
	default:
		return nil, fmt.Errorf("store: unsupported database driver in URL %q", cfg.URL)
	}
}

func driverOf(url string) string {
	switch {
	case strings.HasPrefix(url, "sqlite://") || strings.HasSuffix(url, ".db") || strings.HasSuffix(url, ".sqlite"):
		return "sqlite"
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return "postgres"
	default:
		return ""
	}
}
