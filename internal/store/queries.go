package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/monashautomation/printfarm-controlplane/internal/model"
)

// Store implements Interface against a dialect-abstracted *sql.DB. Both
// NewSQLiteStore and NewPostgresStore return it; only connection setup and
// the dialect differ between the two.
type Store struct {
	BaseStore
	cipher *apiKeyCipher
}

var _ Interface = (*Store)(nil)

func newStore(db *sql.DB, dialect Dialect, key [32]byte) *Store {
	return &Store{BaseStore: newBaseStore(db, dialect), cipher: newAPIKeyCipher(key)}
}

func (s *Store) Exists(ctx context.Context, kind EntityKind, id int64) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.queryRow(ctx, fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = ?)", table), id).Scan(&exists)
	return exists, err
}

func tableFor(kind EntityKind) (string, error) {
	switch kind {
	case KindUser:
		return "users", nil
	case KindPrinter:
		return "printers", nil
	case KindOrder:
		return "orders", nil
	case KindJob:
		return "jobs", nil
	default:
		return "", fmt.Errorf("store: unknown entity kind %q", kind)
	}
}

func (s *Store) Get(ctx context.Context, kind EntityKind, id int64) (interface{}, error) {
	switch kind {
	case KindUser:
		return s.getUser(ctx, id)
	case KindPrinter:
		return s.getPrinter(ctx, id)
	case KindOrder:
		return s.getOrder(ctx, id)
	case KindJob:
		return s.getJob(ctx, id)
	default:
		return nil, fmt.Errorf("store: unknown entity kind %q", kind)
	}
}

func (s *Store) All(ctx context.Context, kind EntityKind) ([]interface{}, error) {
	switch kind {
	case KindUser:
		users, err := s.allUsers(ctx)
		return toInterfaceSlice(users), err
	case KindPrinter:
		printers, err := s.allPrinters(ctx)
		return toInterfaceSlice(printers), err
	case KindOrder:
		orders, err := s.allOrders(ctx)
		return toInterfaceSlice(orders), err
	case KindJob:
		jobs, err := s.allJobs(ctx)
		return toInterfaceSlice(jobs), err
	default:
		return nil, fmt.Errorf("store: unknown entity kind %q", kind)
	}
}

func toInterfaceSlice[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// -- Users -------------------------------------------------------------

func (s *Store) getUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.queryRow(ctx, `SELECT id, identity, display_name, role, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) allUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.query(ctx, `SELECT id, identity, display_name, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*model.User, error) {
	var u model.User
	var role string
	if err := row.Scan(&u.ID, &u.Identity, &u.DisplayName, &role, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertReturningID(ctx, tx, &s.BaseStore,
		`INSERT INTO users (identity, display_name, role) VALUES (?, ?, ?)`,
		u.Identity, u.DisplayName, string(u.Role))
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// -- Printers ------------------------------------------------------------

func (s *Store) getPrinter(ctx context.Context, id int64) (*model.Printer, error) {
	row := s.queryRow(ctx, `SELECT id, url, api_key, driver, group_name, active, twin_name, camera_url, model FROM printers WHERE id = ?`, id)
	return s.scanPrinter(row)
}

func (s *Store) allPrinters(ctx context.Context) ([]model.Printer, error) {
	rows, err := s.query(ctx, `SELECT id, url, api_key, driver, group_name, active, twin_name, camera_url, model FROM printers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Printer
	for rows.Next() {
		p, err := s.scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) ActivePrinters(ctx context.Context) ([]model.Printer, error) {
	rows, err := s.query(ctx, `SELECT id, url, api_key, driver, group_name, active, twin_name, camera_url, model FROM printers WHERE active = ? ORDER BY id`, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Printer
	for rows.Next() {
		p, err := s.scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) scanPrinter(row scanner) (*model.Printer, error) {
	var p model.Printer
	var apiKey, group, twinName, cameraURL, modelStr sql.NullString
	var driver string
	if err := row.Scan(&p.ID, &p.URL, &apiKey, &driver, &group, &p.Active, &twinName, &cameraURL, &modelStr); err != nil {
		return nil, err
	}
	p.Driver = model.DriverKind(driver)
	p.Group = group.String
	p.TwinName = twinName.String
	p.CameraURL = cameraURL.String
	p.Model = modelStr.String

	if apiKey.Valid && apiKey.String != "" {
		plain, err := s.cipher.decrypt(apiKey.String)
		if err != nil {
			return nil, err
		}
		p.APIKey = plain
	}
	return &p, nil
}

func (s *Store) CreatePrinter(ctx context.Context, p *model.Printer) (int64, error) {
	encrypted, err := s.cipher.encrypt(p.APIKey)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertReturningID(ctx, tx, &s.BaseStore,
		`INSERT INTO printers (url, api_key, driver, group_name, active, twin_name, camera_url, model) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.URL, nullString(encrypted), string(p.Driver), nullString(p.Group), p.Active, nullString(p.TwinName), nullString(p.CameraURL), nullString(p.Model))
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// -- Orders ----------------------------------------------------------------

func (s *Store) getOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := s.queryRow(ctx, `SELECT id, user_id, printer_id, cancelled FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func (s *Store) allOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.query(ctx, `SELECT id, user_id, printer_id, cancelled FROM orders ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Store) UserOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := s.query(ctx, `SELECT id, user_id, printer_id, cancelled FROM orders WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var printerID sql.NullInt64
	if err := row.Scan(&o.ID, &o.UserID, &printerID, &o.Cancelled); err != nil {
		return nil, err
	}
	o.PrinterID = nullInt64Ptr(printerID)
	return &o, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertReturningID(ctx, tx, &s.BaseStore,
		`INSERT INTO orders (user_id, printer_id, cancelled) VALUES (?, ?, ?)`,
		o.UserID, nullInt64(o.PrinterID), o.Cancelled)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *Store) ApproveOrder(ctx context.Context, orderID int64) error {
	jobs, err := s.jobsByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range jobs {
		if err := s.addStatusFlag(ctx, tx, j.ID, j.Status, model.Approved); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CancelOrder(ctx context.Context, orderID int64) error {
	jobs, err := s.jobsByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := txExec(ctx, tx, &s.BaseStore, `UPDATE orders SET cancelled = ? WHERE id = ?`, true, orderID); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := s.addStatusFlag(ctx, tx, j.ID, j.Status, model.CancelIssued); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) jobsByOrder(ctx context.Context, orderID int64) ([]model.Job, error) {
	rows, err := s.query(ctx, jobSelectColumns+` FROM jobs WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// -- Jobs --------------------------------------------------------------

const jobSelectColumns = `SELECT id, order_id, user_id, printer_id, status, from_server, gcode_file_path, original_filename, printer_filename, start_time, created_at`

func (s *Store) getJob(ctx context.Context, id int64) (*model.Job, error) {
	row := s.queryRow(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *Store) allJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.query(ctx, jobSelectColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// CurrentPrinterJob returns the single job on printerID with status >
// Scheduled and Picked not set; 2+ rows is an invariant violation, so the
// lowest-id row is returned and the violation is logged here as a warning
// rather than silently ignored.
func (s *Store) CurrentPrinterJob(ctx context.Context, printerID int64) (*model.Job, error) {
	rows, err := s.query(ctx, jobSelectColumns+` FROM jobs WHERE printer_id = ? AND status > ? AND (status & ?) = 0 ORDER BY id`,
		printerID, model.Scheduled, model.Picked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobRows(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	if len(jobs) > 1 {
		logWarn("invariant violation: multiple current jobs for printer", "printer_id", printerID, "count", len(jobs))
	}
	return &jobs[0], nil
}

func (s *Store) UnapprovedJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.query(ctx, jobSelectColumns+` FROM jobs WHERE status < ? ORDER BY created_at`, model.Approved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// UnscheduledJobs returns approved, from_server jobs with no printer
// assigned yet, ordered by create_time ascending for FIFO scheduling.
func (s *Store) UnscheduledJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.query(ctx, jobSelectColumns+` FROM jobs WHERE status = ? AND from_server = ? AND printer_id IS NULL ORDER BY created_at ASC`,
		model.ToSchedule, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// PreAssignedJobs returns approved, from_server jobs that already carry a
// printer_id set by the external API at submission time but have not yet
// been promoted to Scheduled. Used by the scheduler when AUTO_SCHEDULE is
// false: it only flips these to Scheduled, never reassigning idle printers.
func (s *Store) PreAssignedJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.query(ctx, jobSelectColumns+` FROM jobs WHERE status = ? AND from_server = ? AND printer_id IS NOT NULL ORDER BY created_at ASC`,
		model.ToSchedule, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *Store) ScheduledJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.query(ctx, jobSelectColumns+` FROM jobs WHERE status = ? AND printer_id IS NOT NULL ORDER BY created_at ASC`,
		model.ToPrint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *Store) NextPendingJob(ctx context.Context, printerID int64) (*model.Job, error) {
	row := s.queryRow(ctx, jobSelectColumns+` FROM jobs WHERE status = ? AND printer_id = ? ORDER BY created_at ASC LIMIT 1`,
		model.ToPrint, printerID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var orderID, userID, printerID sql.NullInt64
	var status int64
	var gcodePath, originalFilename, printerFilename sql.NullString
	var startTime sql.NullTime
	if err := row.Scan(&j.ID, &orderID, &userID, &printerID, &status, &j.FromServer,
		&gcodePath, &originalFilename, &printerFilename, &startTime, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.OrderID = nullInt64Ptr(orderID)
	j.UserID = nullInt64Ptr(userID)
	j.PrinterID = nullInt64Ptr(printerID)
	j.Status = model.Status(status)
	j.GcodeFilePath = gcodePath.String
	j.OriginalFilename = originalFilename.String
	j.PrinterFilename = printerFilename.String
	j.StartTime = nullTimePtr(startTime)
	return &j, nil
}

func scanJobRows(rows *sql.Rows) ([]model.Job, error) {
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) CreateJob(ctx context.Context, j *model.Job) (int64, error) {
	if j.FromServer && j.GcodeFilePath == "" {
		return 0, fmt.Errorf("store: from_server job requires gcode_file_path")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertReturningID(ctx, tx, &s.BaseStore,
		`INSERT INTO jobs (order_id, user_id, printer_id, status, from_server, gcode_file_path, original_filename, printer_filename, start_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(j.OrderID), nullInt64(j.UserID), nullInt64(j.PrinterID), int64(j.Status), j.FromServer,
		nullString(j.GcodeFilePath), nullString(j.OriginalFilename), nullString(j.PrinterFilename), nullTime(j.StartTime))
	if err != nil {
		return 0, err
	}

	for _, flag := range decomposeFlags(j.Status) {
		if err := appendHistory(ctx, tx, &s.BaseStore, id, flag); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	j.ID = id
	return id, nil
}

// UpdateJob adds newFlag to jobID's status (monotonic OR) and appends
// exactly one JobHistory row, all inside one transaction.
func (s *Store) UpdateJob(ctx context.Context, jobID int64, newFlag model.Status) error {
	current, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.addStatusFlag(ctx, tx, jobID, current.Status, newFlag); err != nil {
		return err
	}
	return tx.Commit()
}

// SetJobPrinterAndStatus assigns printerID to jobID and adds newFlag, used
// by the scheduler's assignment step which must set both atomically.
func (s *Store) SetJobPrinterAndStatus(ctx context.Context, jobID, printerID int64, newFlag model.Status) error {
	current, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := txExec(ctx, tx, &s.BaseStore, `UPDATE jobs SET printer_id = ? WHERE id = ?`, printerID, jobID); err != nil {
		return err
	}
	if err := s.addStatusFlag(ctx, tx, jobID, current.Status, newFlag); err != nil {
		return err
	}
	return tx.Commit()
}

// SetJobRunning records that jobID has actually started printing on its
// printer: the printer-side filename and observed start time the next
// tick's matches() needs, plus the status flag (normally Printing), all in
// one transaction. Used by the worker once it has uploaded and started a
// from_server job.
func (s *Store) SetJobRunning(ctx context.Context, jobID int64, printerFilename string, startTime time.Time, newFlag model.Status) error {
	current, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := txExec(ctx, tx, &s.BaseStore,
		`UPDATE jobs SET printer_filename = ?, start_time = ? WHERE id = ?`,
		printerFilename, nullTime(&startTime), jobID); err != nil {
		return err
	}
	if err := s.addStatusFlag(ctx, tx, jobID, current.Status, newFlag); err != nil {
		return err
	}
	return tx.Commit()
}

// addStatusFlag performs the monotonic-OR update and appends one
// JobHistory row per newly-added base flag. Must run inside tx.
func (s *Store) addStatusFlag(ctx context.Context, tx *sql.Tx, jobID int64, current, newFlag model.Status) error {
	updated := current.Add(newFlag)
	if _, err := txExec(ctx, tx, &s.BaseStore, `UPDATE jobs SET status = ? WHERE id = ?`, int64(updated), jobID); err != nil {
		return err
	}
	for _, flag := range decomposeFlags(newFlag &^ current) {
		if err := appendHistory(ctx, tx, &s.BaseStore, jobID, flag); err != nil {
			return err
		}
	}
	return nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, b *BaseStore, jobID int64, flag model.Status) error {
	_, err := txExec(ctx, tx, b, `INSERT INTO job_history (job_id, status_name, timestamp) VALUES (?, ?, ?)`,
		jobID, model.StatusName(flag), time.Now())
	return err
}

// decomposeFlags splits a composite status value into its individual base
// flags, each of which gets its own JobHistory row.
func decomposeFlags(s model.Status) []model.Status {
	all := []model.Status{
		model.Created, model.Approved, model.Scheduled, model.Printing, model.Printed,
		model.Picked, model.Cancelled, model.PickupIssued, model.CancelIssued,
	}
	var out []model.Status
	for _, flag := range all {
		if s.Has(flag) {
			out = append(out, flag)
		}
	}
	return out
}

func (s *Store) JobHistory(ctx context.Context, jobID int64) ([]model.JobHistory, error) {
	rows, err := s.query(ctx, `SELECT id, job_id, status_name, timestamp FROM job_history WHERE job_id = ? ORDER BY timestamp ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JobHistory
	for rows.Next() {
		var h model.JobHistory
		if err := rows.Scan(&h.ID, &h.JobID, &h.StatusName, &h.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
