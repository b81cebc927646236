package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monashautomation/printfarm-controlplane/internal/driver"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
	"github.com/monashautomation/printfarm-controlplane/internal/twin"
	"github.com/monashautomation/printfarm-controlplane/internal/worker"
)

// fakeStore implements store.Interface with in-memory maps, enough to
// drive every handler this package registers.
type fakeStore struct {
	printers    map[int64]*model.Printer
	jobs        map[int64]*model.Job
	history     map[int64][]model.JobHistory
	nextPrinter int64
	nextJob     int64

	lastUpdateJobID int64
	lastUpdateFlag  model.Status
}

var _ store.Interface = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		printers: make(map[int64]*model.Printer),
		jobs:     make(map[int64]*model.Job),
		history:  make(map[int64][]model.JobHistory),
	}
}

func (s *fakeStore) Exists(ctx context.Context, kind store.EntityKind, id int64) (bool, error) {
	return false, nil
}

func (s *fakeStore) Get(ctx context.Context, kind store.EntityKind, id int64) (interface{}, error) {
	switch kind {
	case store.KindPrinter:
		p, ok := s.printers[id]
		if !ok {
			return nil, errNotFound
		}
		return p, nil
	case store.KindJob:
		j, ok := s.jobs[id]
		if !ok {
			return nil, errNotFound
		}
		return j, nil
	default:
		return nil, errNotFound
	}
}

func (s *fakeStore) All(ctx context.Context, kind store.EntityKind) ([]interface{}, error) {
	switch kind {
	case store.KindPrinter:
		out := make([]interface{}, 0, len(s.printers))
		for _, p := range s.printers {
			out = append(out, *p)
		}
		return out, nil
	default:
		return nil, nil
	}
}

func (s *fakeStore) ActivePrinters(ctx context.Context) ([]model.Printer, error) { return nil, nil }
func (s *fakeStore) UserOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return nil, nil
}
func (s *fakeStore) CurrentPrinterJob(ctx context.Context, printerID int64) (*model.Job, error) {
	return nil, nil
}
func (s *fakeStore) UnapprovedJobs(ctx context.Context) ([]model.Job, error)  { return nil, nil }
func (s *fakeStore) UnscheduledJobs(ctx context.Context) ([]model.Job, error) { return nil, nil }
func (s *fakeStore) PreAssignedJobs(ctx context.Context) ([]model.Job, error) { return nil, nil }
func (s *fakeStore) ScheduledJobs(ctx context.Context) ([]model.Job, error)   { return nil, nil }
func (s *fakeStore) NextPendingJob(ctx context.Context, printerID int64) (*model.Job, error) {
	return nil, nil
}

func (s *fakeStore) JobHistory(ctx context.Context, jobID int64) ([]model.JobHistory, error) {
	return s.history[jobID], nil
}

func (s *fakeStore) CreateUser(ctx context.Context, u *model.User) (int64, error) { return 0, nil }

func (s *fakeStore) CreatePrinter(ctx context.Context, p *model.Printer) (int64, error) {
	s.nextPrinter++
	id := s.nextPrinter
	cp := *p
	cp.ID = id
	s.printers[id] = &cp
	return id, nil
}

func (s *fakeStore) CreateOrder(ctx context.Context, o *model.Order) (int64, error) { return 0, nil }

func (s *fakeStore) CreateJob(ctx context.Context, j *model.Job) (int64, error) {
	s.nextJob++
	id := s.nextJob
	cp := *j
	cp.ID = id
	s.jobs[id] = &cp
	s.history[id] = append(s.history[id], model.JobHistory{JobID: id, StatusName: "Created"})
	return id, nil
}

func (s *fakeStore) UpdateJob(ctx context.Context, jobID int64, newFlag model.Status) error {
	s.lastUpdateJobID = jobID
	s.lastUpdateFlag = newFlag
	j, ok := s.jobs[jobID]
	if !ok {
		return errNotFound
	}
	j.Status = j.Status.Add(newFlag)
	return nil
}

func (s *fakeStore) SetJobPrinterAndStatus(ctx context.Context, jobID, printerID int64, newFlag model.Status) error {
	return s.UpdateJob(ctx, jobID, newFlag)
}

func (s *fakeStore) SetJobRunning(ctx context.Context, jobID int64, printerFilename string, startTime time.Time, newFlag model.Status) error {
	j, ok := s.jobs[jobID]
	if !ok {
		return errNotFound
	}
	j.PrinterFilename = printerFilename
	start := startTime
	j.StartTime = &start
	return s.UpdateJob(ctx, jobID, newFlag)
}
func (s *fakeStore) ApproveOrder(ctx context.Context, orderID int64) error { return nil }
func (s *fakeStore) CancelOrder(ctx context.Context, orderID int64) error { return nil }
func (s *fakeStore) Close() error                                        { return nil }

var errNotFound = fakeErr("not found")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// fakeFleet implements Fleet for tests.
type fakeFleet struct {
	started  []model.Printer
	stopped  []int64
	statuses map[int64]worker.Status
	workers  map[int64]*worker.Worker
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{statuses: make(map[int64]worker.Status), workers: make(map[int64]*worker.Worker)}
}

func (f *fakeFleet) StartNew(ctx context.Context, printer model.Printer) error {
	f.started = append(f.started, printer)
	return nil
}
func (f *fakeFleet) Stop(printerID int64) { f.stopped = append(f.stopped, printerID) }
func (f *fakeFleet) Get(printerID int64) (*worker.Worker, bool) {
	w, ok := f.workers[printerID]
	return w, ok
}
func (f *fakeFleet) GetStatus(printerID int64) (worker.Status, bool) {
	st, ok := f.statuses[printerID]
	return st, ok
}

// noopDriver/noopTwin let tests construct a real *worker.Worker without a
// live printer, enough to exercise PushEvent and Status.
type noopDriver struct{}

func (noopDriver) Connect(ctx context.Context) error { return nil }
func (noopDriver) CurrentStatus(ctx context.Context) (driver.PrinterStatus, error) {
	return driver.PrinterStatus{State: driver.StateReady}, nil
}
func (noopDriver) UploadFile(ctx context.Context, localPath string) error         { return nil }
func (noopDriver) DeleteFile(ctx context.Context, printerFilename string) error   { return nil }
func (noopDriver) StartJob(ctx context.Context, printerFilename string) error     { return nil }
func (noopDriver) StopJob(ctx context.Context) error                             { return nil }
func (noopDriver) LatestJob(ctx context.Context) (*driver.LatestJob, error)       { return nil, nil }

type noopTwin struct{}

func (noopTwin) Update(name string, fields twin.Fields) {}
func (noopTwin) Commit(ctx context.Context) error       { return nil }
func (noopTwin) Close() error                           { return nil }

func newTestWorker(printerID int64, st store.Interface) *worker.Worker {
	return worker.New(model.Printer{ID: printerID}, noopDriver{}, noopTwin{}, st, time.Hour, 10*time.Second)
}

func TestListPrintersFiltersByGroup(t *testing.T) {
	st := newFakeStore()
	st.CreatePrinter(context.Background(), &model.Printer{URL: "http://a", Driver: model.DriverMock, Group: "farm-a"})
	st.CreatePrinter(context.Background(), &model.Printer{URL: "http://b", Driver: model.DriverMock, Group: "farm-b"})

	srv := New(st, newFakeFleet(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/printers?group=farm-a", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.Printer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "farm-a", got[0].Group)
}

func TestCreatePrinterStartsWorkerWhenRequested(t *testing.T) {
	st := newFakeStore()
	fl := newFakeFleet()
	srv := New(st, fl, t.TempDir())

	body, _ := json.Marshal(createPrinterRequest{
		URL: "http://printer.local", Driver: model.DriverMock, Worker: true,
	})
	req := httptest.NewRequest(http.MethodPost, "/printers", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, fl.started, 1)
	require.Equal(t, "http://printer.local", fl.started[0].URL)
}

func TestStartAndStopWorkerRoutes(t *testing.T) {
	st := newFakeStore()
	id, _ := st.CreatePrinter(context.Background(), &model.Printer{URL: "http://x", Driver: model.DriverMock})
	fl := newFakeFleet()
	srv := New(st, fl, t.TempDir())

	req := httptest.NewRequest(http.MethodPut, "/printers/"+itoa(id)+"/worker:start", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, fl.started, 1)

	req = httptest.NewRequest(http.MethodPut, "/printers/"+itoa(id)+"/worker:stop", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []int64{id}, fl.stopped)
}

func TestCreateJobRejectsBadExtension(t *testing.T) {
	st := newFakeStore()
	srv := New(st, newFakeFleet(), t.TempDir())

	body, contentType := multipartJobBody(t, "1", "", "model.txt", "not gcode")
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobStoresFileAndCreatesJob(t *testing.T) {
	st := newFakeStore()
	dir := t.TempDir()
	srv := New(st, newFakeFleet(), dir)

	body, contentType := multipartJobBody(t, "1", "", "part.gcode", "G1 X0 Y0")
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.FromServer)
	require.Equal(t, "part.gcode", got.OriginalFilename)
	require.NotEmpty(t, got.GcodeFilePath)
}

func TestJobDetailNotFound(t *testing.T) {
	st := newFakeStore()
	srv := New(st, newFakeFleet(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveAndCancelJob(t *testing.T) {
	st := newFakeStore()
	id, _ := st.CreateJob(context.Background(), &model.Job{Status: model.Created})
	srv := New(st, newFakeFleet(), t.TempDir())

	req := httptest.NewRequest(http.MethodPut, "/jobs/"+itoa(id)+":approve", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, st.jobs[id].Status.Has(model.Approved))

	req = httptest.NewRequest(http.MethodPut, "/jobs/"+itoa(id)+":cancel", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, st.jobs[id].Status.Has(model.CancelIssued))
}

func TestCancelTwiceConflicts(t *testing.T) {
	st := newFakeStore()
	id, _ := st.CreateJob(context.Background(), &model.Job{Status: model.Created})
	srv := New(st, newFakeFleet(), t.TempDir())

	req := httptest.NewRequest(http.MethodPut, "/jobs/"+itoa(id)+":cancel", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	st.jobs[id].Status = st.jobs[id].Status.Add(model.Cancelled)

	req = httptest.NewRequest(http.MethodPut, "/jobs/"+itoa(id)+":cancel", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveCancelledJobConflicts(t *testing.T) {
	st := newFakeStore()
	id, _ := st.CreateJob(context.Background(), &model.Job{Status: model.Created.Add(model.CancelIssued)})
	srv := New(st, newFakeFleet(), t.TempDir())

	req := httptest.NewRequest(http.MethodPut, "/jobs/"+itoa(id)+":approve", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func multipartJobBody(t *testing.T, userID, printerID, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	require.NoError(t, mw.WriteField("user_id", userID))
	if printerID != "" {
		require.NoError(t, mw.WriteField("printer_id", printerID))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
