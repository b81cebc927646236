package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/monashautomation/printfarm-controlplane/internal/logger"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
)

// allowedGcodeExtensions is the extension allowlist per §3: a from_server
// job's uploaded file must be one of these.
var allowedGcodeExtensions = map[string]bool{
	".gcode":  true,
	".bgcode": true,
}

const maxUploadBytes = 512 << 20 // 512MiB, generous for sliced multi-part prints

// handleJobs serves POST /jobs (multipart submission).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.createJob(w, r)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "bad multipart request", http.StatusBadRequest)
		return
	}

	userIDStr := r.FormValue("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var printerID *int64
	if v := r.FormValue("printer_id"); v != "" {
		pid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid printer_id", http.StatusBadRequest)
			return
		}
		printerID = &pid
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedGcodeExtensions[ext] {
		http.Error(w, "file extension must be .gcode or .bgcode", http.StatusBadRequest)
		return
	}

	token := uploadToken()
	storedName := token + ext
	destPath := filepath.Join(s.uploadDir, storedName)

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		logger.Default().Error("api: create upload dir", "error", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Default().Error("api: create upload file", "path", destPath, "error", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dest, file); err != nil {
		dest.Close()
		logger.Default().Error("api: write upload file", "path", destPath, "error", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	dest.Close()

	j := &model.Job{
		UserID:           &userID,
		PrinterID:        printerID,
		Status:           model.Created,
		FromServer:       true,
		GcodeFilePath:    destPath,
		OriginalFilename: header.Filename,
	}

	ctx := r.Context()
	id, err := s.store.CreateJob(ctx, j)
	if err != nil {
		os.Remove(destPath)
		logger.Default().Error("api: create job", "error", err)
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	j.ID = id

	writeJSON(w, http.StatusCreated, j)
}

// uploadToken generates a server-unique filename stem for a stored gcode
// file, independent of the client-supplied original name.
func uploadToken() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}

// handleJobSub dispatches GET /jobs/{id}, PUT /jobs/{id}:approve and
// PUT /jobs/{id}:cancel.
func (s *Server) handleJobSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")

	var idStr, action string
	switch {
	case strings.HasSuffix(rest, ":approve"):
		idStr, action = strings.TrimSuffix(rest, ":approve"), "approve"
	case strings.HasSuffix(rest, ":cancel"):
		idStr, action = strings.TrimSuffix(rest, ":cancel"), "cancel"
	default:
		idStr, action = rest, ""
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		s.jobDetail(w, r, id)
	case "approve":
		s.approveJob(w, r, id)
	case "cancel":
		s.cancelJob(w, r, id)
	}
}

type jobDetailResponse struct {
	Job     *model.Job         `json:"job"`
	History []model.JobHistory `json:"history"`
}

func (s *Server) jobDetail(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	j, ok, err := s.loadJob(ctx, id)
	if err != nil || !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	history, err := s.store.JobHistory(ctx, id)
	if err != nil {
		logger.Default().Error("api: load job history", "job_id", id, "error", err)
		http.Error(w, "failed to load job history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobDetailResponse{Job: j, History: history})
}

// approveJob adds Approved (§7: 202, an accepted async transition — the
// scheduler, not this handler, acts on it). A job already cancelled or
// cancel-pending can't be approved: 409.
func (s *Server) approveJob(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	j, ok, err := s.loadJob(ctx, id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if j.Status.IsTerminal() || j.Status.NeedCancel() {
		http.Error(w, "job is cancelled or cancel-pending", http.StatusConflict)
		return
	}
	if err := s.store.UpdateJob(ctx, id, model.Approved); err != nil {
		logger.Default().Error("api: approve job", "job_id", id, "error", err)
		http.Error(w, "failed to approve job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// cancelJob adds CancelIssued; the owning Worker observes it on its next
// tick and acts via onCancel. A job already picked up or already cancelled
// can't be cancelled again: 409.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	j, ok, err := s.loadJob(ctx, id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if j.Status.IsTerminal() {
		http.Error(w, "job already reached a terminal state", http.StatusConflict)
		return
	}
	if err := s.store.UpdateJob(ctx, id, model.CancelIssued); err != nil {
		logger.Default().Error("api: cancel job", "job_id", id, "error", err)
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// loadJob fetches a job by id, reporting ok=false if it doesn't exist.
func (s *Server) loadJob(ctx context.Context, id int64) (*model.Job, bool, error) {
	v, err := s.store.Get(ctx, store.KindJob, id)
	if err != nil {
		return nil, false, err
	}
	j, ok := v.(*model.Job)
	if !ok || j == nil {
		return nil, false, nil
	}
	return j, true, nil
}
