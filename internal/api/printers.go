package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/monashautomation/printfarm-controlplane/internal/logger"
	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
)

// handlePrinters serves GET /printers?group=... and POST /printers.
func (s *Server) handlePrinters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listPrinters(w, r)
	case http.MethodPost:
		s.createPrinter(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listPrinters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := s.store.All(ctx, store.KindPrinter)
	if err != nil {
		logger.Default().Error("api: list printers", "error", err)
		http.Error(w, "failed to list printers", http.StatusInternalServerError)
		return
	}

	group := r.URL.Query().Get("group")
	out := make([]model.Printer, 0, len(all))
	for _, v := range all {
		p, ok := v.(model.Printer)
		if !ok {
			continue
		}
		if group != "" && p.Group != group {
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

// createPrinterRequest mirrors §3's Printer fields; APIKey is plaintext on
// the wire and encrypted at rest by the store.
type createPrinterRequest struct {
	URL       string           `json:"url"`
	APIKey    string           `json:"api_key"`
	Driver    model.DriverKind `json:"driver"`
	Group     string           `json:"group"`
	Active    bool             `json:"active"`
	TwinName  string           `json:"twin_name"`
	CameraURL string           `json:"camera_url"`
	Model     string           `json:"model"`
	Worker    bool             `json:"worker"`
}

func (s *Server) createPrinter(w http.ResponseWriter, r *http.Request) {
	var req createPrinterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.URL == "" || req.Driver == "" {
		http.Error(w, "url and driver are required", http.StatusBadRequest)
		return
	}

	p := &model.Printer{
		URL:       req.URL,
		APIKey:    req.APIKey,
		Driver:    req.Driver,
		Group:     req.Group,
		Active:    req.Active,
		TwinName:  req.TwinName,
		CameraURL: req.CameraURL,
		Model:     req.Model,
	}

	ctx := r.Context()
	id, err := s.store.CreatePrinter(ctx, p)
	if err != nil {
		logger.Default().Error("api: create printer", "error", err)
		http.Error(w, "failed to create printer", http.StatusInternalServerError)
		return
	}
	p.ID = id

	if req.Worker {
		if err := s.fleet.StartNew(ctx, *p); err != nil {
			logger.Default().Error("api: start worker for new printer", "printer_id", id, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, p)
}

// handlePrinterSub dispatches /printers/{id}/worker:start,
// /printers/{id}/worker:stop, /printers/{id}/status and /printers/{id}/events.
func (s *Server) handlePrinterSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/printers/")
	idStr, action, hasAction := strings.Cut(rest, "/")

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid printer id", http.StatusBadRequest)
		return
	}

	switch {
	case !hasAction:
		http.Error(w, "not found", http.StatusNotFound)
	case action == "worker:start":
		s.startWorker(w, r, id)
	case action == "worker:stop":
		s.stopWorker(w, r, id)
	case action == "status":
		s.printerStatus(w, r, id)
	case action == "events":
		s.handlePrinterEvents(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) startWorker(w http.ResponseWriter, r *http.Request, printerID int64) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	v, err := s.store.Get(ctx, store.KindPrinter, printerID)
	if err != nil {
		http.Error(w, "printer not found", http.StatusNotFound)
		return
	}
	p, ok := v.(*model.Printer)
	if !ok || p == nil {
		http.Error(w, "printer not found", http.StatusNotFound)
		return
	}
	if err := s.fleet.StartNew(ctx, *p); err != nil {
		logger.Default().Error("api: start worker", "printer_id", printerID, "error", err)
		http.Error(w, "failed to start worker", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopWorker(w http.ResponseWriter, r *http.Request, printerID int64) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.fleet.Stop(printerID)
	w.WriteHeader(http.StatusNoContent)
}

// printerStatusResponse is the worker's last-tick status, or null if no
// worker is running for the printer.
type printerStatusResponse struct {
	PrinterID int64  `json:"printer_id"`
	Running   bool   `json:"running"`
	LastTick  string `json:"last_tick,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Server) printerStatus(w http.ResponseWriter, r *http.Request, printerID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, ok := s.fleet.GetStatus(printerID)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	resp := printerStatusResponse{
		PrinterID: st.PrinterID,
		Running:   st.Running,
		LastError: st.LastError,
	}
	if !st.LastTick.IsZero() {
		resp.LastTick = st.LastTick.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
