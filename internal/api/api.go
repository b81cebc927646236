// Package api implements the external HTTP surface (§6.1): printer CRUD
// and worker start/stop, job submission and queries, approve/cancel, and a
// WebSocket channel for live status and pickup confirmation. It deliberately
// carries no authentication or session layer; Principal is a single no-op
// seam so a real auth layer could be dropped in later without reshaping any
// handler.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/monashautomation/printfarm-controlplane/internal/model"
	"github.com/monashautomation/printfarm-controlplane/internal/store"
	"github.com/monashautomation/printfarm-controlplane/internal/worker"
)

// Principal is the seam a real auth layer would populate. Nothing in this
// package sets it; handlers accept a nil Principal on every request.
type Principal struct {
	UserID int64
	Role   model.Role
}

// Fleet is the subset of fleet.Manager the API needs, expressed as an
// interface so this package doesn't import fleet directly (fleet already
// depends on worker and store; api sits above both).
type Fleet interface {
	StartNew(ctx context.Context, printer model.Printer) error
	Stop(printerID int64)
	Get(printerID int64) (*worker.Worker, bool)
	GetStatus(printerID int64) (worker.Status, bool)
}

// Server holds the dependencies every handler needs and owns the route
// table, matching the teacher's single flat http.ServeMux style rather
// than a third-party router.
type Server struct {
	store     store.Interface
	fleet     Fleet
	uploadDir string
	mux       *http.ServeMux
}

// New builds a Server and registers its routes. uploadDir is the root
// filesystem directory gcode files are written under.
func New(st store.Interface, fleet Fleet, uploadDir string) *Server {
	s := &Server{
		store:     st,
		fleet:     fleet,
		uploadDir: uploadDir,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, letting Server be passed directly to
// http.Server.Handler or httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/printers", s.handlePrinters)
	s.mux.HandleFunc("/printers/", s.handlePrinterSub)
	s.mux.HandleFunc("/jobs", s.handleJobs)
	s.mux.HandleFunc("/jobs/", s.handleJobSub)
}

func principalFrom(r *http.Request) *Principal {
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}
