package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PrusaLink implements Driver against the PrusaLink REST API exposed by
// Prusa's own firmware (Buddy/MK4 and newer MINI units).
type PrusaLink struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewPrusaLink builds a PrusaLink driver sharing the process-wide HTTP client.
func NewPrusaLink(baseURL, apiKey string, httpClient *http.Client) *PrusaLink {
	return &PrusaLink{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
}

type prusaStatusResponse struct {
	Printer struct {
		State   string  `json:"state"`
		TempBed float64 `json:"temp_bed"`
		TargetBed float64 `json:"target_bed"`
		TempNozzle float64 `json:"temp_nozzle"`
		TargetNozzle float64 `json:"target_nozzle"`
	} `json:"printer"`
	Job *struct {
		ID            int     `json:"id"`
		Progress      float64 `json:"progress"`
		TimePrinting  float64 `json:"time_printing"`
		TimeRemaining float64 `json:"time_remaining"`
	} `json:"job"`
}

type prusaJobResponse struct {
	File struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	} `json:"file"`
	Progress      float64 `json:"progress"`
	TimePrinting  float64 `json:"time_printing"`
	TimeRemaining float64 `json:"time_remaining"`
}

func (p *PrusaLink) Connect(ctx context.Context) error {
	_, err := p.getStatus(ctx)
	return err
}

// mapPrusaLinkState applies the driver state-mapping policy: PrusaLink
// does not distinguish Paused from Printing the way OctoPrint does.
func mapPrusaLinkState(s string) (PrinterState, error) {
	switch strings.ToUpper(s) {
	case "IDLE", "READY", "FINISHED", "STOPPED", "ATTENTION":
		return StateReady, nil
	case "PRINTING", "PAUSED":
		return StatePrinting, nil
	case "ERROR", "BUSY":
		return StateError, nil
	default:
		return "", fmt.Errorf("prusalink: unknown printer state %q", s)
	}
}

func (p *PrusaLink) CurrentStatus(ctx context.Context) (PrinterStatus, error) {
	resp, err := p.getStatus(ctx)
	if err != nil {
		return PrinterStatus{}, err
	}
	state, err := mapPrusaLinkState(resp.Printer.State)
	if err != nil {
		return PrinterStatus{}, err
	}

	status := PrinterStatus{
		State:      state,
		TempBed:    Temperature{Actual: resp.Printer.TempBed, Target: resp.Printer.TargetBed},
		TempNozzle: Temperature{Actual: resp.Printer.TempNozzle, Target: resp.Printer.TargetNozzle},
	}

	if state == StatePrinting {
		job, err := p.latestJob(ctx)
		if err != nil {
			return PrinterStatus{}, err
		}
		status.LatestJob = job
	}

	return status, nil
}

func (p *PrusaLink) latestJob(ctx context.Context) (*LatestJob, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/api/v1/job", nil)
	if err != nil {
		return nil, err
	}
	var resp prusaJobResponse
	if err := p.doJSON(req, &resp); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if resp.File.Name == "" {
		return nil, nil
	}
	progress := resp.Progress
	return &LatestJob{
		PrinterFilename: resp.File.Name,
		Progress:        &progress,
		TimeUsedSecs:    resp.TimePrinting,
		TimeLeftSecs:    resp.TimeRemaining,
	}, nil
}

func (p *PrusaLink) LatestJob(ctx context.Context) (*LatestJob, error) {
	return p.latestJob(ctx)
}

func (p *PrusaLink) UploadFile(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	name := filepath.Base(localPath)
	req, err := p.newRequest(ctx, http.MethodPut, "/api/v1/files/usb/"+name, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Overwrite", "?0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "upload_file", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("upload %s: %w", localPath, ErrFileAlreadyExists)
	case http.StatusUnauthorized:
		return fmt.Errorf("upload %s: %w", localPath, ErrUnauthorized)
	default:
		return p.statusError(resp, "upload_file")
	}
}

func (p *PrusaLink) DeleteFile(ctx context.Context, printerFilename string) error {
	req, err := p.newRequest(ctx, http.MethodDelete, "/api/v1/files/usb/"+printerFilename, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "delete_file", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("delete %s: %w", printerFilename, ErrNotFound)
	case http.StatusConflict, http.StatusLocked:
		return fmt.Errorf("delete %s: %w", printerFilename, ErrFileInUse)
	default:
		return p.statusError(resp, "delete_file")
	}
}

func (p *PrusaLink) StartJob(ctx context.Context, printerFilename string) error {
	req, err := p.newRequest(ctx, http.MethodPost, "/api/v1/files/usb/"+printerFilename, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "start_job", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("start %s: %w", printerFilename, ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("start %s: %w", printerFilename, ErrPrinterIsBusy)
	default:
		return p.statusError(resp, "start_job")
	}
}

func (p *PrusaLink) StopJob(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodDelete, "/api/v1/job", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "stop_job", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return p.statusError(resp, "stop_job")
	}
}

func (p *PrusaLink) getStatus(ctx context.Context) (*prusaStatusResponse, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	var resp prusaStatusResponse
	if err := p.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *PrusaLink) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", p.apiKey)
	return req, nil
}

func (p *PrusaLink) doJSON(req *http.Request, out interface{}) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return p.statusError(resp, req.URL.Path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *PrusaLink) statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(resp.Body)
	return &TransportError{Op: op, Err: fmt.Errorf("http %s: %s", strconv.Itoa(resp.StatusCode), string(body))}
}
