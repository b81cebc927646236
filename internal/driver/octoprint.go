package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver"
)

// minOctoPrintVersion is the oldest server release this driver's state and
// job-response mapping is known to match.
const minOctoPrintVersion = ">= 1.8.0"

var octoPrintConstraint = func() *semver.Constraints {
	c, err := semver.NewConstraint(minOctoPrintVersion)
	if err != nil {
		panic(err)
	}
	return c
}()

// OctoPrint implements Driver against the OctoPrint REST API.
type OctoPrint struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOctoPrint builds an OctoPrint driver. httpClient is the process-wide
// shared client (§5 resource policy: one HTTP client per process).
func NewOctoPrint(baseURL, apiKey string, httpClient *http.Client) *OctoPrint {
	return &OctoPrint{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
}

type octoPrinterState struct {
	Text  string `json:"text"`
	Flags struct {
		Operational bool `json:"operational"`
		Paused      bool `json:"paused"`
		Printing    bool `json:"printing"`
		Error       bool `json:"error"`
		Ready       bool `json:"ready"`
		ClosedOrErr bool `json:"closedOrError"`
	} `json:"flags"`
}

type octoTemperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

type octoPrinterResponse struct {
	State       octoPrinterState `json:"state"`
	Temperature struct {
		Bed   octoTemperature `json:"bed"`
		Tool0 octoTemperature `json:"tool0"`
	} `json:"temperature"`
}

type octoJobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"file"`
		EstimatedPrintTime float64 `json:"estimatedPrintTime"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     float64  `json:"printTime"`
		PrintTimeLeft float64  `json:"printTimeLeft"`
	} `json:"progress"`
	State string `json:"state"`
}

func (o *OctoPrint) Connect(ctx context.Context) error {
	if err := o.checkVersion(ctx); err != nil {
		return err
	}
	_, err := o.getPrinter(ctx)
	return err
}

type octoVersionResponse struct {
	Server string `json:"server"`
}

// checkVersion rejects a server older than minOctoPrintVersion up front
// rather than letting a state- or job-response field mismatch surface as a
// confusing downstream decode error.
func (o *OctoPrint) checkVersion(ctx context.Context) error {
	req, err := o.newRequest(ctx, http.MethodGet, "/api/version", nil)
	if err != nil {
		return err
	}
	var resp octoVersionResponse
	if err := o.doJSON(req, &resp); err != nil {
		return fmt.Errorf("octoprint: fetch version: %w", err)
	}
	v, err := semver.NewVersion(resp.Server)
	if err != nil {
		return nil // unparseable/dev build version string, don't block on it
	}
	if !octoPrintConstraint.Check(v) {
		return fmt.Errorf("octoprint: server version %s does not satisfy %s", resp.Server, minOctoPrintVersion)
	}
	return nil
}

// mapOctoPrintState applies the driver state-mapping policy: OctoPrint separates
// Paused from Printing, unlike PrusaLink.
func mapOctoPrintState(s octoPrinterState) (PrinterState, error) {
	switch {
	case s.Flags.Error || s.Flags.ClosedOrErr:
		return StateError, nil
	case s.Flags.Paused:
		return StatePaused, nil
	case s.Flags.Printing:
		return StatePrinting, nil
	case s.Flags.Operational || s.Flags.Ready:
		return StateReady, nil
	default:
		return "", fmt.Errorf("octoprint: unknown printer state %q", s.Text)
	}
}

func (o *OctoPrint) CurrentStatus(ctx context.Context) (PrinterStatus, error) {
	printer, err := o.getPrinter(ctx)
	if err != nil {
		return PrinterStatus{}, err
	}
	state, err := mapOctoPrintState(printer.State)
	if err != nil {
		return PrinterStatus{}, err
	}

	status := PrinterStatus{
		State:      state,
		TempBed:    Temperature{Actual: printer.Temperature.Bed.Actual, Target: printer.Temperature.Bed.Target},
		TempNozzle: Temperature{Actual: printer.Temperature.Tool0.Actual, Target: printer.Temperature.Tool0.Target},
	}

	if state == StatePrinting || state == StatePaused {
		job, err := o.latestJob(ctx)
		if err != nil {
			return PrinterStatus{}, err
		}
		status.LatestJob = job
	}

	return status, nil
}

func (o *OctoPrint) latestJob(ctx context.Context) (*LatestJob, error) {
	resp, err := o.getJob(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Job.File.Name == "" {
		return nil, nil
	}

	timeLeft := resp.Progress.PrintTimeLeft
	timeApprox := resp.Job.EstimatedPrintTime
	return &LatestJob{
		PrinterFilename: resp.Job.File.Name,
		Progress:        resp.Progress.Completion,
		TimeUsedSecs:    resp.Progress.PrintTime,
		TimeLeftSecs:    timeLeft,
		TimeApproxSecs:  &timeApprox,
	}, nil
}

func (o *OctoPrint) LatestJob(ctx context.Context) (*LatestJob, error) {
	return o.latestJob(ctx)
}

func (o *OctoPrint) UploadFile(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := o.newRequest(ctx, http.MethodPost, "/api/files/local", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := o.httpClient.Do(req)
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
		return o.statusError(resp, "upload_file")
	}
}

func (o *OctoPrint) DeleteFile(ctx context.Context, printerFilename string) error {
	req, err := o.newRequest(ctx, http.MethodDelete, "/api/files/local/"+printerFilename, nil)
	if err != nil {
		return err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "delete_file", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("delete %s: %w", printerFilename, ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("delete %s: %w", printerFilename, ErrFileInUse)
	default:
		return o.statusError(resp, "delete_file")
	}
}

func (o *OctoPrint) StartJob(ctx context.Context, printerFilename string) error {
	payload := map[string]string{"command": "select", "print": "true"}
	body, _ := json.Marshal(payload)
	req, err := o.newRequest(ctx, http.MethodPost, "/api/files/local/"+printerFilename, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "start_job", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("start %s: %w", printerFilename, ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("start %s: %w", printerFilename, ErrPrinterIsBusy)
	default:
		return o.statusError(resp, "start_job")
	}
}

func (o *OctoPrint) StopJob(ctx context.Context) error {
	payload := map[string]string{"command": "cancel"}
	body, _ := json.Marshal(payload)
	req, err := o.newRequest(ctx, http.MethodPost, "/api/job", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "stop_job", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusConflict:
		// 409 here means nothing is printing: already-stopped, which is safe.
		return nil
	default:
		return o.statusError(resp, "stop_job")
	}
}

func (o *OctoPrint) getPrinter(ctx context.Context) (*octoPrinterResponse, error) {
	req, err := o.newRequest(ctx, http.MethodGet, "/api/printer", nil)
	if err != nil {
		return nil, err
	}
	var resp octoPrinterResponse
	if err := o.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (o *OctoPrint) getJob(ctx context.Context) (*octoJobResponse, error) {
	req, err := o.newRequest(ctx, http.MethodGet, "/api/job", nil)
	if err != nil {
		return nil, err
	}
	var resp octoJobResponse
	if err := o.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (o *OctoPrint) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", o.apiKey)
	return req, nil
}

func (o *OctoPrint) doJSON(req *http.Request, out interface{}) error {
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		return o.statusError(resp, req.URL.Path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (o *OctoPrint) statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(resp.Body)
	return &TransportError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(body))}
}
