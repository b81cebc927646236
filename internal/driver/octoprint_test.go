package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func octoPrintTestServer(t *testing.T, serverVersion string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/version":
			json.NewEncoder(w).Encode(octoVersionResponse{Server: serverVersion})
		case r.URL.Path == "/api/printer":
			json.NewEncoder(w).Encode(octoPrinterResponse{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOctoPrintConnectRejectsOldServer(t *testing.T) {
	srv := octoPrintTestServer(t, "1.4.0")
	defer srv.Close()

	o := NewOctoPrint(srv.URL, "key", http.DefaultClient)
	err := o.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "does not satisfy") {
		t.Fatalf("expected a version constraint error, got %v", err)
	}
}

func TestOctoPrintConnectAcceptsSupportedServer(t *testing.T) {
	srv := octoPrintTestServer(t, "1.9.3")
	defer srv.Close()

	o := NewOctoPrint(srv.URL, "key", http.DefaultClient)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}
