package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/monashautomation/printfarm-controlplane/internal/logger"
	"github.com/monashautomation/printfarm-controlplane/internal/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	eventsPingPeriod = 25 * time.Second
	eventsReadWait   = 60 * time.Second
)

// inboundFrame is the shape of a client-sent control frame. Only "pickup"
// is recognized today; everything else is ignored.
type inboundFrame struct {
	Type string `json:"type"`
}

// outboundFrame mirrors a worker's last-tick status out to the client.
type outboundFrame struct {
	Type      string    `json:"type"`
	PrinterID int64     `json:"printer_id"`
	Running   bool      `json:"running"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// handlePrinterEvents upgrades /printers/{id}/events to a WebSocket,
// translating an inbound {"type":"pickup"} frame into a worker.EventPickup
// on that printer's event queue and periodically pushing the worker's
// latest status outbound. This is the concrete transport for the pickup
// confirmation channel the design leaves open.
func (s *Server) handlePrinterEvents(w http.ResponseWriter, r *http.Request, printerID int64) {
	wk, ok := s.fleet.Get(printerID)
	if !ok {
		http.Error(w, "no worker running for this printer", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Default().Warn("api: websocket upgrade failed", "printer_id", printerID, "error", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go s.pushStatus(conn, wk, done)

	conn.SetReadDeadline(time.Now().Add(eventsReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(eventsReadWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if strings.EqualFold(frame.Type, "pickup") {
			wk.PushEvent(worker.Event{Kind: worker.EventPickup})
		}
	}
}

// pushStatus periodically writes the worker's status and a keepalive ping
// until done is closed, matching the teacher's server-side ping loop
// pattern for detecting half-open connections.
func (s *Server) pushStatus(conn *websocket.Conn, wk *worker.Worker, done chan struct{}) {
	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := wk.Status()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(outboundFrame{
				Type:      "status",
				PrinterID: st.PrinterID,
				Running:   st.Running,
				LastTick:  st.LastTick,
				LastError: st.LastError,
			}); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
