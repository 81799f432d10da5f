// Package server bridges the session to a UI over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/eqlink/internal/ble"
	"github.com/chaz8081/eqlink/internal/equalizer"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxMessage   = 4096
	changeBuffer = 256
)

// Controller is the session surface the server drives.
type Controller interface {
	SetPowerOn(bool) error
	SetVolume(uint16) error
	SetBass(uint16) error
	SetMid(uint16) error
	SetTreble(uint16) error
	SetStyle(uint8) error
	RequestSerialNumber() error
	SetFirmwareVersion(string) error
	Connect(address string) error
	Disconnect() error
	StartScan() error
	Subscribe(func(equalizer.Change)) uuid.UUID
	Unsubscribe(uuid.UUID)
	Info() (ble.Info, error)
}

// Event is a server-to-client message.
type Event struct {
	Type     string          `json:"type"` // snapshot, change, error
	Field    equalizer.Field `json:"field,omitempty"`
	Value    any             `json:"value,omitempty"`
	Snapshot *ble.Info       `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Command is a client-to-server message.
type Command struct {
	Cmd     string          `json:"cmd"` // set, serial, firmware, connect, disconnect, scan
	Field   string          `json:"field,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Address string          `json:"address,omitempty"`
}

// Server serves /ws and /api/status.
type Server struct {
	ctrl     Controller
	hub      *Hub
	upgrader websocket.Upgrader
	changes  chan equalizer.Change
}

func New(ctrl Controller) *Server {
	return &Server{
		ctrl: ctrl,
		hub:  NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		changes: make(chan equalizer.Change, changeBuffer),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", methodHandler(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// The callback runs on the manager's event loop; it only enqueues.
	id := s.ctrl.Subscribe(func(c equalizer.Change) {
		select {
		case s.changes <- c:
		default:
			slog.Warn("[WS] change buffer full, dropping", "field", c.Field)
		}
	})
	defer s.ctrl.Unsubscribe(id)

	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.hub.CloseAll()
	}()

	slog.Info("[WS] serving", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.changes:
			s.hub.Broadcast(Event{Type: "change", Field: c.Field, Value: c.Value})
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctrl.Info()
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "session unavailable", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := s.hub.add(conn)
	defer s.hub.remove(c.id)
	slog.Info("[WS] client connected", "client", c.id, "remote", r.RemoteAddr)

	info, err := s.ctrl.Info()
	if err != nil {
		_ = c.writeJSON(Event{Type: "error", Error: err.Error()})
		return
	}
	if err := c.writeJSON(Event{Type: "snapshot", Snapshot: &info}); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[WS] read failed", "client", c.id, "error", err)
			}
			slog.Info("[WS] client disconnected", "client", c.id)
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			if werr := c.writeJSON(Event{Type: "error", Error: "invalid command: " + err.Error()}); werr != nil {
				return
			}
			continue
		}
		if err := s.dispatch(cmd); err != nil {
			slog.Debug("[WS] command rejected", "cmd", cmd.Cmd, "error", err)
			if werr := c.writeJSON(Event{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(cmd Command) error {
	switch cmd.Cmd {
	case "set":
		return s.set(cmd.Field, cmd.Value)
	case "serial":
		return s.ctrl.RequestSerialNumber()
	case "firmware":
		var version string
		if err := json.Unmarshal(cmd.Value, &version); err != nil || version == "" {
			return fmt.Errorf("firmware: value must be a non-empty string")
		}
		return s.ctrl.SetFirmwareVersion(version)
	case "connect":
		return s.ctrl.Connect(cmd.Address)
	case "disconnect":
		return s.ctrl.Disconnect()
	case "scan":
		return s.ctrl.StartScan()
	default:
		return fmt.Errorf("unknown command %q", cmd.Cmd)
	}
}

func (s *Server) set(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("set %s: missing value", field)
	}
	switch equalizer.Field(field) {
	case equalizer.FieldPower:
		var on bool
		if err := json.Unmarshal(raw, &on); err != nil {
			return fmt.Errorf("set power: %w", err)
		}
		return s.ctrl.SetPowerOn(on)
	case equalizer.FieldVolume:
		return setLevel(raw, field, s.ctrl.SetVolume)
	case equalizer.FieldBass:
		return setLevel(raw, field, s.ctrl.SetBass)
	case equalizer.FieldMid:
		return setLevel(raw, field, s.ctrl.SetMid)
	case equalizer.FieldTreble:
		return setLevel(raw, field, s.ctrl.SetTreble)
	case equalizer.FieldStyle:
		v, err := parseInt(raw, field, math.MaxUint8)
		if err != nil {
			return err
		}
		return s.ctrl.SetStyle(uint8(v))
	default:
		return fmt.Errorf("unknown field %q", field)
	}
}

func setLevel(raw json.RawMessage, field string, apply func(uint16) error) error {
	v, err := parseInt(raw, field, math.MaxUint16)
	if err != nil {
		return err
	}
	return apply(uint16(v))
}

func parseInt(raw json.RawMessage, field string, max int64) (int64, error) {
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("set %s: %w", field, err)
	}
	if v < 0 || v > max {
		return 0, fmt.Errorf("set %s: %d out of range 0-%d", field, v, max)
	}
	return v, nil
}

func methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		handler(w, r)
	}
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("[WS] encode response failed", "error", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := map[string]string{"error": message}
	if err != nil {
		resp["details"] = err.Error()
	}
	writeJSONResponse(w, statusCode, resp)
}
