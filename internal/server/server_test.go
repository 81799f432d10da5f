package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/eqlink/internal/ble"
	"github.com/chaz8081/eqlink/internal/equalizer"
)

// fakeController records every call made by the server.
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	subs    map[uuid.UUID]func(equalizer.Change)
	failErr error
	info    ble.Info
}

func newFakeController() *fakeController {
	return &fakeController{
		subs: make(map[uuid.UUID]func(equalizer.Change)),
		info: ble.Info{
			State:     ble.StateReady,
			StateName: "ready",
			Message:   ble.MsgConnected,
			Equalizer: equalizer.Snapshot{PowerOn: true, Volume: 12},
		},
	}
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failErr
}

func (f *fakeController) SetPowerOn(on bool) error {
	if on {
		return f.record("power:on")
	}
	return f.record("power:off")
}

func (f *fakeController) SetVolume(v uint16) error { return f.record("volume:" + itoa(int(v))) }
func (f *fakeController) SetBass(v uint16) error   { return f.record("bass:" + itoa(int(v))) }
func (f *fakeController) SetMid(v uint16) error    { return f.record("mid:" + itoa(int(v))) }
func (f *fakeController) SetTreble(v uint16) error { return f.record("treble:" + itoa(int(v))) }
func (f *fakeController) SetStyle(v uint8) error   { return f.record("style:" + itoa(int(v))) }
func (f *fakeController) RequestSerialNumber() error {
	return f.record("serial")
}
func (f *fakeController) SetFirmwareVersion(v string) error {
	return f.record("firmware:" + v)
}
func (f *fakeController) Connect(address string) error { return f.record("connect:" + address) }
func (f *fakeController) Disconnect() error            { return f.record("disconnect") }
func (f *fakeController) StartScan() error             { return f.record("scan") }

func (f *fakeController) Subscribe(fn func(equalizer.Change)) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.subs[id] = fn
	return id
}

func (f *fakeController) Unsubscribe(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeController) Info() (ble.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, nil
}

func (f *fakeController) emit(c equalizer.Change) {
	f.mu.Lock()
	subs := make([]func(equalizer.Change), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (f *fakeController) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func itoa(v int) string { return strconv.Itoa(v) }

func startServer(t *testing.T, ctrl Controller) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, ln.Addr().String()
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestStatusEndpoint(t *testing.T) {
	_, addr := startServer(t, newFakeController())

	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var info ble.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.StateName != "ready" || info.Message != ble.MsgConnected || info.Equalizer.Volume != 12 {
		t.Errorf("info = %+v, want ready/Connected/volume 12", info)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	_, addr := startServer(t, newFakeController())

	resp, err := http.Post("http://"+addr+"/api/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /api/status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketSnapshotThenChanges(t *testing.T) {
	ctrl := newFakeController()
	s, addr := startServer(t, ctrl)
	conn := dial(t, addr)

	ev := readEvent(t, conn)
	if ev.Type != "snapshot" || ev.Snapshot == nil {
		t.Fatalf("first event = %+v, want snapshot", ev)
	}
	if ev.Snapshot.StateName != "ready" || ev.Snapshot.Equalizer.Volume != 12 {
		t.Errorf("snapshot = %+v", ev.Snapshot)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctrl.emit(equalizer.Change{Field: equalizer.FieldVolume, Value: uint16(42)})
	ev = readEvent(t, conn)
	if ev.Type != "change" || ev.Field != equalizer.FieldVolume {
		t.Fatalf("event = %+v, want volume change", ev)
	}
	if v, ok := ev.Value.(float64); !ok || v != 42 {
		t.Errorf("value = %v, want 42", ev.Value)
	}

	ctrl.emit(equalizer.Change{Field: equalizer.FieldResponsive, Value: false})
	ev = readEvent(t, conn)
	if ev.Field != equalizer.FieldResponsive || ev.Value != false {
		t.Errorf("event = %+v, want responsive=false", ev)
	}
}

func TestWebSocketCommands(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{"power off", `{"cmd":"set","field":"power","value":false}`, "power:off"},
		{"volume", `{"cmd":"set","field":"volume","value":42}`, "volume:42"},
		{"bass", `{"cmd":"set","field":"bass","value":65535}`, "bass:65535"},
		{"mid", `{"cmd":"set","field":"mid","value":0}`, "mid:0"},
		{"treble", `{"cmd":"set","field":"treble","value":7}`, "treble:7"},
		{"style", `{"cmd":"set","field":"style","value":3}`, "style:3"},
		{"serial", `{"cmd":"serial"}`, "serial"},
		{"firmware", `{"cmd":"firmware","value":"HMSoft V605"}`, "firmware:HMSoft V605"},
		{"connect", `{"cmd":"connect","address":"AA:BB:CC:DD:EE:FF"}`, "connect:AA:BB:CC:DD:EE:FF"},
		{"disconnect", `{"cmd":"disconnect"}`, "disconnect"},
		{"scan", `{"cmd":"scan"}`, "scan"},
	}

	ctrl := newFakeController()
	_, addr := startServer(t, ctrl)
	conn := dial(t, addr)
	readEvent(t, conn) // snapshot

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.cmd)); err != nil {
				t.Fatalf("write: %v", err)
			}
			deadline := time.Now().Add(2 * time.Second)
			for ctrl.lastCall() != tt.want && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			if got := ctrl.lastCall(); got != tt.want {
				t.Errorf("last call = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebSocketCommandErrors(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		wantErr string
	}{
		{"unknown command", `{"cmd":"reboot"}`, "unknown command"},
		{"unknown field", `{"cmd":"set","field":"gain","value":1}`, "unknown field"},
		{"missing value", `{"cmd":"set","field":"volume"}`, "missing value"},
		{"level out of range", `{"cmd":"set","field":"volume","value":70000}`, "out of range"},
		{"negative level", `{"cmd":"set","field":"bass","value":-1}`, "out of range"},
		{"style out of range", `{"cmd":"set","field":"style","value":256}`, "out of range"},
		{"wrong value type", `{"cmd":"set","field":"power","value":"yes"}`, "set power"},
		{"malformed json", `{"cmd":`, "invalid command"},
		{"firmware missing value", `{"cmd":"firmware"}`, "non-empty string"},
		{"firmware not a string", `{"cmd":"firmware","value":605}`, "non-empty string"},
	}

	_, addr := startServer(t, newFakeController())
	conn := dial(t, addr)
	readEvent(t, conn) // snapshot

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.cmd)); err != nil {
				t.Fatalf("write: %v", err)
			}
			ev := readEvent(t, conn)
			if ev.Type != "error" || !strings.Contains(ev.Error, tt.wantErr) {
				t.Errorf("event = %+v, want error containing %q", ev, tt.wantErr)
			}
		})
	}
}

func TestWebSocketReportsRejectedWrites(t *testing.T) {
	ctrl := newFakeController()
	ctrl.failErr = ble.ErrNotReady
	_, addr := startServer(t, ctrl)
	conn := dial(t, addr)
	readEvent(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"set","field":"volume","value":5}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Error != ble.ErrNotReady.Error() {
		t.Errorf("event = %+v, want %q", ev, ble.ErrNotReady.Error())
	}
}

func TestServeUnsubscribesOnShutdown(t *testing.T) {
	ctrl := newFakeController()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(ctrl).Serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctrl.mu.Lock()
		n := len(ctrl.subs)
		ctrl.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.subs) != 0 {
		t.Errorf("subscriptions = %d after shutdown, want 0", len(ctrl.subs))
	}
}
