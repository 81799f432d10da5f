package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/eqlink/internal/ble/protocol"
	"github.com/chaz8081/eqlink/internal/equalizer"
)

// PowerProbe reports whether the host radio is powered.
type PowerProbe interface {
	Powered() (bool, error)
}

// Options configures the Manager.
type Options struct {
	NameFilter       string        // advertised name substring to auto-connect to
	AutoConnect      bool          // connect to the first matching device found
	ScanWindow       time.Duration // length of one discovery run
	ScanRetryMax     int           // max retry backoff in seconds after a scan or connect error
	RetryBase        time.Duration // first retry delay, doubled per attempt
	ConnectTimeout   time.Duration
	LivenessInterval time.Duration
	ConnParams       ConnParams // requested once connected
	ReadyConnParams  ConnParams // requested once ready
	Timing           Timing
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		NameFilter:       DefaultNameFilter,
		AutoConnect:      true,
		ScanWindow:       10 * time.Second,
		ScanRetryMax:     30,
		RetryBase:        time.Second,
		ConnectTimeout:   10 * time.Second,
		LivenessInterval: time.Second,
		ConnParams: ConnParams{
			MinInterval: 7500 * time.Microsecond,
			MaxInterval: 10 * time.Millisecond,
			Timeout:     30 * time.Second,
		},
		ReadyConnParams: ConnParams{
			MinInterval: 7500 * time.Microsecond,
			MaxInterval: 10 * time.Millisecond,
			Timeout:     20 * time.Second,
		},
		Timing: DefaultTiming(),
	}
}

// Manager owns the connection state machine. Transport callbacks, timer
// ticks and caller requests are all serialized onto the goroutine running
// Run, so the loop-owned fields are only touched from there.
type Manager struct {
	adapter Adapter
	power   PowerProbe
	opts    Options
	hub     *equalizer.Hub
	events  chan event
	done    chan struct{}
	enabled atomic.Bool

	// loop-owned
	ctx        context.Context
	st         State
	lastErr    error
	message    string
	address    string
	conn       Connection
	char       Characteristic
	notifying  bool
	responsive bool
	gen        uint64
	state      *equalizer.State
	sched      *Scheduler
	tick       *time.Timer
	tickGen    uint64
	liveness   *time.Timer
	scanning   bool
	scanCancel context.CancelFunc
	scanGen    uint64
	scanErrors int
	devices    []Device
	reconnect  bool // re-dial address after a terminal disconnect or error
	retries    int
}

// NewManager creates a Manager. power may be nil.
func NewManager(adapter Adapter, power PowerProbe, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = def.ScanWindow
	}
	if opts.ScanRetryMax <= 0 {
		opts.ScanRetryMax = def.ScanRetryMax
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = def.LivenessInterval
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = def.Timing
	}

	m := &Manager{
		adapter: adapter,
		power:   power,
		opts:    opts,
		hub:     equalizer.NewHub(),
		events:  make(chan event, 256),
		done:    make(chan struct{}),
		ctx:     context.Background(),
	}
	m.state = equalizer.NewState(m.hub.Publish)
	m.sched = NewScheduler(opts.Timing, m.state, m.write, m.ready, m.armTick, m.stopTick)
	return m
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.dispatch(ev)
		}
	}
}

// Subscribe registers fn for every Change. fn runs on the event loop and
// must not call back into the Manager.
func (m *Manager) Subscribe(fn func(equalizer.Change)) uuid.UUID {
	return m.hub.Subscribe(fn)
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(id uuid.UUID) {
	m.hub.Unsubscribe(id)
}

// StartScan begins discovery and keeps re-arming it after every terminal
// disconnect or error. It takes precedence over reconnecting to the address
// given to Connect.
func (m *Manager) StartScan() error {
	return m.call(func() error {
		m.scanning = true
		m.startScan()
		return nil
	})
}

// Connect tears down any existing session and connects to address. Unless
// discovery was started, the address is re-dialled with backoff after every
// terminal disconnect or error until Disconnect is called.
func (m *Manager) Connect(address string) error {
	if address == "" {
		return errors.New("ble: empty address")
	}
	return m.call(func() error {
		m.stopScan()
		m.reconnect = true
		m.retries = 0
		m.connect(address)
		return nil
	})
}

// Disconnect gracefully ends the session.
func (m *Manager) Disconnect() error {
	return m.call(func() error {
		m.reconnect = false
		m.disconnect()
		return nil
	})
}

// Update applies mutate to the equalizer state and schedules a write of the
// given origin. mutate returning false means nothing changed and no write is
// scheduled. Both steps are skipped with ErrNotReady outside the ready state.
func (m *Manager) Update(origin Origin, mutate func(*equalizer.State) bool) error {
	return m.call(func() error {
		if !m.ready() {
			m.setStatus(MsgNoBLE)
			return ErrNotReady
		}
		if mutate != nil && !mutate(m.state) {
			return nil
		}
		switch origin {
		case OriginSettings:
			return m.sched.RequestSettingsWrite()
		case OriginStyle:
			return m.sched.RequestStyleWrite()
		case OriginSerialRequest:
			return m.sched.RequestSerialQuery()
		default:
			return fmt.Errorf("ble: cannot schedule origin %v", origin)
		}
	})
}

// SetFirmwareVersion records a firmware version reported out of band.
func (m *Manager) SetFirmwareVersion(version string) error {
	if version == "" {
		return errors.New("ble: empty firmware version")
	}
	return m.call(func() error {
		m.apply(protocol.FirmwareReply{Raw: []byte(version)})
		return nil
	})
}

// Info is a consistent view of the session.
type Info struct {
	State      State              `json:"-"`
	StateName  string             `json:"state"`
	Address    string             `json:"address,omitempty"`
	Message    string             `json:"message"`
	Responsive bool               `json:"responsive"`
	LastError  string             `json:"last_error,omitempty"`
	Equalizer  equalizer.Snapshot `json:"equalizer"`
	Devices    []Device           `json:"devices"`
}

// Info returns a snapshot of the session.
func (m *Manager) Info() (Info, error) {
	var info Info
	err := m.call(func() error {
		info = Info{
			State:      m.st,
			StateName:  m.st.String(),
			Address:    m.address,
			Message:    m.message,
			Responsive: m.responsive,
			Equalizer:  m.state.Snapshot(),
			Devices:    append([]Device(nil), m.devices...),
		}
		if m.lastErr != nil {
			info.LastError = m.lastErr.Error()
		}
		return nil
	})
	return info, err
}

// Devices returns the devices seen by the current discovery run.
func (m *Manager) Devices() ([]Device, error) {
	var out []Device
	err := m.call(func() error {
		out = append([]Device(nil), m.devices...)
		return nil
	})
	return out, err
}

// LastError returns the error behind the most recent Error state, if any.
func (m *Manager) LastError() error {
	var last error
	_ = m.call(func() error {
		last = m.lastErr
		return nil
	})
	return last
}

// call runs fn on the event loop and waits for its result.
func (m *Manager) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.events <- evCall{fn: fn, reply: reply}:
	case <-m.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) ready() bool {
	return m.st == StateReady && m.notifying && m.char != nil
}

func (m *Manager) write(data []byte) error {
	if !m.ready() {
		return ErrNotReady
	}
	if err := m.char.Write(data); err != nil {
		return fmt.Errorf("ble: write characteristic: %w", err)
	}
	return nil
}

func (m *Manager) setState(s State) {
	if m.st == s {
		return
	}
	slog.Debug("[BLE] state", "from", m.st, "to", s)
	m.st = s
	m.hub.Publish(equalizer.Change{Field: equalizer.FieldConnection, Value: s.String()})
}

func (m *Manager) setStatus(msg string) {
	slog.Info("[BLE] " + msg)
	m.message = msg
	m.hub.Publish(equalizer.Change{Field: equalizer.FieldMessage, Value: msg})
}

func (m *Manager) setResponsive(v bool) {
	if m.responsive == v {
		return
	}
	m.responsive = v
	m.hub.Publish(equalizer.Change{Field: equalizer.FieldResponsive, Value: v})
}

// --- connection lifecycle ---

func (m *Manager) ensureEnabled() error {
	if m.enabled.Load() {
		return nil
	}
	if err := m.adapter.Enable(); err != nil {
		return err
	}
	m.enabled.Store(true)
	return nil
}

func (m *Manager) connect(address string) {
	if m.conn != nil || m.st != StateIdle {
		m.teardown(true)
	}
	m.address = address
	m.lastErr = nil
	m.setStatus(MsgConnecting)
	m.setState(StateConnecting)

	gen := m.gen
	params := m.opts.ConnParams
	timeout := m.opts.ConnectTimeout
	parent := m.ctx
	go func() {
		if err := m.ensureEnabled(); err != nil {
			m.post(evConnected{gen: gen, err: fmt.Errorf("enable adapter: %w", err)})
			return
		}
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		conn, err := m.adapter.Connect(ctx, address, params)
		m.post(evConnected{gen: gen, conn: conn, err: err})
	}()
}

func (m *Manager) onConnected(ev evConnected) {
	if ev.gen != m.gen || m.st != StateConnecting {
		if ev.conn != nil {
			go func() { _ = ev.conn.Disconnect() }()
		}
		return
	}
	if ev.err != nil {
		m.fail(fmt.Errorf("%w: %s: %v", ErrConnectFailed, m.address, ev.err), MsgConnectFailed)
		return
	}

	m.conn = ev.conn
	gen := m.gen
	conn := m.conn
	conn.OnDisconnect(func() { m.post(evDisconnected{gen: gen}) })
	slog.Info("[BLE] connected", "address", m.address)
	m.requestParams(m.opts.ConnParams)

	m.setState(StateDiscoveringServices)
	go func() {
		uuids, err := conn.DiscoverServices()
		m.post(evServices{gen: gen, uuids: uuids, err: err})
	}()
}

func (m *Manager) onServices(ev evServices) {
	if ev.gen != m.gen || m.st != StateDiscoveringServices {
		return
	}
	if ev.err != nil {
		m.fail(fmt.Errorf("%w: %v", ErrServiceNotFound, ev.err), MsgServiceNotFound)
		return
	}
	found := false
	for _, u := range ev.uuids {
		if sameUUID(u, ServiceUUID) {
			found = true
			break
		}
	}
	if !found {
		m.fail(ErrServiceNotFound, MsgServiceNotFound)
		return
	}
	m.setStatus(MsgServiceDiscovered)

	m.setStatus(MsgConnectingService)
	m.setState(StateDiscoveringCharacteristics)
	gen := m.gen
	conn := m.conn
	go func() {
		char, err := conn.DiscoverCharacteristic(ServiceUUID, CharUUID)
		m.post(evCharacteristic{gen: gen, char: char, err: err})
	}()
}

func (m *Manager) onCharacteristic(ev evCharacteristic) {
	if ev.gen != m.gen || m.st != StateDiscoveringCharacteristics {
		return
	}
	if ev.err != nil || ev.char == nil {
		err := ErrCharacteristicNotFound
		if ev.err != nil {
			err = fmt.Errorf("%w: %v", ErrCharacteristicNotFound, ev.err)
		}
		m.fail(err, MsgDataNotFound)
		return
	}

	m.char = ev.char
	m.setStatus(MsgConnected)
	m.setState(StateEnablingNotifications)
	m.writeConfig(CCCDEnable)
}

// writeConfig issues a descriptor write; its confirmation arrives as an
// evConfigWritten on the loop.
func (m *Manager) writeConfig(value []byte) {
	gen := m.gen
	char := m.char
	var handler func([]byte)
	if value[0] != 0 {
		handler = func(data []byte) {
			cp := make([]byte, len(data))
			copy(cp, data)
			m.post(evNotification{gen: gen, data: cp})
		}
	}
	go func() {
		err := char.WriteConfig(value, handler)
		m.post(evConfigWritten{gen: gen, enabled: handler != nil, err: err})
	}()
}

func (m *Manager) onConfigWritten(ev evConfigWritten) {
	if ev.gen != m.gen {
		return
	}
	if ev.enabled {
		if m.st != StateEnablingNotifications {
			return
		}
		if ev.err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrNotificationEnableFailed, ev.err), MsgNotifyFailed)
			return
		}
		m.notifying = true
		m.enterReady()
		return
	}

	// Confirmed disable is the disconnect trigger.
	if ev.err != nil {
		slog.Warn("[BLE] disable notifications failed", "error", ev.err)
	}
	m.notifying = false
	m.releaseConn()
}

func (m *Manager) enterReady() {
	m.setState(StateReady)
	m.retries = 0
	slog.Info("[BLE] session ready", "address", m.address)
	m.sendModeRequest()
	m.armLiveness()
	m.requestParams(m.opts.ReadyConnParams)
}

func (m *Manager) requestParams(p ConnParams) {
	if p == (ConnParams{}) || m.conn == nil {
		return
	}
	conn := m.conn
	go func() {
		if err := conn.RequestConnectionParams(p); err != nil {
			slog.Debug("[BLE] connection parameter update rejected", "error", err)
		}
	}()
}

func (m *Manager) disconnect() {
	if m.conn == nil {
		if m.st == StateConnecting {
			m.teardown(false)
			m.setStatus(MsgDisconnected)
			m.setState(StateIdle)
		}
		return
	}
	m.setResponsive(false)
	m.setStatus(MsgDisconnected)
	if m.st == StateDisconnecting {
		return
	}

	wasNotifying := m.notifying && m.char != nil
	m.stopTimers()
	m.setState(StateDisconnecting)
	if wasNotifying {
		m.writeConfig(CCCDDisable)
		return
	}
	m.releaseConn()
}

// releaseConn drops the transport link and reports it back as a
// disconnection of the current generation.
func (m *Manager) releaseConn() {
	if m.conn == nil {
		return
	}
	gen := m.gen
	conn := m.conn
	go func() {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "error", err)
		}
		m.post(evDisconnected{gen: gen})
	}()
}

func (m *Manager) onDisconnected(ev evDisconnected) {
	if ev.gen != m.gen || m.conn == nil {
		return
	}
	slog.Warn("[BLE] remote device disconnected", "address", m.address)
	m.teardown(false)
	m.setStatus(MsgServiceLost)
	m.setState(StateDisconnected)
	m.rearm()
}

// fail reports a terminal session error and returns to idle.
func (m *Manager) fail(err error, msg string) {
	slog.Warn("[BLE] session error", "state", m.st, "error", err)
	m.lastErr = err
	m.setStatus(msg)
	m.teardown(true)
	m.setState(StateError)
	m.setState(StateIdle)
	m.rearm()
}

// teardown releases the session handle and invalidates callbacks belonging
// to it.
func (m *Manager) teardown(release bool) {
	m.stopTimers()
	m.notifying = false
	m.setResponsive(false)
	if release && m.conn != nil {
		if err := m.conn.Disconnect(); err != nil {
			slog.Warn("[BLE] release connection failed", "error", err)
		}
	}
	m.conn = nil
	m.char = nil
	m.gen++
}

func (m *Manager) stopTimers() {
	m.sched.Reset()
	if m.liveness != nil {
		m.liveness.Stop()
		m.liveness = nil
	}
}

func (m *Manager) shutdown() {
	m.stopScan()
	m.stopTimers()
	if m.char != nil && m.notifying {
		_ = m.char.WriteConfig(CCCDDisable, nil)
	}
	if m.conn != nil {
		_ = m.conn.Disconnect()
	}
	m.conn = nil
	m.char = nil
	m.notifying = false
}

// --- inbound ---

func (m *Manager) onNotification(ev evNotification) {
	if ev.gen != m.gen || m.st != StateReady {
		return
	}
	f, ok := protocol.Decode(ev.data)
	if !ok {
		slog.Debug("[BLE] ignoring frame", "data", fmt.Sprintf("%x", ev.data))
		return
	}
	m.apply(f)
}

// apply folds an inbound frame into the equalizer state.
func (m *Manager) apply(f protocol.Frame) {
	switch v := f.(type) {
	case protocol.Telemetry:
		m.state.ApplyLevels(v.On != 0, v.Volume, v.Bass, v.Mid, v.Treble)
		if v.AssertsStyle() {
			m.state.SetStyle(v.Style)
		}
		m.setResponsive(true)
		slog.Debug("[BLE] telemetry", "type", v.Type, "on", v.On, "volume", v.Volume,
			"bass", v.Bass, "mid", v.Mid, "treble", v.Treble, "style", m.state.Style())
	case protocol.SerialReply:
		m.state.SetSerialNumber(v.String())
		slog.Info("[BLE] serial number read", "serial", v.String())
	case protocol.FirmwareReply:
		m.state.SetFirmwareVersion(string(v.Raw))
		slog.Info("[BLE] firmware version set", "version", string(v.Raw))
	}
}

// --- timers ---

func (m *Manager) armTick(d time.Duration) {
	m.stopTick()
	gen := m.tickGen
	m.tick = time.AfterFunc(d, func() { m.post(evTick{gen: gen}) })
}

func (m *Manager) stopTick() {
	m.tickGen++
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
}

func (m *Manager) onTick(ev evTick) {
	if ev.gen != m.tickGen {
		return
	}
	m.sched.Tick()
}

func (m *Manager) armLiveness() {
	gen := m.gen
	m.liveness = time.AfterFunc(m.opts.LivenessInterval, func() { m.post(evLiveness{gen: gen}) })
}

func (m *Manager) onLiveness(ev evLiveness) {
	if ev.gen != m.gen || m.st != StateReady {
		return
	}
	if !m.responsive {
		slog.Debug("[BLE] no telemetry yet, repeating mode request")
		m.sendModeRequest()
	}
	m.armLiveness()
}

func (m *Manager) sendModeRequest() {
	sent, err := m.sched.SendModeRequest()
	switch {
	case err != nil:
		slog.Warn("[BLE] mode request failed", "error", err)
	case !sent:
		slog.Debug("[BLE] mode request deferred, write pending", "origin", m.sched.Pending())
	}
}

// --- discovery ---

func (m *Manager) startScan() {
	if m.scanCancel != nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ScanWindow)
	m.scanCancel = cancel
	m.scanGen++
	gen := m.scanGen
	m.devices = nil
	m.setStatus(MsgScanning)

	go func() {
		defer cancel()
		if err := m.ensureEnabled(); err != nil {
			m.post(evScanDone{gen: gen, err: err})
			return
		}
		err := m.adapter.Scan(ctx, func(d Device) { m.post(evDeviceFound{gen: gen, dev: d}) })
		if err != nil && ctx.Err() != nil {
			err = nil
		}
		m.post(evScanDone{gen: gen, err: err})
	}()
}

func (m *Manager) stopScan() {
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.scanGen++
}

// rearm restarts discovery, or re-dials a fixed address, after a terminal
// disconnect or error.
func (m *Manager) rearm() {
	switch {
	case m.scanning:
		m.startScan()
	case m.reconnect && m.address != "":
		delay := backoffDelay(m.retries, m.opts.RetryBase, m.retryMax())
		m.retries++
		slog.Info("[BLE] reconnecting", "address", m.address, "delay", delay)
		gen := m.gen
		time.AfterFunc(delay, func() { m.post(evReconnect{gen: gen}) })
	}
}

func (m *Manager) onReconnect(ev evReconnect) {
	if ev.gen != m.gen || !m.reconnect || m.scanning || !m.idle() {
		return
	}
	m.connect(m.address)
}

func (m *Manager) retryMax() time.Duration {
	return time.Duration(m.opts.ScanRetryMax) * time.Second
}

func (m *Manager) idle() bool {
	return m.st == StateIdle || m.st == StateDisconnected
}

func (m *Manager) onDeviceFound(ev evDeviceFound) {
	if ev.gen != m.scanGen {
		return
	}
	for _, d := range m.devices {
		if d.Address == ev.dev.Address {
			return
		}
	}
	slog.Debug("[BLE] discovered device", "name", ev.dev.Name, "address", ev.dev.Address, "rssi", ev.dev.RSSI)
	m.devices = append(m.devices, ev.dev)
	m.setStatus(MsgDeviceFound)

	if m.opts.AutoConnect && m.idle() && MatchName(ev.dev.Name, m.opts.NameFilter) {
		slog.Info("[BLE] target found", "name", ev.dev.Name, "address", ev.dev.Address)
		m.stopScan()
		m.connect(ev.dev.Address)
	}
}

func (m *Manager) onScanDone(ev evScanDone) {
	if ev.gen != m.scanGen {
		return
	}
	m.scanCancel = nil

	if ev.err != nil {
		serr := m.classifyScanError(ev.err)
		slog.Warn("[BLE] scan failed", "kind", serr.Kind, "error", ev.err)
		m.setStatus(serr.Message())
		m.lastErr = serr
		delay := backoffDelay(m.scanErrors, m.opts.RetryBase, m.retryMax())
		m.scanErrors++
		gen := m.scanGen
		time.AfterFunc(delay, func() { m.post(evScanRetry{gen: gen}) })
		return
	}
	m.scanErrors = 0

	if len(m.devices) == 0 {
		m.setStatus(MsgNoDevices)
	}
	if m.scanning && m.idle() {
		m.startScan()
	}
}

func (m *Manager) onScanRetry(ev evScanRetry) {
	if ev.gen != m.scanGen || !m.scanning || !m.idle() {
		return
	}
	m.startScan()
}

func (m *Manager) classifyScanError(err error) *ScanError {
	var serr *ScanError
	if errors.As(err, &serr) {
		return serr
	}
	if m.power != nil {
		if powered, perr := m.power.Powered(); perr == nil && !powered {
			return &ScanError{Kind: ScanPoweredOff, Err: err}
		}
	}
	if isIOError(err) {
		return &ScanError{Kind: ScanIOError, Err: err}
	}
	return &ScanError{Kind: ScanUnknown, Err: err}
}

// backoffDelay returns base doubled attempt times, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
