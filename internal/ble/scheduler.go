package ble

import (
	"log/slog"
	"time"

	"github.com/chaz8081/eqlink/internal/ble/protocol"
	"github.com/chaz8081/eqlink/internal/equalizer"
)

// Origin tags the single pending write slot.
type Origin int

const (
	OriginIdle Origin = iota
	OriginSettings
	OriginStyle
	OriginSerialRequest
	OriginCooldown
)

func (o Origin) String() string {
	switch o {
	case OriginSettings:
		return "settings"
	case OriginStyle:
		return "style"
	case OriginSerialRequest:
		return "serial_request"
	case OriginCooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

// Timing holds the scheduler's settle and cooldown periods.
type Timing struct {
	SettingsDelay  time.Duration // settle before an equalizer write
	StyleDelay     time.Duration // settle before a style write
	SerialDelay    time.Duration // settle before a serial query
	Cooldown       time.Duration // quiet period after settings/style writes
	SerialCooldown time.Duration // quiet period after a serial query
}

// DefaultTiming returns the peripheral's tested timings.
func DefaultTiming() Timing {
	return Timing{
		SettingsDelay:  20 * time.Millisecond,
		StyleDelay:     20 * time.Millisecond,
		SerialDelay:    10 * time.Millisecond,
		Cooldown:       30 * time.Millisecond,
		SerialCooldown: 50 * time.Millisecond,
	}
}

// Scheduler coalesces local changes into at most one outbound write per tick.
// A request replaces whatever origin is pending. It is driven by its owner's
// event loop: arm (re)starts the tick timer, stop cancels it, and the owner
// calls Tick when the timer fires.
type Scheduler struct {
	timing Timing
	state  *equalizer.State
	write  func([]byte) error
	ready  func() bool
	arm    func(time.Duration)
	stop   func()

	pending Origin
}

// NewScheduler builds a scheduler that reads frame contents from state and
// hands encoded frames to write.
func NewScheduler(t Timing, state *equalizer.State, write func([]byte) error, ready func() bool, arm func(time.Duration), stop func()) *Scheduler {
	return &Scheduler{
		timing: t,
		state:  state,
		write:  write,
		ready:  ready,
		arm:    arm,
		stop:   stop,
	}
}

// Pending returns the origin currently held in the slot.
func (s *Scheduler) Pending() Origin {
	return s.pending
}

// RequestSettingsWrite schedules an equalizer frame.
func (s *Scheduler) RequestSettingsWrite() error {
	return s.request(OriginSettings, s.timing.SettingsDelay)
}

// RequestStyleWrite schedules a style frame.
func (s *Scheduler) RequestStyleWrite() error {
	return s.request(OriginStyle, s.timing.StyleDelay)
}

// RequestSerialQuery schedules a serial number query.
func (s *Scheduler) RequestSerialQuery() error {
	return s.request(OriginSerialRequest, s.timing.SerialDelay)
}

// SendModeRequest writes a mode request immediately when the slot is idle.
// While a write is pending or cooling down it sends nothing and reports
// false; the caller retries on its next liveness tick.
func (s *Scheduler) SendModeRequest() (bool, error) {
	if !s.ready() {
		return false, ErrNotReady
	}
	if s.pending != OriginIdle {
		return false, nil
	}
	return true, s.send(protocol.ModeRequest{})
}

func (s *Scheduler) request(o Origin, delay time.Duration) error {
	if !s.ready() {
		return ErrNotReady
	}
	s.pending = o
	s.arm(delay)
	return nil
}

// Tick runs one step of the write cycle.
func (s *Scheduler) Tick() {
	if s.pending != OriginIdle && s.pending != OriginCooldown && !s.ready() {
		slog.Debug("[BLE] dropping pending write, session not ready", "origin", s.pending)
		s.Reset()
		return
	}

	var err error
	switch s.pending {
	case OriginSettings:
		err = s.send(s.equalizerFrame())
		s.cooldown(s.timing.Cooldown)
	case OriginStyle:
		err = s.send(protocol.SetStyle{Style: s.state.Style()})
		s.cooldown(s.timing.Cooldown)
	case OriginSerialRequest:
		err = s.send(protocol.RequestSerial{})
		s.cooldown(s.timing.SerialCooldown)
	default:
		s.Reset()
	}
	if err != nil {
		slog.Warn("[BLE] write failed", "origin", s.pending, "error", err)
	}
}

// Reset stops the tick and clears the slot.
func (s *Scheduler) Reset() {
	s.stop()
	s.pending = OriginIdle
}

func (s *Scheduler) cooldown(d time.Duration) {
	s.pending = OriginCooldown
	s.arm(d)
}

func (s *Scheduler) send(f protocol.Frame) error {
	buf, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.write(buf)
}

func (s *Scheduler) equalizerFrame() protocol.SetEqualizer {
	var on uint8
	if s.state.PowerOn() {
		on = 1
	}
	return protocol.SetEqualizer{
		On:     on,
		Volume: s.state.Volume(),
		Bass:   s.state.Bass(),
		Mid:    s.state.Mid(),
		Treble: s.state.Treble(),
	}
}
