// Package session exposes the equalizer controls over a ble.Manager.
package session

import (
	"github.com/google/uuid"

	"github.com/chaz8081/eqlink/internal/ble"
	"github.com/chaz8081/eqlink/internal/equalizer"
)

// Session is the application-facing control surface. Setters stage the new
// value and schedule a debounced write; the device's telemetry echo confirms
// it. Every setter returns ble.ErrNotReady unless the link is ready.
type Session struct {
	m *ble.Manager
}

// New wraps a running Manager.
func New(m *ble.Manager) *Session {
	return &Session{m: m}
}

func (s *Session) settings(mutate func(*equalizer.State)) error {
	return s.m.Update(ble.OriginSettings, func(st *equalizer.State) bool {
		mutate(st)
		return true
	})
}

func (s *Session) SetPowerOn(on bool) error {
	return s.settings(func(st *equalizer.State) { st.SetPowerOn(on) })
}

func (s *Session) SetVolume(v uint16) error {
	return s.settings(func(st *equalizer.State) { st.SetVolume(v) })
}

func (s *Session) SetBass(v uint16) error {
	return s.settings(func(st *equalizer.State) { st.SetBass(v) })
}

func (s *Session) SetMid(v uint16) error {
	return s.settings(func(st *equalizer.State) { st.SetMid(v) })
}

func (s *Session) SetTreble(v uint16) error {
	return s.settings(func(st *equalizer.State) { st.SetTreble(v) })
}

// SetStyle selects a preset. Selecting the current style schedules nothing.
func (s *Session) SetStyle(style uint8) error {
	return s.m.Update(ble.OriginStyle, func(st *equalizer.State) bool {
		return st.SetStyle(style)
	})
}

// RequestSerialNumber asks the device for its serial; the reply arrives as
// a serial_number change.
func (s *Session) RequestSerialNumber() error {
	return s.m.Update(ble.OriginSerialRequest, nil)
}

func (s *Session) Connect(address string) error { return s.m.Connect(address) }

func (s *Session) Disconnect() error { return s.m.Disconnect() }

func (s *Session) StartScan() error { return s.m.StartScan() }

func (s *Session) Subscribe(fn func(equalizer.Change)) uuid.UUID {
	return s.m.Subscribe(fn)
}

func (s *Session) Unsubscribe(id uuid.UUID) { s.m.Unsubscribe(id) }

// State returns the current equalizer values.
func (s *Session) State() (equalizer.Snapshot, error) {
	info, err := s.m.Info()
	if err != nil {
		return equalizer.Snapshot{}, err
	}
	return info.Equalizer, nil
}

func (s *Session) ConnectionState() (ble.State, error) {
	info, err := s.m.Info()
	if err != nil {
		return ble.StateIdle, err
	}
	return info.State, nil
}

// Status returns the latest user-facing status message.
func (s *Session) Status() (string, error) {
	info, err := s.m.Info()
	if err != nil {
		return "", err
	}
	return info.Message, nil
}

func (s *Session) Devices() ([]ble.Device, error) { return s.m.Devices() }

// SetFirmwareVersion records the firmware version; the device does not
// report it, so it comes from the caller.
func (s *Session) SetFirmwareVersion(version string) error {
	return s.m.SetFirmwareVersion(version)
}

// FirmwareVersion returns the recorded firmware version, or "" if unknown.
func (s *Session) FirmwareVersion() (string, error) {
	st, err := s.State()
	if err != nil || st.FirmwareVersion == nil {
		return "", err
	}
	return *st.FirmwareVersion, nil
}

// Info returns the full session view.
func (s *Session) Info() (ble.Info, error) { return s.m.Info() }
