// Package equalizer holds the local model of the peripheral's equalizer
// settings and the change events it publishes.
package equalizer

// Field names a published piece of session state.
type Field string

const (
	FieldPower      Field = "power"
	FieldVolume     Field = "volume"
	FieldBass       Field = "bass"
	FieldMid        Field = "mid"
	FieldTreble     Field = "treble"
	FieldStyle      Field = "style"
	FieldSerial     Field = "serial_number"
	FieldFirmware   Field = "firmware_version"
	FieldConnection Field = "connection"
	FieldResponsive Field = "responsive"
	FieldMessage    Field = "message"
)

// Change is a single field update.
type Change struct {
	Field Field `json:"field"`
	Value any   `json:"value"`
}

// Snapshot is a copy of the equalizer state.
type Snapshot struct {
	PowerOn         bool    `json:"power_on"`
	Volume          uint16  `json:"volume"`
	Bass            uint16  `json:"bass"`
	Mid             uint16  `json:"mid"`
	Treble          uint16  `json:"treble"`
	Style           uint8   `json:"style"`
	SerialNumber    *string `json:"serial_number,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`
}

// State is the mutable equalizer model. It is not safe for concurrent use;
// the owner serializes all access.
type State struct {
	snap Snapshot
	emit func(Change)
}

// NewState returns a powered-on state with zero levels. emit receives every
// field that actually changes; it may be nil.
func NewState(emit func(Change)) *State {
	if emit == nil {
		emit = func(Change) {}
	}
	return &State{
		snap: Snapshot{PowerOn: true},
		emit: emit,
	}
}

// Snapshot returns a copy of the current values.
func (s *State) Snapshot() Snapshot {
	snap := s.snap
	if s.snap.SerialNumber != nil {
		v := *s.snap.SerialNumber
		snap.SerialNumber = &v
	}
	if s.snap.FirmwareVersion != nil {
		v := *s.snap.FirmwareVersion
		snap.FirmwareVersion = &v
	}
	return snap
}

func (s *State) PowerOn() bool  { return s.snap.PowerOn }
func (s *State) Volume() uint16 { return s.snap.Volume }
func (s *State) Bass() uint16   { return s.snap.Bass }
func (s *State) Mid() uint16    { return s.snap.Mid }
func (s *State) Treble() uint16 { return s.snap.Treble }
func (s *State) Style() uint8   { return s.snap.Style }

func (s *State) SetPowerOn(on bool) {
	if s.snap.PowerOn != on {
		s.snap.PowerOn = on
		s.emit(Change{Field: FieldPower, Value: on})
	}
}

func (s *State) SetVolume(v uint16) { s.setLevel(&s.snap.Volume, FieldVolume, v) }
func (s *State) SetBass(v uint16)   { s.setLevel(&s.snap.Bass, FieldBass, v) }
func (s *State) SetMid(v uint16)    { s.setLevel(&s.snap.Mid, FieldMid, v) }
func (s *State) SetTreble(v uint16) { s.setLevel(&s.snap.Treble, FieldTreble, v) }

// SetStyle stores the preset style and reports whether it changed.
func (s *State) SetStyle(style uint8) bool {
	if s.snap.Style == style {
		return false
	}
	s.snap.Style = style
	s.emit(Change{Field: FieldStyle, Value: style})
	return true
}

// SetSerialNumber replaces the serial reading.
func (s *State) SetSerialNumber(serial string) {
	if s.snap.SerialNumber != nil && *s.snap.SerialNumber == serial {
		return
	}
	s.snap.SerialNumber = &serial
	s.emit(Change{Field: FieldSerial, Value: serial})
}

// SetFirmwareVersion replaces the firmware version string.
func (s *State) SetFirmwareVersion(version string) {
	if s.snap.FirmwareVersion != nil && *s.snap.FirmwareVersion == version {
		return
	}
	s.snap.FirmwareVersion = &version
	s.emit(Change{Field: FieldFirmware, Value: version})
}

// ApplyLevels stores a telemetry report of power and levels.
func (s *State) ApplyLevels(on bool, volume, bass, mid, treble uint16) {
	s.SetPowerOn(on)
	s.SetVolume(volume)
	s.SetBass(bass)
	s.SetMid(mid)
	s.SetTreble(treble)
}

func (s *State) setLevel(dst *uint16, f Field, v uint16) {
	if *dst == v {
		return
	}
	*dst = v
	s.emit(Change{Field: f, Value: v})
}
