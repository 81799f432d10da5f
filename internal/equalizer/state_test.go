package equalizer

import (
	"testing"
)

func recordChanges() (*[]Change, func(Change)) {
	var got []Change
	return &got, func(c Change) { got = append(got, c) }
}

func TestNewStateDefaults(t *testing.T) {
	s := NewState(nil)
	snap := s.Snapshot()
	if !snap.PowerOn {
		t.Error("PowerOn should default to true")
	}
	if snap.Volume != 0 || snap.Bass != 0 || snap.Mid != 0 || snap.Treble != 0 {
		t.Errorf("levels = %+v, want zero", snap)
	}
	if snap.SerialNumber != nil || snap.FirmwareVersion != nil {
		t.Error("serial and firmware should start unset")
	}
}

func TestSettersEmitOnlyOnChange(t *testing.T) {
	got, emit := recordChanges()
	s := NewState(emit)

	s.SetVolume(10)
	s.SetVolume(10)
	s.SetBass(3)
	s.SetPowerOn(true) // already on

	want := []Change{
		{Field: FieldVolume, Value: uint16(10)},
		{Field: FieldBass, Value: uint16(3)},
	}
	if len(*got) != len(want) {
		t.Fatalf("got %d changes %v, want %d", len(*got), *got, len(want))
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, (*got)[i], want[i])
		}
	}
}

func TestSetStyleReportsChange(t *testing.T) {
	s := NewState(nil)
	if !s.SetStyle(2) {
		t.Error("SetStyle(2) should report a change")
	}
	if s.SetStyle(2) {
		t.Error("SetStyle(2) twice should report no change")
	}
	if s.Style() != 2 {
		t.Errorf("Style() = %d, want 2", s.Style())
	}
}

func TestApplyLevels(t *testing.T) {
	got, emit := recordChanges()
	s := NewState(emit)
	s.SetStyle(7)
	*got = nil

	s.ApplyLevels(false, 50, 20, 10, 5)

	snap := s.Snapshot()
	if snap.PowerOn || snap.Volume != 50 || snap.Bass != 20 || snap.Mid != 10 || snap.Treble != 5 {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if snap.Style != 7 {
		t.Errorf("Style = %d, ApplyLevels must not touch style", snap.Style)
	}
	if len(*got) != 5 {
		t.Errorf("got %d changes, want 5", len(*got))
	}
}

func TestSnapshotCopiesStrings(t *testing.T) {
	s := NewState(nil)
	s.SetSerialNumber("V10.0")
	s.SetFirmwareVersion("1.2.3")

	snap := s.Snapshot()
	*snap.SerialNumber = "mutated"

	if again := s.Snapshot(); *again.SerialNumber != "V10.0" {
		t.Errorf("SerialNumber = %q, snapshot should not alias state", *again.SerialNumber)
	}
	if *snap.FirmwareVersion != "1.2.3" {
		t.Errorf("FirmwareVersion = %q, want 1.2.3", *snap.FirmwareVersion)
	}
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	h := NewHub()
	var a, b int
	idA := h.Subscribe(func(Change) { a++ })
	h.Subscribe(func(Change) { b++ })

	h.Publish(Change{Field: FieldVolume, Value: uint16(1)})
	h.Unsubscribe(idA)
	h.Publish(Change{Field: FieldVolume, Value: uint16(2)})

	if a != 1 {
		t.Errorf("subscriber A called %d times, want 1", a)
	}
	if b != 2 {
		t.Errorf("subscriber B called %d times, want 2", b)
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}
}
