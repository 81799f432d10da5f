// Package protocol implements the fixed-layout binary frames exchanged with
// the equalizer peripheral over its 0xFFE1 characteristic. All multi-byte
// fields are big-endian.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame type bytes (byte 0).
const (
	TypePrimary   byte = 0x01
	TypeSettings  byte = 0x02
	TypeStyle     byte = 0x03
	TypeSerialReq byte = 0xAB
)

// Frame command bytes (byte 1).
const (
	CmdMode        byte = 0x02
	CmdEqualizer   byte = 0x13
	CmdSerialQuery byte = 0xCD
	CmdSerialReply byte = 0xDC
)

// Frame sizes.
const (
	SetEqualizerLen = 12
	TelemetryLen    = 12
	SerialReplyLen  = 4
	minFrameLen     = 2
	serialQueryArg  = 0x0A
)

// Frame is one of the wire variants below.
type Frame interface {
	frame()
}

// SetEqualizer commands the peripheral to apply levels and power state.
type SetEqualizer struct {
	On     uint8
	Volume uint16
	Bass   uint16
	Mid    uint16
	Treble uint16
}

// SetStyle selects a preset style.
type SetStyle struct {
	Style uint8
}

// ModeRequest asks the peripheral to report its current state.
type ModeRequest struct{}

// RequestSerial asks the peripheral for its serial/version reading.
type RequestSerial struct{}

// SerialReply carries the serial reading in tenths.
type SerialReply struct {
	Tenths uint16
}

// String renders the reading with one decimal digit, e.g. "V10.0".
func (r SerialReply) String() string {
	return fmt.Sprintf("V%.1f", float64(r.Tenths)/10)
}

// Telemetry reports the peripheral's current equalizer levels. Type is the
// leading frame byte; only TypePrimary frames assert the active style.
type Telemetry struct {
	Type   byte
	On     uint8
	Volume uint16
	Bass   uint16
	Mid    uint16
	Treble uint16
	Style  uint8
}

// AssertsStyle reports whether Style should be applied to local state.
func (t Telemetry) AssertsStyle() bool {
	return t.Type == TypePrimary
}

// FirmwareReply holds a raw firmware version string.
type FirmwareReply struct {
	Raw []byte
}

func (SetEqualizer) frame()  {}
func (SetStyle) frame()      {}
func (ModeRequest) frame()   {}
func (RequestSerial) frame() {}
func (SerialReply) frame()   {}
func (Telemetry) frame()     {}
func (FirmwareReply) frame() {}

// EncodeSetEqualizer encodes a SetEqualizer command.
//
//	0:    0x02
//	1:    0x13
//	2:    on
//	3-10: volume, bass, mid, treble (be16)
//	11:   zero
func EncodeSetEqualizer(s SetEqualizer) []byte {
	buf := make([]byte, SetEqualizerLen)
	buf[0] = TypeSettings
	buf[1] = CmdEqualizer
	buf[2] = s.On
	binary.BigEndian.PutUint16(buf[3:5], s.Volume)
	binary.BigEndian.PutUint16(buf[5:7], s.Bass)
	binary.BigEndian.PutUint16(buf[7:9], s.Mid)
	binary.BigEndian.PutUint16(buf[9:11], s.Treble)
	return buf
}

// EncodeSetStyle encodes a SetStyle command.
func EncodeSetStyle(style uint8) []byte {
	return []byte{TypeStyle, CmdMode, style}
}

// EncodeRequestSerial encodes a serial number query.
func EncodeRequestSerial() []byte {
	return []byte{TypeSerialReq, CmdSerialQuery, serialQueryArg}
}

// EncodeModeRequest encodes the state report request sent once a session
// becomes ready.
func EncodeModeRequest() []byte {
	return []byte{TypePrimary, CmdMode, 0x00}
}

// Encode encodes any outbound frame. Inbound-only variants return an error.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case SetEqualizer:
		return EncodeSetEqualizer(v), nil
	case SetStyle:
		return EncodeSetStyle(v.Style), nil
	case RequestSerial:
		return EncodeRequestSerial(), nil
	case ModeRequest:
		return EncodeModeRequest(), nil
	default:
		return nil, fmt.Errorf("protocol: %T is not an outbound frame", f)
	}
}

// Decode parses an inbound notification payload. It returns false for
// payloads that are too short or carry an unrecognized (type, cmd) pair;
// neither case is an error.
func Decode(data []byte) (Frame, bool) {
	if len(data) < minFrameLen {
		return nil, false
	}
	typ, cmd := data[0], data[1]

	switch {
	case typ == TypeSerialReq && cmd == CmdSerialReply:
		if len(data) < SerialReplyLen {
			return nil, false
		}
		return SerialReply{Tenths: binary.BigEndian.Uint16(data[2:4])}, true

	case cmd == CmdEqualizer && (typ == TypePrimary || typ == TypeSettings || typ == TypeStyle):
		if len(data) < TelemetryLen {
			return nil, false
		}
		return Telemetry{
			Type:   typ,
			On:     data[2],
			Volume: binary.BigEndian.Uint16(data[3:5]),
			Bass:   binary.BigEndian.Uint16(data[5:7]),
			Mid:    binary.BigEndian.Uint16(data[7:9]),
			Treble: binary.BigEndian.Uint16(data[9:11]),
			Style:  data[11],
		}, true
	}
	return nil, false
}
