package ble

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// User-facing status messages.
const (
	MsgScanning          = "Scanning for devs..."
	MsgDeviceFound       = "BLE dev found. Scanning for more..."
	MsgNoDevices         = "No Low Energy devices found"
	MsgPoweredOff        = "Turn on bluetooth."
	MsgIOError           = "IO from the device error."
	MsgUnknownError      = "An unknown error has occurred."
	MsgConnecting        = "Connecting to device..."
	MsgServiceDiscovered = "Ble service discovered. Waiting for service scan to be done..."
	MsgConnectingService = "Connecting to service..."
	MsgServiceNotFound   = "Service not found: 11."
	MsgConnected         = "Connected"
	MsgDisconnected      = "Disconnected"
	MsgServiceLost       = "Ble service disconnected"
	MsgConnectFailed     = "Cannot connect to remote device."
	MsgNotifyFailed      = "Cannot obtain BLE notifications"
	MsgNoBLE             = "NO BLE"
	MsgDataNotFound      = "BLE Data not found."
)

// Session errors.
var (
	ErrNotReady                 = errors.New("ble: write rejected, session not ready")
	ErrConnectFailed            = errors.New("ble: connect failed")
	ErrServiceNotFound          = errors.New("ble: service not found")
	ErrCharacteristicNotFound   = errors.New("ble: characteristic not found")
	ErrNotificationEnableFailed = errors.New("ble: notification enable failed")
	ErrClosed                   = errors.New("ble: manager stopped")
)

// ScanErrorKind classifies discovery failures.
type ScanErrorKind int

const (
	ScanUnknown ScanErrorKind = iota
	ScanPoweredOff
	ScanIOError
)

func (k ScanErrorKind) String() string {
	switch k {
	case ScanPoweredOff:
		return "powered off"
	case ScanIOError:
		return "io error"
	default:
		return "unknown"
	}
}

// ScanError wraps a failed discovery run.
type ScanError struct {
	Kind ScanErrorKind
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("ble: scan: %s: %v", e.Kind, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Message returns the user-facing status for the error.
func (e *ScanError) Message() string {
	switch e.Kind {
	case ScanPoweredOff:
		return MsgPoweredOff
	case ScanIOError:
		return MsgIOError
	default:
		return MsgUnknownError
	}
}

// State is the connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateEnablingNotifications
	StateReady
	StateDisconnecting
	StateDisconnected
	StateError
)

var stateNames = [...]string{
	StateIdle:                       "idle",
	StateConnecting:                 "connecting",
	StateDiscoveringServices:        "discovering_services",
	StateDiscoveringCharacteristics: "discovering_characteristics",
	StateEnablingNotifications:      "enabling_notifications",
	StateReady:                      "ready",
	StateDisconnecting:              "disconnecting",
	StateDisconnected:               "disconnected",
	StateError:                      "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func isIOError(err error) bool {
	var sysErr *os.SyscallError
	return errors.Is(err, syscall.EIO) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &sysErr)
}
