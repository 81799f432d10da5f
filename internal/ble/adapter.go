// Package ble drives a session with an HM-10 style equalizer peripheral:
// discovery, the connection state machine, notification handling, and the
// debounced write path.
package ble

import (
	"context"
	"strings"
	"time"
)

// Equalizer peripheral UUIDs (16-bit 0xFFE0 / 0xFFE1 in the Bluetooth base UUID).
const (
	ServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	CharUUID    = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// DefaultNameFilter matches the advertised name of the peripheral.
const DefaultNameFilter = "HM-10"

// Client characteristic configuration descriptor values.
var (
	CCCDEnable  = []byte{0x01, 0x00}
	CCCDDisable = []byte{0x00, 0x00}
)

// Characteristic represents the peripheral's data characteristic together
// with its configuration descriptor.
type Characteristic interface {
	// Write sends data without response.
	Write(data []byte) error
	// WriteConfig writes the configuration descriptor and returns once the
	// write is confirmed. handler receives notifications while enabled.
	WriteConfig(value []byte, handler func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// ConnParams are preferred link parameters.
type ConnParams struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverServices returns the UUIDs of all primary services.
	DiscoverServices() ([]string, error)
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestConnectionParams asks the peripheral for new link parameters.
	RequestConnectionParams(p ConnParams) error
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every discovered peripheral to found until ctx is done.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device at address.
	Connect(ctx context.Context, address string, p ConnParams) (Connection, error)
}

// MatchName reports whether a peripheral name contains filter, ignoring case.
func MatchName(name, filter string) bool {
	if filter == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(filter))
}

func sameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
