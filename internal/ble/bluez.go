package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus       = "org.bluez"
	bluezAdapter   = "org.bluez.Adapter1"
	dbusProperties = "org.freedesktop.DBus.Properties"
)

// BluezPower reads the BlueZ adapter's Powered property over the system bus,
// so scan failures caused by a switched-off radio can be told apart.
type BluezPower struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewBluezPower connects to the system bus for the named adapter (e.g. "hci0").
func NewBluezPower(adapter string) (*BluezPower, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &BluezPower{
		conn: conn,
		path: dbus.ObjectPath("/org/bluez/" + adapter),
	}, nil
}

// Powered reports the adapter's power state.
func (b *BluezPower) Powered() (bool, error) {
	obj := b.conn.Object(bluezBus, b.path)
	var v dbus.Variant
	if err := obj.Call(dbusProperties+".Get", 0, bluezAdapter, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("read %s Powered: %w", b.path, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property Powered is not bool")
	}
	return powered, nil
}

// Close releases the bus connection.
func (b *BluezPower) Close() error {
	return b.conn.Close()
}

var _ PowerProbe = (*BluezPower)(nil)
