package ble

// event is anything delivered to the Manager's loop. Transport results carry
// the generation of the session that produced them; the loop drops any event
// whose generation is no longer current.
type event interface {
	isEvent()
}

type evCall struct {
	fn    func() error
	reply chan error
}

type evConnected struct {
	gen  uint64
	conn Connection
	err  error
}

type evServices struct {
	gen   uint64
	uuids []string
	err   error
}

type evCharacteristic struct {
	gen  uint64
	char Characteristic
	err  error
}

type evConfigWritten struct {
	gen     uint64
	enabled bool
	err     error
}

type evNotification struct {
	gen  uint64
	data []byte
}

type evDisconnected struct {
	gen uint64
}

type evTick struct {
	gen uint64
}

type evLiveness struct {
	gen uint64
}

type evDeviceFound struct {
	gen uint64
	dev Device
}

type evScanDone struct {
	gen uint64
	err error
}

type evScanRetry struct {
	gen uint64
}

type evReconnect struct {
	gen uint64
}

func (evCall) isEvent()           {}
func (evConnected) isEvent()      {}
func (evServices) isEvent()       {}
func (evCharacteristic) isEvent() {}
func (evConfigWritten) isEvent()  {}
func (evNotification) isEvent()   {}
func (evDisconnected) isEvent()   {}
func (evTick) isEvent()           {}
func (evLiveness) isEvent()       {}
func (evDeviceFound) isEvent()    {}
func (evScanDone) isEvent()       {}
func (evScanRetry) isEvent()      {}
func (evReconnect) isEvent()      {}

// dispatch is the single entry point for every event.
func (m *Manager) dispatch(ev event) {
	switch e := ev.(type) {
	case evCall:
		e.reply <- e.fn()
	case evConnected:
		m.onConnected(e)
	case evServices:
		m.onServices(e)
	case evCharacteristic:
		m.onCharacteristic(e)
	case evConfigWritten:
		m.onConfigWritten(e)
	case evNotification:
		m.onNotification(e)
	case evDisconnected:
		m.onDisconnected(e)
	case evTick:
		m.onTick(e)
	case evLiveness:
		m.onLiveness(e)
	case evDeviceFound:
		m.onDeviceFound(e)
	case evScanDone:
		m.onScanDone(e)
	case evScanRetry:
		m.onScanRetry(e)
	case evReconnect:
		m.onReconnect(e)
	}
}
