// Package fsm implements the two coupled Mealy state machines at the heart
// of the master: the per-device connection FSM and the per-group link-scan
// FSM. Each event handler is an exhaustive switch over the current state;
// unhandled (state, event) pairs are no-ops. Handlers return a result
// struct describing which application callbacks the engine must fire, so
// the FSMs themselves stay free of I/O.
package fsm

// DeviceState is one of the six per-device connection states.
type DeviceState uint8

const (
	DeviceMasterDown DeviceState = iota
	DeviceListen
	DeviceWaitTD
	DeviceCyclicSending
	DeviceCyclicSent
	DeviceCyclicSuspend
)

func (s DeviceState) String() string {
	switch s {
	case DeviceMasterDown:
		return "MASTER_DOWN"
	case DeviceListen:
		return "LISTEN"
	case DeviceWaitTD:
		return "WAIT_TD"
	case DeviceCyclicSending:
		return "CYCLIC_SENDING"
	case DeviceCyclicSent:
		return "CYCLIC_SENT"
	case DeviceCyclicSuspend:
		return "CYCLIC_SUSPEND"
	default:
		return "UNKNOWN"
	}
}

// DeviceResult reports the side effects the engine must apply after a
// device event: which application callbacks to fire. All fields default
// to false (no-op) and at most one of FireConnect/FireDisconnect is ever
// true for a single event.
type DeviceResult struct {
	FireConnect    bool
	FireDisconnect bool
	FireError      bool
}

// DeviceFSM is the per-device connection state machine. The zero value
// starts in DeviceMasterDown, matching a freshly constructed device
// before Startup is called.
type DeviceFSM struct {
	State        DeviceState
	TimeoutCount uint16

	// connected tracks whether a connect_ind has been fired without a
	// matching disconnect_ind yet; it drives the 0->1 / 1->0 edge
	// detection for connect/disconnect callbacks.
	connected bool

	// duplicationErrorFired debounces the SlaveDuplication error
	// callback: at most one invocation until the device returns to
	// CYCLIC_SENDING/CYCLIC_SENT via a fresh sequence number.
	duplicationErrorFired bool

	// lastAcceptedSeq is the frame_sequence_no of the last response
	// this device's FSM accepted via ReceiveOK, used by the engine to
	// detect a repeated sequence number (slave duplication).
	lastAcceptedSeq   uint16
	hasAcceptedAnySeq bool
}

// Startup handles the GROUP_STARTUP event from DeviceMasterDown. A
// reserved slave device starts in CYCLIC_SUSPEND instead of LISTEN; its
// stations still count toward the group total.
func (d *DeviceFSM) Startup(reserved bool) DeviceResult {
	if d.State != DeviceMasterDown {
		return DeviceResult{}
	}
	d.TimeoutCount = 0
	d.connected = false
	d.duplicationErrorFired = false
	d.hasAcceptedAnySeq = false
	if reserved {
		d.State = DeviceCyclicSuspend
	} else {
		d.State = DeviceListen
	}
	return DeviceResult{}
}

// ScanStartDeviceStart handles the SCAN_START_DEVICE_START event, fired
// by the group FSM when a fresh link-scan starts and this device should
// participate.
func (d *DeviceFSM) ScanStartDeviceStart() DeviceResult {
	switch d.State {
	case DeviceListen:
		res := d.maybeFireDisconnect()
		d.State = DeviceWaitTD
		return res
	case DeviceCyclicSent:
		res := d.fireConnectIfEdge()
		d.State = DeviceCyclicSending
		return res
	default:
		return DeviceResult{}
	}
}

// ScanStartDeviceStop handles the SCAN_START_DEVICE_STOP event, fired
// when this device is excluded from the upcoming link-scan (disabled).
func (d *DeviceFSM) ScanStartDeviceStop() DeviceResult {
	switch d.State {
	case DeviceListen:
		res := d.maybeFireDisconnect()
		d.State = DeviceCyclicSuspend
		return res
	case DeviceCyclicSent:
		d.State = DeviceCyclicSuspend
		return DeviceResult{}
	default:
		return DeviceResult{}
	}
}

// ReceiveOK handles the RECEIVE_OK event: a well-formed, successful
// response was parsed for this device, carrying frame sequence number
// seq. The caller (engine) is responsible for recognising a repeated seq
// as SLAVE_DUPLICATION instead of calling ReceiveOK.
func (d *DeviceFSM) ReceiveOK(seq uint16) DeviceResult {
	switch d.State {
	case DeviceWaitTD, DeviceCyclicSending:
		res := d.fireConnectIfEdge()
		d.State = DeviceCyclicSent
		d.lastAcceptedSeq = seq
		d.hasAcceptedAnySeq = true
		d.duplicationErrorFired = false
		return res
	default:
		return DeviceResult{}
	}
}

// ReceiveError handles the RECEIVE_ERROR event: a response was received
// but its end_code indicated failure.
func (d *DeviceFSM) ReceiveError() DeviceResult {
	switch d.State {
	case DeviceWaitTD:
		d.State = DeviceListen
		return DeviceResult{}
	case DeviceCyclicSending:
		res := DeviceResult{FireDisconnect: d.connected}
		d.connected = false
		d.State = DeviceListen
		return res
	default:
		return DeviceResult{}
	}
}

// GroupTimeout handles the GROUP_TIMEOUT event. parallelOffTimeoutCount
// is the group's configured disconnect threshold; it is only consulted
// from DeviceCyclicSending.
func (d *DeviceFSM) GroupTimeout(parallelOffTimeoutCount uint16) DeviceResult {
	switch d.State {
	case DeviceWaitTD:
		d.State = DeviceListen
		d.TimeoutCount = 0
		return DeviceResult{}
	case DeviceCyclicSending:
		d.TimeoutCount++
		if d.TimeoutCount >= parallelOffTimeoutCount {
			res := DeviceResult{FireDisconnect: d.connected}
			d.connected = false
			d.State = DeviceListen
			d.TimeoutCount = 0
			return res
		}
		d.State = DeviceCyclicSent
		return DeviceResult{}
	case DeviceCyclicSuspend:
		d.State = DeviceListen
		return DeviceResult{}
	default:
		return DeviceResult{}
	}
}

// GroupStandby handles the GROUP_STANDBY event, fired on every device in
// a group whose group FSM leaves MASTER_LINK_SCAN back to MASTER_LISTEN.
func (d *DeviceFSM) GroupStandby() DeviceResult {
	switch d.State {
	case DeviceWaitTD, DeviceCyclicSending, DeviceCyclicSent, DeviceCyclicSuspend:
		d.State = DeviceListen
		return DeviceResult{}
	default:
		return DeviceResult{}
	}
}

// GroupAllResponded handles the GROUP_ALL_RESPONDED event.
func (d *DeviceFSM) GroupAllResponded() DeviceResult {
	switch d.State {
	case DeviceWaitTD, DeviceCyclicSuspend:
		d.State = DeviceListen
		return DeviceResult{}
	default:
		return DeviceResult{}
	}
}

// SlaveDuplication handles the SLAVE_DUPLICATION event: the engine
// detected a response carrying the same frame_sequence_no as the last
// one already accepted from this device.
func (d *DeviceFSM) SlaveDuplication() DeviceResult {
	switch d.State {
	case DeviceWaitTD:
		res := d.errorOnce()
		d.State = DeviceListen
		return res
	case DeviceCyclicSending, DeviceCyclicSent:
		res := d.errorOnce()
		if d.connected {
			res.FireDisconnect = true
			d.connected = false
		}
		d.State = DeviceListen
		return res
	case DeviceCyclicSuspend:
		d.State = DeviceListen
		return DeviceResult{}
	default:
		return DeviceResult{}
	}
}

// TimeoutCounterNotFull and TimeoutCounterFull handle the
// TIMEOUTCOUNTER_NOT_FULL / TIMEOUTCOUNTER_FULL events from
// DeviceCyclicSending (distinct from the parallel_off_timeout_count-driven
// GROUP_TIMEOUT path).
func (d *DeviceFSM) TimeoutCounterNotFull() DeviceResult {
	if d.State != DeviceCyclicSending {
		return DeviceResult{}
	}
	d.State = DeviceCyclicSent
	return DeviceResult{}
}

func (d *DeviceFSM) TimeoutCounterFull() DeviceResult {
	if d.State != DeviceCyclicSending {
		return DeviceResult{}
	}
	res := DeviceResult{FireDisconnect: d.connected}
	d.connected = false
	d.State = DeviceListen
	return res
}

// LastAcceptedSeq and HasAcceptedAnySeq let the engine detect
// SLAVE_DUPLICATION before dispatching an event: compare a newly-received
// frame_sequence_no against LastAcceptedSeq when HasAcceptedAnySeq is
// true.
func (d *DeviceFSM) LastAcceptedSeq() (seq uint16, ok bool) {
	return d.lastAcceptedSeq, d.hasAcceptedAnySeq
}

// Connected reports whether this device currently counts as connected
// (a connect_ind has fired with no matching disconnect_ind since).
func (d *DeviceFSM) Connected() bool {
	return d.connected
}

func (d *DeviceFSM) maybeFireDisconnect() DeviceResult {
	if !d.connected {
		return DeviceResult{}
	}
	d.connected = false
	return DeviceResult{FireDisconnect: true}
}

func (d *DeviceFSM) fireConnectIfEdge() DeviceResult {
	if d.connected {
		return DeviceResult{}
	}
	d.connected = true
	return DeviceResult{FireConnect: true}
}

func (d *DeviceFSM) errorOnce() DeviceResult {
	if d.duplicationErrorFired {
		return DeviceResult{}
	}
	d.duplicationErrorFired = true
	return DeviceResult{FireError: true}
}
