package slmp

import (
	"errors"
	"net"

	"github.com/rtlabs-com/cciefb-master/timer"
	"github.com/rtlabs-com/cciefb-master/transport"
	"github.com/rtlabs-com/cciefb-master/wire"
)

// ErrBusy is returned by NodeSearch/SetSlaveIP when a request of that
// kind is already in flight. At most one node-search and one set-IP can
// be pending per master at any time.
var ErrBusy = errors.New("slmp: request already in flight")

// Engine drives SLMP node-search and set-IP requests: it owns the
// serial allocator, the bounded NodeSearchDB, and the two one-shot
// result timers. It never touches CCIEFB engine state.
type Engine struct {
	hooks Hooks

	// sock is the SLMP port, bound to 0.0.0.0.
	sock *transport.Socket
	// reqSock, when non-nil, is the separate ephemeral socket requests
	// are sent from when use_separate_arbitration_socket is configured;
	// nil means "send from sock".
	reqSock *transport.Socket

	broadcastAddr *net.UDPAddr

	masterMAC      [6]byte
	masterIPUint32 uint32

	lastSerial uint16

	nodeSearchSerial     uint16 // 0 is the "none" sentinel
	nodeSearchTimer      timer.Timer
	nodeSearchCallbackUs uint32
	db                   *NodeSearchDB

	setIPSerial      uint16 // 0 is the "none" sentinel
	setIPTimer       timer.Timer
	setIPCallbackUs  uint32
	setIPGotResponse bool
	setIPOutcome     SetIPStatus

	recvBuf []byte
}

// New builds an Engine. sock is the SLMP port; reqSock, when non-nil, is
// a separate ephemeral socket to send requests from
// (use_separate_arbitration_socket). broadcastAddr is the SLMP
// broadcast address computed by iface.SLMPBroadcast. nodeSearchDBCap is
// the NodeSearchDB capacity.
func New(hooks Hooks, sock, reqSock *transport.Socket, broadcastAddr *net.UDPAddr, masterMAC [6]byte, masterIP net.IP, callbackTimeNodeSearchMs, callbackTimeSetIPMs uint32, nodeSearchDBCap int) *Engine {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Engine{
		hooks:                hooks,
		sock:                 sock,
		reqSock:              reqSock,
		broadcastAddr:        broadcastAddr,
		masterMAC:            masterMAC,
		masterIPUint32:       ip4ToUint32(masterIP),
		nodeSearchCallbackUs: callbackTimeNodeSearchMs * 1000,
		setIPCallbackUs:      callbackTimeSetIPMs * 1000,
		db:                   NewNodeSearchDB(nodeSearchDBCap),
		recvBuf:              make([]byte, 256),
	}
}

func ip4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func (e *Engine) sendSock() *transport.Socket {
	if e.reqSock != nil {
		return e.reqSock
	}
	return e.sock
}

func (e *Engine) allocSerial() uint16 {
	e.lastSerial = wire.NextFrameSequenceNo(e.lastSerial)
	return e.lastSerial
}

// NodeSearch issues one broadcast node-search request and arms the
// result callback timer. It fails with ErrBusy if a node search is
// already in flight.
func (e *Engine) NodeSearch(now uint32) error {
	if e.nodeSearchSerial != 0 {
		return ErrBusy
	}
	serial := e.allocSerial()
	e.db.reset()

	buf := make([]byte, wire.NodeSearchRequestSize)
	n, err := wire.EncodeNodeSearchRequest(buf, &wire.NodeSearchRequest{
		Serial:    serial,
		MasterMAC: e.masterMAC,
		MasterIP:  e.masterIPUint32,
	})
	if err != nil {
		return err
	}
	if _, err := e.sendSock().SendTo(buf[:n], e.broadcastAddr); err != nil {
		logger.WithError(err).Warn("node search request send failed")
		return err
	}
	e.nodeSearchSerial = serial
	e.nodeSearchTimer.Arm(now, e.nodeSearchCallbackUs)
	logger.WithField("serial", serial).Debug("node search started")
	return nil
}

// SetSlaveIP asks the slave identified by mac to adopt newIP/newNetmask.
// The request goes to the broadcast address since the slave's current IP
// may be unknown or wrong. It fails with ErrBusy if a set-IP request is
// already in flight.
func (e *Engine) SetSlaveIP(mac [6]byte, newIP net.IP, newNetmask net.IPMask, now uint32) error {
	if e.setIPSerial != 0 {
		return ErrBusy
	}
	serial := e.allocSerial()

	buf := make([]byte, wire.SetIPRequestSize)
	n, err := wire.EncodeSetIPRequest(buf, &wire.SetIPRequest{
		Serial:     serial,
		MasterMAC:  e.masterMAC,
		MasterIP:   e.masterIPUint32,
		SlaveMAC:   mac,
		NewIP:      ip4ToUint32(newIP),
		NewNetmask: ipMaskToUint32(newNetmask),
	})
	if err != nil {
		return err
	}
	if _, err := e.sendSock().SendTo(buf[:n], e.broadcastAddr); err != nil {
		logger.WithError(err).Warn("set-ip request send failed")
		return err
	}
	e.setIPSerial = serial
	e.setIPGotResponse = false
	e.setIPTimer.Arm(now, e.setIPCallbackUs)
	logger.WithField("serial", serial).Debug("set-ip started")
	return nil
}

func ipMaskToUint32(m net.IPMask) uint32 {
	if len(m) == 16 {
		m = m[12:]
	}
	return uint32(m[0])<<24 | uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
}

// Periodic drains the SLMP socket(s), dispatches responses to the
// in-flight request they match, and fires result callbacks once their
// timers expire.
func (e *Engine) Periodic(now uint32) error {
	if err := e.sock.Drain(e.recvBuf, func(data []byte, from *net.UDPAddr) {
		e.handleDatagram(data)
	}); err != nil {
		return err
	}
	if e.reqSock != nil {
		if err := e.reqSock.Drain(e.recvBuf, func(data []byte, from *net.UDPAddr) {
			e.handleDatagram(data)
		}); err != nil {
			return err
		}
	}

	if e.nodeSearchSerial != 0 && e.nodeSearchTimer.Expired(now) {
		e.nodeSearchTimer.Disarm()
		e.hooks.OnNodeSearchResult(e.db)
		e.nodeSearchSerial = 0
	}
	if e.setIPSerial != 0 && e.setIPTimer.Expired(now) {
		e.setIPTimer.Disarm()
		outcome := e.setIPOutcome
		if !e.setIPGotResponse {
			outcome = SetIPTimeout
		}
		e.hooks.OnSetIPResult(outcome)
		e.setIPSerial = 0
	}
	return nil
}

// NodeSearchResult returns the engine's NodeSearchDB. During a running
// discovery window it reflects responses seen so far; once the window
// completes it holds the final result until the next NodeSearch call
// resets it, letting an application poll instead of only relying on
// OnNodeSearchResult.
func (e *Engine) NodeSearchResult() *NodeSearchDB {
	return e.db
}

// handleDatagram dispatches a received SLMP frame. Responses carry no
// command field, so the frame size is the discriminator.
func (e *Engine) handleDatagram(data []byte) {
	isReq, isResp := wire.PeekSLMPMagic(data)
	if isReq || !isResp {
		return
	}
	switch len(data) {
	case wire.NodeSearchResponseSize:
		e.handleNodeSearchResponse(data)
	case wire.SetIPResponseSize:
		e.handleSetIPResponse(data)
	case wire.ErrorResponseSize:
		e.handleErrorResponse(data)
	}
}

func (e *Engine) handleNodeSearchResponse(data []byte) {
	if e.nodeSearchSerial == 0 {
		return
	}
	resp, err := wire.DecodeNodeSearchResponse(data)
	if err != nil {
		return
	}
	if resp.Serial != e.nodeSearchSerial {
		return
	}
	e.db.add(NodeSearchEntry{
		SlaveMAC:     resp.SlaveMAC,
		SlaveID:      uint32ToIP4(resp.SlaveIP),
		SlaveNetmask: uint32ToIPMask(resp.SlaveNetmask),
		VendorCode:   resp.VendorCode,
		ModelCode:    resp.ModelCode,
		EquipmentVer: resp.EquipmentVer,
		SlaveStatus:  resp.SlaveStatus,
	})
}

func (e *Engine) handleSetIPResponse(data []byte) {
	if e.setIPSerial == 0 {
		return
	}
	resp, err := wire.DecodeSetIPResponse(data)
	if err != nil {
		return
	}
	if resp.Serial != e.setIPSerial {
		return
	}
	e.setIPGotResponse = true
	if resp.EndCode == wire.SLMPEndCodeSuccess {
		e.setIPOutcome = SetIPSuccess
	} else {
		e.setIPOutcome = SetIPErrorResponse
	}
}

// handleErrorResponse applies an echoed-command error response to
// whichever in-flight request its serial matches (set-IP is the only
// one with a failure outcome to record).
func (e *Engine) handleErrorResponse(data []byte) {
	resp, err := wire.DecodeErrorResponse(data)
	if err != nil {
		return
	}
	if e.setIPSerial != 0 && resp.Serial == e.setIPSerial {
		e.setIPGotResponse = true
		e.setIPOutcome = SetIPErrorResponse
	}
}

func uint32ToIP4(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func uint32ToIPMask(n uint32) net.IPMask {
	return net.IPv4Mask(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
