// Package engine implements the master-side CCIEFB engine: request
// composition and transmission, response validation, per-group
// frame-sequence numbers, timeouts, and the transmission bitmap, driving
// the fsm package's Device and Group state machines.
package engine

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/rtlabs-com/cciefb-master/fsm"
)

var logger = log.WithField("service", "engine")

// ErrorKind enumerates the error conditions delivered through
// Hooks.OnError.
type ErrorKind uint8

const (
	ErrorArbitrationFailed ErrorKind = iota
	ErrorSlaveDuplication
	ErrorSlaveReportsWrongNumberOccupied
	ErrorSlaveReportsMasterDuplication
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorArbitrationFailed:
		return "ArbitrationFailed"
	case ErrorSlaveDuplication:
		return "SlaveDuplication"
	case ErrorSlaveReportsWrongNumberOccupied:
		return "SlaveReportsWrongNumberOccupied"
	case ErrorSlaveReportsMasterDuplication:
		return "SlaveReportsMasterDuplication"
	default:
		return "Unknown"
	}
}

// LatestFrame is the last parsed response header snapshot for a device.
type LatestFrame struct {
	ProtocolVersion     uint16
	EndCode             uint16
	VendorCode          uint32
	ModelCode           uint32
	EquipmentVersion    uint16
	SlaveLocalUnitInfo  uint16
	SlaveErrCode        uint16
	LocalManagementInfo uint32
	SlaveID             net.IP
	GroupNo             uint8
	NumOccupiedStations uint16
	FrameSequenceNo     uint16
	ResponseTimeUs      uint32
	HasBeenReceived     bool
}

// Hooks is the application callback receiver for the CCIEFB engine.
// Embed NoopHooks to get no-op defaults and override only what you need.
// Callbacks fire synchronously from Periodic; they must not call back
// into the engine other than through idempotent getters.
type Hooks interface {
	OnStateChange(state fsm.MasterState)
	OnConnect(groupIndex, deviceIndex int, slaveID net.IP)
	OnDisconnect(groupIndex, deviceIndex int, slaveID net.IP)
	OnLinkscanComplete(groupIndex int, success bool)
	OnAlarm(groupIndex, deviceIndex int, endCode, slaveErrCode uint16, localManagementInfo uint32)
	OnChangedSlaveInfo(groupIndex, deviceIndex int, endCode, slaveErrCode uint16, localManagementInfo uint32)
	OnError(kind ErrorKind, ipAddr net.IP, argument2 uint32)
}

// NoopHooks implements Hooks with every method a no-op. Embed it in an
// application's hooks type to override only the callbacks it cares
// about.
type NoopHooks struct{}

func (NoopHooks) OnStateChange(fsm.MasterState)                       {}
func (NoopHooks) OnConnect(int, int, net.IP)                          {}
func (NoopHooks) OnDisconnect(int, int, net.IP)                       {}
func (NoopHooks) OnLinkscanComplete(int, bool)                        {}
func (NoopHooks) OnAlarm(int, int, uint16, uint16, uint32)            {}
func (NoopHooks) OnChangedSlaveInfo(int, int, uint16, uint16, uint32) {}
func (NoopHooks) OnError(ErrorKind, net.IP, uint32)                   {}

// DeviceSnapshot is a copied-out, point-in-time view of one device's
// connection details. No live pointers into engine state escape through
// it.
type DeviceSnapshot struct {
	SlaveID              net.IP
	Enabled              bool
	DeviceState          fsm.DeviceState
	TimeoutCount         uint16
	TransmissionBit      bool
	ForceTransmissionBit bool
	Statistics           StatisticsSnapshot
	LatestFrame          LatestFrame
}

// StatisticsSnapshot is a copied-out view of stats.Statistics.
type StatisticsSnapshot struct {
	NumberOfSentFrames            uint32
	NumberOfIncomingFrames        uint32
	NumberOfIncomingInvalidFrames uint32
	NumberOfIncomingAlarmFrames   uint32
	NumberOfConnects              uint32
	NumberOfDisconnects           uint32
	NumberOfTimeouts              uint32
	Min                           uint32
	Max                           uint32
	Sum                           uint32
	NumberOfSamples               uint32
	Average                       uint32
}

// GroupSnapshot is a copied-out view of one group's link-scan status.
type GroupSnapshot struct {
	State                   fsm.GroupState
	FrameSequenceNo         uint16
	CyclicTransmissionState uint16
	TotalOccupied           int
}
