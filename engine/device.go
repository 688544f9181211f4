package engine

import (
	"net"

	"github.com/rtlabs-com/cciefb-master/config"
	"github.com/rtlabs-com/cciefb-master/fsm"
	"github.com/rtlabs-com/cciefb-master/stats"
)

// deviceRuntime is the live state the engine keeps for one configured
// device: its connection FSM, statistics, transmission bit, and the
// latest parsed response header.
type deviceRuntime struct {
	cfg          config.DeviceSetting
	index        int
	firstStation int // 0-based offset into the owning group's process image

	enabled              bool
	forceTransmissionBit bool
	transmissionBit      bool

	fsm    fsm.DeviceFSM
	stats  stats.Statistics
	latest LatestFrame
}

func newDeviceRuntime(cfg config.DeviceSetting, index, firstStation int, maxSamples uint32) *deviceRuntime {
	return &deviceRuntime{
		cfg:          cfg,
		index:        index,
		firstStation: firstStation,
		enabled:      true,
		stats:        stats.New(maxSamples),
	}
}

func (d *deviceRuntime) numOccupied() uint16 {
	return uint16(d.cfg.NumOccupiedStations)
}

func (d *deviceRuntime) slaveIDUint32() uint32 {
	return ip4ToUint32(d.cfg.SlaveID)
}

func (d *deviceRuntime) snapshot() DeviceSnapshot {
	return DeviceSnapshot{
		SlaveID:              d.cfg.SlaveID,
		Enabled:              d.enabled,
		DeviceState:          d.fsm.State,
		TimeoutCount:         d.fsm.TimeoutCount,
		TransmissionBit:      d.transmissionBit,
		ForceTransmissionBit: d.forceTransmissionBit,
		Statistics:           snapshotStats(&d.stats),
		LatestFrame:          d.latest,
	}
}

func snapshotStats(s *stats.Statistics) StatisticsSnapshot {
	return StatisticsSnapshot{
		NumberOfSentFrames:            s.NumberOfSentFrames,
		NumberOfIncomingFrames:        s.NumberOfIncomingFrames,
		NumberOfIncomingInvalidFrames: s.NumberOfIncomingInvalidFrames,
		NumberOfIncomingAlarmFrames:   s.NumberOfIncomingAlarmFrames,
		NumberOfConnects:              s.NumberOfConnects,
		NumberOfDisconnects:           s.NumberOfDisconnects,
		NumberOfTimeouts:              s.NumberOfTimeouts,
		Min:                           s.Min,
		Max:                           s.Max,
		Sum:                           s.Sum,
		NumberOfSamples:               s.NumberOfSamples,
		Average:                       s.Average(),
	}
}

func ip4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP4(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
