package engine

import (
	"github.com/rtlabs-com/cciefb-master/config"
	"github.com/rtlabs-com/cciefb-master/fsm"
	"github.com/rtlabs-com/cciefb-master/image"
	"github.com/rtlabs-com/cciefb-master/timer"
	"github.com/rtlabs-com/cciefb-master/wire"
)

// groupRuntime is the live state the engine keeps for one configured
// group: its link-scan FSM, its devices, its process image, and the
// timers driving arbitration/link-scan/constant-scan-time behaviour.
type groupRuntime struct {
	groupNo uint8 // 1-based
	cfg     config.GroupSetting
	devices []*deviceRuntime

	// stationOwner maps a 0-based station index within this group to the
	// owning device's index in devices.
	stationOwner  []int
	totalOccupied int

	image *image.ProcessImage
	fsm   fsm.GroupFSM

	// masterStateOpinion is this group's most recent contribution to the
	// master-wide MasterState aggregate (see Engine.recomputeMasterState).
	masterStateOpinion fsm.MasterState

	frameSeq     uint16
	cyclicBitmap uint16

	// linkScanStartTime and lastSendTime are both stamped when a request
	// goes out; one request per link-scan makes them coincide, but they
	// serve different readers (constant-scan-time remaining calculation
	// vs. per-response time sampling).
	linkScanStartTime uint32
	lastSendTime      uint32

	groupTimeout     timer.Timer
	arbitrationTimer timer.Timer
	remainingTimer   timer.Timer

	// reqBuf and the req* slices are sized once at init and reused for
	// every emit.
	reqBuf      []byte
	reqSlaveIDs []uint32
	reqRWw      []uint16
	reqRY       []byte
}

func newGroupRuntime(groupNo uint8, cfg config.GroupSetting, maxSamples uint32) *groupRuntime {
	g := &groupRuntime{
		groupNo: groupNo,
		cfg:     cfg,
	}
	station := 0
	for i := range cfg.Devices {
		dr := newDeviceRuntime(cfg.Devices[i], i, station, maxSamples)
		g.devices = append(g.devices, dr)
		for s := 0; s < int(cfg.Devices[i].NumOccupiedStations); s++ {
			g.stationOwner = append(g.stationOwner, i)
		}
		station += int(cfg.Devices[i].NumOccupiedStations)
	}
	g.totalOccupied = station
	g.image = image.New(g.totalOccupied)
	g.reqBuf = make([]byte, wire.RequestSize(uint16(station)))
	g.reqSlaveIDs = make([]uint32, station)
	g.reqRWw = make([]uint16, station*32)
	g.reqRY = make([]byte, station*8)
	return g
}

// allResponded reports whether every device not currently CYCLIC_SUSPEND
// has left the scan's pending state. seqIsZero selects the probe-scan
// variant (devices need only have left WAIT_TD) versus the steady-state
// variant (participating devices must be in CYCLIC_SENT).
func (g *groupRuntime) allResponded(seqIsZero bool) bool {
	anyActive := false
	for _, d := range g.devices {
		if d.fsm.State != fsm.DeviceCyclicSuspend {
			anyActive = true
		}
		if seqIsZero {
			if d.fsm.State == fsm.DeviceWaitTD {
				return false
			}
			continue
		}
		if d.fsm.State == fsm.DeviceCyclicSuspend {
			continue
		}
		if d.fsm.State != fsm.DeviceCyclicSent || !d.transmissionBit {
			return false
		}
	}
	// A group with every device suspended completes on the timeout
	// cadence instead of instantly.
	return anyActive
}

// applyParticipation recomputes each device's transmission bit and the
// group's cyclic_transmission_state bitmap ahead of an emit, and fires
// the matching SCAN_START_DEVICE_START/STOP device event so each FSM
// tracks whether it is expected to answer this link-scan.
//
// The sequence-0 probe scans every enabled device but leaves the bitmap
// zero. From sequence 1 on, a device's bit is set per occupied station
// when (enabled AND has-ever-been-seen) OR force_transmission_bit; an
// enabled device that has never answered keeps being scanned with its
// bit clear so it can join once it appears.
func (g *groupRuntime) applyParticipation(isProbe bool, onResult func(di int, res fsm.DeviceResult)) {
	g.cyclicBitmap = 0
	for i, d := range g.devices {
		scanned := d.enabled || d.forceTransmissionBit
		_, everReceived := d.fsm.LastAcceptedSeq()
		bit := !isProbe && ((d.enabled && everReceived) || d.forceTransmissionBit)
		d.transmissionBit = bit
		if bit {
			for s := d.firstStation; s < d.firstStation+int(d.cfg.NumOccupiedStations) && s < 16; s++ {
				g.cyclicBitmap |= 1 << uint(s)
			}
		}
		var res fsm.DeviceResult
		if scanned {
			res = d.fsm.ScanStartDeviceStart()
		} else {
			res = d.fsm.ScanStartDeviceStop()
		}
		if onResult != nil {
			onResult(i, res)
		}
	}
}

// standbyAllDevices drives every device's FSM back to LISTEN, used
// whenever the group leaves MASTER_LINK_SCAN back to MASTER_LISTEN.
func (g *groupRuntime) standbyAllDevices() {
	for _, d := range g.devices {
		d.fsm.GroupStandby()
	}
}
