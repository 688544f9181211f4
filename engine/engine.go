package engine

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rtlabs-com/cciefb-master/config"
	"github.com/rtlabs-com/cciefb-master/fsm"
	"github.com/rtlabs-com/cciefb-master/image"
	"github.com/rtlabs-com/cciefb-master/timer"
	"github.com/rtlabs-com/cciefb-master/transport"
	"github.com/rtlabs-com/cciefb-master/wire"
)

// deviceLocation identifies a device by its group and device index.
type deviceLocation struct {
	groupIdx, deviceIdx int
}

// Engine drives the CCIEFB per-group link-scan state machines: request
// composition and transmission, response validation, timeouts, and the
// transmission bitmap. One Engine instance owns every configured group.
type Engine struct {
	hooks Hooks
	sock  *transport.Socket
	// arbSock, when non-nil, is a second socket bound so the broadcast
	// address itself is visible, used only to observe another master's
	// requests during arbitration.
	arbSock *transport.Socket

	broadcastAddr *net.UDPAddr

	masterIP       net.IP
	masterIPUint32 uint32

	protocolVersion          uint16
	applicationRunning       bool
	applicationStoppedByUser bool

	parameterNo uint16

	arbitrationTimeUs uint32
	maxSamples        uint32

	masterState fsm.MasterState

	groups   []*groupRuntime
	deviceAt map[uint32]deviceLocation

	recvBuf []byte
}

// New builds an Engine for cfg, wires it to sock (and, when non-nil,
// arbSock) for I/O, and seeds every group/device FSM in MASTER_DOWN
// before immediately emitting STARTUP. parameterNo is the counter value
// the caller has already loaded from (and advanced in) the persisted
// parameter file.
func New(cfg *config.Config, hooks Hooks, sock, arbSock *transport.Socket, broadcastAddr *net.UDPAddr, parameterNo uint16) *Engine {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	e := &Engine{
		hooks:             hooks,
		sock:              sock,
		arbSock:           arbSock,
		broadcastAddr:     broadcastAddr,
		masterIP:          cfg.MasterIP,
		masterIPUint32:    ip4ToUint32(cfg.MasterIP),
		protocolVersion:   cfg.ProtocolVersion,
		parameterNo:       parameterNo,
		arbitrationTimeUs: cfg.ArbitrationTimeMs * 1000,
		maxSamples:        cfg.MaxStatisticsSamples,
		deviceAt:          make(map[uint32]deviceLocation),
		recvBuf:           make([]byte, 2048),
	}
	for gi := range cfg.Groups {
		g := newGroupRuntime(uint8(gi+1), cfg.Groups[gi], e.maxSamples)
		e.groups = append(e.groups, g)
		for di, d := range g.devices {
			e.deviceAt[d.slaveIDUint32()] = deviceLocation{groupIdx: gi, deviceIdx: di}
			d.fsm.Startup(d.cfg.ReservedSlaveDevice)
		}
		e.applyGroupResult(gi, g.fsm.Startup())
	}
	return e
}

// StartConfig emits NEW_CONFIG to every group, arming each group's
// arbitration timer. The master core calls this once, after the
// parameter_no bookkeeping of Init completes.
func (e *Engine) StartConfig(now uint32) {
	for gi, g := range e.groups {
		res := g.fsm.NewConfig()
		e.applyGroupResult(gi, res)
		if res.ArmArbitrationTimer {
			g.arbitrationTimer.Arm(now, e.arbitrationTimeUs)
		}
	}
}

// SetMasterApplicationStatus updates the running/stopped_by_user flags
// that feed master_local_unit_info on every subsequent outgoing request.
func (e *Engine) SetMasterApplicationStatus(running, stoppedByUser bool) {
	e.applicationRunning = running
	e.applicationStoppedByUser = stoppedByUser
}

// SetParameterNo updates the parameter number stamped into outgoing
// requests, owned and persisted by the master/paramfile layer.
func (e *Engine) SetParameterNo(n uint16) {
	e.parameterNo = n
}

// MasterState returns the current aggregate master-wide state.
func (e *Engine) MasterState() fsm.MasterState {
	return e.masterState
}

// GroupCount returns the number of configured groups.
func (e *Engine) GroupCount() int { return len(e.groups) }

// DeviceCount returns the number of configured devices in group gi.
func (e *Engine) DeviceCount(gi int) (int, bool) {
	if gi < 0 || gi >= len(e.groups) {
		return 0, false
	}
	return len(e.groups[gi].devices), true
}

// Image returns the process image backing group gi, or nil if gi is out
// of range.
func (e *Engine) Image(gi int) *image.ProcessImage {
	if gi < 0 || gi >= len(e.groups) {
		return nil
	}
	return e.groups[gi].image
}

// DeviceFirstStation returns the 0-based station offset of device di in
// group gi's process image.
func (e *Engine) DeviceFirstStation(gi, di int) (int, bool) {
	if gi < 0 || gi >= len(e.groups) {
		return 0, false
	}
	g := e.groups[gi]
	if di < 0 || di >= len(g.devices) {
		return 0, false
	}
	return g.devices[di].firstStation, true
}

// SetSlaveCommunicationStatus enables or disables cyclic communication
// with one device. Re-enabling takes effect at the next link-scan; the
// connect callback is deferred until the device actually answers again.
func (e *Engine) SetSlaveCommunicationStatus(gi, di int, enabled bool) bool {
	d := e.device(gi, di)
	if d == nil {
		return false
	}
	d.enabled = enabled
	return true
}

// ForceCyclicTransmissionBit overrides whether a device's transmission
// bit is forced on even before it has ever responded, independent of the
// enabled flag.
func (e *Engine) ForceCyclicTransmissionBit(gi, di int, force bool) bool {
	d := e.device(gi, di)
	if d == nil {
		return false
	}
	d.forceTransmissionBit = force
	return true
}

// ClearStatistics resets every counter and sampler for device (gi, di),
// or for every device when gi and di are both -1.
func (e *Engine) ClearStatistics(gi, di int) {
	if gi < 0 {
		for _, g := range e.groups {
			for _, d := range g.devices {
				d.stats.Reset()
			}
		}
		return
	}
	if d := e.device(gi, di); d != nil {
		d.stats.Reset()
	}
}

// DeviceSnapshot returns a copied-out view of device (gi, di)'s
// connection details.
func (e *Engine) DeviceSnapshot(gi, di int) (DeviceSnapshot, bool) {
	d := e.device(gi, di)
	if d == nil {
		return DeviceSnapshot{}, false
	}
	return d.snapshot(), true
}

// GroupSnapshot returns a copied-out view of group gi's link-scan
// status.
func (e *Engine) GroupSnapshot(gi int) (GroupSnapshot, bool) {
	if gi < 0 || gi >= len(e.groups) {
		return GroupSnapshot{}, false
	}
	g := e.groups[gi]
	return GroupSnapshot{
		State:                   g.fsm.State,
		FrameSequenceNo:         g.frameSeq,
		CyclicTransmissionState: g.cyclicBitmap,
		TotalOccupied:           g.totalOccupied,
	}, true
}

func (e *Engine) device(gi, di int) *deviceRuntime {
	if gi < 0 || gi >= len(e.groups) {
		return nil
	}
	g := e.groups[gi]
	if di < 0 || di >= len(g.devices) {
		return nil
	}
	return g.devices[di]
}

// Periodic drains pending datagrams, advances every group's timers and
// FSM, and emits requests as needed. now is the application-supplied
// wrap-aware monotonic microsecond clock.
func (e *Engine) Periodic(now uint32) error {
	if err := e.sock.Drain(e.recvBuf, func(data []byte, from *net.UDPAddr) {
		e.handleDatagram(now, data, from)
	}); err != nil {
		return err
	}
	if e.arbSock != nil {
		if err := e.arbSock.Drain(e.recvBuf, func(data []byte, from *net.UDPAddr) {
			e.handleDatagram(now, data, from)
		}); err != nil {
			return err
		}
	}
	for gi, g := range e.groups {
		e.tickGroup(gi, g, now)
	}
	return nil
}

func (e *Engine) tickGroup(gi int, g *groupRuntime, now uint32) {
	switch g.fsm.State {
	case fsm.GroupMasterArbitration:
		if g.arbitrationTimer.Expired(now) {
			g.arbitrationTimer.Disarm()
			res := g.fsm.ArbitrationDone()
			e.applyGroupResult(gi, res)
			if res.EmitProbe {
				g.frameSeq = 0
				g.applyParticipation(true, func(di int, res fsm.DeviceResult) { e.applyDeviceResult(gi, di, res) })
				e.sendRequest(g, now)
				if res.ArmTimeout {
					g.groupTimeout.Arm(now, uint32(g.cfg.TimeoutValueMs)*1000)
				}
			}
		}
	case fsm.GroupMasterLinkScan:
		e.tickLinkScan(gi, g, now)
	case fsm.GroupMasterLinkScanComp:
		if g.remainingTimer.Expired(now) {
			g.remainingTimer.Disarm()
			res := g.fsm.LinkscanStart()
			e.applyGroupResult(gi, res)
			if res.EmitNext {
				e.emitNext(gi, g, now, res.IncrementSeq)
				if res.ArmTimeout {
					g.groupTimeout.Arm(now, uint32(g.cfg.TimeoutValueMs)*1000)
				}
			}
		}
	}
}

func (e *Engine) tickLinkScan(gi int, g *groupRuntime, now uint32) {
	seqIsZero := g.frameSeq == 0
	if g.allResponded(seqIsZero) {
		for di, d := range g.devices {
			devRes := d.fsm.GroupAllResponded()
			e.applyDeviceResult(gi, di, devRes)
		}
		res := g.fsm.LinkscanComplete(g.cfg.UseConstantLinkScanTime)
		e.applyGroupResult(gi, res)
		if res.EmitNext {
			e.emitNext(gi, g, now, res.IncrementSeq)
			if res.ArmTimeout {
				g.groupTimeout.Arm(now, uint32(g.cfg.TimeoutValueMs)*1000)
			}
		}
		if res.ArmRemaining {
			timeoutUs := uint32(g.cfg.TimeoutValueMs) * 1000
			elapsed := timer.Elapsed(g.linkScanStartTime, now)
			remaining := uint32(0)
			if elapsed < timeoutUs {
				remaining = timeoutUs - elapsed
			}
			g.remainingTimer.Arm(now, remaining)
		}
		if res.LinkscanCB != nil {
			e.hooks.OnLinkscanComplete(gi, *res.LinkscanCB)
		}
		return
	}
	if g.groupTimeout.Expired(now) {
		g.groupTimeout.Disarm()
		for di, d := range g.devices {
			wasPending := d.fsm.State == fsm.DeviceWaitTD || d.fsm.State == fsm.DeviceCyclicSending
			devRes := d.fsm.GroupTimeout(g.cfg.ParallelOffTimeoutCount)
			if wasPending && !devRes.FireDisconnect {
				d.stats.NumberOfTimeouts++
			}
			e.applyDeviceResult(gi, di, devRes)
		}
		res := g.fsm.LinkscanTimeout()
		e.applyGroupResult(gi, res)
		if res.EmitNext {
			e.emitNext(gi, g, now, res.IncrementSeq)
			if res.ArmTimeout {
				g.groupTimeout.Arm(now, uint32(g.cfg.TimeoutValueMs)*1000)
			}
		}
		if res.LinkscanCB != nil {
			e.hooks.OnLinkscanComplete(gi, *res.LinkscanCB)
		}
	}
}

func (e *Engine) emitNext(gi int, g *groupRuntime, now uint32, incrementSeq bool) {
	if incrementSeq {
		g.frameSeq = wire.NextFrameSequenceNo(g.frameSeq)
	}
	g.applyParticipation(false, func(di int, res fsm.DeviceResult) { e.applyDeviceResult(gi, di, res) })
	e.sendRequest(g, now)
}

// sendRequest builds and sends one cyclic request for g: rebuild the
// slave-ID table, stamp clock_info, copy RWw/RY out of the process image,
// and bump the sent-frame counter for every device the request addresses.
// The bitmap itself was already computed by applyParticipation.
func (e *Engine) sendRequest(g *groupRuntime, now uint32) {
	n := g.totalOccupied
	for station := 0; station < n; station++ {
		di := g.stationOwner[station]
		d := g.devices[di]
		switch {
		case station != d.firstStation:
			// Continuation station of a multi-station device.
			g.reqSlaveIDs[station] = 0xFFFFFFFF
		case d.enabled:
			g.reqSlaveIDs[station] = d.slaveIDUint32()
		default:
			g.reqSlaveIDs[station] = 0
		}
		for w := 0; w < 32; w++ {
			v, _ := g.image.GetRWw(station, w)
			g.reqRWw[station*32+w] = v
		}
	}
	copy(g.reqRY, g.image.RY)

	req := &wire.CyclicRequest{
		MasterProtocolVersion:   e.protocolVersion,
		MasterLocalUnitInfo:     wire.MasterLocalUnitInfo(e.protocolVersion, e.applicationRunning, e.applicationStoppedByUser),
		ClockInfo:               uint64(time.Now().UnixMilli()),
		MasterIP:                e.masterIPUint32,
		GroupNo:                 g.groupNo,
		FrameSequenceNo:         g.frameSeq,
		TimeoutValueMs:          g.cfg.TimeoutValueMs,
		ParallelOffTimeout:      g.cfg.ParallelOffTimeoutCount,
		ParameterNo:             e.parameterNo,
		TotalOccupied:           uint16(n),
		CyclicTransmissionState: g.cyclicBitmap,
		SlaveIDs:                g.reqSlaveIDs,
		RWw:                     g.reqRWw,
		RY:                      g.reqRY,
	}

	size := wire.RequestSize(uint16(n))
	if _, err := wire.EncodeCyclicRequest(g.reqBuf, req); err != nil {
		return
	}
	// A failed send is just a dropped frame; the next timeout/retry
	// cycle catches up.
	_, _ = e.sock.SendTo(g.reqBuf[:size], e.broadcastAddr)

	g.linkScanStartTime = now
	g.lastSendTime = now
	for _, d := range g.devices {
		if d.enabled || d.forceTransmissionBit {
			d.stats.NumberOfSentFrames++
		}
	}
}

func (e *Engine) handleDatagram(now uint32, data []byte, from *net.UDPAddr) {
	isReq, isResp := wire.PeekReservedMagic(data)
	switch {
	case isReq:
		e.handleRequest(data)
	case isResp:
		e.handleResponse(now, data)
	}
}

func (e *Engine) handleRequest(data []byte) {
	req, err := wire.DecodeCyclicRequest(data)
	if err != nil {
		return
	}
	if req.MasterIP == e.masterIPUint32 {
		return
	}
	if req.GroupNo < 1 || int(req.GroupNo) > len(e.groups) {
		return
	}
	gi := int(req.GroupNo) - 1
	g := e.groups[gi]
	if g.fsm.State != fsm.GroupMasterArbitration {
		return
	}
	res := g.fsm.ReqFromOther()
	e.applyGroupResult(gi, res)
	if res.ArbitrationFailed {
		logger.WithFields(log.Fields{"group": gi, "other_master": uint32ToIP4(req.MasterIP)}).Warn("arbitration failed: another master is active")
		e.hooks.OnError(ErrorArbitrationFailed, uint32ToIP4(req.MasterIP), 0)
	}
}

func (e *Engine) handleResponse(now uint32, data []byte) {
	hdr, err := wire.PeekCyclicResponseHeader(data)
	if err != nil {
		return
	}
	loc, ok := e.deviceAt[hdr.SlaveID]
	if !ok {
		return
	}
	g := e.groups[loc.groupIdx]
	d := g.devices[loc.deviceIdx]
	if hdr.GroupNo != g.groupNo {
		return
	}
	resp, err := wire.DecodeCyclicResponse(data, d.numOccupied())
	if err != nil {
		d.stats.NumberOfIncomingInvalidFrames++
		return
	}

	// Duplication is checked before acceptance: a repeat of the last
	// accepted sequence number is a duplication even while it still
	// matches the group's live sequence.
	if last, hasLast := d.fsm.LastAcceptedSeq(); hasLast && resp.FrameSequenceNo == last {
		devRes := d.fsm.SlaveDuplication()
		e.applyDeviceResult(loc.groupIdx, loc.deviceIdx, devRes)
		if devRes.FireError {
			e.hooks.OnError(ErrorSlaveDuplication, d.cfg.SlaveID, uint32(resp.FrameSequenceNo))
		}
		return
	}
	if resp.FrameSequenceNo == g.frameSeq {
		e.acceptResponse(loc.groupIdx, loc.deviceIdx, now, resp)
		return
	}
	d.stats.NumberOfIncomingInvalidFrames++
}

func (e *Engine) acceptResponse(gi, di int, now uint32, resp *wire.CyclicResponse) {
	g := e.groups[gi]
	d := g.devices[di]

	responseTimeUs := timer.Elapsed(g.lastSendTime, now)
	d.stats.AddSample(responseTimeUs)

	infoChanged := d.latest.HasBeenReceived &&
		(d.latest.SlaveErrCode != resp.SlaveErrCode || d.latest.LocalManagementInfo != resp.LocalManagementInfo)

	d.latest = LatestFrame{
		ProtocolVersion:     resp.SlaveProtocolVersion,
		EndCode:             resp.EndCode,
		VendorCode:          resp.VendorCode,
		ModelCode:           resp.ModelCode,
		EquipmentVersion:    resp.EquipmentVersion,
		SlaveLocalUnitInfo:  resp.SlaveLocalUnitInfo,
		SlaveErrCode:        resp.SlaveErrCode,
		LocalManagementInfo: resp.LocalManagementInfo,
		SlaveID:             d.cfg.SlaveID,
		GroupNo:             resp.GroupNo,
		NumOccupiedStations: resp.NumOccupied,
		FrameSequenceNo:     resp.FrameSequenceNo,
		ResponseTimeUs:      responseTimeUs,
		HasBeenReceived:     true,
	}

	switch resp.EndCode {
	case wire.EndCodeSuccess:
		d.stats.NumberOfIncomingFrames++
		devRes := d.fsm.ReceiveOK(resp.FrameSequenceNo)
		e.applyDeviceResult(gi, di, devRes)
		copyResponseIntoImage(g.image, d.firstStation, resp)
	case wire.EndCodeWrongNumberOfOccupiedStations:
		d.stats.NumberOfIncomingAlarmFrames++
		devRes := d.fsm.ReceiveError()
		e.applyDeviceResult(gi, di, devRes)
		e.hooks.OnError(ErrorSlaveReportsWrongNumberOccupied, d.cfg.SlaveID, uint32(resp.EndCode))
		e.hooks.OnAlarm(gi, di, resp.EndCode, resp.SlaveErrCode, resp.LocalManagementInfo)
	case wire.EndCodeMasterDuplication:
		d.stats.NumberOfIncomingAlarmFrames++
		gres := g.fsm.MasterduplAlarm()
		e.applyGroupResult(gi, gres)
		if gres.MasterState != nil {
			g.standbyAllDevices()
		}
		e.hooks.OnError(ErrorSlaveReportsMasterDuplication, d.cfg.SlaveID, uint32(resp.EndCode))
		e.hooks.OnAlarm(gi, di, resp.EndCode, resp.SlaveErrCode, resp.LocalManagementInfo)
	default:
		d.stats.NumberOfIncomingAlarmFrames++
		devRes := d.fsm.ReceiveError()
		e.applyDeviceResult(gi, di, devRes)
		e.hooks.OnAlarm(gi, di, resp.EndCode, resp.SlaveErrCode, resp.LocalManagementInfo)
	}

	if infoChanged {
		e.hooks.OnChangedSlaveInfo(gi, di, resp.EndCode, resp.SlaveErrCode, resp.LocalManagementInfo)
	}
}

func copyResponseIntoImage(img *image.ProcessImage, firstStation int, resp *wire.CyclicResponse) {
	for w := range resp.RWr {
		station, word := image.DeviceWordStation(firstStation, w)
		_ = img.SetRWr(station, word, resp.RWr[w])
	}
	for i := 0; i < len(resp.RX)*8; i++ {
		byteIdx, bitIdx := i/8, i%8
		val := resp.RX[byteIdx]&(1<<uint(bitIdx)) != 0
		station, bit := image.DeviceBitStation(firstStation, i)
		_ = img.SetRX(station, bit, val)
	}
}

func (e *Engine) applyDeviceResult(gi, di int, res fsm.DeviceResult) {
	d := e.groups[gi].devices[di]
	if res.FireConnect {
		d.stats.NumberOfConnects++
		e.hooks.OnConnect(gi, di, d.cfg.SlaveID)
	}
	if res.FireDisconnect {
		d.stats.NumberOfDisconnects++
		e.hooks.OnDisconnect(gi, di, d.cfg.SlaveID)
	}
}

func (e *Engine) applyGroupResult(gi int, res fsm.GroupResult) {
	if res.MasterState != nil {
		e.groups[gi].masterStateOpinion = *res.MasterState
		e.recomputeMasterState()
	}
}

func (e *Engine) recomputeMasterState() {
	agg := fsm.MasterRunning
	for _, g := range e.groups {
		if g.masterStateOpinion < agg {
			agg = g.masterStateOpinion
		}
	}
	if agg != e.masterState {
		logger.WithFields(log.Fields{"from": e.masterState, "to": agg}).Info("master state changed")
		e.masterState = agg
		e.hooks.OnStateChange(agg)
	}
}
