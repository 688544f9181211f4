package engine

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtlabs-com/cciefb-master/config"
	"github.com/rtlabs-com/cciefb-master/fsm"
	"github.com/rtlabs-com/cciefb-master/transport"
	"github.com/rtlabs-com/cciefb-master/wire"
)

// recordingHooks records state, connect, disconnect, link-scan and error
// callbacks (alarm and changed-slave-info callbacks are ignored),
// mirroring the slmp package's recordingHooks test fixture.
type recordingHooks struct {
	states      []fsm.MasterState
	connects    []string
	disconnects []string
	errs        []ErrorKind
	errIPs      []net.IP
	linkscans   []bool
}

func (h *recordingHooks) OnStateChange(s fsm.MasterState) { h.states = append(h.states, s) }
func (h *recordingHooks) OnConnect(gi, di int, slaveID net.IP) {
	h.connects = append(h.connects, slaveID.String())
}
func (h *recordingHooks) OnDisconnect(gi, di int, slaveID net.IP) {
	h.disconnects = append(h.disconnects, slaveID.String())
}
func (h *recordingHooks) OnLinkscanComplete(gi int, success bool) {
	h.linkscans = append(h.linkscans, success)
}
func (h *recordingHooks) OnAlarm(gi, di int, endCode, slaveErrCode uint16, localManagementInfo uint32) {
}
func (h *recordingHooks) OnChangedSlaveInfo(gi, di int, endCode, slaveErrCode uint16, localManagementInfo uint32) {
}
func (h *recordingHooks) OnError(kind ErrorKind, ipAddr net.IP, argument2 uint32) {
	h.errs = append(h.errs, kind)
	h.errIPs = append(h.errIPs, ipAddr)
}

func loopbackSocket(t *testing.T) *transport.Socket {
	t.Helper()
	s, err := transport.Open(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func recvDatagram(t *testing.T, sock *transport.Socket) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _, err := sock.RecvFrom(buf)
		if err == nil {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out
		}
		require.ErrorIs(t, err, transport.ErrWouldBlock)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for datagram")
	return nil
}

// expectNoDatagram asserts nothing arrives on sock within wait.
func expectNoDatagram(t *testing.T, sock *transport.Socket, wait time.Duration) {
	t.Helper()
	buf := make([]byte, 64)
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		_, _, err := sock.RecvFrom(buf)
		if err == nil {
			t.Fatal("unexpected datagram arrived")
		}
		require.ErrorIs(t, err, transport.ErrWouldBlock)
		time.Sleep(time.Millisecond)
	}
}

// drainUntil calls e.Periodic(now) in a loop, with a short real sleep
// between attempts, until cond reports true - giving the loopback socket
// time to deliver a datagram sent by the test just before the call.
func drainUntil(t *testing.T, e *Engine, now uint32, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, e.Periodic(now))
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func twoDeviceConfig() *config.Config {
	return &config.Config{
		ProtocolVersion:      2,
		MasterIP:             net.IPv4(192, 168, 3, 1),
		ArbitrationTimeMs:    5,
		MaxStatisticsSamples: 10,
		Groups: []config.GroupSetting{
			{
				TimeoutValueMs:          20,
				ParallelOffTimeoutCount: 2,
				Devices: []config.DeviceSetting{
					{SlaveID: net.IPv4(192, 168, 3, 2), NumOccupiedStations: 1},
					{SlaveID: net.IPv4(192, 168, 3, 3), NumOccupiedStations: 1},
				},
			},
		},
	}
}

func sendCyclicSuccess(t *testing.T, slave *transport.Socket, masterAddr *net.UDPAddr, slaveID net.IP, groupNo uint8, seq uint16) {
	t.Helper()
	resp := &wire.CyclicResponse{
		EndCode:              wire.EndCodeSuccess,
		SlaveProtocolVersion: 2,
		SlaveID:              ip4ToUint32(slaveID),
		GroupNo:              groupNo,
		FrameSequenceNo:      seq,
		NumOccupied:          1,
		RWr:                  make([]uint16, 32),
		RX:                   make([]byte, 8),
	}
	buf := make([]byte, wire.ResponseSize(1))
	n, err := wire.EncodeCyclicResponse(buf, resp)
	require.NoError(t, err)
	_, err = slave.SendTo(buf[:n], masterAddr)
	require.NoError(t, err)
}

// TestStartupArbitrationThenFirstProbe covers the startup sequence: no
// frame is sent while arbitration is pending, and the first outgoing
// request after arbitration completes is the sequence-0 probe with an
// all-zero bitmap naming every configured device.
func TestStartupArbitrationThenFirstProbe(t *testing.T) {
	cfg := twoDeviceConfig()
	masterSock := loopbackSocket(t)
	broadcastRecv := loopbackSocket(t)
	hooks := &recordingHooks{}

	e := New(cfg, hooks, masterSock, nil, broadcastRecv.LocalAddr(), 1)
	e.StartConfig(0)

	expectNoDatagram(t, broadcastRecv, 20*time.Millisecond)
	require.NoError(t, e.Periodic(1000))
	expectNoDatagram(t, broadcastRecv, 10*time.Millisecond)

	require.NoError(t, e.Periodic(6000))
	reqData := recvDatagram(t, broadcastRecv)

	req, err := wire.DecodeCyclicRequest(reqData)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), req.FrameSequenceNo)
	assert.Equal(t, uint16(0), req.CyclicTransmissionState)
	assert.Equal(t, uint16(2), req.TotalOccupied)
	assert.Equal(t, []uint32{ip4ToUint32(cfg.Groups[0].Devices[0].SlaveID), ip4ToUint32(cfg.Groups[0].Devices[1].SlaveID)}, req.SlaveIDs)

	snap, ok := e.GroupSnapshot(0)
	require.True(t, ok)
	assert.Equal(t, fsm.GroupMasterLinkScan, snap.State)
}

// TestBitmapReflectsOnlyRespondingDevice drives a probe where one device
// answers and the other stays silent, and checks that once the group
// times out of the probe scan, the next request's bitmap and the engine's
// per-device statistics reflect only the device that actually responded.
func TestBitmapReflectsOnlyRespondingDevice(t *testing.T) {
	cfg := twoDeviceConfig()
	masterSock := loopbackSocket(t)
	slave := loopbackSocket(t)
	hooks := &recordingHooks{}

	e := New(cfg, hooks, masterSock, nil, slave.LocalAddr(), 1)
	e.StartConfig(0)

	require.NoError(t, e.Periodic(6000))
	probeData := recvDatagram(t, slave)
	probe, err := wire.DecodeCyclicRequest(probeData)
	require.NoError(t, err)
	require.Equal(t, uint16(0), probe.FrameSequenceNo)

	sendCyclicSuccess(t, slave, masterSock.LocalAddr(), cfg.Groups[0].Devices[0].SlaveID, probe.GroupNo, 0)
	drainUntil(t, e, 6100, func() bool {
		snap, _ := e.DeviceSnapshot(0, 0)
		return snap.Statistics.NumberOfConnects == 1
	})

	// The group timeout (armed at 6000, 20ms = 20000us) fires once device
	// 1 never answers the probe.
	drainUntil(t, e, 26100, func() bool {
		gs, _ := e.GroupSnapshot(0)
		return gs.CyclicTransmissionState != 0
	})

	nextData := recvDatagram(t, slave)
	next, err := wire.DecodeCyclicRequest(nextData)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), next.CyclicTransmissionState, "only device 0's bit should be set")

	dev0, ok := e.DeviceSnapshot(0, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(1), dev0.Statistics.NumberOfConnects)
	assert.Equal(t, uint32(1), dev0.Statistics.NumberOfIncomingFrames)

	// Device 1 never answered, so it stays in the scan with its bit
	// clear, waiting for the slave to appear.
	dev1, ok := e.DeviceSnapshot(0, 1)
	require.True(t, ok)
	assert.Equal(t, fsm.DeviceWaitTD, dev1.DeviceState)
	assert.False(t, dev1.TransmissionBit)
	assert.Equal(t, uint32(0), dev1.Statistics.NumberOfConnects)
	assert.Equal(t, uint32(1), dev1.Statistics.NumberOfTimeouts)
}

// TestDuplicateFrameSequenceFiresErrorAndDisconnect covers a single-device
// group where a stale response carrying an already-accepted
// frame_sequence_no arrives after the group has moved on: the engine must
// recognise it via the device's last-accepted sequence number (not the
// group's current one) and raise SLAVE_DUPLICATION.
func TestDuplicateFrameSequenceFiresErrorAndDisconnect(t *testing.T) {
	cfg := &config.Config{
		ProtocolVersion:      2,
		MasterIP:             net.IPv4(192, 168, 3, 1),
		ArbitrationTimeMs:    5,
		MaxStatisticsSamples: 10,
		Groups: []config.GroupSetting{
			{
				TimeoutValueMs:          20,
				ParallelOffTimeoutCount: 5,
				Devices: []config.DeviceSetting{
					{SlaveID: net.IPv4(192, 168, 3, 2), NumOccupiedStations: 1},
				},
			},
		},
	}
	masterSock := loopbackSocket(t)
	slave := loopbackSocket(t)
	hooks := &recordingHooks{}

	e := New(cfg, hooks, masterSock, nil, slave.LocalAddr(), 1)
	e.StartConfig(0)

	require.NoError(t, e.Periodic(6000))
	probeData := recvDatagram(t, slave)
	probe, err := wire.DecodeCyclicRequest(probeData)
	require.NoError(t, err)

	// Accept the probe response: with a single device, this immediately
	// completes the scan and emits the next request (seq 1) in the same
	// Periodic call.
	sendCyclicSuccess(t, slave, masterSock.LocalAddr(), cfg.Groups[0].Devices[0].SlaveID, probe.GroupNo, 0)
	drainUntil(t, e, 6100, func() bool {
		snap, _ := e.DeviceSnapshot(0, 0)
		return snap.Statistics.NumberOfConnects == 1
	})

	nextData := recvDatagram(t, slave)
	next, err := wire.DecodeCyclicRequest(nextData)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), next.FrameSequenceNo)

	// Replay the stale, already-accepted seq-0 response.
	sendCyclicSuccess(t, slave, masterSock.LocalAddr(), cfg.Groups[0].Devices[0].SlaveID, probe.GroupNo, 0)
	drainUntil(t, e, 6200, func() bool {
		return len(hooks.errs) == 1
	})

	assert.Equal(t, []ErrorKind{ErrorSlaveDuplication}, hooks.errs)
	assert.Equal(t, []string{cfg.Groups[0].Devices[0].SlaveID.String()}, hooks.disconnects)

	dev0, ok := e.DeviceSnapshot(0, 0)
	require.True(t, ok)
	assert.Equal(t, fsm.DeviceListen, dev0.DeviceState)
}

// TestArbitrationConflictSuspendsGroup covers a CCIEFB request from
// another master arriving while this group is still arbitrating: the
// group must fall back to MASTER_LISTEN/STANDBY, fire an
// ArbitrationFailed error, and never transmit a cyclic request.
func TestArbitrationConflictSuspendsGroup(t *testing.T) {
	cfg := &config.Config{
		ProtocolVersion:      2,
		MasterIP:             net.IPv4(192, 168, 3, 1),
		ArbitrationTimeMs:    50,
		MaxStatisticsSamples: 10,
		Groups: []config.GroupSetting{
			{
				TimeoutValueMs:          20,
				ParallelOffTimeoutCount: 2,
				Devices: []config.DeviceSetting{
					{SlaveID: net.IPv4(192, 168, 3, 2), NumOccupiedStations: 1},
				},
			},
		},
	}
	masterSock := loopbackSocket(t)
	broadcastRecv := loopbackSocket(t)
	hooks := &recordingHooks{}

	e := New(cfg, hooks, masterSock, nil, broadcastRecv.LocalAddr(), 1)
	e.StartConfig(0)

	otherMasterIP := net.IPv4(192, 168, 3, 200)
	otherReq := &wire.CyclicRequest{
		MasterProtocolVersion: 2,
		MasterIP:              ip4ToUint32(otherMasterIP),
		GroupNo:               1,
		FrameSequenceNo:       0,
		TimeoutValueMs:        20,
		ParallelOffTimeout:    2,
		TotalOccupied:         0,
	}
	buf := make([]byte, wire.RequestSize(0))
	n, err := wire.EncodeCyclicRequest(buf, otherReq)
	require.NoError(t, err)
	_, err = broadcastRecv.SendTo(buf[:n], masterSock.LocalAddr())
	require.NoError(t, err)

	drainUntil(t, e, 1000, func() bool { return len(hooks.errs) == 1 })

	assert.Equal(t, []ErrorKind{ErrorArbitrationFailed}, hooks.errs)
	assert.Equal(t, otherMasterIP.String(), hooks.errIPs[0].String())
	assert.Equal(t, fsm.MasterStandby, e.MasterState())

	snap, ok := e.GroupSnapshot(0)
	require.True(t, ok)
	assert.Equal(t, fsm.GroupMasterListen, snap.State)

	// Even well past the original arbitration deadline, the group never
	// re-enters MASTER_ARBITRATION on its own, so nothing is ever sent.
	require.NoError(t, e.Periodic(60000))
	expectNoDatagram(t, broadcastRecv, 20*time.Millisecond)
}
