// Package master implements the master lifecycle (init, exit, per-tick
// periodic dispatch) and the application-facing Handle, wiring the
// config, iface, paramfile, transport, engine, and slmp packages
// together into one running master instance.
package master

import (
	"errors"
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/rtlabs-com/cciefb-master/config"
	"github.com/rtlabs-com/cciefb-master/engine"
	"github.com/rtlabs-com/cciefb-master/iface"
	"github.com/rtlabs-com/cciefb-master/image"
	"github.com/rtlabs-com/cciefb-master/paramfile"
	"github.com/rtlabs-com/cciefb-master/slmp"
	"github.com/rtlabs-com/cciefb-master/transport"
	"github.com/rtlabs-com/cciefb-master/wire"
)

var logger = log.WithField("service", "master")

// Well-known CCIEFB and SLMP UDP ports.
const (
	CCIEFBPort = 61450
	SLMPPort   = 61451
)

var (
	// ErrNoSuchGroup is returned by a process-image or status accessor
	// given an out-of-range group index.
	ErrNoSuchGroup = errors.New("master: no such group")
	// ErrNoSuchDevice is returned by a process-image or status accessor
	// given an out-of-range device index.
	ErrNoSuchDevice = errors.New("master: no such device")
)

// Hooks is the full application callback receiver: the union of the
// CCIEFB engine's Hooks and the SLMP engine's Hooks.
type Hooks interface {
	engine.Hooks
	slmp.Hooks
}

// engineNoopHooks is an alias used to give the embedded engine.NoopHooks
// field a distinct name from slmp.NoopHooks below (both types are named
// NoopHooks, so embedding both unqualified would collide).
type engineNoopHooks = engine.NoopHooks

// NoopHooks implements Hooks with every method a no-op.
type NoopHooks struct {
	engineNoopHooks
	slmp.NoopHooks
}

// MasterStatus is a copied-out snapshot of master-wide status, returned
// by GetMasterStatus.
type MasterStatus struct {
	ApplicationStatus uint16
	ParameterNo       uint16
	GroupCount        int
}

// Handle is one running master instance, returned by Init. All methods
// are safe to call only from the same goroutine that drives Periodic -
// the core is single-threaded and cooperative.
type Handle struct {
	cfg *config.Config

	engine *engine.Engine
	slmp   *slmp.Engine

	ccSock      *transport.Socket
	arbSock     *transport.Socket
	slmpSock    *transport.Socket
	slmpReqSock *transport.Socket

	paramPath   string
	parameterNo uint16

	running       bool
	stoppedByUser bool
}

// Init validates cfg, resolves the network interface via resolver,
// opens the CCIEFB and SLMP sockets, wires the two engines, and emits
// STARTUP/NEW_CONFIG to every group. now is the monotonic-microsecond
// clock reading at the moment of init; the arbitration timer armed by
// StartConfig is relative to it, the same externally-supplied-clock
// convention engine.Periodic uses throughout.
//
// On any failure, every socket opened so far is closed before Init
// returns.
func Init(cfg *config.Config, resolver iface.Resolver, hooks Hooks, now uint32) (h *Handle, err error) {
	if hooks == nil {
		hooks = NoopHooks{}
	}

	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}

	cfgCopy := cloneConfig(cfg)

	var paramPath string
	var paramNo uint16
	if cfgCopy.FileDirectory != "" {
		paramPath = paramfile.Path(cfgCopy.FileDirectory)
		loaded, lerr := paramfile.Load(paramPath)
		if lerr != nil {
			return nil, fmt.Errorf("master: loading parameter file: %w", lerr)
		}
		paramNo = loaded
	}

	info, rerr := resolver.Resolve(cfgCopy.MasterIP)
	if rerr != nil {
		return nil, fmt.Errorf("master: resolving interface: %w", rerr)
	}

	if verr := cfgCopy.ValidateNoDuplicates(); verr != nil {
		return nil, verr
	}

	var opened []*transport.Socket
	defer func() {
		if err != nil {
			for _, s := range opened {
				s.Close()
			}
		}
	}()

	ccSock, serr := transport.Open(&net.UDPAddr{IP: cfgCopy.MasterIP, Port: CCIEFBPort})
	if serr != nil {
		return nil, fmt.Errorf("master: opening CCIEFB socket: %w", serr)
	}
	opened = append(opened, ccSock)

	arbSock, serr := transport.Open(&net.UDPAddr{IP: net.IPv4zero, Port: CCIEFBPort})
	if serr != nil {
		err = fmt.Errorf("master: opening arbitration socket: %w", serr)
		return nil, err
	}
	opened = append(opened, arbSock)

	ccBroadcast := &net.UDPAddr{IP: iface.CCIEFBBroadcast(cfgCopy.MasterIP, info.Netmask), Port: CCIEFBPort}
	eng := engine.New(cfgCopy, hooks, ccSock, arbSock, ccBroadcast, paramNo)

	slmpSock, serr := transport.Open(&net.UDPAddr{IP: net.IPv4zero, Port: SLMPPort})
	if serr != nil {
		err = fmt.Errorf("master: opening SLMP socket: %w", serr)
		return nil, err
	}
	opened = append(opened, slmpSock)

	var slmpReqSock *transport.Socket
	if cfgCopy.UseSeparateArbitrationSocket {
		slmpReqSock, serr = transport.Open(&net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if serr != nil {
			err = fmt.Errorf("master: opening SLMP request socket: %w", serr)
			return nil, err
		}
		opened = append(opened, slmpReqSock)
	}

	slmpBroadcast := &net.UDPAddr{IP: iface.SLMPBroadcast(cfgCopy.MasterIP, info.Netmask, cfgCopy.UseSLMPDirectedBroadcast), Port: SLMPPort}
	slmpEng := slmp.New(hooks, slmpSock, slmpReqSock, slmpBroadcast, info.MAC, cfgCopy.MasterIP,
		cfgCopy.CallbackTimeNodeSearchMs, cfgCopy.CallbackTimeSetIPMs, int(cfgCopy.EffectiveNodeSearchDBCapacity()))

	newParamNo := paramfile.NextOnReinit(paramNo)
	if paramPath != "" {
		if _, perr := paramfile.SaveIfModified(paramPath, newParamNo); perr != nil {
			err = fmt.Errorf("master: saving parameter file: %w", perr)
			return nil, err
		}
	}
	eng.SetParameterNo(newParamNo)

	h = &Handle{
		cfg:         cfgCopy,
		engine:      eng,
		slmp:        slmpEng,
		ccSock:      ccSock,
		arbSock:     arbSock,
		slmpSock:    slmpSock,
		slmpReqSock: slmpReqSock,
		paramPath:   paramPath,
		parameterNo: newParamNo,
	}
	h.engine.StartConfig(now)

	logger.WithFields(log.Fields{
		"master_ip":    cfgCopy.MasterIP,
		"groups":       len(cfgCopy.Groups),
		"parameter_no": newParamNo,
	}).Info("master initialized")
	return h, nil
}

func cloneConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Groups = make([]config.GroupSetting, len(cfg.Groups))
	for gi, g := range cfg.Groups {
		out.Groups[gi] = g
		out.Groups[gi].Devices = append([]config.DeviceSetting(nil), g.Devices...)
	}
	return &out
}

// Exit releases every socket owned by h. It does not touch the
// parameter file. Exit must not be called from within a callback.
func (h *Handle) Exit() error {
	var firstErr error
	for _, s := range []*transport.Socket{h.ccSock, h.arbSock, h.slmpSock, h.slmpReqSock} {
		if s == nil {
			continue
		}
		if cerr := s.Close(); cerr != nil && firstErr == nil {
			firstErr = cerr
		}
	}
	logger.Info("master exited")
	return firstErr
}

// Periodic drains both engines' sockets and drives one tick of work.
// SLMP processing precedes CCIEFB processing within the tick.
func (h *Handle) Periodic(now uint32) error {
	if err := h.slmp.Periodic(now); err != nil {
		return err
	}
	return h.engine.Periodic(now)
}

// SetMasterApplicationStatus updates the running/stopped-by-user flags
// fed into master_local_unit_info on every outgoing CCIEFB request.
func (h *Handle) SetMasterApplicationStatus(running, stoppedByUser bool) {
	h.running = running
	h.stoppedByUser = stoppedByUser
	h.engine.SetMasterApplicationStatus(running, stoppedByUser)
}

// GetMasterApplicationStatus returns the current master_local_unit_info
// value.
func (h *Handle) GetMasterApplicationStatus() uint16 {
	return wire.MasterLocalUnitInfo(h.cfg.ProtocolVersion, h.running, h.stoppedByUser)
}

// SetSlaveCommunicationStatus enables or disables cyclic communication
// with device (gi, di). Setting enabled=true when already enabled is a
// no-op.
func (h *Handle) SetSlaveCommunicationStatus(gi, di int, enabled bool) bool {
	return h.engine.SetSlaveCommunicationStatus(gi, di, enabled)
}

// ForceCyclicTransmissionBit overrides device (gi, di)'s transmission
// bit independently of its enabled flag.
func (h *Handle) ForceCyclicTransmissionBit(gi, di int, force bool) bool {
	return h.engine.ForceCyclicTransmissionBit(gi, di, force)
}

// ClearStatistics resets every device's counters and sampler. Calling
// it twice in a row leaves identical state.
func (h *Handle) ClearStatistics() {
	h.engine.ClearStatistics(-1, -1)
}

// GetMasterStatus returns a copied-out snapshot of master-wide status.
func (h *Handle) GetMasterStatus() MasterStatus {
	return MasterStatus{
		ApplicationStatus: h.GetMasterApplicationStatus(),
		ParameterNo:       h.parameterNo,
		GroupCount:        h.engine.GroupCount(),
	}
}

// GetGroupStatus returns a copied-out snapshot of group gi's link-scan
// status.
func (h *Handle) GetGroupStatus(gi int) (engine.GroupSnapshot, bool) {
	return h.engine.GroupSnapshot(gi)
}

// GetDeviceConnectionDetails returns a copied-out snapshot of device
// (gi, di)'s connection details.
func (h *Handle) GetDeviceConnectionDetails(gi, di int) (engine.DeviceSnapshot, bool) {
	return h.engine.DeviceSnapshot(gi, di)
}

// PerformNodeSearch issues a broadcast SLMP node-search. It fails with
// slmp.ErrBusy if one is already in flight.
func (h *Handle) PerformNodeSearch(now uint32) error {
	return h.slmp.NodeSearch(now)
}

// GetNodeSearchResult returns the current NodeSearchDB, either while a
// discovery window is still open or after the result callback has
// already fired.
func (h *Handle) GetNodeSearchResult() *slmp.NodeSearchDB {
	return h.slmp.NodeSearchResult()
}

// SetSlaveIPAddr issues an SLMP set-IP request to the slave identified
// by mac. It fails with slmp.ErrBusy if one is already in flight.
func (h *Handle) SetSlaveIPAddr(mac [6]byte, newIP net.IP, newNetmask net.IPMask, now uint32) error {
	return h.slmp.SetSlaveIP(mac, newIP, newNetmask, now)
}

// GroupImage returns the raw process image backing group gi, for
// application code that wants direct bulk access instead of the
// per-device bit/word accessors below.
func (h *Handle) GroupImage(gi int) *image.ProcessImage {
	return h.engine.Image(gi)
}

func (h *Handle) deviceStation(gi, di int) (*image.ProcessImage, int, error) {
	img := h.engine.Image(gi)
	if img == nil {
		return nil, 0, ErrNoSuchGroup
	}
	first, ok := h.engine.DeviceFirstStation(gi, di)
	if !ok {
		return nil, 0, ErrNoSuchDevice
	}
	return img, first, nil
}

// GetRX reads device-relative input bit i (0..) of device (gi, di).
func (h *Handle) GetRX(gi, di, i int) (bool, error) {
	img, first, err := h.deviceStation(gi, di)
	if err != nil {
		return false, err
	}
	station, bit := image.DeviceBitStation(first, i)
	return img.GetRX(station, bit)
}

// GetRY reads device-relative output bit i of device (gi, di).
func (h *Handle) GetRY(gi, di, i int) (bool, error) {
	img, first, err := h.deviceStation(gi, di)
	if err != nil {
		return false, err
	}
	station, bit := image.DeviceBitStation(first, i)
	return img.GetRY(station, bit)
}

// SetRY writes device-relative output bit i of device (gi, di). This is
// the accessor application code uses to drive cyclic outputs.
func (h *Handle) SetRY(gi, di, i int, value bool) error {
	img, first, err := h.deviceStation(gi, di)
	if err != nil {
		return err
	}
	station, bit := image.DeviceBitStation(first, i)
	return img.SetRY(station, bit, value)
}

// GetRWr reads device-relative input word i of device (gi, di).
func (h *Handle) GetRWr(gi, di, i int) (uint16, error) {
	img, first, err := h.deviceStation(gi, di)
	if err != nil {
		return 0, err
	}
	station, word := image.DeviceWordStation(first, i)
	return img.GetRWr(station, word)
}

// GetRWw reads device-relative output word i of device (gi, di).
func (h *Handle) GetRWw(gi, di, i int) (uint16, error) {
	img, first, err := h.deviceStation(gi, di)
	if err != nil {
		return 0, err
	}
	station, word := image.DeviceWordStation(first, i)
	return img.GetRWw(station, word)
}

// SetRWw writes device-relative output word i of device (gi, di). This
// is the accessor application code uses to drive cyclic output words.
func (h *Handle) SetRWw(gi, di, i int, value uint16) error {
	img, first, err := h.deviceStation(gi, di)
	if err != nil {
		return err
	}
	station, word := image.DeviceWordStation(first, i)
	return img.SetRWw(station, word, value)
}

// DumpConfig returns a human-readable rendering of the effective
// configuration, for operator diagnostics.
func (h *Handle) DumpConfig() string {
	var b strings.Builder
	fmt.Fprintf(&b, "master_ip=%s protocol_version=%d groups=%d file_directory=%q\n",
		h.cfg.MasterIP, h.cfg.ProtocolVersion, len(h.cfg.Groups), h.cfg.FileDirectory)
	for gi, g := range h.cfg.Groups {
		fmt.Fprintf(&b, "  group %d: timeout_ms=%d parallel_off=%d devices=%d\n",
			gi+1, g.TimeoutValueMs, g.ParallelOffTimeoutCount, len(g.Devices))
		for di, d := range g.Devices {
			fmt.Fprintf(&b, "    device %d: slave_id=%s occupied=%d reserved=%v\n",
				di+1, d.SlaveID, d.NumOccupiedStations, d.ReservedSlaveDevice)
		}
	}
	return b.String()
}

// DumpStatus returns a human-readable rendering of the current
// master/group/device runtime status, for operator diagnostics.
func (h *Handle) DumpStatus() string {
	var b strings.Builder
	fmt.Fprintf(&b, "master_state=%s application_status=0x%04x parameter_no=%d\n",
		h.engine.MasterState(), h.GetMasterApplicationStatus(), h.parameterNo)
	for gi := 0; gi < h.engine.GroupCount(); gi++ {
		gs, _ := h.engine.GroupSnapshot(gi)
		fmt.Fprintf(&b, "  group %d: state=%s frame_seq=%d total_occupied=%d\n",
			gi+1, gs.State, gs.FrameSequenceNo, gs.TotalOccupied)
		n, _ := h.engine.DeviceCount(gi)
		for di := 0; di < n; di++ {
			ds, _ := h.engine.DeviceSnapshot(gi, di)
			fmt.Fprintf(&b, "    device %d: slave_id=%s state=%s enabled=%v timeouts=%d\n",
				di+1, ds.SlaveID, ds.DeviceState, ds.Enabled, ds.TimeoutCount)
		}
	}
	return b.String()
}
