package wire

import (
	"encoding/binary"
)

// Fixed magic constants for CCIEFB cyclic frames.
const (
	ccReqReserved1  uint16 = 0x5000 // big-endian on the wire
	ccRespReserved1 uint16 = 0xD000
	ccReserved2     uint8  = 0x00
	ccReserved3     uint8  = 0xFF
	ccReserved4     uint16 = 0x03FF // little-endian on the wire
	ccReserved5     uint8  = 0x00

	CCIEFBCommand    uint16 = 0x0E70
	CCIEFBSubCommand uint16 = 0x0000
)

// Byte offsets within a CCIEFB cyclic request frame.
const (
	offReqReserved1       = 0
	offReqReserved2       = 2
	offReqReserved3       = 3
	offReqReserved4       = 4
	offReqReserved5       = 6
	offReqDL              = 7
	offReqCommand         = 11
	offReqSubCommand      = 13
	offReqMasterProtoVer  = 15
	offReqMasterLocalInfo = 35
	offReqClockInfo       = 39
	offReqMasterIP        = 47
	offReqGroupNo         = 51
	offReqFrameSeqNo      = 53
	offReqTimeoutValue    = 55
	offReqParallelOff     = 57
	offReqParameterNo     = 59
	offReqTotalOccupied   = 61
	offReqCyclicTxState   = 63

	// ReqHeaderSize is the size, in bytes, of the fixed portion of a
	// CCIEFB cyclic request, i.e. the offset at which the per-station
	// body begins.
	ReqHeaderSize = 65
)

// Per-station body layout, sizes in bytes.
const (
	stationIPSize  = 4
	stationRWwSize = 64 // 32 little-endian u16 words
	stationRYSize  = 8  // 64 bits
)

// CyclicRequest is the decoded/encodable form of a CCIEFB cyclic request
// frame. RWw and RY are laid out per occupied station, in cumulative-station
// order, matching the wire layout exactly.
type CyclicRequest struct {
	MasterProtocolVersion   uint16
	MasterLocalUnitInfo     uint16
	ClockInfo               uint64 // Unix milliseconds
	MasterIP                uint32 // IPv4, host byte order (e.g. 0x0A000001)
	GroupNo                 uint8
	FrameSequenceNo         uint16
	TimeoutValueMs          uint16
	ParallelOffTimeout      uint16
	ParameterNo             uint16
	TotalOccupied           uint16
	CyclicTransmissionState uint16

	// SlaveIDs has one entry per occupied station (len == TotalOccupied):
	// the configured slave's IP, 0x00000000 for a disabled device, or
	// 0xFFFFFFFF for a hole with no configured device.
	SlaveIDs []uint32
	// RWw holds TotalOccupied*32 little-endian words, 32 per station.
	RWw []uint16
	// RY holds TotalOccupied*8 bytes, 8 per station.
	RY []byte
}

// RequestSize returns the total encoded size in bytes of a cyclic request
// carrying totalOccupied stations.
func RequestSize(totalOccupied uint16) int {
	n := int(totalOccupied)
	return ReqHeaderSize + n*stationIPSize + n*stationRWwSize + n*stationRYSize
}

// EncodeCyclicRequest writes req into buf, which must be at least
// RequestSize(req.TotalOccupied) bytes. It returns the number of bytes
// written.
func EncodeCyclicRequest(buf []byte, req *CyclicRequest) (int, error) {
	size := RequestSize(req.TotalOccupied)
	if len(buf) < size {
		return 0, ErrBufferTooSmall
	}

	// Reserved gaps in the header must read as zero regardless of what
	// the reused buffer held before.
	for i := range buf[:ReqHeaderSize] {
		buf[i] = 0
	}
	binary.BigEndian.PutUint16(buf[offReqReserved1:], ccReqReserved1)
	buf[offReqReserved2] = ccReserved2
	buf[offReqReserved3] = ccReserved3
	binary.LittleEndian.PutUint16(buf[offReqReserved4:], ccReserved4)
	buf[offReqReserved5] = ccReserved5
	binary.LittleEndian.PutUint16(buf[offReqDL:], uint16(size-9))
	binary.LittleEndian.PutUint16(buf[offReqCommand:], CCIEFBCommand)
	binary.LittleEndian.PutUint16(buf[offReqSubCommand:], CCIEFBSubCommand)
	binary.LittleEndian.PutUint16(buf[offReqMasterProtoVer:], req.MasterProtocolVersion)
	binary.LittleEndian.PutUint16(buf[offReqMasterLocalInfo:], req.MasterLocalUnitInfo)
	binary.LittleEndian.PutUint64(buf[offReqClockInfo:], req.ClockInfo)
	binary.LittleEndian.PutUint32(buf[offReqMasterIP:], req.MasterIP)
	buf[offReqGroupNo] = req.GroupNo
	binary.LittleEndian.PutUint16(buf[offReqFrameSeqNo:], req.FrameSequenceNo)
	binary.LittleEndian.PutUint16(buf[offReqTimeoutValue:], req.TimeoutValueMs)
	binary.LittleEndian.PutUint16(buf[offReqParallelOff:], req.ParallelOffTimeout)
	binary.LittleEndian.PutUint16(buf[offReqParameterNo:], req.ParameterNo)
	binary.LittleEndian.PutUint16(buf[offReqTotalOccupied:], req.TotalOccupied)
	binary.LittleEndian.PutUint16(buf[offReqCyclicTxState:], req.CyclicTransmissionState)

	n := int(req.TotalOccupied)
	base := ReqHeaderSize
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[base+i*stationIPSize:], req.SlaveIDs[i])
	}

	base += n * stationIPSize
	for i := 0; i < n; i++ {
		for w := 0; w < 32; w++ {
			binary.LittleEndian.PutUint16(buf[base+i*stationRWwSize+w*2:], req.RWw[i*32+w])
		}
	}

	base += n * stationRWwSize
	copy(buf[base:base+n*stationRYSize], req.RY[:n*stationRYSize])

	return size, nil
}

// DecodeCyclicRequest parses a received datagram as a CCIEFB cyclic request.
// It returns ErrMalformedFrame if the frame is too short, carries the wrong
// magic constants, declares a length inconsistent with the received size, or
// has a zero master IP.
func DecodeCyclicRequest(buf []byte) (*CyclicRequest, error) {
	if len(buf) < ReqHeaderSize {
		return nil, ErrMalformedFrame
	}
	if binary.BigEndian.Uint16(buf[offReqReserved1:]) != ccReqReserved1 {
		return nil, ErrMalformedFrame
	}
	if buf[offReqReserved3] != ccReserved3 {
		return nil, ErrMalformedFrame
	}
	dl := binary.LittleEndian.Uint16(buf[offReqDL:])
	if int(dl)+9 != len(buf) {
		return nil, ErrMalformedFrame
	}
	masterIP := binary.LittleEndian.Uint32(buf[offReqMasterIP:])
	if masterIP == 0 {
		return nil, ErrMalformedFrame
	}
	total := binary.LittleEndian.Uint16(buf[offReqTotalOccupied:])
	if len(buf) < RequestSize(total) {
		return nil, ErrMalformedFrame
	}

	req := &CyclicRequest{
		MasterProtocolVersion:   binary.LittleEndian.Uint16(buf[offReqMasterProtoVer:]),
		MasterLocalUnitInfo:     binary.LittleEndian.Uint16(buf[offReqMasterLocalInfo:]),
		ClockInfo:               binary.LittleEndian.Uint64(buf[offReqClockInfo:]),
		MasterIP:                masterIP,
		GroupNo:                 buf[offReqGroupNo],
		FrameSequenceNo:         binary.LittleEndian.Uint16(buf[offReqFrameSeqNo:]),
		TimeoutValueMs:          binary.LittleEndian.Uint16(buf[offReqTimeoutValue:]),
		ParallelOffTimeout:      binary.LittleEndian.Uint16(buf[offReqParallelOff:]),
		ParameterNo:             binary.LittleEndian.Uint16(buf[offReqParameterNo:]),
		TotalOccupied:           total,
		CyclicTransmissionState: binary.LittleEndian.Uint16(buf[offReqCyclicTxState:]),
	}

	n := int(total)
	base := ReqHeaderSize
	req.SlaveIDs = make([]uint32, n)
	for i := 0; i < n; i++ {
		req.SlaveIDs[i] = binary.LittleEndian.Uint32(buf[base+i*stationIPSize:])
	}

	base += n * stationIPSize
	req.RWw = make([]uint16, n*32)
	for i := 0; i < n; i++ {
		for w := 0; w < 32; w++ {
			req.RWw[i*32+w] = binary.LittleEndian.Uint16(buf[base+i*stationRWwSize+w*2:])
		}
	}

	base += n * stationRWwSize
	req.RY = make([]byte, n*stationRYSize)
	copy(req.RY, buf[base:base+n*stationRYSize])

	return req, nil
}

// Byte offsets within a CCIEFB cyclic response frame. Bytes not named
// here (9..10, 15..30, 33..34, 41..42, 56) are reserved and zero.
const (
	offRespReserved1     = 0
	offRespReserved2     = 2
	offRespReserved3     = 3
	offRespReserved4     = 4
	offRespReserved5     = 6
	offRespDL            = 7
	offRespReserved6     = 9
	offRespProtocolVer   = 11
	offRespEndCode       = 13
	offRespVendorCode    = 31
	offRespModelCode     = 35
	offRespEquipmentVer  = 39
	offRespLocalUnitInfo = 43
	offRespSlaveErrCode  = 45
	offRespLocalMgmtInfo = 47
	offRespSlaveID       = 51
	offRespGroupNo       = 55
	offRespFrameSeqNo    = 57

	// RespHeaderSize is the offset at which the per-station RWr/RX body
	// begins.
	RespHeaderSize = 59
)

// Per-station response body layout, sizes in bytes.
const (
	stationRWrSize = 64 // 32 little-endian u16 words
	stationRXSize  = 8  // 64 bits
)

// End codes carried in a CyclicResponse.EndCode.
const (
	EndCodeSuccess                       uint16 = 0x0000
	EndCodeWrongNumberOfOccupiedStations uint16 = 0x0051
	EndCodeMasterDuplication             uint16 = 0x0052
	EndCodeSlaveRequestsDisconnect       uint16 = 0x0053
	EndCodeSlaveError                    uint16 = 0x0054
)

// CyclicResponse is the decoded form of a CCIEFB cyclic response frame.
type CyclicResponse struct {
	EndCode              uint16
	SlaveProtocolVersion uint16
	VendorCode           uint32
	ModelCode            uint32
	EquipmentVersion     uint16
	SlaveLocalUnitInfo   uint16
	SlaveErrCode         uint16
	LocalManagementInfo  uint32
	SlaveID              uint32
	GroupNo              uint8
	FrameSequenceNo      uint16

	// NumOccupied is the number of occupied stations RWr and RX are sized
	// for. On decode it is the count the caller passed to
	// DecodeCyclicResponse (the identified device's configured count), not
	// a value read from the frame.
	NumOccupied uint16
	// RWr holds NumOccupied*32 little-endian words.
	RWr []uint16
	// RX holds NumOccupied*8 bytes.
	RX []byte
}

// ResponseSize returns the total encoded size in bytes of a cyclic response
// carrying numOccupied stations.
func ResponseSize(numOccupied uint16) int {
	n := int(numOccupied)
	return RespHeaderSize + n*stationRWrSize + n*stationRXSize
}

// EncodeCyclicResponse writes resp into buf. Used by the slave-side peer and
// by tests that need to synthesize responses; the master never emits these.
func EncodeCyclicResponse(buf []byte, resp *CyclicResponse) (int, error) {
	size := ResponseSize(resp.NumOccupied)
	if len(buf) < size {
		return 0, ErrBufferTooSmall
	}

	for i := range buf[:RespHeaderSize] {
		buf[i] = 0
	}
	binary.BigEndian.PutUint16(buf[offRespReserved1:], ccRespReserved1)
	buf[offRespReserved2] = ccReserved2
	buf[offRespReserved3] = ccReserved3
	binary.LittleEndian.PutUint16(buf[offRespReserved4:], ccReserved4)
	buf[offRespReserved5] = ccReserved5
	binary.LittleEndian.PutUint16(buf[offRespDL:], uint16(size-9))
	binary.LittleEndian.PutUint16(buf[offRespProtocolVer:], resp.SlaveProtocolVersion)
	binary.LittleEndian.PutUint16(buf[offRespEndCode:], resp.EndCode)
	binary.LittleEndian.PutUint16(buf[offRespVendorCode:], uint16(resp.VendorCode))
	binary.LittleEndian.PutUint32(buf[offRespModelCode:], resp.ModelCode)
	binary.LittleEndian.PutUint16(buf[offRespEquipmentVer:], resp.EquipmentVersion)
	binary.LittleEndian.PutUint16(buf[offRespLocalUnitInfo:], resp.SlaveLocalUnitInfo)
	binary.LittleEndian.PutUint16(buf[offRespSlaveErrCode:], resp.SlaveErrCode)
	binary.LittleEndian.PutUint32(buf[offRespLocalMgmtInfo:], resp.LocalManagementInfo)
	binary.LittleEndian.PutUint32(buf[offRespSlaveID:], resp.SlaveID)
	buf[offRespGroupNo] = resp.GroupNo
	binary.LittleEndian.PutUint16(buf[offRespFrameSeqNo:], resp.FrameSequenceNo)

	n := int(resp.NumOccupied)
	base := RespHeaderSize
	for i := 0; i < n; i++ {
		for w := 0; w < 32; w++ {
			binary.LittleEndian.PutUint16(buf[base+i*stationRWrSize+w*2:], resp.RWr[i*32+w])
		}
	}
	base += n * stationRWrSize
	copy(buf[base:base+n*stationRXSize], resp.RX[:n*stationRXSize])

	return size, nil
}

// DecodeCyclicResponse parses a received datagram as a CCIEFB cyclic
// response. numOccupied must be supplied by the caller (the number of
// occupied stations configured for the identified device), since the wire
// frame does not independently carry a trustworthy occupied-station count
// separate from what the request declared.
func DecodeCyclicResponse(buf []byte, numOccupied uint16) (*CyclicResponse, error) {
	if len(buf) < RespHeaderSize {
		return nil, ErrMalformedFrame
	}
	if binary.BigEndian.Uint16(buf[offRespReserved1:]) != ccRespReserved1 {
		return nil, ErrMalformedFrame
	}
	if buf[offRespReserved3] != ccReserved3 {
		return nil, ErrMalformedFrame
	}
	dl := binary.LittleEndian.Uint16(buf[offRespDL:])
	if int(dl)+9 != len(buf) {
		return nil, ErrMalformedFrame
	}
	size := ResponseSize(numOccupied)
	if len(buf) < size {
		return nil, ErrMalformedFrame
	}

	resp := &CyclicResponse{
		EndCode:              binary.LittleEndian.Uint16(buf[offRespEndCode:]),
		SlaveProtocolVersion: binary.LittleEndian.Uint16(buf[offRespProtocolVer:]),
		VendorCode:           uint32(binary.LittleEndian.Uint16(buf[offRespVendorCode:])),
		ModelCode:            binary.LittleEndian.Uint32(buf[offRespModelCode:]),
		EquipmentVersion:     binary.LittleEndian.Uint16(buf[offRespEquipmentVer:]),
		SlaveLocalUnitInfo:   binary.LittleEndian.Uint16(buf[offRespLocalUnitInfo:]),
		SlaveErrCode:         binary.LittleEndian.Uint16(buf[offRespSlaveErrCode:]),
		LocalManagementInfo:  binary.LittleEndian.Uint32(buf[offRespLocalMgmtInfo:]),
		SlaveID:              binary.LittleEndian.Uint32(buf[offRespSlaveID:]),
		GroupNo:              buf[offRespGroupNo],
		FrameSequenceNo:      binary.LittleEndian.Uint16(buf[offRespFrameSeqNo:]),
		NumOccupied:          numOccupied,
	}

	n := int(numOccupied)
	base := RespHeaderSize
	resp.RWr = make([]uint16, n*32)
	for i := 0; i < n; i++ {
		for w := 0; w < 32; w++ {
			resp.RWr[i*32+w] = binary.LittleEndian.Uint16(buf[base+i*stationRWrSize+w*2:])
		}
	}
	base += n * stationRWrSize
	resp.RX = make([]byte, n*stationRXSize)
	copy(resp.RX, buf[base:base+n*stationRXSize])

	return resp, nil
}

// PeekReservedMagic reports whether buf looks like a CCIEFB request, a
// CCIEFB response, or neither, by inspecting only the reserved1 magic at
// offset 0. Used by the engine to classify an inbound datagram before fully
// decoding it.
func PeekReservedMagic(buf []byte) (isRequest, isResponse bool) {
	if len(buf) < 2 {
		return false, false
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	return magic == ccReqReserved1, magic == ccRespReserved1
}

// ResponseHeader is the subset of a cyclic response's fixed header that can
// be read without first knowing the sending device's configured occupied
// station count.
type ResponseHeader struct {
	SlaveID         uint32
	GroupNo         uint8
	FrameSequenceNo uint16
}

// PeekCyclicResponseHeader validates and extracts only the fixed-size
// header of a cyclic response, so the engine can look up the owning device
// by slave_id/group_no before calling DecodeCyclicResponse with that
// device's configured occupied-station count to parse the per-station body.
func PeekCyclicResponseHeader(buf []byte) (ResponseHeader, error) {
	if len(buf) < RespHeaderSize {
		return ResponseHeader{}, ErrMalformedFrame
	}
	if binary.BigEndian.Uint16(buf[offRespReserved1:]) != ccRespReserved1 {
		return ResponseHeader{}, ErrMalformedFrame
	}
	if buf[offRespReserved3] != ccReserved3 {
		return ResponseHeader{}, ErrMalformedFrame
	}
	return ResponseHeader{
		SlaveID:         binary.LittleEndian.Uint32(buf[offRespSlaveID:]),
		GroupNo:         buf[offRespGroupNo],
		FrameSequenceNo: binary.LittleEndian.Uint16(buf[offRespFrameSeqNo:]),
	}, nil
}

// MasterLocalUnitInfo values.
const (
	LocalUnitInfoRunning       uint16 = 0x0001
	LocalUnitInfoStopped       uint16 = 0x0000
	LocalUnitInfoStoppedByUser uint16 = 0x0002
)

// MasterLocalUnitInfo computes the master_local_unit_info field carried in
// every cyclic request. Protocol version 1 has no STOPPED_BY_USER value, so
// stoppedByUser is ignored there.
func MasterLocalUnitInfo(protocolVer uint16, running bool, stoppedByUser bool) uint16 {
	switch {
	case running:
		return LocalUnitInfoRunning
	case protocolVer == 1:
		return LocalUnitInfoStopped
	case stoppedByUser:
		return LocalUnitInfoStoppedByUser
	default:
		return LocalUnitInfoStopped
	}
}

// NextFrameSequenceNo computes the next frame sequence number, rolling
// 0xFFFF back to 1. Sequence 0 is reserved for the initial probe and is
// never reused after the first wrap.
func NextFrameSequenceNo(n uint16) uint16 {
	if n == 0xFFFF {
		return 1
	}
	return n + 1
}
