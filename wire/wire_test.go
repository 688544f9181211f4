package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCyclicRequestRoundTrip(t *testing.T) {
	total := uint16(3)
	req := &CyclicRequest{
		MasterProtocolVersion:   2,
		MasterLocalUnitInfo:     MasterLocalUnitInfo(2, true, false),
		ClockInfo:               1_700_000_000_000,
		MasterIP:                0x0A000001,
		GroupNo:                 1,
		FrameSequenceNo:         1,
		TimeoutValueMs:          500,
		ParallelOffTimeout:      3,
		ParameterNo:             42,
		TotalOccupied:           total,
		CyclicTransmissionState: 0x0005,
		SlaveIDs:                []uint32{0x0A000002, 0x0A000003, 0xFFFFFFFF},
		RWw:                     make([]uint16, int(total)*32),
		RY:                      make([]byte, int(total)*8),
	}
	req.RWw[0] = 0xBEEF

	buf := make([]byte, RequestSize(total))
	n, err := EncodeCyclicRequest(buf, req)
	require.NoError(t, err)
	assert.Equal(t, RequestSize(total), n)

	isReq, isResp := PeekReservedMagic(buf)
	assert.True(t, isReq)
	assert.False(t, isResp)

	got, err := DecodeCyclicRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req.MasterProtocolVersion, got.MasterProtocolVersion)
	assert.Equal(t, req.ClockInfo, got.ClockInfo)
	assert.Equal(t, req.MasterIP, got.MasterIP)
	assert.Equal(t, req.GroupNo, got.GroupNo)
	assert.Equal(t, req.FrameSequenceNo, got.FrameSequenceNo)
	assert.Equal(t, req.TimeoutValueMs, got.TimeoutValueMs)
	assert.Equal(t, req.ParallelOffTimeout, got.ParallelOffTimeout)
	assert.Equal(t, req.ParameterNo, got.ParameterNo)
	assert.Equal(t, req.TotalOccupied, got.TotalOccupied)
	assert.Equal(t, req.CyclicTransmissionState, got.CyclicTransmissionState)
	assert.Equal(t, req.SlaveIDs, got.SlaveIDs)
	assert.Equal(t, req.RWw, got.RWw)
	assert.Equal(t, req.RY, got.RY)

	wantDL := uint16(RequestSize(total) - 9)
	assert.Equal(t, wantDL, uint16(buf[offReqDL])|uint16(buf[offReqDL+1])<<8)
}

func TestDecodeCyclicRequestRejectsZeroMasterIP(t *testing.T) {
	req := &CyclicRequest{
		TotalOccupied: 0,
		SlaveIDs:      nil,
		RWw:           nil,
		RY:            nil,
	}
	buf := make([]byte, RequestSize(0))
	_, err := EncodeCyclicRequest(buf, req)
	require.NoError(t, err)

	_, err = DecodeCyclicRequest(buf)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeCyclicRequestRejectsShortFrame(t *testing.T) {
	_, err := DecodeCyclicRequest(make([]byte, 4))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeCyclicRequestRejectsWrongMagic(t *testing.T) {
	buf := make([]byte, RequestSize(0))
	req := &CyclicRequest{MasterIP: 1}
	_, err := EncodeCyclicRequest(buf, req)
	require.NoError(t, err)
	buf[0] = 0xAA
	_, err = DecodeCyclicRequest(buf)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCyclicResponseRoundTrip(t *testing.T) {
	resp := &CyclicResponse{
		EndCode:              EndCodeSuccess,
		SlaveProtocolVersion: 2,
		VendorCode:           0x1234,
		ModelCode:            0xCAFEBABE,
		EquipmentVersion:     7,
		SlaveLocalUnitInfo:   1,
		SlaveErrCode:         0,
		LocalManagementInfo:  0x11223344,
		SlaveID:              0x0A000002,
		GroupNo:              1,
		FrameSequenceNo:      5,
		NumOccupied:          2,
		RWr:                  make([]uint16, 64),
		RX:                   make([]byte, 16),
	}
	resp.RWr[10] = 0xABCD

	buf := make([]byte, ResponseSize(2))
	_, err := EncodeCyclicResponse(buf, resp)
	require.NoError(t, err)

	_, isResp := PeekReservedMagic(buf)
	assert.True(t, isResp)

	got, err := DecodeCyclicResponse(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, resp.EndCode, got.EndCode)
	assert.Equal(t, resp.SlaveID, got.SlaveID)
	assert.Equal(t, resp.FrameSequenceNo, got.FrameSequenceNo)
	assert.Equal(t, resp.RWr, got.RWr)
}

// TestCyclicResponseWireOffsets pins every response header field to its
// absolute byte position, so a layout regression cannot hide behind a
// self-consistent encode/decode pair.
func TestCyclicResponseWireOffsets(t *testing.T) {
	resp := &CyclicResponse{
		EndCode:              0x1122,
		SlaveProtocolVersion: 0x0002,
		VendorCode:           0x3344,
		ModelCode:            0xCAFEBABE,
		EquipmentVersion:     0x5566,
		SlaveLocalUnitInfo:   0x0001,
		SlaveErrCode:         0x7788,
		LocalManagementInfo:  0x99AABBCC,
		SlaveID:              0xC0A80302,
		GroupNo:              3,
		FrameSequenceNo:      0xDDEE,
		NumOccupied:          1,
		RWr:                  make([]uint16, 32),
		RX:                   make([]byte, 8),
	}
	resp.RWr[0] = 0xBEEF

	buf := make([]byte, ResponseSize(1))
	_, err := EncodeCyclicResponse(buf, resp)
	require.NoError(t, err)

	le16 := func(off int) uint16 { return uint16(buf[off]) | uint16(buf[off+1])<<8 }
	le32 := func(off int) uint32 {
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}

	assert.Equal(t, uint16(0xD000), uint16(buf[0])<<8|uint16(buf[1]))
	assert.Equal(t, uint16(len(buf)-9), le16(7))
	assert.Equal(t, uint16(0x0002), le16(11))
	assert.Equal(t, uint16(0x1122), le16(13))
	assert.Equal(t, uint16(0x3344), le16(31))
	assert.Equal(t, uint32(0xCAFEBABE), le32(35))
	assert.Equal(t, uint16(0x5566), le16(39))
	assert.Equal(t, uint16(0x0001), le16(43))
	assert.Equal(t, uint16(0x7788), le16(45))
	assert.Equal(t, uint32(0x99AABBCC), le32(47))
	assert.Equal(t, uint32(0xC0A80302), le32(51))
	assert.Equal(t, uint8(3), buf[55])
	assert.Equal(t, uint16(0xDDEE), le16(57))

	// RWr body begins right after the 59-byte header.
	assert.Equal(t, uint16(0xBEEF), le16(RespHeaderSize))
}

func TestMasterLocalUnitInfo(t *testing.T) {
	assert.Equal(t, LocalUnitInfoRunning, MasterLocalUnitInfo(2, true, false))
	assert.Equal(t, LocalUnitInfoRunning, MasterLocalUnitInfo(2, true, true))
	assert.Equal(t, LocalUnitInfoStopped, MasterLocalUnitInfo(1, false, true))
	assert.Equal(t, LocalUnitInfoStoppedByUser, MasterLocalUnitInfo(2, false, true))
	assert.Equal(t, LocalUnitInfoStopped, MasterLocalUnitInfo(2, false, false))
}

func TestNextFrameSequenceNo(t *testing.T) {
	assert.Equal(t, uint16(1), NextFrameSequenceNo(0xFFFF))
	assert.Equal(t, uint16(2), NextFrameSequenceNo(1))
	assert.Equal(t, uint16(1), NextFrameSequenceNo(0))
}

func TestNodeSearchRoundTrip(t *testing.T) {
	req := &NodeSearchRequest{
		Serial:    7,
		MasterMAC: [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		MasterIP:  0x0A000001,
	}
	buf := make([]byte, NodeSearchRequestSize)
	_, err := EncodeNodeSearchRequest(buf, req)
	require.NoError(t, err)
	isReq, _ := PeekSLMPMagic(buf)
	assert.True(t, isReq)

	got, err := DecodeNodeSearchRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, *req, *got)

	resp := &NodeSearchResponse{
		Serial:       7,
		MasterMAC:    req.MasterMAC,
		MasterIP:     req.MasterIP,
		SlaveMAC:     [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		SlaveIP:      0x0A000002,
		SlaveNetmask: 0xFFFFFF00,
		VendorCode:   0x0100,
		ModelCode:    0x0200,
		EquipmentVer: 1,
		SlaveStatus:  0x0001,
	}
	rbuf := make([]byte, NodeSearchResponseSize)
	_, err = EncodeNodeSearchResponse(rbuf, resp)
	require.NoError(t, err)
	gotResp, err := DecodeNodeSearchResponse(rbuf)
	require.NoError(t, err)
	assert.Equal(t, *resp, *gotResp)
}

// TestNodeSearchWireOffsets pins the SLMP header and node-search body
// fields to their absolute byte positions.
func TestNodeSearchWireOffsets(t *testing.T) {
	req := &NodeSearchRequest{
		Serial:    0x1234,
		MasterMAC: [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		MasterIP:  0xC0A80301,
	}
	buf := make([]byte, NodeSearchRequestSize)
	_, err := EncodeNodeSearchRequest(buf, req)
	require.NoError(t, err)

	le16 := func(off int) uint16 { return uint16(buf[off]) | uint16(buf[off+1])<<8 }
	le32 := func(off int) uint32 {
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}

	assert.Equal(t, uint16(0x5400), uint16(buf[0])<<8|uint16(buf[1]))
	assert.Equal(t, uint16(0x1234), le16(2), "serial sits inside the header at offset 2")
	assert.Equal(t, uint8(0x00), buf[6])
	assert.Equal(t, uint8(0xFF), buf[7])
	assert.Equal(t, uint16(0x03FF), le16(8))
	assert.Equal(t, uint16(len(buf)-13), le16(11), "length counts from offset 13")
	assert.Equal(t, CommandNodeSearch, le16(15))
	assert.Equal(t, SubCommandDefault, le16(17))
	// MAC is stored byte-reversed on the wire.
	assert.Equal(t, []byte{0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, buf[19:25])
	assert.Equal(t, uint8(4), buf[25])
	assert.Equal(t, uint32(0xC0A80301), le32(26))

	resp := &NodeSearchResponse{
		Serial:       0x1234,
		SlaveMAC:     [6]byte{0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F},
		SlaveIP:      0xC0A80302,
		SlaveNetmask: 0xFFFFFF00,
		VendorCode:   0x5678,
		ModelCode:    0x9ABCDEF0,
		EquipmentVer: 0x0003,
		SlaveStatus:  0x0001,
	}
	buf = make([]byte, NodeSearchResponseSize)
	_, err = EncodeNodeSearchResponse(buf, resp)
	require.NoError(t, err)

	assert.Equal(t, uint16(0xD400), uint16(buf[0])<<8|uint16(buf[1]))
	assert.Equal(t, uint16(0x1234), le16(2))
	assert.Equal(t, uint16(len(buf)-13), le16(11))
	assert.Equal(t, uint16(0x0000), le16(13), "end_code")
	assert.Equal(t, uint32(0xC0A80302), le32(33))
	assert.Equal(t, uint32(0xFFFFFF00), le32(37))
	assert.Equal(t, uint16(0x5678), le16(46))
	assert.Equal(t, uint32(0x9ABCDEF0), le32(48))
	assert.Equal(t, uint16(0x0003), le16(52))
	assert.Equal(t, uint16(0x0001), le16(61), "slave_status is two bytes at offset 61")
}

func TestSetIPRoundTrip(t *testing.T) {
	req := &SetIPRequest{
		Serial:     9,
		MasterMAC:  [6]byte{1, 2, 3, 4, 5, 6},
		MasterIP:   0x0A000001,
		SlaveMAC:   [6]byte{6, 5, 4, 3, 2, 1},
		NewIP:      0x0A0000FE,
		NewNetmask: 0xFFFFFF00,
	}
	buf := make([]byte, SetIPRequestSize)
	_, err := EncodeSetIPRequest(buf, req)
	require.NoError(t, err)
	got, err := DecodeSetIPRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, *req, *got)

	resp := &SetIPResponse{Serial: 9, MasterMAC: req.MasterMAC, EndCode: SLMPEndCodeSuccess}
	rbuf := make([]byte, SetIPResponseSize)
	_, err = EncodeSetIPResponse(rbuf, resp)
	require.NoError(t, err)
	gotResp, err := DecodeSetIPResponse(rbuf)
	require.NoError(t, err)
	assert.Equal(t, *resp, *gotResp)
}

// TestSetIPRequestWireOffsets pins the set-IP request body fields to
// their absolute byte positions.
func TestSetIPRequestWireOffsets(t *testing.T) {
	req := &SetIPRequest{
		Serial:     0x0042,
		MasterMAC:  [6]byte{1, 2, 3, 4, 5, 6},
		MasterIP:   0xC0A80301,
		SlaveMAC:   [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		NewIP:      0xC0A80305,
		NewNetmask: 0xFFFFFF00,
	}
	buf := make([]byte, SetIPRequestSize)
	_, err := EncodeSetIPRequest(buf, req)
	require.NoError(t, err)

	le16 := func(off int) uint16 { return uint16(buf[off]) | uint16(buf[off+1])<<8 }
	le32 := func(off int) uint32 {
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}

	assert.Equal(t, uint16(0x0042), le16(2))
	assert.Equal(t, CommandSetIP, le16(15))
	assert.Equal(t, []byte{6, 5, 4, 3, 2, 1}, buf[19:25])
	assert.Equal(t, uint32(0xC0A80301), le32(26))
	assert.Equal(t, []byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, buf[30:36])
	assert.Equal(t, uint32(0xC0A80305), le32(37))
	assert.Equal(t, uint32(0xFFFFFF00), le32(41))
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := &ErrorResponse{
		Serial:     42,
		EndCode:    SLMPEndCodeError,
		Command:    CommandSetIP,
		SubCommand: SubCommandDefault,
	}
	buf := make([]byte, ErrorResponseSize)
	_, err := EncodeErrorResponse(buf, resp)
	require.NoError(t, err)

	got, err := DecodeErrorResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, *resp, *got)

	// The echoed command and sub-command follow the second
	// network/unit/io/extension block.
	le16 := func(off int) uint16 { return uint16(buf[off]) | uint16(buf[off+1])<<8 }
	assert.Equal(t, SLMPEndCodeError, le16(13))
	assert.Equal(t, CommandSetIP, le16(20))
	assert.Equal(t, SubCommandDefault, le16(22))

	// Frame sizes are the response discriminator: the three response
	// kinds must stay distinct.
	assert.NotEqual(t, SetIPResponseSize, ErrorResponseSize)
	assert.NotEqual(t, NodeSearchResponseSize, ErrorResponseSize)
	assert.NotEqual(t, NodeSearchResponseSize, SetIPResponseSize)
}
