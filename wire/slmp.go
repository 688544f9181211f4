package wire

import "encoding/binary"

// Fixed magic constants and command codes for SLMP frames.
const (
	slmpReqMagic  uint16 = 0x5400 // big-endian on the wire
	slmpRespMagic uint16 = 0xD400

	slmpNetwork   uint8  = 0x00
	slmpUnit      uint8  = 0xFF
	slmpIONumber  uint16 = 0x03FF // little-endian on the wire
	slmpExtension uint8  = 0x00
	slmpTimer     uint16 = 0x0000

	CommandNodeSearch uint16 = 0x0E30
	CommandSetIP      uint16 = 0x0E31
	SubCommandDefault uint16 = 0x0000
)

// Byte offsets common to every SLMP frame. The request serial sits inside
// the header, directly after the magic; the length field at offset 11
// counts every byte from offset 13 on. A request header continues with
// timer/command/sub-command; a response header carries end_code at 13 and
// nothing else fixed - responses have no command field, so received
// responses are told apart by their size.
const (
	offSlmpMagic     = 0
	offSlmpSerial    = 2
	offSlmpSub2      = 4
	offSlmpNetwork   = 6
	offSlmpUnit      = 7
	offSlmpIONumber  = 8
	offSlmpExtension = 10
	offSlmpDL        = 11

	offSlmpTimer   = 13
	offSlmpCommand = 15
	offSlmpSubCmd  = 17

	offSlmpEndCode = 13

	// SLMPReqHeaderSize is the offset at which a request's body begins;
	// SLMPRespHeaderSize the same for a response.
	SLMPReqHeaderSize  = 19
	SLMPRespHeaderSize = 15

	// slmpDLBase is the offset the length field counts from.
	slmpDLBase = 13
)

// SLMP end codes.
const (
	SLMPEndCodeSuccess uint16 = 0x0000
	SLMPEndCodeError   uint16 = 0x0051
)

// Fixed values for the address-size/target bookkeeping bytes SLMP node
// management frames carry.
const (
	slmpIPAddrSize       uint8  = 4
	slmpHostnameSize     uint8  = 0
	slmpTargetIP         uint32 = 0xFFFFFFFF
	slmpDefaultGateway   uint32 = 0xFFFFFFFF
	slmpTargetPort       uint16 = 0xFFFF
	slmpSlavePort        uint16 = 61451
	slmpProtocolSettings uint8  = 1 // UDP
)

// Total encoded frame sizes. Received responses are dispatched on these.
const (
	NodeSearchRequestSize  = 30
	NodeSearchResponseSize = 66
	SetIPRequestSize       = 58
	SetIPResponseSize      = 21
	ErrorResponseSize      = 24
)

func putMACReversed(buf []byte, mac [6]byte) {
	for i := 0; i < 6; i++ {
		buf[i] = mac[5-i]
	}
}

func getMACReversed(buf []byte) [6]byte {
	var mac [6]byte
	for i := 0; i < 6; i++ {
		mac[i] = buf[5-i]
	}
	return mac
}

func putSLMPRequestHeader(buf []byte, size int, serial, command, subCommand uint16) {
	binary.BigEndian.PutUint16(buf[offSlmpMagic:], slmpReqMagic)
	binary.LittleEndian.PutUint16(buf[offSlmpSerial:], serial)
	binary.LittleEndian.PutUint16(buf[offSlmpSub2:], 0)
	buf[offSlmpNetwork] = slmpNetwork
	buf[offSlmpUnit] = slmpUnit
	binary.LittleEndian.PutUint16(buf[offSlmpIONumber:], slmpIONumber)
	buf[offSlmpExtension] = slmpExtension
	binary.LittleEndian.PutUint16(buf[offSlmpDL:], uint16(size-slmpDLBase))
	binary.LittleEndian.PutUint16(buf[offSlmpTimer:], slmpTimer)
	binary.LittleEndian.PutUint16(buf[offSlmpCommand:], command)
	binary.LittleEndian.PutUint16(buf[offSlmpSubCmd:], subCommand)
}

func putSLMPResponseHeader(buf []byte, size int, serial, endCode uint16) {
	binary.BigEndian.PutUint16(buf[offSlmpMagic:], slmpRespMagic)
	binary.LittleEndian.PutUint16(buf[offSlmpSerial:], serial)
	binary.LittleEndian.PutUint16(buf[offSlmpSub2:], 0)
	buf[offSlmpNetwork] = slmpNetwork
	buf[offSlmpUnit] = slmpUnit
	binary.LittleEndian.PutUint16(buf[offSlmpIONumber:], slmpIONumber)
	buf[offSlmpExtension] = slmpExtension
	binary.LittleEndian.PutUint16(buf[offSlmpDL:], uint16(size-slmpDLBase))
	binary.LittleEndian.PutUint16(buf[offSlmpEndCode:], endCode)
}

// decodeSLMPHeader validates the fixed parts common to request and
// response headers and returns the declared serial and length.
// wantResponse selects which magic is expected.
func decodeSLMPHeader(buf []byte, wantResponse bool) (serial, length uint16, err error) {
	minSize := SLMPReqHeaderSize
	if wantResponse {
		minSize = SLMPRespHeaderSize
	}
	if len(buf) < minSize {
		return 0, 0, ErrMalformedFrame
	}
	magic := binary.BigEndian.Uint16(buf[offSlmpMagic:])
	wantMagic := slmpReqMagic
	if wantResponse {
		wantMagic = slmpRespMagic
	}
	if magic != wantMagic {
		return 0, 0, ErrMalformedFrame
	}
	if buf[offSlmpNetwork] != slmpNetwork || buf[offSlmpUnit] != slmpUnit ||
		binary.LittleEndian.Uint16(buf[offSlmpIONumber:]) != slmpIONumber ||
		buf[offSlmpExtension] != slmpExtension {
		return 0, 0, ErrMalformedFrame
	}
	length = binary.LittleEndian.Uint16(buf[offSlmpDL:])
	if int(length)+slmpDLBase != len(buf) {
		return 0, 0, ErrMalformedFrame
	}
	return binary.LittleEndian.Uint16(buf[offSlmpSerial:]), length, nil
}

// PeekSLMPMagic reports whether buf looks like an SLMP request or response
// frame, by inspecting only the magic at offset 0.
func PeekSLMPMagic(buf []byte) (isRequest, isResponse bool) {
	if len(buf) < 2 {
		return false, false
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	return magic == slmpReqMagic, magic == slmpRespMagic
}

// Node-search request body offsets.
const (
	nsReqOffMasterMAC    = 19
	nsReqOffMasterIPSize = 25
	nsReqOffMasterIP     = 26
)

// NodeSearchRequest is a broadcast node-discovery request.
type NodeSearchRequest struct {
	Serial    uint16
	MasterMAC [6]byte
	MasterIP  uint32
}

func EncodeNodeSearchRequest(buf []byte, req *NodeSearchRequest) (int, error) {
	if len(buf) < NodeSearchRequestSize {
		return 0, ErrBufferTooSmall
	}
	putSLMPRequestHeader(buf, NodeSearchRequestSize, req.Serial, CommandNodeSearch, SubCommandDefault)
	putMACReversed(buf[nsReqOffMasterMAC:], req.MasterMAC)
	buf[nsReqOffMasterIPSize] = slmpIPAddrSize
	binary.LittleEndian.PutUint32(buf[nsReqOffMasterIP:], req.MasterIP)
	return NodeSearchRequestSize, nil
}

func DecodeNodeSearchRequest(buf []byte) (*NodeSearchRequest, error) {
	if _, _, err := decodeSLMPHeader(buf, false); err != nil {
		return nil, err
	}
	if len(buf) != NodeSearchRequestSize {
		return nil, ErrMalformedFrame
	}
	if binary.LittleEndian.Uint16(buf[offSlmpCommand:]) != CommandNodeSearch {
		return nil, ErrMalformedFrame
	}
	if buf[nsReqOffMasterIPSize] != slmpIPAddrSize {
		return nil, ErrMalformedFrame
	}
	return &NodeSearchRequest{
		Serial:    binary.LittleEndian.Uint16(buf[offSlmpSerial:]),
		MasterMAC: getMACReversed(buf[nsReqOffMasterMAC:]),
		MasterIP:  binary.LittleEndian.Uint32(buf[nsReqOffMasterIP:]),
	}, nil
}

// Node-search response body offsets.
const (
	nsRespOffMasterMAC    = 15
	nsRespOffMasterIPSize = 21
	nsRespOffMasterIP     = 22
	nsRespOffSlaveMAC     = 26
	nsRespOffSlaveIPSize  = 32
	nsRespOffSlaveIP      = 33
	nsRespOffSlaveMask    = 37
	nsRespOffGateway      = 41
	nsRespOffHostnameSize = 45
	nsRespOffVendorCode   = 46
	nsRespOffModelCode    = 48
	nsRespOffEquipVer     = 52
	nsRespOffTargetIPSize = 54
	nsRespOffTargetIP     = 55
	nsRespOffTargetPort   = 59
	nsRespOffSlaveStatus  = 61
	nsRespOffSlavePort    = 63
	nsRespOffProtocol     = 65
)

// NodeSearchResponse is a slave's reply to a node-search request.
type NodeSearchResponse struct {
	Serial       uint16
	EndCode      uint16
	MasterMAC    [6]byte
	MasterIP     uint32
	SlaveMAC     [6]byte
	SlaveIP      uint32
	SlaveNetmask uint32
	VendorCode   uint16
	ModelCode    uint32
	EquipmentVer uint16
	SlaveStatus  uint16
}

func EncodeNodeSearchResponse(buf []byte, resp *NodeSearchResponse) (int, error) {
	if len(buf) < NodeSearchResponseSize {
		return 0, ErrBufferTooSmall
	}
	putSLMPResponseHeader(buf, NodeSearchResponseSize, resp.Serial, resp.EndCode)
	putMACReversed(buf[nsRespOffMasterMAC:], resp.MasterMAC)
	buf[nsRespOffMasterIPSize] = slmpIPAddrSize
	binary.LittleEndian.PutUint32(buf[nsRespOffMasterIP:], resp.MasterIP)
	putMACReversed(buf[nsRespOffSlaveMAC:], resp.SlaveMAC)
	buf[nsRespOffSlaveIPSize] = slmpIPAddrSize
	binary.LittleEndian.PutUint32(buf[nsRespOffSlaveIP:], resp.SlaveIP)
	binary.LittleEndian.PutUint32(buf[nsRespOffSlaveMask:], resp.SlaveNetmask)
	binary.LittleEndian.PutUint32(buf[nsRespOffGateway:], slmpDefaultGateway)
	buf[nsRespOffHostnameSize] = slmpHostnameSize
	binary.LittleEndian.PutUint16(buf[nsRespOffVendorCode:], resp.VendorCode)
	binary.LittleEndian.PutUint32(buf[nsRespOffModelCode:], resp.ModelCode)
	binary.LittleEndian.PutUint16(buf[nsRespOffEquipVer:], resp.EquipmentVer)
	buf[nsRespOffTargetIPSize] = slmpIPAddrSize
	binary.LittleEndian.PutUint32(buf[nsRespOffTargetIP:], slmpTargetIP)
	binary.LittleEndian.PutUint16(buf[nsRespOffTargetPort:], slmpTargetPort)
	binary.LittleEndian.PutUint16(buf[nsRespOffSlaveStatus:], resp.SlaveStatus)
	binary.LittleEndian.PutUint16(buf[nsRespOffSlavePort:], slmpSlavePort)
	buf[nsRespOffProtocol] = slmpProtocolSettings
	return NodeSearchResponseSize, nil
}

func DecodeNodeSearchResponse(buf []byte) (*NodeSearchResponse, error) {
	serial, _, err := decodeSLMPHeader(buf, true)
	if err != nil {
		return nil, err
	}
	if len(buf) != NodeSearchResponseSize {
		return nil, ErrMalformedFrame
	}
	if buf[nsRespOffMasterIPSize] != slmpIPAddrSize ||
		buf[nsRespOffSlaveIPSize] != slmpIPAddrSize ||
		buf[nsRespOffHostnameSize] != slmpHostnameSize ||
		buf[nsRespOffTargetIPSize] != slmpIPAddrSize {
		return nil, ErrMalformedFrame
	}
	return &NodeSearchResponse{
		Serial:       serial,
		EndCode:      binary.LittleEndian.Uint16(buf[offSlmpEndCode:]),
		MasterMAC:    getMACReversed(buf[nsRespOffMasterMAC:]),
		MasterIP:     binary.LittleEndian.Uint32(buf[nsRespOffMasterIP:]),
		SlaveMAC:     getMACReversed(buf[nsRespOffSlaveMAC:]),
		SlaveIP:      binary.LittleEndian.Uint32(buf[nsRespOffSlaveIP:]),
		SlaveNetmask: binary.LittleEndian.Uint32(buf[nsRespOffSlaveMask:]),
		VendorCode:   binary.LittleEndian.Uint16(buf[nsRespOffVendorCode:]),
		ModelCode:    binary.LittleEndian.Uint32(buf[nsRespOffModelCode:]),
		EquipmentVer: binary.LittleEndian.Uint16(buf[nsRespOffEquipVer:]),
		SlaveStatus:  binary.LittleEndian.Uint16(buf[nsRespOffSlaveStatus:]),
	}, nil
}

// Set-IP request body offsets.
const (
	setIPReqOffMasterMAC    = 19
	setIPReqOffMasterIPSize = 25
	setIPReqOffMasterIP     = 26
	setIPReqOffSlaveMAC     = 30
	setIPReqOffSlaveIPSize  = 36
	setIPReqOffNewIP        = 37
	setIPReqOffNewMask      = 41
	setIPReqOffGateway      = 45
	setIPReqOffHostnameSize = 49
	setIPReqOffTargetIPSize = 50
	setIPReqOffTargetIP     = 51
	setIPReqOffTargetPort   = 55
	setIPReqOffProtocol     = 57
)

// SetIPRequest asks a slave, identified by MAC (its IP may be unknown or
// wrong), to adopt a new IP address and netmask.
type SetIPRequest struct {
	Serial     uint16
	MasterMAC  [6]byte
	MasterIP   uint32
	SlaveMAC   [6]byte
	NewIP      uint32
	NewNetmask uint32
}

func EncodeSetIPRequest(buf []byte, req *SetIPRequest) (int, error) {
	if len(buf) < SetIPRequestSize {
		return 0, ErrBufferTooSmall
	}
	putSLMPRequestHeader(buf, SetIPRequestSize, req.Serial, CommandSetIP, SubCommandDefault)
	putMACReversed(buf[setIPReqOffMasterMAC:], req.MasterMAC)
	buf[setIPReqOffMasterIPSize] = slmpIPAddrSize
	binary.LittleEndian.PutUint32(buf[setIPReqOffMasterIP:], req.MasterIP)
	putMACReversed(buf[setIPReqOffSlaveMAC:], req.SlaveMAC)
	buf[setIPReqOffSlaveIPSize] = slmpIPAddrSize
	binary.LittleEndian.PutUint32(buf[setIPReqOffNewIP:], req.NewIP)
	binary.LittleEndian.PutUint32(buf[setIPReqOffNewMask:], req.NewNetmask)
	binary.LittleEndian.PutUint32(buf[setIPReqOffGateway:], slmpDefaultGateway)
	buf[setIPReqOffHostnameSize] = slmpHostnameSize
	buf[setIPReqOffTargetIPSize] = slmpIPAddrSize
	binary.LittleEndian.PutUint32(buf[setIPReqOffTargetIP:], slmpTargetIP)
	binary.LittleEndian.PutUint16(buf[setIPReqOffTargetPort:], slmpTargetPort)
	buf[setIPReqOffProtocol] = slmpProtocolSettings
	return SetIPRequestSize, nil
}

func DecodeSetIPRequest(buf []byte) (*SetIPRequest, error) {
	serial, _, err := decodeSLMPHeader(buf, false)
	if err != nil {
		return nil, err
	}
	if len(buf) != SetIPRequestSize {
		return nil, ErrMalformedFrame
	}
	if binary.LittleEndian.Uint16(buf[offSlmpCommand:]) != CommandSetIP {
		return nil, ErrMalformedFrame
	}
	if buf[setIPReqOffMasterIPSize] != slmpIPAddrSize || buf[setIPReqOffSlaveIPSize] != slmpIPAddrSize {
		return nil, ErrMalformedFrame
	}
	return &SetIPRequest{
		Serial:     serial,
		MasterMAC:  getMACReversed(buf[setIPReqOffMasterMAC:]),
		MasterIP:   binary.LittleEndian.Uint32(buf[setIPReqOffMasterIP:]),
		SlaveMAC:   getMACReversed(buf[setIPReqOffSlaveMAC:]),
		NewIP:      binary.LittleEndian.Uint32(buf[setIPReqOffNewIP:]),
		NewNetmask: binary.LittleEndian.Uint32(buf[setIPReqOffNewMask:]),
	}, nil
}

// Set-IP response body offset.
const setIPRespOffMasterMAC = 15

// SetIPResponse is a slave's acknowledgement of a set-IP request.
type SetIPResponse struct {
	Serial    uint16
	MasterMAC [6]byte
	EndCode   uint16
}

func EncodeSetIPResponse(buf []byte, resp *SetIPResponse) (int, error) {
	if len(buf) < SetIPResponseSize {
		return 0, ErrBufferTooSmall
	}
	putSLMPResponseHeader(buf, SetIPResponseSize, resp.Serial, resp.EndCode)
	putMACReversed(buf[setIPRespOffMasterMAC:], resp.MasterMAC)
	return SetIPResponseSize, nil
}

func DecodeSetIPResponse(buf []byte) (*SetIPResponse, error) {
	serial, _, err := decodeSLMPHeader(buf, true)
	if err != nil {
		return nil, err
	}
	if len(buf) != SetIPResponseSize {
		return nil, ErrMalformedFrame
	}
	return &SetIPResponse{
		Serial:    serial,
		MasterMAC: getMACReversed(buf[setIPRespOffMasterMAC:]),
		EndCode:   binary.LittleEndian.Uint16(buf[offSlmpEndCode:]),
	}, nil
}

// Error response body offsets: a second network/unit/io/extension block
// follows the end_code, then the echoed command and sub-command.
const (
	errRespOffNetwork    = 15
	errRespOffUnit       = 16
	errRespOffIONumber   = 17
	errRespOffExtension  = 19
	errRespOffCommand    = 20
	errRespOffSubCommand = 22
)

// ErrorResponse is returned by a slave when a request cannot be honoured,
// echoing back the command/sub-command that failed.
type ErrorResponse struct {
	Serial     uint16
	EndCode    uint16
	Command    uint16
	SubCommand uint16
}

func EncodeErrorResponse(buf []byte, resp *ErrorResponse) (int, error) {
	if len(buf) < ErrorResponseSize {
		return 0, ErrBufferTooSmall
	}
	putSLMPResponseHeader(buf, ErrorResponseSize, resp.Serial, resp.EndCode)
	buf[errRespOffNetwork] = slmpNetwork
	buf[errRespOffUnit] = slmpUnit
	binary.LittleEndian.PutUint16(buf[errRespOffIONumber:], slmpIONumber)
	buf[errRespOffExtension] = slmpExtension
	binary.LittleEndian.PutUint16(buf[errRespOffCommand:], resp.Command)
	binary.LittleEndian.PutUint16(buf[errRespOffSubCommand:], resp.SubCommand)
	return ErrorResponseSize, nil
}

func DecodeErrorResponse(buf []byte) (*ErrorResponse, error) {
	serial, _, err := decodeSLMPHeader(buf, true)
	if err != nil {
		return nil, err
	}
	if len(buf) != ErrorResponseSize {
		return nil, ErrMalformedFrame
	}
	if buf[errRespOffNetwork] != slmpNetwork || buf[errRespOffUnit] != slmpUnit ||
		binary.LittleEndian.Uint16(buf[errRespOffIONumber:]) != slmpIONumber ||
		buf[errRespOffExtension] != slmpExtension {
		return nil, ErrMalformedFrame
	}
	return &ErrorResponse{
		Serial:     serial,
		EndCode:    binary.LittleEndian.Uint16(buf[offSlmpEndCode:]),
		Command:    binary.LittleEndian.Uint16(buf[errRespOffCommand:]),
		SubCommand: binary.LittleEndian.Uint16(buf[errRespOffSubCommand:]),
	}, nil
}
