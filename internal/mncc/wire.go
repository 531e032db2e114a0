package mncc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ProtocolVersion is the MNCC socket interface version this build speaks.
const ProtocolVersion = 5

var (
	// ErrShortMessage is returned when a record is shorter than its type requires.
	ErrShortMessage = errors.New("mncc: short message")
	// ErrUnknownMessage is returned for a type outside the catalogue.
	ErrUnknownMessage = errors.New("mncc: unknown message type")
	// ErrVersionMismatch is returned when the hello does not match this build.
	ErrVersionMismatch = errors.New("mncc: version mismatch")
	// ErrNotConnected is returned when sending without a ready connection.
	ErrNotConnected = errors.New("mncc: not connected")
)

// Call control primitives.
const (
	SetupReq      uint32 = 0x0101
	SetupInd      uint32 = 0x0102
	SetupRsp      uint32 = 0x0103
	SetupCnf      uint32 = 0x0104
	SetupComplReq uint32 = 0x0105
	SetupComplInd uint32 = 0x0106
	CallConfInd   uint32 = 0x0107
	CallProcReq   uint32 = 0x0108
	ProgressReq   uint32 = 0x0109
	AlertReq      uint32 = 0x010a
	AlertInd      uint32 = 0x010b
	NotifyReq     uint32 = 0x010c
	NotifyInd     uint32 = 0x010d
	DiscReq       uint32 = 0x010e
	DiscInd       uint32 = 0x010f
	RelReq        uint32 = 0x0110
	RelInd        uint32 = 0x0111
	RelCnf        uint32 = 0x0112
	FacilityReq   uint32 = 0x0113
	FacilityInd   uint32 = 0x0114
	StartDTMFInd  uint32 = 0x0115
	StartDTMFRsp  uint32 = 0x0116
	StartDTMFRej  uint32 = 0x0117
	StopDTMFInd   uint32 = 0x0118
	StopDTMFRsp   uint32 = 0x0119
	ModifyReq     uint32 = 0x011a
	ModifyInd     uint32 = 0x011b
	ModifyRsp     uint32 = 0x011c
	ModifyCnf     uint32 = 0x011d
	ModifyRej     uint32 = 0x011e
	HoldInd       uint32 = 0x011f
	HoldCnf       uint32 = 0x0120
	HoldRej       uint32 = 0x0121
	RetrieveInd   uint32 = 0x0122
	RetrieveCnf   uint32 = 0x0123
	RetrieveRej   uint32 = 0x0124
	UserinfoReq   uint32 = 0x0125
	UserinfoInd   uint32 = 0x0126
	RejReq        uint32 = 0x0127
	RejInd        uint32 = 0x0128
	Bridge        uint32 = 0x0200
	FrameRecv     uint32 = 0x0201
	FrameDrop     uint32 = 0x0202
	LchanModify   uint32 = 0x0203
	RTPCreate     uint32 = 0x0204
	RTPConnect    uint32 = 0x0205
	RTPFree       uint32 = 0x0206
	TCHFFrame     uint32 = 0x0300
	TCHFFrameEFR  uint32 = 0x0301
	TCHHFrame     uint32 = 0x0302
	TCHFrameAMR   uint32 = 0x0303
	BadFrame      uint32 = 0x03ff
	SocketHello   uint32 = 0x0400
)

var typeNames = map[uint32]string{
	SetupReq: "MNCC_SETUP_REQ", SetupInd: "MNCC_SETUP_IND", SetupRsp: "MNCC_SETUP_RSP",
	SetupCnf: "MNCC_SETUP_CNF", SetupComplReq: "MNCC_SETUP_COMPL_REQ", SetupComplInd: "MNCC_SETUP_COMPL_IND",
	CallConfInd: "MNCC_CALL_CONF_IND", CallProcReq: "MNCC_CALL_PROC_REQ", ProgressReq: "MNCC_PROGRESS_REQ",
	AlertReq: "MNCC_ALERT_REQ", AlertInd: "MNCC_ALERT_IND", NotifyReq: "MNCC_NOTIFY_REQ",
	NotifyInd: "MNCC_NOTIFY_IND", DiscReq: "MNCC_DISC_REQ", DiscInd: "MNCC_DISC_IND",
	RelReq: "MNCC_REL_REQ", RelInd: "MNCC_REL_IND", RelCnf: "MNCC_REL_CNF",
	FacilityReq: "MNCC_FACILITY_REQ", FacilityInd: "MNCC_FACILITY_IND",
	StartDTMFInd: "MNCC_START_DTMF_IND", StartDTMFRsp: "MNCC_START_DTMF_RSP", StartDTMFRej: "MNCC_START_DTMF_REJ",
	StopDTMFInd: "MNCC_STOP_DTMF_IND", StopDTMFRsp: "MNCC_STOP_DTMF_RSP",
	ModifyReq: "MNCC_MODIFY_REQ", ModifyInd: "MNCC_MODIFY_IND", ModifyRsp: "MNCC_MODIFY_RSP",
	ModifyCnf: "MNCC_MODIFY_CNF", ModifyRej: "MNCC_MODIFY_REJ",
	HoldInd: "MNCC_HOLD_IND", HoldCnf: "MNCC_HOLD_CNF", HoldRej: "MNCC_HOLD_REJ",
	RetrieveInd: "MNCC_RETRIEVE_IND", RetrieveCnf: "MNCC_RETRIEVE_CNF", RetrieveRej: "MNCC_RETRIEVE_REJ",
	UserinfoReq: "MNCC_USERINFO_REQ", UserinfoInd: "MNCC_USERINFO_IND",
	RejReq: "MNCC_REJ_REQ", RejInd: "MNCC_REJ_IND",
	Bridge: "MNCC_BRIDGE", FrameRecv: "MNCC_FRAME_RECV", FrameDrop: "MNCC_FRAME_DROP",
	LchanModify: "MNCC_LCHAN_MODIFY", RTPCreate: "MNCC_RTP_CREATE", RTPConnect: "MNCC_RTP_CONNECT",
	RTPFree: "MNCC_RTP_FREE", TCHFFrame: "GSM_TCHF_FRAME", TCHFFrameEFR: "GSM_TCHF_FRAME_EFR",
	TCHHFrame: "GSM_TCHH_FRAME", TCHFrameAMR: "GSM_TCH_FRAME_AMR", BadFrame: "GSM_BAD_FRAME",
	SocketHello: "MNCC_SOCKET_HELLO",
}

// TypeName returns the symbolic name of a message type.
func TypeName(t uint32) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MNCC_UNKNOWN(0x%04x)", t)
}

// Field presence flags of Message.Fields.
const (
	FieldBearerCap   uint32 = 0x0001
	FieldCalled      uint32 = 0x0002
	FieldCalling     uint32 = 0x0004
	FieldRedirecting uint32 = 0x0008
	FieldConnected   uint32 = 0x0010
	FieldCause       uint32 = 0x0020
	FieldUserUser    uint32 = 0x0040
	FieldProgress    uint32 = 0x0080
	FieldEmergency   uint32 = 0x0100
	FieldFacility    uint32 = 0x0200
	FieldSSVersion   uint32 = 0x0400
	FieldCCCap       uint32 = 0x0800
	FieldKeypad      uint32 = 0x1000
	FieldSignal      uint32 = 0x2000
	FieldGCR         uint32 = 0x4000
)

// Cause coding and location sent on outgoing messages: GSM coding,
// private network serving the local user.
const (
	causeCodingGSM      = 3
	causeLocationPrivLU = 1
)

// Number is a party number. Digits is NUL terminated.
type Number struct {
	Type    int32
	Plan    int32
	Present int32
	Screen  int32
	Digits  [33]byte
	_       [3]byte
}

// NewNumber returns an ISDN/E.164 number of unknown type holding digits.
func NewNumber(digits string) Number {
	n := Number{Plan: 1}
	copy(n.Digits[:len(n.Digits)-1], digits)
	return n
}

// String returns the digits up to the first NUL.
func (n Number) String() string { return cString(n.Digits[:]) }

// Cause is a clearing cause information element.
type Cause struct {
	Location int32
	Coding   int32
	Rec      int32
	RecVal   int32
	Value    int32
	DiagLen  int32
	Diag     [32]byte
}

// Progress is a progress indicator information element.
type Progress struct {
	Coding   int32
	Location int32
	Descr    int32
}

// Clir carries the calling line restriction flags.
type Clir struct {
	Sup int32
	Inv int32
}

// GCR is the global call reference, opaque to the gateway.
type GCR struct {
	Len  uint32
	Data [16]byte
}

// Bytes returns the significant part of g.
func (g GCR) Bytes() []byte {
	n := int(g.Len)
	if n > len(g.Data) {
		n = len(g.Data)
	}
	return append([]byte(nil), g.Data[:n]...)
}

// NewGCR builds a GCR element from b, truncated to the element size.
func NewGCR(b []byte) GCR {
	var g GCR
	g.Len = uint32(copy(g.Data[:], b))
	return g
}

// Message is the call control record exchanged for every 0x01xx type and
// MNCC_LCHAN_MODIFY.
type Message struct {
	MsgType   uint32
	Callref   uint32
	Fields    uint32
	Called    Number
	Calling   Number
	Cause     Cause
	Progress  Progress
	Emergency int32
	Signal    int32
	Keypad    int32
	More      int32
	Clir      Clir
	IMSI      [16]byte
	GCR       GCR
	LchanType uint8
	LchanMode uint8
	_         [2]byte
}

// SubscriberIMSI returns the IMSI digits.
func (m *Message) SubscriberIMSI() string { return cString(m.IMSI[:]) }

// SetCause fills the cause element and flags it present.
func (m *Message) SetCause(value int) {
	m.Fields |= FieldCause
	m.Cause = Cause{
		Location: causeLocationPrivLU,
		Coding:   causeCodingGSM,
		Value:    int32(value),
	}
}

// RTP is the bearer record for MNCC_RTP_CREATE/CONNECT/FREE.
type RTP struct {
	MsgType        uint32
	Callref        uint32
	IP             uint32
	Port           uint16
	_              [2]byte
	PayloadType    uint32
	PayloadMsgType uint32
}

// Addr returns the endpoint address.
func (r *RTP) Addr() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], r.IP)
	return netip.AddrFrom4(b)
}

// SetAddr stores an IPv4 address. Other addresses are stored as zero.
func (r *RTP) SetAddr(ip netip.Addr) {
	if !ip.Is4() {
		r.IP = 0
		return
	}
	b := ip.As4()
	r.IP = binary.BigEndian.Uint32(b[:])
}

// Hello is the handshake record sent by the switch on connect.
type Hello struct {
	MsgType         uint32
	Version         uint32
	MnccSize        uint32
	DataFrameSize   uint32
	CalledOffset    uint32
	SignalOffset    uint32
	EmergencyOffset uint32
	LchanTypeOffset uint32
}

// Frame is the header of a traffic or bridge record. Such records are
// accepted but never acted upon.
type Frame struct {
	MsgType uint32
	Callref uint32
}

// Record sizes and field offsets of this build. They are checked against
// the values the switch announces in its hello.
const (
	messageSize     = 248
	rtpSize         = 24
	helloSize       = 32
	dataFrameSize   = 8
	calledOffset    = 12
	emergencyOffset = 184
	signalOffset    = 188
	lchanTypeOffset = 244
)

// LocalHello returns the hello this build would announce.
func LocalHello() Hello {
	return Hello{
		MsgType:         SocketHello,
		Version:         ProtocolVersion,
		MnccSize:        messageSize,
		DataFrameSize:   dataFrameSize,
		CalledOffset:    calledOffset,
		SignalOffset:    signalOffset,
		EmergencyOffset: emergencyOffset,
		LchanTypeOffset: lchanTypeOffset,
	}
}

// Check compares h against the local layout.
func (h *Hello) Check() error {
	want := LocalHello()
	switch {
	case h.Version != want.Version:
		return fmt.Errorf("%w: version %d, want %d", ErrVersionMismatch, h.Version, want.Version)
	case h.MnccSize != want.MnccSize:
		return fmt.Errorf("%w: mncc size %d, want %d", ErrVersionMismatch, h.MnccSize, want.MnccSize)
	case h.DataFrameSize != want.DataFrameSize:
		return fmt.Errorf("%w: data frame size %d, want %d", ErrVersionMismatch, h.DataFrameSize, want.DataFrameSize)
	case h.CalledOffset != want.CalledOffset:
		return fmt.Errorf("%w: called offset %d, want %d", ErrVersionMismatch, h.CalledOffset, want.CalledOffset)
	case h.SignalOffset != want.SignalOffset:
		return fmt.Errorf("%w: signal offset %d, want %d", ErrVersionMismatch, h.SignalOffset, want.SignalOffset)
	case h.EmergencyOffset != want.EmergencyOffset:
		return fmt.Errorf("%w: emergency offset %d, want %d", ErrVersionMismatch, h.EmergencyOffset, want.EmergencyOffset)
	case h.LchanTypeOffset != want.LchanTypeOffset:
		return fmt.Errorf("%w: lchan type offset %d, want %d", ErrVersionMismatch, h.LchanTypeOffset, want.LchanTypeOffset)
	}
	return nil
}

// recordFor returns an empty record of the type that carries t.
func recordFor(t uint32) (any, error) {
	switch {
	case t >= SetupReq && t <= RejInd, t == LchanModify:
		return &Message{}, nil
	case t >= RTPCreate && t <= RTPFree:
		return &RTP{}, nil
	case t == SocketHello:
		return &Hello{}, nil
	case t >= Bridge && t <= FrameDrop, t >= TCHFFrame && t <= TCHFrameAMR, t == BadFrame:
		return &Frame{}, nil
	}
	return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownMessage, t)
}

// Decode parses one record. It returns *Message, *RTP, *Hello or *Frame.
// Trailing bytes beyond the fixed record size are ignored.
func Decode(buf []byte) (any, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(buf))
	}
	t := binary.LittleEndian.Uint32(buf)
	rec, err := recordFor(t)
	if err != nil {
		return nil, err
	}
	if size := binary.Size(rec); len(buf) < size {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrShortMessage, TypeName(t), len(buf), size)
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", TypeName(t), err)
	}
	return rec, nil
}

// Encode serialises a record in wire order.
func Encode(rec any) ([]byte, error) {
	return binary.Append(nil, binary.LittleEndian, rec)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// setCString copies s into dst leaving room for the terminating NUL.
func setCString(dst []byte, s string) {
	clear(dst)
	copy(dst[:len(dst)-1], s)
}
