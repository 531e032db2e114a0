package call

import (
	"fmt"
	"net/netip"
)

// Kind identifies the protocol variant of a leg.
type Kind int

const (
	KindNone Kind = iota
	KindSIP
	KindMNCC
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindSIP:
		return "SIP"
	case KindMNCC:
		return "MNCC"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Leg is one protocol endpoint of a bridged call. Release is mandatory;
// the remaining callbacks are optional and default to no-ops through
// LegBase.
type Leg interface {
	Base() *LegBase
	Kind() Kind
	State() string

	Release()
	Ring()
	Connect()
	DTMF(key byte)
	Hold()
	Retrieve()
	MediaUpdated()
}

// CodecSelector is implemented by legs whose codec is fixed late, after
// the sibling's bearer has been allocated.
type CodecSelector interface {
	SelectCodec(payloadMsgType uint32) error
}

// LegBase holds the fields every leg variant shares.
type LegBase struct {
	// CallID is the handle of the owning call. Zero once the leg has been
	// detached from its call.
	CallID uint32

	// InRelease is set when the leg has started its release sequence.
	InRelease bool

	// Cause is the last known clearing cause for this leg.
	Cause int

	// IP, Port, PayloadType and PayloadMsgType describe the most recently
	// observed remote RTP endpoint.
	IP             netip.Addr
	Port           uint16
	PayloadType    int
	PayloadMsgType uint32

	// SDP is the last received session description, kept verbatim.
	SDP string
}

func (b *LegBase) Base() *LegBase { return b }

func (b *LegBase) Ring()         {}
func (b *LegBase) Connect()      {}
func (b *LegBase) DTMF(byte)     {}
func (b *LegBase) Hold()         {}
func (b *LegBase) Retrieve()     {}
func (b *LegBase) MediaUpdated() {}

// HasMedia reports whether a remote RTP endpoint is known.
func (b *LegBase) HasMedia() bool {
	return b.IP.IsValid() && b.Port != 0
}

// UpdateSDP stores sdp unless it is empty, in which case the previously
// seen description is kept.
func (b *LegBase) UpdateSDP(sdp []byte) {
	if len(sdp) == 0 {
		return
	}
	b.SDP = string(sdp)
}

// SetMedia records a remote RTP endpoint and reports whether it differs
// from the one previously known.
func (b *LegBase) SetMedia(ip netip.Addr, port uint16, payloadType int) bool {
	changed := b.IP != ip || b.Port != port || b.PayloadType != payloadType
	b.IP = ip
	b.Port = port
	b.PayloadType = payloadType
	return changed
}
