// Package media is the session description collaborator of the gateway:
// it screens SIP offers for codecs the mobile side can carry, extracts the
// remote RTP endpoint, builds descriptions for a bearer and manipulates
// the media direction attribute. No RTP passes through here.
package media

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	// ErrNoSDP is returned when a body is empty or cannot be parsed.
	ErrNoSDP = errors.New("no session description")
	// ErrNoCodec is returned when no audio stream offers an acceptable codec.
	ErrNoCodec = errors.New("no matching codec")
	// ErrNoConnection is returned when no IPv4 connection address is present.
	ErrNoConnection = errors.New("no ipv4 connection address")
)

// Mode is an SDP media direction.
type Mode int

const (
	ModeUnset Mode = iota
	ModeInactive
	ModeSendRecv
	ModeSendOnly
	ModeRecvOnly
)

// String returns the attribute name of m.
func (m Mode) String() string {
	switch m {
	case ModeInactive:
		return "inactive"
	case ModeSendRecv:
		return "sendrecv"
	case ModeSendOnly:
		return "sendonly"
	case ModeRecvOnly:
		return "recvonly"
	default:
		return "unset"
	}
}

func modeFromAttribute(key string) Mode {
	switch key {
	case "inactive":
		return ModeInactive
	case "sendrecv":
		return ModeSendRecv
	case "sendonly":
		return ModeSendOnly
	case "recvonly":
		return ModeRecvOnly
	}
	return ModeUnset
}

// Endpoint is the remote RTP endpoint and codec taken from a description.
type Endpoint struct {
	IP          netip.Addr
	Port        uint16
	PayloadType int
	Codec       Codec
}

func parse(body []byte) (*sdp.SessionDescription, error) {
	if len(body) == 0 {
		return nil, ErrNoSDP
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSDP, err)
	}
	return desc, nil
}

func isRTPAudio(m *sdp.MediaDescription) bool {
	if m.MediaName.Media != "audio" || len(m.MediaName.Protos) == 0 {
		return false
	}
	return m.MediaName.Protos[0] == "RTP"
}

// rtpmap is one payload type of an m= line with its encoding name.
type rtpmap struct {
	pt       int
	encoding string
}

// payloads returns the payload types of m in m= line order, resolving
// names from a=rtpmap or, for static types, from the RFC 3551 table.
func payloads(m *sdp.MediaDescription) []rtpmap {
	names := make(map[int]string)
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		ptStr, rest, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil {
			continue
		}
		enc, _, _ := strings.Cut(strings.TrimSpace(rest), "/")
		names[pt] = enc
	}

	out := make([]rtpmap, 0, len(m.MediaName.Formats))
	for _, f := range m.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		enc, ok := names[pt]
		if !ok {
			enc = staticEncoding[pt]
		}
		out = append(out, rtpmap{pt: pt, encoding: enc})
	}
	return out
}

// Screen reports whether body offers at least one supported codec on an
// RTP audio stream. Final codec choice happens later.
func Screen(body []byte) bool {
	desc, err := parse(body)
	if err != nil {
		return false
	}
	for _, m := range desc.MediaDescriptions {
		if !isRTPAudio(m) {
			continue
		}
		for _, p := range payloads(m) {
			if _, ok := CodecByName(p.encoding); ok {
				return true
			}
		}
	}
	return false
}

// Extract returns the RTP endpoint of body. When wanted is empty the first
// supported codec is taken, otherwise only a codec of that name matches.
func Extract(body []byte, wanted string) (Endpoint, error) {
	desc, err := parse(body)
	if err != nil {
		return Endpoint{}, err
	}

	for _, m := range desc.MediaDescriptions {
		if !isRTPAudio(m) {
			continue
		}
		for _, p := range payloads(m) {
			codec, ok := CodecByName(p.encoding)
			if !ok {
				continue
			}
			if wanted != "" && !strings.EqualFold(wanted, codec.Name) {
				continue
			}

			ip, err := connectionAddress(desc, m)
			if err != nil {
				return Endpoint{}, err
			}
			return Endpoint{
				IP:          ip,
				Port:        uint16(m.MediaName.Port.Value),
				PayloadType: p.pt,
				Codec:       codec,
			}, nil
		}
	}
	return Endpoint{}, ErrNoCodec
}

// connectionAddress prefers the media-level c= line over the session one.
func connectionAddress(desc *sdp.SessionDescription, m *sdp.MediaDescription) (netip.Addr, error) {
	for _, ci := range []*sdp.ConnectionInformation{m.ConnectionInformation, desc.ConnectionInformation} {
		if ci == nil || ci.Address == nil || ci.AddressType != "IP4" {
			continue
		}
		ip, err := netip.ParseAddr(ci.Address.Address)
		if err != nil || !ip.Is4() {
			continue
		}
		return ip, nil
	}
	return netip.Addr{}, ErrNoConnection
}

// Build creates a description advertising a single audio stream at ep
// with the given direction.
func Build(ep Endpoint, mode Mode) ([]byte, error) {
	if !ep.IP.IsValid() {
		return nil, ErrNoConnection
	}
	if mode == ModeUnset {
		mode = ModeSendRecv
	}
	addr := ep.IP.String()
	pt := strconv.Itoa(ep.PayloadType)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "sipconnector",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "GSM Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: int(ep.Port)},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d", pt, ep.Codec.Name, ep.Codec.ClockRate)},
					{Key: mode.String()},
				},
			},
		},
	}
	return desc.Marshal()
}

// GetMode returns the direction of the first audio stream, falling back
// to the session-level attribute. A description without one is unset.
func GetMode(body []byte) Mode {
	desc, err := parse(body)
	if err != nil {
		return ModeUnset
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, a := range m.Attributes {
			if mode := modeFromAttribute(a.Key); mode != ModeUnset {
				return mode
			}
		}
		break
	}
	for _, a := range desc.Attributes {
		if mode := modeFromAttribute(a.Key); mode != ModeUnset {
			return mode
		}
	}
	return ModeUnset
}
