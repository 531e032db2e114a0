package media

import "strings"

// Codec describes a voice codec the mobile side can carry, together with
// the TCH frame message type the switch uses for it.
type Codec struct {
	Name           string
	ClockRate      int
	PayloadType    int // static payload type, or the dynamic one we offer
	PayloadMsgType uint32
}

// Supported codecs in offer preference order.
var codecs = []Codec{
	{Name: "GSM", ClockRate: 8000, PayloadType: 3, PayloadMsgType: 0x0300},
	{Name: "GSM-EFR", ClockRate: 8000, PayloadType: 110, PayloadMsgType: 0x0301},
	{Name: "GSM-HR-08", ClockRate: 8000, PayloadType: 111, PayloadMsgType: 0x0302},
	{Name: "AMR", ClockRate: 8000, PayloadType: 112, PayloadMsgType: 0x0303},
}

// CodecByName returns the supported codec with the given encoding name
// (case-insensitive).
func CodecByName(name string) (Codec, bool) {
	for _, c := range codecs {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Codec{}, false
}

// CodecByMsgType returns the codec carried by the given TCH frame type.
func CodecByMsgType(msgType uint32) (Codec, bool) {
	for _, c := range codecs {
		if c.PayloadMsgType == msgType {
			return c, true
		}
	}
	return Codec{}, false
}

// staticEncoding maps RFC 3551 static payload types that may appear in an
// m= line without an rtpmap attribute.
var staticEncoding = map[int]string{
	0: "PCMU",
	3: "GSM",
	8: "PCMA",
	9: "G722",
}
