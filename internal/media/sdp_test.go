package media

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func offer(mline string, attrs ...string) []byte {
	lines := []string{
		"v=0",
		"o=- 1 1 IN IP4 192.0.2.10",
		"s=-",
		"c=IN IP4 192.0.2.10",
		"t=0 0",
		mline,
	}
	for _, a := range attrs {
		lines = append(lines, "a="+a)
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestScreen(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{"gsm by rtpmap", offer("m=audio 4000 RTP/AVP 3", "rtpmap:3 GSM/8000"), true},
		{"gsm static without rtpmap", offer("m=audio 4000 RTP/AVP 3"), true},
		{"amr dynamic", offer("m=audio 4000 RTP/AVP 0 98", "rtpmap:0 PCMU/8000", "rtpmap:98 AMR/8000"), true},
		{"efr lowercase", offer("m=audio 4000 RTP/AVP 97", "rtpmap:97 gsm-efr/8000"), true},
		{"only pcmu and pcma", offer("m=audio 4000 RTP/AVP 0 8", "rtpmap:0 PCMU/8000", "rtpmap:8 PCMA/8000"), false},
		{"video only", offer("m=video 4000 RTP/AVP 3", "rtpmap:3 GSM/8000"), false},
		{"empty", nil, false},
		{"garbage", []byte("not sdp"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Screen(tt.body); got != tt.want {
				t.Errorf("Screen() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	body := offer("m=audio 4000 RTP/AVP 0 98 3",
		"rtpmap:0 PCMU/8000", "rtpmap:98 AMR/8000", "rtpmap:3 GSM/8000")

	tests := []struct {
		name    string
		wanted  string
		wantPT  int
		wantErr error
	}{
		{"any takes first supported", "", 98, nil},
		{"wanted gsm", "GSM", 3, nil},
		{"wanted amr case-insensitive", "amr", 98, nil},
		{"wanted efr missing", "GSM-EFR", 0, ErrNoCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := Extract(body, tt.wanted)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Extract() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if ep.PayloadType != tt.wantPT {
				t.Errorf("PayloadType = %d, want %d", ep.PayloadType, tt.wantPT)
			}
			if ep.Port != 4000 {
				t.Errorf("Port = %d, want 4000", ep.Port)
			}
			if ep.IP != netip.MustParseAddr("192.0.2.10") {
				t.Errorf("IP = %v, want 192.0.2.10", ep.IP)
			}
		})
	}
}

func TestExtractMediaLevelConnection(t *testing.T) {
	body := []byte("v=0\r\no=- 1 1 IN IP4 192.0.2.10\r\ns=-\r\nc=IN IP4 192.0.2.10\r\nt=0 0\r\n" +
		"m=audio 5004 RTP/AVP 3\r\nc=IN IP4 198.51.100.7\r\na=rtpmap:3 GSM/8000\r\n")

	ep, err := Extract(body, "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if ep.IP != netip.MustParseAddr("198.51.100.7") {
		t.Errorf("IP = %v, want media-level address", ep.IP)
	}
}

func TestExtractWithoutConnection(t *testing.T) {
	body := []byte("v=0\r\no=- 1 1 IN IP4 192.0.2.10\r\ns=-\r\nt=0 0\r\nm=audio 4000 RTP/AVP 3\r\n")
	if _, err := Extract(body, ""); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Extract() error = %v, want %v", err, ErrNoConnection)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	codec, _ := CodecByName("AMR")
	ep := Endpoint{
		IP:          netip.MustParseAddr("10.9.1.2"),
		Port:        16002,
		PayloadType: codec.PayloadType,
		Codec:       codec,
	}

	body, err := Build(ep, ModeSendOnly)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(string(body), "a=rtpmap:112 AMR/8000") {
		t.Errorf("body missing rtpmap:\n%s", body)
	}

	got, err := Extract(body, "AMR")
	if err != nil {
		t.Fatalf("Extract(Build()) error = %v", err)
	}
	if got.IP != ep.IP || got.Port != ep.Port || got.PayloadType != ep.PayloadType {
		t.Errorf("Extract(Build()) = %+v, want %+v", got, ep)
	}
	if m := GetMode(body); m != ModeSendOnly {
		t.Errorf("GetMode() = %v, want %v", m, ModeSendOnly)
	}
}

func TestBuildRequiresAddress(t *testing.T) {
	if _, err := Build(Endpoint{}, ModeSendRecv); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Build() error = %v, want %v", err, ErrNoConnection)
	}
}

func TestGetMode(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want Mode
	}{
		{"sendonly", offer("m=audio 4000 RTP/AVP 3", "sendonly"), ModeSendOnly},
		{"recvonly", offer("m=audio 4000 RTP/AVP 3", "rtpmap:3 GSM/8000", "recvonly"), ModeRecvOnly},
		{"inactive", offer("m=audio 4000 RTP/AVP 3", "inactive"), ModeInactive},
		{"none", offer("m=audio 4000 RTP/AVP 3"), ModeUnset},
		{"invalid", []byte("x"), ModeUnset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetMode(tt.body); got != tt.want {
				t.Errorf("GetMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodecLookup(t *testing.T) {
	for _, c := range codecs {
		byMsg, ok := CodecByMsgType(c.PayloadMsgType)
		if !ok || byMsg.Name != c.Name {
			t.Errorf("CodecByMsgType(%#x) = %v, %v, want %s", c.PayloadMsgType, byMsg, ok, c.Name)
		}
	}
	if _, ok := CodecByName("PCMU"); ok {
		t.Error("CodecByName(PCMU) found, want unsupported")
	}
}
