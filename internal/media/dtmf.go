package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SIP INFO DTMF
//
// Keypad digits are carried out of band on the dialog. Two body formats
// are accepted on receive:
//
//  1. Content-Type: application/dtmf-relay
//     Signal=5\r\nDuration=160\r\n
//
//  2. Content-Type: application/dtmf
//     5
//
// Only the first is generated.

// DTMFRelayContentType is the content type used for outgoing INFO requests.
const DTMFRelayContentType = "application/dtmf-relay"

// DTMFDuration is the tone duration in milliseconds advertised on send.
const DTMFDuration = 160

// DTMFInfo represents a DTMF digit received via SIP INFO request.
type DTMFInfo struct {
	Signal   byte // '0'-'9', '*', '#', 'A'-'D'
	Duration int  // milliseconds, 0 if not specified
}

// ErrInvalidDTMFInfo is returned when a SIP INFO body cannot be parsed as DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// ValidDTMF reports whether c is a keypad signal.
func ValidDTMF(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c == '*' || c == '#':
		return true
	case c >= 'A' && c <= 'D':
		return true
	}
	return false
}

func parseSignal(value string) (byte, bool) {
	sig := strings.ToUpper(value)
	if len(sig) != 1 || !ValidDTMF(sig[0]) {
		return 0, false
	}
	return sig[0], true
}

// ParseDTMFInfoRelay parses an application/dtmf-relay body. Signal is
// required; Duration defaults to 0 if missing or unparseable.
func ParseDTMFInfoRelay(body []byte) (*DTMFInfo, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrInvalidDTMFInfo
	}

	info := &DTMFInfo{}
	foundSignal := false

	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "signal":
			sig, ok := parseSignal(value)
			if !ok {
				return nil, ErrInvalidDTMFInfo
			}
			info.Signal = sig
			foundSignal = true
		case "duration":
			d, err := strconv.Atoi(value)
			if err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}

	if !foundSignal {
		return nil, ErrInvalidDTMFInfo
	}
	return info, nil
}

// ParseDTMFInfoBody parses an application/dtmf body holding a single digit.
func ParseDTMFInfoBody(body []byte) (*DTMFInfo, error) {
	sig, ok := parseSignal(strings.TrimSpace(string(body)))
	if !ok {
		return nil, ErrInvalidDTMFInfo
	}
	return &DTMFInfo{Signal: sig}, nil
}

// ParseSIPInfoDTMF detects and parses DTMF from a SIP INFO body based on
// its Content-Type. Unsupported content types yield ErrInvalidDTMFInfo.
func ParseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/dtmf-relay":
		return ParseDTMFInfoRelay(body)
	case "application/dtmf":
		return ParseDTMFInfoBody(body)
	default:
		return nil, ErrInvalidDTMFInfo
	}
}

// FormatDTMFRelay builds an application/dtmf-relay body for key.
func FormatDTMFRelay(key byte) []byte {
	return fmt.Appendf(nil, "Signal=%c\r\nDuration=%d\r\n", key, DTMFDuration)
}
