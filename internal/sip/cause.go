package sip

import (
	"github.com/flowpbx/sipconnector/internal/call"
)

// causeMapping pairs a SIP final status with a clearing cause. text is a
// readable name for logs.
type causeMapping struct {
	status int
	reason string
	cause  int
	text   string
}

// causeTable is searched in order. Statuses are unique, so the status to
// cause direction is exact; the cause to status direction takes the first
// row carrying the cause. The last row is the fallback for both.
var causeTable = []causeMapping{
	{486, "Busy Here", call.CauseUserBusy, "user busy"},
	{600, "Busy Everywhere", call.CauseUserBusy, "user busy everywhere"},
	{487, "Request Terminated", call.CauseNormalClearing, "call cancelled"},
	{404, "Not Found", call.CauseUnassignedNumber, "unassigned number"},
	{604, "Does Not Exist Anywhere", call.CauseUnassignedNumber, "number does not exist"},
	{485, "Ambiguous", call.CauseUnassignedNumber, "ambiguous address"},
	{410, "Gone", call.CauseNumberChanged, "number changed"},
	{484, "Address Incomplete", call.CauseInvalidNumberFormat, "invalid number format"},
	{403, "Forbidden", call.CauseCallRejected, "call rejected"},
	{603, "Decline", call.CauseCallRejected, "call declined"},
	{401, "Unauthorized", call.CauseCallRejected, "unauthorized"},
	{402, "Payment Required", call.CauseCallRejected, "payment required"},
	{407, "Proxy Authentication Required", call.CauseCallRejected, "proxy authentication required"},
	{408, "Request Timeout", call.CauseNoUserResponding, "no user responding"},
	{504, "Server Time-out", call.CauseRecoveryOnTimerExpiry, "recovery on timer expiry"},
	{488, "Not Acceptable Here", call.CauseIncompatibleDestination, "incompatible destination"},
	{606, "Not Acceptable", call.CauseBearerNotAvailable, "bearer capability not available"},
	{406, "Not Acceptable", call.CauseServiceNotImplemented, "service not implemented"},
	{501, "Not Implemented", call.CauseServiceNotImplemented, "service not implemented"},
	{502, "Bad Gateway", call.CauseNetworkOutOfOrder, "network out of order"},
	{503, "Service Unavailable", call.CauseTemporaryFailure, "temporary failure"},
	{500, "Server Internal Error", call.CauseTemporaryFailure, "temporary failure"},
	{481, "Call/Transaction Does Not Exist", call.CauseTemporaryFailure, "temporary failure"},
	{482, "Loop Detected", call.CauseExchangeRoutingError, "exchange routing error"},
	{483, "Too Many Hops", call.CauseExchangeRoutingError, "exchange routing error"},
	{505, "Version Not Supported", call.CauseInterworking, "interworking unspecified"},
	{513, "Message Too Large", call.CauseInterworking, "interworking unspecified"},
	{480, "Temporarily Unavailable", call.CauseNormalUnspecified, "normal unspecified"},
}

func fallbackMapping() causeMapping {
	return causeTable[len(causeTable)-1]
}

// mappingForCause returns the first row carrying cause. ok is false when
// the fallback row was used.
func mappingForCause(cause int) (causeMapping, bool) {
	for _, m := range causeTable {
		if m.cause == cause {
			return m, true
		}
	}
	return fallbackMapping(), false
}

// mappingForStatus returns the row for a SIP final status, or the fallback.
func mappingForStatus(status int) (causeMapping, bool) {
	for _, m := range causeTable {
		if m.status == status {
			return m, true
		}
	}
	return fallbackMapping(), false
}

// StatusFor returns the SIP final status and reason phrase used to reject
// a call cleared with cause. ok is false when cause has no row of its own.
func StatusFor(cause int) (status int, reason string, ok bool) {
	m, ok := mappingForCause(cause)
	return m.status, m.reason, ok
}

// CauseFor returns the clearing cause for a SIP final status. ok is false
// when the status has no row of its own.
func CauseFor(status int) (cause int, ok bool) {
	m, ok := mappingForStatus(status)
	return m.cause, ok
}

// CauseText describes cause for logs.
func CauseText(cause int) string {
	m, ok := mappingForCause(cause)
	if !ok {
		return "unknown"
	}
	return m.text
}
