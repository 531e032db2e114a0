package call

// Clearing causes (Q.850 / 3GPP TS 24.008 10.5.4.11) referenced by the
// adapters. The SIP status mapping lives with the SIP adapter.
const (
	CauseUnassignedNumber        = 1
	CauseNormalClearing          = 16
	CauseUserBusy                = 17
	CauseNoUserResponding        = 18
	CauseCallRejected            = 21
	CauseNumberChanged           = 22
	CauseExchangeRoutingError    = 25
	CauseInvalidNumberFormat     = 28
	CauseNormalUnspecified       = 31
	CauseNetworkOutOfOrder       = 38
	CauseTemporaryFailure        = 41
	CauseBearerNotAvailable      = 58
	CauseServiceNotImplemented   = 79
	CauseIncompatibleDestination = 88
	CauseInvalidMandatoryInfo    = 96
	CauseRecoveryOnTimerExpiry   = 102
	CauseInterworking            = 127
)
