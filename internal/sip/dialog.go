// Package sip implements the SIP side of the gateway: the per-leg dialog
// state machine, the SDP and cause translation towards the switch, and the
// sipgo binding that carries it on the wire.
package sip

// Header is an extra header attached to an outgoing INVITE.
type Header struct {
	Name  string
	Value string
}

// Dialog is one SIP dialog as seen by a call leg. Implementations send the
// requests and responses named by each method; none of them block on the
// peer. Results arrive later as events on the Agent.
type Dialog interface {
	// ID is a stable identifier for logging, usually the Call-ID.
	ID() string

	// Respond answers the initial INVITE of an inbound dialog, or the
	// re-INVITE currently being processed.
	Respond(code int, reason string, sdp []byte) error

	// Invite sends the initial INVITE of an outbound dialog.
	Invite(sdp []byte) error

	// ReInvite sends an in-dialog INVITE carrying sdp.
	ReInvite(sdp []byte) error

	// Ack acknowledges the last 2xx to an INVITE we sent.
	Ack(sdp []byte) error

	Cancel() error
	Bye() error
	Info(contentType string, body []byte) error

	// Destroy forgets the dialog. Subsequent requests for it are answered
	// with 481 and pending events are dropped.
	Destroy()
}

// UserAgent creates outbound dialogs.
type UserAgent interface {
	NewDialog(from, to string, headers []Header) (Dialog, error)
}

// Invite is the content of an inbound INVITE handed to the Agent.
type Invite struct {
	// From and To are the user parts of the respective URIs.
	From string
	To   string
	SDP  []byte

	// GCR is the decoded global call reference, if the peer sent one.
	GCR []byte
}

// EventHandler receives dialog events. All methods run on the loop.
type EventHandler interface {
	HandleInvite(d Dialog, inv Invite)
	HandleAck(d Dialog, sdp []byte)
	HandleResponse(d Dialog, method string, status int, reason string, sdp []byte)
	HandleBye(d Dialog)
	HandleCancel(d Dialog)
	HandleInfo(d Dialog, contentType string, body []byte)
	HandleTransactionError(d Dialog, method string, err error)
}
