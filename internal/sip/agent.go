package sip

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/media"
)

// GCRHeader carries the hex encoded global call reference on INVITEs.
const GCRHeader = "X-Global-Call-Ref"

// ErrNoInitialLeg is returned when a remote leg is requested for a call
// whose origin is already gone.
var ErrNoInitialLeg = errors.New("call has no initial leg")

// Router hands a call whose origin leg is identified to the mediator.
type Router interface {
	Route(c *call.Call)
}

// AgentConfig holds the addresses used to build URIs of outbound dialogs.
type AgentConfig struct {
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int
}

// Agent runs the SIP leg state machines. It receives dialog events from
// the binding and creates outbound dialogs through a UserAgent. All
// methods must be called on the loop goroutine.
type Agent struct {
	cfg      AgentConfig
	ua       UserAgent
	registry *call.Registry
	router   Router
	logger   *slog.Logger
}

var _ EventHandler = (*Agent)(nil)

// NewAgent creates an agent. ua and router may be set later.
func NewAgent(cfg AgentConfig, ua UserAgent, registry *call.Registry, router Router, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		ua:       ua,
		registry: registry,
		router:   router,
		logger:   logger.With("component", "sip"),
	}
}

// SetUserAgent sets the binding used for outbound dialogs.
func (a *Agent) SetUserAgent(ua UserAgent) { a.ua = ua }

// SetRouter sets the mediator.
func (a *Agent) SetRouter(r Router) { a.router = r }

func (a *Agent) localURI(user string) string {
	return fmt.Sprintf("sip:%s@%s:%d", user, a.cfg.LocalAddr, a.cfg.LocalPort)
}

func (a *Agent) remoteURI(user string) string {
	return fmt.Sprintf("sip:%s@%s:%d", user, a.cfg.RemoteAddr, a.cfg.RemotePort)
}

// legFor returns the leg owning d, or nil once it has been released.
func (a *Agent) legFor(d Dialog) *Leg {
	leg := a.registry.FindLeg(func(l call.Leg) bool {
		s, ok := l.(*Leg)
		return ok && s.dialog == d
	})
	if leg == nil {
		return nil
	}
	return leg.(*Leg)
}

// HandleInvite starts a new call for an unknown dialog and treats an
// INVITE on a known one as a re-INVITE.
func (a *Agent) HandleInvite(d Dialog, inv Invite) {
	if leg := a.legFor(d); leg != nil {
		leg.handleReInvite(inv.SDP)
		return
	}
	a.newCall(d, inv)
}

func (a *Agent) newCall(d Dialog, inv Invite) {
	logger := a.logger.With("dialog", d.ID(), "from", inv.From, "to", inv.To)

	if !media.Screen(inv.SDP) {
		logger.Info("rejecting call without supported codec")
		a.reject(d, 488, "Not Acceptable Here")
		return
	}
	ep, err := media.Extract(inv.SDP, "")
	if err != nil {
		logger.Info("rejecting call with unusable offer", "error", err)
		a.reject(d, 488, "Not Acceptable Here")
		return
	}

	leg := &Leg{
		agent:  a,
		dialog: d,
		state:  LegDialogConfirmed,
		dir:    Incoming,
	}
	leg.SetMedia(ep.IP, ep.Port, ep.PayloadType)
	leg.UpdateSDP(inv.SDP)

	c := a.registry.Create(leg)
	c.Source = inv.From
	c.Dest = inv.To
	c.GCR = inv.GCR

	leg.logger().Info("sip call setup",
		"from", inv.From, "to", inv.To, "codec", ep.Codec.Name, "rtp", fmt.Sprintf("%s:%d", ep.IP, ep.Port))
	a.router.Route(c)
}

func (a *Agent) reject(d Dialog, code int, reason string) {
	if err := d.Respond(code, reason, nil); err != nil {
		a.logger.Error("failed to send rejection", "dialog", d.ID(), "status", code, "error", err)
	}
	d.Destroy()
}

// HandleAck applies SDP carried late in an ACK.
func (a *Agent) HandleAck(d Dialog, sdp []byte) {
	leg := a.legFor(d)
	if leg == nil {
		a.logger.Debug("ack for unknown dialog", "dialog", d.ID())
		return
	}
	if len(sdp) > 0 {
		leg.applyRemoteSDP(sdp)
	}
}

// HandleResponse dispatches a response to a request the leg sent.
func (a *Agent) HandleResponse(d Dialog, method string, status int, reason string, sdp []byte) {
	leg := a.legFor(d)
	if leg == nil {
		a.logger.Debug("response for unknown dialog", "dialog", d.ID(), "method", method, "status", status)
		return
	}

	switch method {
	case "INVITE":
		leg.handleInviteResponse(status, reason, sdp)
	case "BYE", "CANCEL":
		if status >= 200 {
			leg.logger().Info("release answered", "method", method, "status", status)
			leg.dialog.Destroy()
			leg.free()
		}
	default:
		leg.logger().Debug("response ignored", "method", method, "status", status)
	}
}

// HandleBye clears the leg and its sibling with normal clearing.
func (a *Agent) HandleBye(d Dialog) {
	leg := a.legFor(d)
	if leg == nil {
		a.logger.Debug("bye for unknown dialog", "dialog", d.ID())
		return
	}
	leg.logger().Info("remote hangup")
	leg.terminate(call.CauseNormalClearing)
}

// HandleCancel clears an inbound leg whose INVITE was cancelled.
func (a *Agent) HandleCancel(d Dialog) {
	leg := a.legFor(d)
	if leg == nil {
		a.logger.Debug("cancel for unknown dialog", "dialog", d.ID())
		return
	}
	leg.logger().Info("call cancelled by caller")
	leg.terminate(call.CauseNormalClearing)
}

// HandleInfo forwards a DTMF digit carried in an INFO to the sibling.
func (a *Agent) HandleInfo(d Dialog, contentType string, body []byte) {
	leg := a.legFor(d)
	if leg == nil {
		a.logger.Debug("info for unknown dialog", "dialog", d.ID())
		return
	}
	info, err := media.ParseSIPInfoDTMF(contentType, body)
	if err != nil {
		leg.logger().Debug("info without dtmf ignored", "content_type", contentType, "error", err)
		return
	}
	if other := leg.sibling(); other != nil {
		leg.logger().Debug("forwarding dtmf", "digit", string(info.Signal))
		other.DTMF(info.Signal)
	}
}

// HandleTransactionError treats a failed INVITE like a timeout and a
// failed BYE or CANCEL like its answer.
func (a *Agent) HandleTransactionError(d Dialog, method string, err error) {
	leg := a.legFor(d)
	if leg == nil {
		return
	}
	leg.logger().Error("sip transaction failed", "method", method, "error", err)

	switch method {
	case "INVITE":
		leg.handleInviteResponse(408, "Request Timeout", nil)
	case "BYE", "CANCEL":
		leg.dialog.Destroy()
		leg.free()
	}
}

// CreateRemoteLeg attaches an outbound SIP leg to c and sends the INVITE.
// The offer uses the RTP endpoint and codec of the call's initial leg.
func (a *Agent) CreateRemoteLeg(c *call.Call) error {
	if c.Initial == nil {
		return ErrNoInitialLeg
	}
	ob := c.Initial.Base()
	codec, ok := media.CodecByMsgType(ob.PayloadMsgType)
	if !ok {
		return fmt.Errorf("%w: payload msg type %#x", media.ErrNoCodec, ob.PayloadMsgType)
	}
	pt := ob.PayloadType
	if pt == 0 {
		pt = codec.PayloadType
	}

	offer, err := media.Build(media.Endpoint{IP: ob.IP, Port: ob.Port, PayloadType: pt, Codec: codec}, media.ModeSendRecv)
	if err != nil {
		return fmt.Errorf("building offer: %w", err)
	}

	var headers []Header
	if len(c.GCR) > 0 {
		headers = append(headers, Header{Name: GCRHeader, Value: hex.EncodeToString(c.GCR)})
	}

	d, err := a.ua.NewDialog(a.localURI(c.Source), a.remoteURI(c.Dest), headers)
	if err != nil {
		return fmt.Errorf("creating dialog: %w", err)
	}

	leg := &Leg{
		agent:  a,
		dialog: d,
		state:  LegInitial,
		dir:    Outgoing,
		codec:  codec.Name,
	}
	a.registry.AttachRemote(c, leg)

	if err := d.Invite(offer); err != nil {
		d.Destroy()
		leg.InRelease = true
		a.registry.ReleaseLeg(leg)
		return fmt.Errorf("sending invite: %w", err)
	}
	leg.logger().Info("sip call created", "source", c.Source, "dest", c.Dest, "codec", codec.Name)
	return nil
}
