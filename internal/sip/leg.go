package sip

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/media"
)

var errNoSibling = errors.New("leg has no sibling")

// LegState is the dialog state of a SIP leg.
type LegState int

const (
	LegInitial LegState = iota
	LegDialogConfirmed
	LegConnected
	LegHold
)

// String returns the string representation of LegState.
func (s LegState) String() string {
	switch s {
	case LegInitial:
		return "INITIAL"
	case LegDialogConfirmed:
		return "DLG_CONFIRMED"
	case LegConnected:
		return "CONNECTED"
	case LegHold:
		return "HOLD"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Direction tells whether the leg was created by an inbound INVITE or by
// the gateway.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// String returns "MO" for incoming and "MT" for outgoing legs.
func (d Direction) String() string {
	if d == Outgoing {
		return "MT"
	}
	return "MO"
}

// Leg is the SIP variant of a call leg.
type Leg struct {
	call.LegBase

	agent  *Agent
	dialog Dialog
	state  LegState
	dir    Direction

	// codec is the negotiated codec name. Empty on an incoming leg until
	// the sibling's bearer fixes it.
	codec string
}

var (
	_ call.Leg           = (*Leg)(nil)
	_ call.CodecSelector = (*Leg)(nil)
)

func (l *Leg) Kind() call.Kind { return call.KindSIP }

func (l *Leg) State() string { return l.state.String() }

// LegState returns the typed dialog state.
func (l *Leg) LegState() LegState { return l.state }

// Direction returns whether the leg is incoming or outgoing.
func (l *Leg) Direction() Direction { return l.dir }

// Dialog returns the dialog carrying the leg.
func (l *Leg) Dialog() Dialog { return l.dialog }

// Codec returns the negotiated codec name.
func (l *Leg) Codec() string { return l.codec }

func (l *Leg) logArgs(args ...any) []any {
	return append([]any{"call", l.CallID, "dialog", l.dialog.ID(), "state", l.state, "dir", l.dir}, args...)
}

func (l *Leg) logger() *slog.Logger {
	return l.agent.logger.With(l.logArgs()...)
}

func (l *Leg) sibling() call.Leg {
	return l.agent.registry.Other(l)
}

func (l *Leg) free() {
	l.InRelease = true
	l.agent.registry.ReleaseLeg(l)
}

// terminate drops the dialog and clears the leg and its sibling with
// cause.
func (l *Leg) terminate(cause int) {
	other := l.sibling()
	l.Cause = cause
	l.dialog.Destroy()
	l.free()
	if other != nil {
		other.Base().Cause = cause
		other.Release()
	}
}

func (l *Leg) releaseWithSibling(cause int) {
	other := l.sibling()
	l.Cause = cause
	l.Release()
	if other != nil {
		other.Base().Cause = cause
		other.Release()
	}
}

// localSDP describes the sibling's RTP endpoint with the leg's codec.
func (l *Leg) localSDP(mode media.Mode) ([]byte, error) {
	other := l.sibling()
	if other == nil {
		return nil, errNoSibling
	}
	ob := other.Base()

	codec, ok := media.CodecByName(l.codec)
	if !ok {
		codec, ok = media.CodecByMsgType(ob.PayloadMsgType)
	}
	if !ok {
		return nil, media.ErrNoCodec
	}
	pt := l.PayloadType
	if pt == 0 {
		pt = codec.PayloadType
	}
	return media.Build(media.Endpoint{IP: ob.IP, Port: ob.Port, PayloadType: pt, Codec: codec}, mode)
}

// applyRemoteSDP records the endpoint of sdp and tells the sibling when an
// established call's media moved.
func (l *Leg) applyRemoteSDP(sdp []byte) error {
	ep, err := media.Extract(sdp, l.codec)
	if err != nil {
		l.logger().Error("unusable sdp", "error", err)
		return err
	}
	changed := l.SetMedia(ep.IP, ep.Port, ep.PayloadType)
	l.UpdateSDP(sdp)

	if changed && (l.state == LegConnected || l.state == LegHold) {
		if other := l.sibling(); other != nil {
			other.MediaUpdated()
		}
	}
	return nil
}

// SelectCodec fixes the codec of an incoming leg to the one the sibling's
// bearer carries and re-reads the remote endpoint for it from the offer.
func (l *Leg) SelectCodec(payloadMsgType uint32) error {
	codec, ok := media.CodecByMsgType(payloadMsgType)
	if !ok {
		return fmt.Errorf("%w: payload msg type %#x", media.ErrNoCodec, payloadMsgType)
	}
	ep, err := media.Extract([]byte(l.SDP), codec.Name)
	if err != nil {
		return fmt.Errorf("codec %s not offered: %w", codec.Name, err)
	}
	l.codec = codec.Name
	l.SetMedia(ep.IP, ep.Port, ep.PayloadType)
	return nil
}

// Release runs the local release sequence chosen by state and direction.
func (l *Leg) Release() {
	if l.InRelease {
		l.logger().Debug("leg already releasing")
		return
	}
	l.InRelease = true

	var err error
	switch l.state {
	case LegInitial:
		l.dialog.Destroy()
		l.free()
		return
	case LegDialogConfirmed:
		if l.dir == Outgoing {
			err = l.dialog.Cancel()
			break
		}
		status, reason, ok := StatusFor(l.Cause)
		if !ok {
			l.logger().Info("no sip status for cause, using fallback", "cause", l.Cause, "status", status)
		}
		if err := l.dialog.Respond(status, reason, nil); err != nil {
			l.logger().Error("failed to reject call", "status", status, "error", err)
		}
		l.dialog.Destroy()
		l.free()
		return
	default:
		err = l.dialog.Bye()
	}

	if err != nil {
		l.logger().Error("release not sent", "error", err)
		l.dialog.Destroy()
		l.free()
	}
}

// Ring reports alerting to the caller of an incoming leg.
func (l *Leg) Ring() {
	if l.dir != Incoming || l.state != LegDialogConfirmed {
		return
	}
	if err := l.dialog.Respond(180, "Ringing", nil); err != nil {
		l.logger().Error("failed to send ringing", "error", err)
	}
}

// Connect answers an incoming leg with the sibling's RTP endpoint.
func (l *Leg) Connect() {
	if l.dir != Incoming || l.state != LegDialogConfirmed {
		return
	}
	answer, err := l.localSDP(media.ModeSendRecv)
	if err != nil {
		l.logger().Error("cannot build answer", "error", err)
		l.releaseWithSibling(call.CauseIncompatibleDestination)
		return
	}
	if err := l.dialog.Respond(200, "OK", answer); err != nil {
		l.logger().Error("failed to answer call", "error", err)
		l.releaseWithSibling(call.CauseTemporaryFailure)
		return
	}
	l.state = LegConnected
	l.logger().Info("sip call answered")
}

// DTMF sends key as an application/dtmf-relay INFO.
func (l *Leg) DTMF(key byte) {
	if l.state != LegConnected && l.state != LegHold {
		return
	}
	if err := l.dialog.Info(media.DTMFRelayContentType, media.FormatDTMFRelay(key)); err != nil {
		l.logger().Error("failed to send dtmf", "digit", string(key), "error", err)
	}
}

// Hold puts the remote party on hold with a sendonly re-INVITE.
func (l *Leg) Hold() {
	if l.state != LegConnected {
		l.logger().Debug("hold ignored")
		return
	}
	if err := l.reInvite(media.ModeSendOnly); err != nil {
		l.logger().Error("failed to send hold", "error", err)
		return
	}
	l.state = LegHold
}

// Retrieve resumes a held call with a sendrecv re-INVITE.
func (l *Leg) Retrieve() {
	if l.state != LegHold {
		l.logger().Debug("retrieve ignored")
		return
	}
	if err := l.reInvite(media.ModeSendRecv); err != nil {
		l.logger().Error("failed to send retrieve", "error", err)
		return
	}
	l.state = LegConnected
}

// MediaUpdated re-offers the sibling's new RTP endpoint.
func (l *Leg) MediaUpdated() {
	mode := media.ModeSendRecv
	switch l.state {
	case LegConnected:
	case LegHold:
		mode = media.ModeSendOnly
	default:
		return
	}
	if err := l.reInvite(mode); err != nil {
		l.logger().Error("failed to send media update", "error", err)
	}
}

func (l *Leg) reInvite(mode media.Mode) error {
	offer, err := l.localSDP(mode)
	if err != nil {
		return err
	}
	return l.dialog.ReInvite(offer)
}

func (l *Leg) handleInviteResponse(status int, reason string, sdp []byte) {
	switch {
	case status < 200:
		l.handleProvisional(status, sdp)
	case status < 300:
		l.handleAnswer(sdp)
	default:
		l.handleFailure(status, reason)
	}
}

func (l *Leg) handleProvisional(status int, sdp []byte) {
	if l.state == LegInitial {
		l.state = LegDialogConfirmed
	}
	if status != 180 && status != 183 {
		return
	}
	if status == 183 && len(sdp) > 0 {
		if err := l.applyRemoteSDP(sdp); err != nil {
			l.logger().Info("early media not usable", "error", err)
		}
	}
	if other := l.sibling(); other != nil {
		other.Ring()
	}
}

func (l *Leg) handleAnswer(sdp []byte) {
	if l.state == LegConnected || l.state == LegHold {
		if err := l.dialog.Ack(nil); err != nil {
			l.logger().Error("failed to ack re-invite", "error", err)
		}
		if len(sdp) > 0 {
			_ = l.applyRemoteSDP(sdp)
		}
		return
	}

	l.state = LegConnected
	if err := l.dialog.Ack(nil); err != nil {
		l.logger().Error("failed to ack answer", "error", err)
	}

	// A 2xx racing our CANCEL establishes the dialog anyway.
	if l.InRelease {
		if err := l.dialog.Bye(); err != nil {
			l.dialog.Destroy()
			l.free()
		}
		return
	}

	ep, err := media.Extract(sdp, l.codec)
	if err != nil {
		l.logger().Error("answer without usable media", "error", err)
		l.releaseWithSibling(call.CauseIncompatibleDestination)
		return
	}
	l.SetMedia(ep.IP, ep.Port, ep.PayloadType)
	l.UpdateSDP(sdp)
	l.logger().Info("sip call answered", "rtp", fmt.Sprintf("%s:%d", ep.IP, ep.Port))

	if other := l.sibling(); other != nil {
		other.Connect()
	}
	l.agent.registry.MarkConnected(l.agent.registry.CallOf(l))
}

func (l *Leg) handleFailure(status int, reason string) {
	if l.state == LegConnected || l.state == LegHold {
		l.logger().Info("re-invite rejected", "status", status, "reason", reason)
		return
	}
	cause, ok := CauseFor(status)
	if !ok {
		l.logger().Info("no cause for sip status, using fallback", "status", status, "cause", cause)
	}
	l.logger().Info("call failed", "status", status, "reason", reason, "cause", cause, "cause_text", CauseText(cause))
	l.terminate(cause)
}

// handleReInvite answers an in-dialog offer. A sendonly offer is answered
// recvonly without touching the recorded media.
func (l *Leg) handleReInvite(sdp []byte) {
	if len(sdp) == 0 {
		l.answerReInvite(media.ModeSendRecv)
		return
	}
	if media.GetMode(sdp) == media.ModeSendOnly {
		l.logger().Info("remote hold")
		l.answerReInvite(media.ModeRecvOnly)
		return
	}

	ep, err := media.Extract(sdp, l.codec)
	if err != nil {
		l.logger().Info("re-invite not acceptable", "error", err)
		if err := l.dialog.Respond(488, "Not Acceptable Here", nil); err != nil {
			l.logger().Error("failed to reject re-invite", "error", err)
		}
		return
	}
	changed := l.SetMedia(ep.IP, ep.Port, ep.PayloadType)
	l.UpdateSDP(sdp)
	l.answerReInvite(media.ModeSendRecv)

	if changed {
		if other := l.sibling(); other != nil {
			other.MediaUpdated()
		}
	}
}

func (l *Leg) answerReInvite(mode media.Mode) {
	answer, err := l.localSDP(mode)
	if err != nil {
		l.logger().Error("cannot build re-invite answer", "error", err)
		if err := l.dialog.Respond(500, "Server Internal Error", nil); err != nil {
			l.logger().Error("failed to reject re-invite", "error", err)
		}
		return
	}
	if err := l.dialog.Respond(200, "OK", answer); err != nil {
		l.logger().Error("failed to answer re-invite", "error", err)
	}
}
