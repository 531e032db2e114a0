package mncc

import (
	"github.com/flowpbx/sipconnector/internal/call"
)

// Numbering plans accepted on setup.
const (
	planUnknown = 0
	planISDN    = 1
)

func (c *Connection) handleMessage(m *Message) {
	if m.MsgType == SetupInd {
		c.handleSetupInd(m)
		return
	}

	leg := c.findLeg(m.Callref)
	if leg == nil {
		c.logger.Error("no leg for message", "type", TypeName(m.MsgType), "callref", m.Callref)
		return
	}

	switch m.MsgType {
	case CallConfInd:
		leg.handleCallConf()
	case AlertInd:
		leg.handleAlert()
	case SetupCnf:
		leg.handleSetupCnf()
	case SetupComplInd:
		c.logger.Debug("setup complete", leg.logArgs()...)
	case DiscInd:
		leg.handleDisc(m)
	case RelInd:
		leg.handleRel(m)
	case RelCnf:
		leg.handleRelCnf()
	case RejInd:
		leg.handleRej(m)
	case HoldInd:
		leg.rejectHold(HoldRej)
	case RetrieveInd:
		leg.rejectHold(RetrieveRej)
	case StartDTMFInd:
		leg.handleStartDTMF(m)
	case StopDTMFInd:
		leg.handleStopDTMF()
	default:
		c.logger.Debug("ignoring message", leg.logArgs("type", TypeName(m.MsgType))...)
	}
}

// handleSetupInd validates a mobile originated setup and creates its call.
func (c *Connection) handleSetupInd(m *Message) {
	if c.findLeg(m.Callref) != nil {
		c.logger.Error("setup for existing callref", "callref", m.Callref)
		return
	}

	if m.Fields&FieldCalling == 0 {
		c.logger.Error("setup without calling number", "callref", m.Callref)
		c.reject(m.Callref, call.CauseInvalidMandatoryInfo)
		return
	}

	emergency := m.Fields&FieldEmergency != 0 && m.Emergency != 0
	called := m.Called
	switch {
	case m.Fields&FieldCalled != 0:
	case emergency:
		called = NewNumber(c.cfg.EmergencyNumber)
	default:
		c.logger.Error("setup without called number", "callref", m.Callref)
		c.reject(m.Callref, call.CauseInvalidMandatoryInfo)
		return
	}

	if called.Plan != planUnknown && called.Plan != planISDN {
		c.logger.Error("called numbering plan not supported", "callref", m.Callref, "plan", called.Plan)
		c.reject(m.Callref, call.CauseInvalidNumberFormat)
		return
	}

	leg := &Leg{
		conn:    c,
		state:   LegInitial,
		dir:     MobileOriginated,
		callref: m.Callref,
		called:  called,
		calling: m.Calling,
		imsi:    m.SubscriberIMSI(),
	}
	cl := c.registry.Create(leg)
	if m.Fields&FieldGCR != 0 {
		cl.GCR = m.GCR.Bytes()
	}

	c.logger.Info("mo call setup", leg.logArgs(
		"called", called.String(), "calling", m.Calling.String(), "imsi", leg.imsi, "emergency", emergency)...)

	if err := leg.sendRTPCreate(); err != nil {
		c.logger.Error("bearer request not sent", leg.logArgs("error", err)...)
		leg.InRelease = true
		leg.free()
	}
}

func (c *Connection) handleRTP(m *RTP) {
	leg := c.findLeg(m.Callref)
	if leg == nil {
		c.logger.Error("no leg for bearer message", "type", TypeName(m.MsgType), "callref", m.Callref)
		return
	}
	leg.stopCmdTimer(m.MsgType)

	switch m.MsgType {
	case RTPCreate:
		leg.handleRTPCreated(m)
	case RTPConnect:
		leg.handleRTPConnected()
	default:
		c.logger.Debug("ignoring bearer message", leg.logArgs("type", TypeName(m.MsgType))...)
	}
}

func (l *Leg) handleRTPCreated(m *RTP) {
	l.SetMedia(m.Addr(), m.Port, int(m.PayloadType))
	l.PayloadMsgType = m.PayloadMsgType
	l.conn.logger.Debug("bearer allocated", l.logArgs(
		"ip", l.IP, "port", l.Port, "payload_type", l.PayloadType, "payload_msg_type", TypeName(l.PayloadMsgType))...)

	if l.InRelease {
		return
	}

	if l.dir == MobileTerminated {
		other := l.sibling()
		if other == nil {
			l.conn.logger.Error("bearer allocated without sibling", l.logArgs()...)
			l.Release()
			return
		}
		if sel, ok := other.(call.CodecSelector); ok {
			if err := sel.SelectCodec(l.PayloadMsgType); err != nil {
				l.conn.logger.Error("codec not usable by sibling", l.logArgs("error", err)...)
				l.releaseWithSibling(call.CauseIncompatibleDestination)
				return
			}
		}
		if err := l.sendRTPConnect(other.Base()); err != nil {
			l.conn.logger.Error("media connect not sent", l.logArgs("error", err)...)
		}
		return
	}

	if err := l.conn.sendMessage(CallProcReq, l.callref, 0); err != nil {
		l.conn.logger.Error("call proceeding not sent", l.logArgs("error", err)...)
		return
	}
	l.state = LegProceeding

	cl := l.conn.registry.CallOf(l)
	if cl == nil {
		return
	}
	cl.Dest = l.called.String()
	if l.conn.cfg.UseIMSI {
		cl.Source = l.imsi
	} else {
		cl.Source = l.calling.String()
	}
	l.conn.router.Route(cl)
}

func (l *Leg) handleRTPConnected() {
	if !l.connectPending || l.InRelease {
		return
	}
	l.connectPending = false

	if err := l.conn.sendMessage(SetupRsp, l.callref, 0); err != nil {
		l.conn.logger.Error("setup response not sent", l.logArgs("error", err)...)
		return
	}
	l.state = LegConnected
	l.conn.registry.MarkConnected(l.conn.registry.CallOf(l))
	l.conn.logger.Info("mo call connected", l.logArgs()...)
}

// ignoreInRelease reports whether a progress message crossed our release.
// The leg stays under the release supervisor until the switch answers it.
func (l *Leg) ignoreInRelease(msgType uint32) bool {
	if !l.InRelease {
		return false
	}
	l.conn.logger.Info("ignoring message during release", l.logArgs("type", TypeName(msgType))...)
	return true
}

func (l *Leg) handleCallConf() {
	if l.ignoreInRelease(CallConfInd) {
		return
	}
	l.state = LegProceeding
	if err := l.sendRTPCreate(); err != nil {
		l.conn.logger.Error("bearer request not sent", l.logArgs("error", err)...)
	}
}

func (l *Leg) handleAlert() {
	if l.ignoreInRelease(AlertInd) {
		return
	}
	if other := l.sibling(); other != nil {
		other.Ring()
	}
}

func (l *Leg) handleSetupCnf() {
	if l.ignoreInRelease(SetupCnf) {
		return
	}
	l.state = LegConnected
	if err := l.conn.sendMessage(SetupComplReq, l.callref, 0); err != nil {
		l.conn.logger.Error("setup complete not sent", l.logArgs("error", err)...)
	}
	l.conn.logger.Info("mt call connected", l.logArgs()...)

	if other := l.sibling(); other != nil {
		other.Connect()
	}
	l.conn.registry.MarkConnected(l.conn.registry.CallOf(l))
}

func (l *Leg) recordCause(m *Message) {
	if m.Fields&FieldCause != 0 {
		l.Cause = int(m.Cause.Value)
	}
}

func (l *Leg) handleDisc(m *Message) {
	l.recordCause(m)
	other := l.sibling()

	l.InRelease = true
	if err := l.conn.sendMessage(RelReq, l.callref, l.cause()); err != nil {
		l.conn.logger.Error("release not sent", l.logArgs("error", err)...)
		l.free()
	} else {
		l.startCmdTimer(RelCnf)
	}

	if other != nil {
		other.Base().Cause = l.cause()
		other.Release()
	}
}

func (l *Leg) handleRel(m *Message) {
	l.recordCause(m)

	var other call.Leg
	if l.InRelease {
		l.stopCmdTimer(RelInd)
	} else {
		other = l.sibling()
	}
	l.free()

	if other != nil {
		other.Base().Cause = l.cause()
		other.Release()
	}
}

func (l *Leg) handleRelCnf() {
	l.stopCmdTimer(RelCnf)
	l.free()
}

func (l *Leg) handleRej(m *Message) {
	l.recordCause(m)
	other := l.sibling()
	l.free()

	if other != nil {
		other.Base().Cause = l.cause()
		other.Release()
	}
}

func (l *Leg) rejectHold(reply uint32) {
	l.conn.logger.Info("rejecting hold request", l.logArgs("reply", TypeName(reply))...)
	if err := l.conn.sendMessage(reply, l.callref, call.CauseServiceNotImplemented); err != nil {
		l.conn.logger.Error("hold reject not sent", l.logArgs("error", err)...)
	}
}

func (l *Leg) handleStartDTMF(m *Message) {
	if m.Fields&FieldKeypad != 0 {
		if other := l.sibling(); other != nil {
			other.DTMF(byte(m.Keypad))
		}
	}

	rsp := &Message{MsgType: StartDTMFRsp, Callref: l.callref, Fields: FieldKeypad, Keypad: m.Keypad}
	if err := l.conn.send(rsp); err != nil {
		l.conn.logger.Error("dtmf response not sent", l.logArgs("error", err)...)
	}
}

func (l *Leg) handleStopDTMF() {
	if err := l.conn.sendMessage(StopDTMFRsp, l.callref, 0); err != nil {
		l.conn.logger.Error("dtmf response not sent", l.logArgs("error", err)...)
	}
}
