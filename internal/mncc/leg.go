package mncc

import (
	"fmt"

	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/reactor"
)

// mtCallrefFlag marks callrefs allocated by the gateway for terminating
// calls, keeping them apart from the switch's own range.
const mtCallrefFlag = 0x40000000

// LegState is the call state of an MNCC leg.
type LegState int

const (
	LegInitial LegState = iota
	LegProceeding
	LegConnected
	LegHold
)

// String returns the string representation of LegState.
func (s LegState) String() string {
	switch s {
	case LegInitial:
		return "INITIAL"
	case LegProceeding:
		return "PROCEEDING"
	case LegConnected:
		return "CONNECTED"
	case LegHold:
		return "HOLD"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Direction of a leg as seen from the mobile station.
type Direction int

const (
	MobileOriginated Direction = iota
	MobileTerminated
)

// String returns "MO" or "MT".
func (d Direction) String() string {
	if d == MobileTerminated {
		return "MT"
	}
	return "MO"
}

// Leg is the MNCC variant of a call leg.
type Leg struct {
	call.LegBase

	conn    *Connection
	state   LegState
	dir     Direction
	callref uint32

	called  Number
	calling Number
	imsi    string

	// timer supervises the last command; expect is the response type that
	// cancels it.
	timer  reactor.Timer
	expect uint32

	// connectPending is set while the RTP_CONNECT sent for the answer is
	// outstanding; its reply completes the connect.
	connectPending bool
}

var _ call.Leg = (*Leg)(nil)

func (l *Leg) Kind() call.Kind { return call.KindMNCC }

func (l *Leg) State() string { return l.state.String() }

// LegState returns the typed call state.
func (l *Leg) LegState() LegState { return l.state }

// Direction returns whether the leg is mobile originated or terminated.
func (l *Leg) Direction() Direction { return l.dir }

// Callref returns the MNCC call reference of the leg.
func (l *Leg) Callref() uint32 { return l.callref }

// IMSI returns the subscriber identity reported at setup, if any.
func (l *Leg) IMSI() string { return l.imsi }

// Called returns the called party number.
func (l *Leg) Called() Number { return l.called }

// Calling returns the calling party number.
func (l *Leg) Calling() Number { return l.calling }

// PendingResponse returns the response type the leg is waiting for, or
// zero when no command is outstanding.
func (l *Leg) PendingResponse() uint32 {
	if l.timer == nil {
		return 0
	}
	return l.expect
}

func (l *Leg) logArgs(args ...any) []any {
	return append([]any{"call", l.CallID, "callref", l.callref, "state", l.state}, args...)
}

func (l *Leg) sibling() call.Leg {
	return l.conn.registry.Other(l)
}

// startCmdTimer arms the command supervisor for response type expect,
// replacing any command still outstanding.
func (l *Leg) startCmdTimer(expect uint32) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.expect = expect
	l.timer = l.conn.runner.AfterFunc(commandTimeout, l.cmdTimeout)
}

// stopCmdTimer cancels the supervisor if got is the awaited response. A
// different response is logged and leaves the timer running.
func (l *Leg) stopCmdTimer(got uint32) {
	if l.timer == nil {
		return
	}
	if l.expect != got {
		l.conn.logger.Error("unexpected response",
			l.logArgs("expected", TypeName(l.expect), "got", TypeName(got))...)
		return
	}
	l.timer.Stop()
	l.timer = nil
	l.expect = 0
}

func (l *Leg) cmdTimeout() {
	l.timer = nil
	l.conn.logger.Error("command timed out", l.logArgs("expected", TypeName(l.expect))...)

	if !l.InRelease {
		l.InRelease = true
		if err := l.conn.sendMessage(RelReq, l.callref, call.CauseRecoveryOnTimerExpiry); err != nil {
			l.conn.logger.Debug("release after timeout not sent", l.logArgs("error", err)...)
		}
	}

	other := l.sibling()
	l.free()
	if other != nil {
		other.Base().Cause = call.CauseRecoveryOnTimerExpiry
		other.Release()
	}
}

// free stops supervision and detaches the leg from its call.
func (l *Leg) free() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.InRelease = true
	l.conn.registry.ReleaseLeg(l)
}

func (l *Leg) cause() int {
	if l.Cause == 0 {
		return call.CauseNormalClearing
	}
	return l.Cause
}

// Release runs the local release sequence chosen by state and direction.
func (l *Leg) Release() {
	if l.InRelease {
		l.conn.logger.Debug("leg already releasing", l.logArgs()...)
		return
	}
	l.InRelease = true

	if !l.conn.Connected() {
		l.conn.logger.Info("releasing leg without mncc connection", l.logArgs()...)
		l.free()
		return
	}

	var err error
	switch l.state {
	case LegInitial:
		if l.dir == MobileOriginated {
			err = l.conn.sendMessage(RejReq, l.callref, l.cause())
			l.free()
			break
		}
		if err = l.conn.sendMessage(RelReq, l.callref, l.cause()); err == nil {
			l.startCmdTimer(RelCnf)
		}
	default:
		if err = l.conn.sendMessage(DiscReq, l.callref, l.cause()); err == nil {
			l.startCmdTimer(RelInd)
		}
	}

	if err != nil {
		l.conn.logger.Error("release not sent", l.logArgs("error", err)...)
		if l.CallID != 0 {
			l.free()
		}
	}
}

// Ring tells a mobile originated call that the far end is alerting.
func (l *Leg) Ring() {
	if l.dir != MobileOriginated {
		return
	}
	if err := l.conn.sendMessage(AlertReq, l.callref, 0); err != nil {
		l.conn.logger.Error("alert not sent", l.logArgs("error", err)...)
		return
	}
	if other := l.sibling(); other != nil && other.Base().HasMedia() {
		if err := l.sendRTPConnect(other.Base()); err != nil {
			l.conn.logger.Error("early media connect not sent", l.logArgs("error", err)...)
		}
	}
}

// Connect answers a mobile originated call once the far end has answered.
// The switch is given the far end's RTP endpoint first; the setup
// response follows its reply.
func (l *Leg) Connect() {
	if l.dir != MobileOriginated {
		return
	}
	other := l.sibling()
	if other == nil {
		return
	}
	if err := l.sendRTPConnect(other.Base()); err != nil {
		l.conn.logger.Error("media connect not sent", l.logArgs("error", err)...)
		return
	}
	l.connectPending = true
	l.startCmdTimer(RTPConnect)
}

// MediaUpdated re-signals the sibling's new RTP endpoint to the switch.
func (l *Leg) MediaUpdated() {
	other := l.sibling()
	if other == nil {
		return
	}
	if err := l.sendRTPConnect(other.Base()); err != nil {
		l.conn.logger.Error("media update not sent", l.logArgs("error", err)...)
	}
}

func (l *Leg) sendRTPConnect(remote *call.LegBase) error {
	rtp := &RTP{
		MsgType:        RTPConnect,
		Callref:        l.callref,
		Port:           remote.Port,
		PayloadType:    uint32(remote.PayloadType),
		PayloadMsgType: l.PayloadMsgType,
	}
	rtp.SetAddr(remote.IP)
	return l.conn.send(rtp)
}

func (l *Leg) sendRTPCreate() error {
	if err := l.conn.send(&RTP{MsgType: RTPCreate, Callref: l.callref}); err != nil {
		return err
	}
	l.startCmdTimer(RTPCreate)
	return nil
}

// releaseWithSibling clears this leg and then its sibling with cause.
func (l *Leg) releaseWithSibling(cause int) {
	other := l.sibling()
	l.Cause = cause
	l.Release()
	if other != nil {
		other.Base().Cause = cause
		other.Release()
	}
}

// CreateRemoteLeg attaches a mobile terminated leg to c and sends the
// setup request towards the subscriber.
func (c *Connection) CreateRemoteLeg(cl *call.Call) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	leg := &Leg{
		conn:    c,
		state:   LegInitial,
		dir:     MobileTerminated,
		callref: mtCallrefFlag | cl.ID,
		calling: NewNumber(cl.Source),
	}
	c.registry.AttachRemote(cl, leg)

	msg := &Message{MsgType: SetupReq, Callref: leg.callref, Fields: FieldCalling}
	msg.Calling = leg.calling
	if c.cfg.UseIMSI {
		leg.imsi = cl.Dest
		setCString(msg.IMSI[:], cl.Dest)
	} else {
		leg.called = NewNumber(cl.Dest)
		msg.Called = leg.called
		msg.Fields |= FieldCalled
	}
	if len(cl.GCR) > 0 {
		msg.GCR = NewGCR(cl.GCR)
		msg.Fields |= FieldGCR
	}

	if err := c.send(msg); err != nil {
		leg.InRelease = true
		c.registry.ReleaseLeg(leg)
		return fmt.Errorf("sending setup: %w", err)
	}
	c.logger.Info("mt call created", leg.logArgs("source", cl.Source, "dest", cl.Dest)...)
	return nil
}
