package mncc

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/reactor"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) fire() {
	t.fired = true
	t.fn()
}

// fakeRunner records timers and posted events; tests drive both by hand.
type fakeRunner struct {
	mu     sync.Mutex
	timers []*fakeTimer
	posted []func()
}

func (r *fakeRunner) AfterFunc(d time.Duration, fn func()) reactor.Timer {
	t := &fakeTimer{d: d, fn: fn}
	r.timers = append(r.timers, t)
	return t
}

func (r *fakeRunner) Post(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posted = append(r.posted, fn)
	return true
}

func (r *fakeRunner) Defer(fn func()) { r.Post(fn) }

func (r *fakeRunner) runPosted() {
	r.mu.Lock()
	posted := r.posted
	r.posted = nil
	r.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

func (r *fakeRunner) pending() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range r.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{closed: make(chan struct{})}
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// sent decodes every record written so far.
func (s *fakeSocket) sent(t *testing.T) []any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, 0, len(s.writes))
	for _, w := range s.writes {
		rec, err := Decode(w)
		if err != nil {
			t.Fatalf("Decode(written) error = %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func (s *fakeSocket) last(t *testing.T) any {
	t.Helper()
	recs := s.sent(t)
	if len(recs) == 0 {
		t.Fatal("nothing written")
	}
	return recs[len(recs)-1]
}

func (s *fakeSocket) reset() {
	s.mu.Lock()
	s.writes = nil
	s.mu.Unlock()
}

func msgType(rec any) uint32 {
	switch r := rec.(type) {
	case *Message:
		return r.MsgType
	case *RTP:
		return r.MsgType
	case *Hello:
		return r.MsgType
	case *Frame:
		return r.MsgType
	}
	return 0
}

// fakeLeg is a sibling leg on the other protocol.
type fakeLeg struct {
	call.LegBase
	registry  *call.Registry
	rings     int
	connects  int
	releases  int
	updates   int
	dtmf      []byte
	selected  []uint32
	selectErr error
}

func (f *fakeLeg) Kind() call.Kind { return call.KindSIP }
func (f *fakeLeg) State() string   { return "FAKE" }
func (f *fakeLeg) Ring()           { f.rings++ }
func (f *fakeLeg) Connect()        { f.connects++ }
func (f *fakeLeg) DTMF(k byte)     { f.dtmf = append(f.dtmf, k) }
func (f *fakeLeg) MediaUpdated()   { f.updates++ }

func (f *fakeLeg) Release() {
	f.releases++
	f.registry.ReleaseLeg(f)
}

func (f *fakeLeg) SelectCodec(t uint32) error {
	f.selected = append(f.selected, t)
	return f.selectErr
}

type recordingRouter struct {
	routed []*call.Call
	attach func(c *call.Call)
}

func (r *recordingRouter) Route(c *call.Call) {
	r.routed = append(r.routed, c)
	if r.attach != nil {
		r.attach(c)
	}
}

type harness struct {
	conn        *Connection
	sock        *fakeSocket
	runner      *fakeRunner
	registry    *call.Registry
	router      *recordingRouter
	disconnects int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		sock:     newFakeSocket(),
		runner:   &fakeRunner{},
		registry: call.NewRegistry(nil, logger),
		router:   &recordingRouter{},
	}
	cfg.OnDisconnect = func() { h.disconnects++ }
	if cfg.EmergencyNumber == "" {
		cfg.EmergencyNumber = "emergency"
	}
	h.conn = NewConnection(cfg, h.runner, h.registry, h.router, logger)
	h.conn.sock = h.sock
	h.conn.state = StateReady
	return h
}

func (h *harness) inbound(t *testing.T, rec any) {
	t.Helper()
	buf, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	h.conn.HandleInbound(buf)
}

// attachSibling makes the router answer with a fake SIP leg.
func (h *harness) attachSibling() *fakeLeg {
	sib := &fakeLeg{registry: h.registry}
	sib.IP = netip.MustParseAddr("192.0.2.50")
	sib.Port = 30000
	sib.PayloadType = 3
	h.router.attach = func(c *call.Call) { h.registry.AttachRemote(c, sib) }
	return sib
}

func setupInd(callref uint32) *Message {
	return &Message{
		MsgType: SetupInd,
		Callref: callref,
		Fields:  FieldCalled | FieldCalling,
		Called:  NewNumber("4711"),
		Calling: NewNumber("0172123"),
	}
}

func rtpReply(msgType, callref uint32) *RTP {
	r := &RTP{MsgType: msgType, Callref: callref, Port: 4000, PayloadType: 3, PayloadMsgType: TCHFFrame}
	r.SetAddr(netip.MustParseAddr("10.0.0.5"))
	return r
}

func (h *harness) moLeg(t *testing.T) *Leg {
	t.Helper()
	l := h.conn.findLeg(100)
	if l == nil {
		t.Fatal("no leg for callref 100")
	}
	return l
}

// connectedMO drives a mobile originated call to CONNECTED.
func (h *harness) connectedMO(t *testing.T) (*Leg, *fakeLeg) {
	t.Helper()
	sib := h.attachSibling()
	h.inbound(t, setupInd(100))
	h.inbound(t, rtpReply(RTPCreate, 100))
	leg := h.moLeg(t)
	leg.Connect()
	h.inbound(t, rtpReply(RTPConnect, 100))
	if leg.LegState() != LegConnected {
		t.Fatalf("state = %v, want CONNECTED", leg.LegState())
	}
	h.sock.reset()
	return leg, sib
}

func TestSetupIndRequestsBearer(t *testing.T) {
	h := newHarness(t, Config{})

	h.inbound(t, setupInd(100))

	if h.registry.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.registry.Count())
	}
	rec := h.sock.last(t)
	rtp, ok := rec.(*RTP)
	if !ok || rtp.MsgType != RTPCreate || rtp.Callref != 100 {
		t.Errorf("sent %s, want MNCC_RTP_CREATE for callref 100", TypeName(msgType(rec)))
	}
	leg := h.moLeg(t)
	if leg.LegState() != LegInitial || leg.Direction() != MobileOriginated {
		t.Errorf("leg = %v/%v, want INITIAL/MO", leg.LegState(), leg.Direction())
	}
	if got := leg.PendingResponse(); got != RTPCreate {
		t.Errorf("PendingResponse() = %s, want MNCC_RTP_CREATE", TypeName(got))
	}
	if p := h.runner.pending(); len(p) != 1 || p[0].d != commandTimeout {
		t.Errorf("pending timers = %d, want one of %v", len(p), commandTimeout)
	}
}

func TestSetupIndRejected(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(m *Message)
		wantCause int32
	}{
		{"missing calling", func(m *Message) { m.Fields &^= FieldCalling }, call.CauseInvalidMandatoryInfo},
		{"missing called", func(m *Message) { m.Fields &^= FieldCalled }, call.CauseInvalidMandatoryInfo},
		{"unsupported plan", func(m *Message) { m.Called.Plan = 9 }, call.CauseInvalidNumberFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			m := setupInd(77)
			tt.mutate(m)

			h.inbound(t, m)

			if h.registry.Count() != 0 {
				t.Errorf("Count() = %d, want 0", h.registry.Count())
			}
			rej, ok := h.sock.last(t).(*Message)
			if !ok || rej.MsgType != RejReq {
				t.Fatalf("sent %T, want MNCC_REJ_REQ", h.sock.last(t))
			}
			if rej.Callref != 77 {
				t.Errorf("callref = %d, want 77", rej.Callref)
			}
			if rej.Cause.Value != tt.wantCause {
				t.Errorf("cause = %d, want %d", rej.Cause.Value, tt.wantCause)
			}
			if h.conn.State() != StateReady {
				t.Errorf("State() = %v, want READY", h.conn.State())
			}
		})
	}
}

func TestSetupIndEmergencyUsesPlaceholder(t *testing.T) {
	h := newHarness(t, Config{EmergencyNumber: "112"})
	m := setupInd(100)
	m.Fields = FieldCalling | FieldEmergency
	m.Emergency = 1
	m.Called = Number{}

	h.inbound(t, m)
	h.inbound(t, rtpReply(RTPCreate, 100))

	if len(h.router.routed) != 1 {
		t.Fatalf("routed = %d, want 1", len(h.router.routed))
	}
	if got := h.router.routed[0].Dest; got != "112" {
		t.Errorf("Dest = %q, want %q", got, "112")
	}
}

func TestSetupForExistingCallrefIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.inbound(t, setupInd(100))
	h.inbound(t, setupInd(100))

	if h.registry.Count() != 1 {
		t.Errorf("Count() = %d, want 1", h.registry.Count())
	}
}

func TestBearerReplyRoutesCall(t *testing.T) {
	tests := []struct {
		name       string
		useIMSI    bool
		wantSource string
	}{
		{"calling number", false, "0172123"},
		{"imsi", true, "262420000000001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{UseIMSI: tt.useIMSI})
			m := setupInd(100)
			setCString(m.IMSI[:], "262420000000001")
			h.inbound(t, m)
			timer := h.runner.pending()[0]

			h.inbound(t, rtpReply(RTPCreate, 100))

			if !timer.stopped {
				t.Error("bearer timer not cancelled by matching reply")
			}
			if got := msgType(h.sock.last(t)); got != CallProcReq {
				t.Errorf("sent %s, want MNCC_CALL_PROC_REQ", TypeName(got))
			}
			leg := h.moLeg(t)
			if leg.LegState() != LegProceeding {
				t.Errorf("state = %v, want PROCEEDING", leg.LegState())
			}
			if leg.Port != 4000 || leg.IP != netip.MustParseAddr("10.0.0.5") {
				t.Errorf("bearer = %v:%d, want 10.0.0.5:4000", leg.IP, leg.Port)
			}
			if len(h.router.routed) != 1 {
				t.Fatalf("routed = %d, want 1", len(h.router.routed))
			}
			c := h.router.routed[0]
			if c.Source != tt.wantSource || c.Dest != "4711" {
				t.Errorf("route = %q -> %q, want %q -> 4711", c.Source, c.Dest, tt.wantSource)
			}
		})
	}
}

func TestMismatchedResponseKeepsTimer(t *testing.T) {
	h := newHarness(t, Config{})
	h.inbound(t, setupInd(100))
	timer := h.runner.pending()[0]

	h.inbound(t, rtpReply(RTPConnect, 100))

	if timer.stopped {
		t.Error("timer cancelled by a mismatched response")
	}
	if got := h.moLeg(t).PendingResponse(); got != RTPCreate {
		t.Errorf("PendingResponse() = %s, want MNCC_RTP_CREATE", TypeName(got))
	}
}

func TestCommandTimeoutReleasesSibling(t *testing.T) {
	h := newHarness(t, Config{})
	sib := h.attachSibling()
	h.inbound(t, setupInd(100))
	h.inbound(t, rtpReply(RTPCreate, 100))

	leg := h.moLeg(t)
	leg.Connect()
	pending := h.runner.pending()
	if len(pending) != 1 {
		t.Fatalf("pending timers = %d, want 1", len(pending))
	}
	h.sock.reset()

	pending[0].fire()

	rel, ok := h.sock.last(t).(*Message)
	if !ok || rel.MsgType != RelReq || rel.Cause.Value != call.CauseRecoveryOnTimerExpiry {
		t.Errorf("sent %+v, want MNCC_REL_REQ with cause 102", h.sock.last(t))
	}
	if sib.releases != 1 || sib.Cause != call.CauseRecoveryOnTimerExpiry {
		t.Errorf("sibling releases = %d cause = %d, want 1/102", sib.releases, sib.Cause)
	}
	if h.registry.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.registry.Count())
	}
}

func TestMOConnect(t *testing.T) {
	h := newHarness(t, Config{})
	sib := h.attachSibling()
	h.inbound(t, setupInd(100))
	h.inbound(t, rtpReply(RTPCreate, 100))
	leg := h.moLeg(t)
	h.sock.reset()

	leg.Ring()
	recs := h.sock.sent(t)
	if len(recs) != 2 || msgType(recs[0]) != AlertReq || msgType(recs[1]) != RTPConnect {
		t.Fatalf("ring sent %d records, want MNCC_ALERT_REQ and MNCC_RTP_CONNECT", len(recs))
	}
	rtp := recs[1].(*RTP)
	if rtp.Addr() != sib.IP || rtp.Port != sib.Port {
		t.Errorf("early media = %v:%d, want %v:%d", rtp.Addr(), rtp.Port, sib.IP, sib.Port)
	}

	h.sock.reset()
	leg.Connect()
	if got := msgType(h.sock.last(t)); got != RTPConnect {
		t.Fatalf("connect sent %s, want MNCC_RTP_CONNECT", TypeName(got))
	}
	h.inbound(t, rtpReply(RTPConnect, 100))

	if got := msgType(h.sock.last(t)); got != SetupRsp {
		t.Errorf("sent %s, want MNCC_SETUP_RSP", TypeName(got))
	}
	if leg.LegState() != LegConnected {
		t.Errorf("state = %v, want CONNECTED", leg.LegState())
	}
	if c := h.registry.CallOf(leg); c == nil || c.ConnectedAt.IsZero() {
		t.Error("call not marked connected")
	}
}

func TestDisconnectPropagatesCause(t *testing.T) {
	h := newHarness(t, Config{})
	leg, sib := h.connectedMO(t)

	disc := &Message{MsgType: DiscInd, Callref: 100}
	disc.SetCause(call.CauseNormalClearing)
	h.inbound(t, disc)

	rel, ok := h.sock.last(t).(*Message)
	if !ok || rel.MsgType != RelReq {
		t.Fatalf("sent %T, want MNCC_REL_REQ", h.sock.last(t))
	}
	if sib.Cause != call.CauseNormalClearing || sib.releases != 1 {
		t.Errorf("sibling cause = %d releases = %d, want 16/1", sib.Cause, sib.releases)
	}
	if got := leg.PendingResponse(); got != RelCnf {
		t.Errorf("PendingResponse() = %s, want MNCC_REL_CNF", TypeName(got))
	}

	h.inbound(t, &Message{MsgType: RelCnf, Callref: 100})
	if h.registry.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.registry.Count())
	}
	if len(h.runner.pending()) != 0 {
		t.Error("timer still armed after release")
	}
}

func TestReleaseIndicationPropagates(t *testing.T) {
	h := newHarness(t, Config{})
	_, sib := h.connectedMO(t)

	rel := &Message{MsgType: RelInd, Callref: 100}
	rel.SetCause(call.CauseUserBusy)
	h.inbound(t, rel)

	if sib.releases != 1 || sib.Cause != call.CauseUserBusy {
		t.Errorf("sibling releases = %d cause = %d, want 1/17", sib.releases, sib.Cause)
	}
	if h.registry.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.registry.Count())
	}
}

func TestRejectIndicationPropagates(t *testing.T) {
	h := newHarness(t, Config{})
	sib := &fakeLeg{registry: h.registry}
	c := h.registry.Create(sib)
	if err := h.conn.CreateRemoteLeg(c); err != nil {
		t.Fatalf("CreateRemoteLeg() error = %v", err)
	}
	callref := uint32(mtCallrefFlag) | c.ID

	rej := &Message{MsgType: RejInd, Callref: callref}
	rej.SetCause(call.CauseUnassignedNumber)
	h.inbound(t, rej)

	if sib.releases != 1 || sib.Cause != call.CauseUnassignedNumber {
		t.Errorf("sibling releases = %d cause = %d, want 1/1", sib.releases, sib.Cause)
	}
	if h.registry.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.registry.Count())
	}
}

func TestLocalReleasePolicy(t *testing.T) {
	tests := []struct {
		name       string
		state      LegState
		dir        Direction
		connected  bool
		wantSent   uint32
		wantExpect uint32
		wantFreed  bool
	}{
		{"initial mo", LegInitial, MobileOriginated, true, RejReq, 0, true},
		{"initial mt", LegInitial, MobileTerminated, true, RelReq, RelCnf, false},
		{"proceeding", LegProceeding, MobileOriginated, true, DiscReq, RelInd, false},
		{"connected", LegConnected, MobileTerminated, true, DiscReq, RelInd, false},
		{"hold", LegHold, MobileOriginated, true, DiscReq, RelInd, false},
		{"not connected", LegConnected, MobileOriginated, false, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			leg := &Leg{conn: h.conn, state: tt.state, dir: tt.dir, callref: 9}
			leg.Cause = call.CauseUserBusy
			h.registry.Create(leg)
			if !tt.connected {
				h.conn.Close()
			}

			leg.Release()

			recs := h.sock.sent(t)
			if tt.wantSent == 0 {
				if len(recs) != 0 {
					t.Errorf("sent %d records, want none", len(recs))
				}
			} else {
				m, ok := recs[len(recs)-1].(*Message)
				if !ok || m.MsgType != tt.wantSent {
					t.Fatalf("sent %s, want %s", TypeName(msgType(recs[len(recs)-1])), TypeName(tt.wantSent))
				}
				if m.Cause.Value != call.CauseUserBusy {
					t.Errorf("cause = %d, want 17", m.Cause.Value)
				}
			}
			if got := leg.PendingResponse(); got != tt.wantExpect {
				t.Errorf("PendingResponse() = %s, want %s", TypeName(got), TypeName(tt.wantExpect))
			}
			if freed := h.registry.Count() == 0; freed != tt.wantFreed {
				t.Errorf("freed = %v, want %v", freed, tt.wantFreed)
			}

			// A second release is a no-op.
			before := len(h.sock.sent(t))
			leg.Release()
			if after := len(h.sock.sent(t)); after != before {
				t.Errorf("second Release() sent %d records", after-before)
			}
		})
	}
}

func TestHoldAndRetrieveRejected(t *testing.T) {
	h := newHarness(t, Config{})
	leg, _ := h.connectedMO(t)

	h.inbound(t, &Message{MsgType: HoldInd, Callref: 100})
	if got := msgType(h.sock.last(t)); got != HoldRej {
		t.Errorf("hold answered with %s, want MNCC_HOLD_REJ", TypeName(got))
	}
	h.inbound(t, &Message{MsgType: RetrieveInd, Callref: 100})
	if got := msgType(h.sock.last(t)); got != RetrieveRej {
		t.Errorf("retrieve answered with %s, want MNCC_RETRIEVE_REJ", TypeName(got))
	}
	if leg.LegState() != LegConnected {
		t.Errorf("state = %v, want CONNECTED", leg.LegState())
	}
}

func TestDTMFForwarded(t *testing.T) {
	h := newHarness(t, Config{})
	_, sib := h.connectedMO(t)

	h.inbound(t, &Message{MsgType: StartDTMFInd, Callref: 100, Fields: FieldKeypad, Keypad: '5'})
	rsp, ok := h.sock.last(t).(*Message)
	if !ok || rsp.MsgType != StartDTMFRsp || rsp.Keypad != '5' {
		t.Errorf("sent %+v, want MNCC_START_DTMF_RSP for '5'", h.sock.last(t))
	}
	h.inbound(t, &Message{MsgType: StopDTMFInd, Callref: 100})
	if got := msgType(h.sock.last(t)); got != StopDTMFRsp {
		t.Errorf("sent %s, want MNCC_STOP_DTMF_RSP", TypeName(got))
	}
	if string(sib.dtmf) != "5" {
		t.Errorf("sibling dtmf = %q, want %q", sib.dtmf, "5")
	}
}

func TestMediaUpdatedSendsConnect(t *testing.T) {
	h := newHarness(t, Config{})
	leg, sib := h.connectedMO(t)

	sib.SetMedia(netip.MustParseAddr("192.0.2.60"), 30010, 3)
	leg.MediaUpdated()

	rtp, ok := h.sock.last(t).(*RTP)
	if !ok || rtp.MsgType != RTPConnect {
		t.Fatalf("sent %T, want MNCC_RTP_CONNECT", h.sock.last(t))
	}
	if rtp.Addr() != netip.MustParseAddr("192.0.2.60") || rtp.Port != 30010 {
		t.Errorf("endpoint = %v:%d, want 192.0.2.60:30010", rtp.Addr(), rtp.Port)
	}
}

func TestCreateRemoteLeg(t *testing.T) {
	tests := []struct {
		name    string
		useIMSI bool
	}{
		{"called number", false},
		{"imsi", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{UseIMSI: tt.useIMSI})
			sib := &fakeLeg{registry: h.registry}
			c := h.registry.Create(sib)
			c.Source = "alice"
			c.Dest = "4711"
			c.GCR = []byte{1, 2, 3}

			if err := h.conn.CreateRemoteLeg(c); err != nil {
				t.Fatalf("CreateRemoteLeg() error = %v", err)
			}

			m, ok := h.sock.last(t).(*Message)
			if !ok || m.MsgType != SetupReq {
				t.Fatalf("sent %T, want MNCC_SETUP_REQ", h.sock.last(t))
			}
			if m.Callref != mtCallrefFlag|c.ID {
				t.Errorf("callref = %#x, want %#x", m.Callref, mtCallrefFlag|c.ID)
			}
			if m.Calling.String() != "alice" {
				t.Errorf("calling = %q, want alice", m.Calling.String())
			}
			if tt.useIMSI {
				if m.SubscriberIMSI() != "4711" || m.Fields&FieldCalled != 0 {
					t.Errorf("imsi = %q fields = %#x, want IMSI 4711 without called", m.SubscriberIMSI(), m.Fields)
				}
			} else if m.Called.String() != "4711" || m.Fields&FieldCalled == 0 {
				t.Errorf("called = %q fields = %#x, want 4711", m.Called.String(), m.Fields)
			}
			if m.Fields&FieldGCR == 0 || len(m.GCR.Bytes()) != 3 {
				t.Errorf("GCR not carried: fields = %#x", m.Fields)
			}
			if c.Remote == nil {
				t.Error("remote leg not attached")
			}
		})
	}
}

func TestCreateRemoteLegNotConnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.Close()
	c := h.registry.Create(&fakeLeg{registry: h.registry})

	if err := h.conn.CreateRemoteLeg(c); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CreateRemoteLeg() error = %v, want %v", err, ErrNotConnected)
	}
	if c.Remote != nil {
		t.Error("remote leg attached despite failure")
	}
}

func TestMTCallFlow(t *testing.T) {
	h := newHarness(t, Config{})
	sib := &fakeLeg{registry: h.registry}
	sib.SetMedia(netip.MustParseAddr("192.0.2.50"), 30000, 98)
	c := h.registry.Create(sib)
	c.Dest = "4711"
	if err := h.conn.CreateRemoteLeg(c); err != nil {
		t.Fatalf("CreateRemoteLeg() error = %v", err)
	}
	callref := uint32(mtCallrefFlag) | c.ID
	leg := h.conn.findLeg(callref)

	h.inbound(t, &Message{MsgType: CallConfInd, Callref: callref})
	if leg.LegState() != LegProceeding || leg.PendingResponse() != RTPCreate {
		t.Fatalf("after confirm state = %v pending = %s", leg.LegState(), TypeName(leg.PendingResponse()))
	}

	reply := rtpReply(RTPCreate, callref)
	reply.PayloadMsgType = TCHFrameAMR
	h.inbound(t, reply)
	if len(sib.selected) != 1 || sib.selected[0] != TCHFrameAMR {
		t.Errorf("selected = %v, want [%#x]", sib.selected, TCHFrameAMR)
	}
	rtp, ok := h.sock.last(t).(*RTP)
	if !ok || rtp.MsgType != RTPConnect || rtp.Port != 30000 || rtp.PayloadType != 98 {
		t.Errorf("sent %+v, want MNCC_RTP_CONNECT to sibling endpoint", h.sock.last(t))
	}

	h.inbound(t, &Message{MsgType: AlertInd, Callref: callref})
	if sib.rings != 1 {
		t.Errorf("sibling rings = %d, want 1", sib.rings)
	}

	h.inbound(t, &Message{MsgType: SetupCnf, Callref: callref})
	if got := msgType(h.sock.last(t)); got != SetupComplReq {
		t.Errorf("sent %s, want MNCC_SETUP_COMPL_REQ", TypeName(got))
	}
	if sib.connects != 1 || leg.LegState() != LegConnected {
		t.Errorf("sibling connects = %d state = %v", sib.connects, leg.LegState())
	}
}

func TestProgressCrossingReleaseIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	sib := &fakeLeg{registry: h.registry}
	c := h.registry.Create(sib)
	if err := h.conn.CreateRemoteLeg(c); err != nil {
		t.Fatalf("CreateRemoteLeg() error = %v", err)
	}
	callref := uint32(mtCallrefFlag) | c.ID
	leg := h.conn.findLeg(callref)

	leg.Release()
	if got := leg.PendingResponse(); got != RelCnf {
		t.Fatalf("PendingResponse() = %s, want MNCC_REL_CNF", TypeName(got))
	}

	for _, mt := range []uint32{CallConfInd, AlertInd, SetupCnf} {
		h.inbound(t, &Message{MsgType: mt, Callref: callref})
		if got := leg.PendingResponse(); got != RelCnf {
			t.Errorf("after %s PendingResponse() = %s, want MNCC_REL_CNF", TypeName(mt), TypeName(got))
		}
	}
	if got := msgType(h.sock.last(t)); got != RelReq {
		t.Errorf("last sent %s, want MNCC_REL_REQ", TypeName(got))
	}
	if leg.LegState() != LegInitial {
		t.Errorf("state = %v, want INITIAL", leg.LegState())
	}
	if sib.rings != 0 || sib.connects != 0 {
		t.Errorf("sibling rings = %d connects = %d, want 0/0", sib.rings, sib.connects)
	}
	if p := h.runner.pending(); len(p) != 1 || p[0].d != commandTimeout {
		t.Errorf("pending timers = %d, want the release supervisor", len(p))
	}

	h.inbound(t, &Message{MsgType: RelCnf, Callref: callref})
	if h.conn.findLeg(callref) != nil {
		t.Error("leg still attached after MNCC_REL_CNF")
	}
}

func TestMTCodecRejectedBySibling(t *testing.T) {
	h := newHarness(t, Config{})
	sib := &fakeLeg{registry: h.registry, selectErr: errors.New("no such codec")}
	c := h.registry.Create(sib)
	if err := h.conn.CreateRemoteLeg(c); err != nil {
		t.Fatalf("CreateRemoteLeg() error = %v", err)
	}
	callref := uint32(mtCallrefFlag) | c.ID
	h.inbound(t, &Message{MsgType: CallConfInd, Callref: callref})
	h.inbound(t, rtpReply(RTPCreate, callref))

	if got := msgType(h.sock.last(t)); got != DiscReq {
		t.Errorf("sent %s, want MNCC_DISC_REQ", TypeName(got))
	}
	if sib.releases != 1 || sib.Cause != call.CauseIncompatibleDestination {
		t.Errorf("sibling releases = %d cause = %d, want 1/88", sib.releases, sib.Cause)
	}
}

func TestProtocolErrorsResetConnection(t *testing.T) {
	setup, _ := Encode(setupInd(1))

	tests := []struct {
		name  string
		state State
		data  []byte
	}{
		{"short message", StateReady, setup[:20]},
		{"unknown type", StateReady, append([]byte{0x99, 0x09, 0, 0}, make([]byte, 300)...)},
		{"message before hello", StateAwaitingHello, setup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.conn.state = tt.state

			h.conn.HandleInbound(tt.data)

			if h.conn.State() != StateDisconnected {
				t.Errorf("State() = %v, want DISCONNECTED", h.conn.State())
			}
			if !h.sock.isClosed() {
				t.Error("socket not closed")
			}
			if h.disconnects != 1 {
				t.Errorf("disconnects = %d, want 1", h.disconnects)
			}
			if p := h.runner.pending(); len(p) != 1 || p[0].d != reconnectDelay {
				t.Errorf("reconnect timer not armed for %v", reconnectDelay)
			}
			if h.registry.Count() != 0 {
				t.Errorf("Count() = %d, want 0", h.registry.Count())
			}
		})
	}
}

func TestHelloHandshake(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Hello)
		wantState State
	}{
		{"compatible", func(*Hello) {}, StateReady},
		{"version mismatch", func(h *Hello) { h.Version = ProtocolVersion + 1 }, StateDisconnected},
		{"layout mismatch", func(h *Hello) { h.MnccSize = 200 }, StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.conn.state = StateAwaitingHello
			hello := LocalHello()
			tt.mutate(&hello)

			h.inbound(t, &hello)

			if h.conn.State() != tt.wantState {
				t.Errorf("State() = %v, want %v", h.conn.State(), tt.wantState)
			}
		})
	}
}

func TestConnectAndReconnect(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &fakeRunner{}
	registry := call.NewRegistry(nil, logger)

	sock := newFakeSocket()
	dials := 0
	cfg := Config{
		SocketPath: "/tmp/test_mncc",
		Dial: func(path string) (io.ReadWriteCloser, error) {
			dials++
			if dials == 1 {
				return nil, errors.New("connection refused")
			}
			return sock, nil
		},
	}
	conn := NewConnection(cfg, runner, registry, &recordingRouter{}, logger)

	conn.Start()
	runner.runPosted()
	if conn.State() != StateDisconnected {
		t.Fatalf("State() after failed dial = %v, want DISCONNECTED", conn.State())
	}
	pending := runner.pending()
	if len(pending) != 1 || pending[0].d != reconnectDelay {
		t.Fatalf("reconnect not scheduled")
	}

	pending[0].fire()
	if conn.State() != StateAwaitingHello {
		t.Fatalf("State() = %v, want WAITING_HELLO", conn.State())
	}

	hello := LocalHello()
	buf, _ := Encode(&hello)
	conn.HandleInbound(buf)
	if !conn.Connected() {
		t.Fatal("Connected() = false after hello")
	}

	// Closing the socket makes the reader report EOF on the loop.
	sock.Close()
	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != StateDisconnected && time.Now().Before(deadline) {
		runner.runPosted()
		time.Sleep(time.Millisecond)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() after EOF = %v, want DISCONNECTED", conn.State())
	}
}

func TestWriteFailureDefersReset(t *testing.T) {
	h := newHarness(t, Config{})
	leg, sib := h.connectedMO(t)
	h.sock.writeErr = errors.New("broken pipe")

	leg.Release()

	// The leg is freed at once; the connection reset follows as an event.
	if h.registry.CallOf(sib) == nil {
		t.Error("sibling detached before disconnect handling")
	}
	if h.disconnects != 0 {
		t.Fatalf("disconnects = %d before posted events ran", h.disconnects)
	}
	h.runner.runPosted()
	if h.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", h.disconnects)
	}
	if h.conn.State() != StateDisconnected {
		t.Errorf("State() = %v, want DISCONNECTED", h.conn.State())
	}
}
