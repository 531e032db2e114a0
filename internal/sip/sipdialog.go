package sip

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

var (
	errNoPendingRequest = errors.New("no request awaiting a response")
	errNoPendingInvite  = errors.New("no invite awaiting a final response")
	errNoAnswer         = errors.New("no 2xx to acknowledge")
	errNotEstablished   = errors.New("dialog not established")
	errNoFinalResponse  = errors.New("transaction ended without final response")
)

// serverTx is an inbound INVITE waiting for the leg to answer it.
type serverTx struct {
	req     *sip.Request
	tx      sip.ServerTransaction
	initial bool

	once sync.Once
	done chan struct{}
}

func newServerTx(req *sip.Request, tx sip.ServerTransaction, initial bool) *serverTx {
	return &serverTx{req: req, tx: tx, initial: initial, done: make(chan struct{})}
}

func (p *serverTx) finish() { p.once.Do(func() { close(p.done) }) }

// sipDialog implements Dialog on top of sipgo transactions. Methods of the
// Dialog interface are called from the loop; transaction watchers run on
// their own goroutines and report back through Server.post.
type sipDialog struct {
	srv      *Server
	callID   string
	outbound bool

	// fromURI and toURI name the parties of an outbound dialog; headers
	// are extra headers for its INVITE.
	fromURI sip.Uri
	toURI   sip.Uri
	headers []Header

	mu sync.Mutex

	// invite is the initial INVITE, received or sent. lastInvite and
	// lastInviteRes are the latest INVITE we sent and its 2xx, used to
	// build the ACK.
	invite        *sip.Request
	lastInvite    *sip.Request
	lastInviteRes *sip.Response

	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	cseq         uint32

	// pending is the inbound INVITE we owe a final response.
	pending *serverTx

	// inviteTx is the outbound initial INVITE until its final response.
	inviteTx   sip.ClientTransaction
	cancelSent bool
	answered   bool

	destroyed bool
}

var _ Dialog = (*sipDialog)(nil)

func newInboundDialog(s *Server, req *sip.Request, tx sip.ServerTransaction) *sipDialog {
	d := &sipDialog{
		srv:      s,
		callID:   req.CallID().Value(),
		invite:   req,
		localTag: sip.GenerateTagN(16),
		pending:  newServerTx(req, tx, true),
	}
	if from := req.From(); from != nil {
		d.remoteTag, _ = from.Params.Get("tag")
		d.remoteTarget = from.Address
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	return d
}

func (d *sipDialog) ID() string { return d.callID }

func (d *sipDialog) isDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Respond answers the pending inbound INVITE.
func (d *sipDialog) Respond(code int, reason string, sdp []byte) error {
	d.mu.Lock()
	p := d.pending
	if code >= 200 {
		d.pending = nil
	}
	d.mu.Unlock()
	if p == nil {
		return errNoPendingRequest
	}

	res := sip.NewResponseFromRequest(p.req, code, reason, sdp)
	setToTag(p.req, res, d.localTag)
	if len(sdp) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	if code < 300 {
		res.AppendHeader(d.srv.contact())
	}

	err := p.tx.Respond(res)
	if code >= 200 {
		p.finish()
	}
	if err != nil {
		return fmt.Errorf("responding %d: %w", code, err)
	}
	return nil
}

// Invite sends the initial INVITE of an outbound dialog.
func (d *sipDialog) Invite(sdp []byte) error {
	req := sip.NewRequest(sip.INVITE, *d.toURI.Clone())

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	from := &sip.FromHeader{Address: d.fromURI, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: d.toURI, Params: sip.NewParams()})

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(d.srv.contact())
	for _, h := range d.headers {
		req.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	if len(sdp) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody(sdp)
	}
	req.SetTransport(d.srv.transport())

	tx, err := d.srv.client.TransactionRequest(d.srv.ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending invite: %w", err)
	}

	d.mu.Lock()
	d.invite = req
	d.lastInvite = req
	d.inviteTx = tx
	d.cseq = 1
	d.remoteTarget = d.toURI
	d.mu.Unlock()

	go d.watchInvite(tx, req)
	return nil
}

// watchInvite follows the initial INVITE to its final response, answering
// one authentication challenge on the way.
func (d *sipDialog) watchInvite(tx sip.ClientTransaction, req *sip.Request) {
	logger := d.srv.logger.With("call_id", d.callID)
	authTried := false

	for {
		var res *sip.Response
		select {
		case res = <-tx.Responses():
		case <-tx.Done():
			res = drainResponse(tx)
		}
		if res == nil {
			d.inviteFailed(tx)
			return
		}

		code := int(res.StatusCode)
		if (code == 401 || code == 407) && !authTried && !d.srv.cfg.Credentials.empty() {
			authTried = true
			if next, nextReq, err := d.retryWithAuth(req, res); err != nil {
				logger.Error("authentication failed", "status", code, "error", err)
			} else {
				tx.Terminate()
				tx, req = next, nextReq
				continue
			}
		}

		d.recordInviteResponse(req, res)
		d.postInviteResponse(res)
		if code >= 200 {
			tx.Terminate()
			return
		}
	}
}

// postInviteResponse hands a response to the initial INVITE to the loop.
// A 2xx that finds the dialog destroyed has no leg left to answer it, so
// it is acknowledged and ended here.
func (d *sipDialog) postInviteResponse(res *sip.Response) {
	code := int(res.StatusCode)
	d.srv.runner.Post(func() {
		if d.isDestroyed() {
			if code >= 200 && code < 300 {
				d.hangUp()
			}
			return
		}
		d.srv.handler.HandleResponse(d, "INVITE", code, res.Reason, res.Body())
	})
}

// hangUp acknowledges the 2xx to our INVITE and sends BYE.
func (d *sipDialog) hangUp() {
	logger := d.srv.logger.With("call_id", d.callID)
	logger.Info("ending dialog answered after release")
	if err := d.Ack(nil); err != nil {
		logger.Error("failed to ack late answer", "error", err)
		return
	}
	if err := d.Bye(); err != nil {
		logger.Error("failed to end late answer", "error", err)
	}
}

func (d *sipDialog) retryWithAuth(req *sip.Request, res *sip.Response) (sip.ClientTransaction, *sip.Request, error) {
	authReq, err := authorize(req, res, d.srv.cfg.Credentials)
	if err != nil {
		return nil, nil, err
	}
	tx, err := d.srv.client.TransactionRequest(d.srv.ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sending authenticated invite: %w", err)
	}

	d.mu.Lock()
	d.invite = authReq
	d.lastInvite = authReq
	d.inviteTx = tx
	if cseq := authReq.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	d.mu.Unlock()
	return tx, authReq, nil
}

func (d *sipDialog) inviteFailed(tx sip.ClientTransaction) {
	err := tx.Err()
	if err == nil {
		err = errNoFinalResponse
	}
	d.mu.Lock()
	d.inviteTx = nil
	d.mu.Unlock()
	d.srv.post(d, func(h EventHandler) { h.HandleTransactionError(d, "INVITE", err) })
}

// recordInviteResponse learns the remote tag and target from a response
// to the initial INVITE.
func (d *sipDialog) recordInviteResponse(req *sip.Request, res *sip.Response) {
	code := int(res.StatusCode)

	d.mu.Lock()
	defer d.mu.Unlock()

	if to := res.To(); to != nil && code > 100 && code < 300 {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil && code < 300 {
		d.remoteTarget = contact.Address
	}
	if code >= 200 {
		d.inviteTx = nil
	}
	if code >= 200 && code < 300 {
		d.lastInvite = req
		d.lastInviteRes = res
		d.answered = true
	}
}

// drainResponse picks up a response delivered together with the end of
// the transaction.
func drainResponse(tx sip.ClientTransaction) *sip.Response {
	select {
	case res := <-tx.Responses():
		return res
	default:
		return nil
	}
}

// inDialogRequest builds a request within the established dialog.
func (d *sipDialog) inDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.invite == nil {
		return nil, errNotEstablished
	}

	var local, remote sip.Uri
	if d.outbound {
		local, remote = d.fromURI, d.toURI
	} else {
		local, remote = d.invite.To().Address, d.invite.From().Address
	}
	d.cseq++

	req := sip.NewRequest(method, *d.remoteTarget.Clone())

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	from := &sip.FromHeader{Address: local, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: remote, Params: sip.NewParams()}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})
	req.AppendHeader(d.srv.contact())
	req.SetTransport(d.srv.transport())
	return req, nil
}

// send starts a client transaction for an in-dialog request and reports
// its final response as an event.
func (d *sipDialog) send(req *sip.Request) error {
	tx, err := d.srv.client.TransactionRequest(d.srv.ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending %s: %w", req.Method, err)
	}
	go d.watch(tx, req)
	return nil
}

func (d *sipDialog) watch(tx sip.ClientTransaction, req *sip.Request) {
	defer tx.Terminate()
	method := req.Method.String()

	for {
		var res *sip.Response
		select {
		case res = <-tx.Responses():
		case <-tx.Done():
			res = drainResponse(tx)
		}
		if res == nil {
			err := tx.Err()
			if err == nil {
				err = errNoFinalResponse
			}
			d.srv.post(d, func(h EventHandler) { h.HandleTransactionError(d, method, err) })
			return
		}

		code := int(res.StatusCode)
		if code < 200 {
			continue
		}
		if method == "INVITE" && code < 300 {
			d.mu.Lock()
			d.lastInvite = req
			d.lastInviteRes = res
			d.mu.Unlock()
		}
		d.srv.post(d, func(h EventHandler) {
			h.HandleResponse(d, method, code, res.Reason, res.Body())
		})
		return
	}
}

// ReInvite sends an in-dialog INVITE carrying sdp.
func (d *sipDialog) ReInvite(sdp []byte) error {
	req, err := d.inDialogRequest(sip.INVITE)
	if err != nil {
		return err
	}
	if len(sdp) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody(sdp)
	}
	return d.send(req)
}

// Ack acknowledges the last 2xx to an INVITE we sent.
func (d *sipDialog) Ack(sdp []byte) error {
	d.mu.Lock()
	req, res := d.lastInvite, d.lastInviteRes
	d.mu.Unlock()
	if req == nil || res == nil {
		return errNoAnswer
	}

	ack := buildACKFor2xx(req, res)
	if len(sdp) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		ack.AppendHeader(&ct)
		ack.SetBody(sdp)
	}
	if err := d.srv.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		return fmt.Errorf("sending ack: %w", err)
	}
	return nil
}

// Cancel cancels the pending initial INVITE.
func (d *sipDialog) Cancel() error {
	d.mu.Lock()
	inv := d.invite
	pending := d.inviteTx != nil
	answered := d.answered
	if pending {
		d.cancelSent = true
	}
	d.mu.Unlock()
	if answered && !pending {
		// The 2xx is already on its way to the loop, where the releasing
		// leg acknowledges and ends it.
		return nil
	}
	if inv == nil || !pending {
		return errNoPendingInvite
	}
	return d.send(buildCancel(inv))
}

// Bye ends the established dialog.
func (d *sipDialog) Bye() error {
	req, err := d.inDialogRequest(sip.BYE)
	if err != nil {
		return err
	}
	return d.send(req)
}

// Info sends an in-dialog INFO.
func (d *sipDialog) Info(contentType string, body []byte) error {
	req, err := d.inDialogRequest(sip.INFO)
	if err != nil {
		return err
	}
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)
	req.SetBody(body)
	return d.send(req)
}

// Destroy forgets the dialog. An inbound INVITE still unanswered gets 487
// and an outbound one still pending is cancelled.
func (d *sipDialog) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	p := d.pending
	d.pending = nil
	inv := d.invite
	cancel := d.inviteTx != nil && !d.cancelSent
	d.mu.Unlock()

	d.srv.dialogs.Remove(d)

	if p != nil {
		res := sip.NewResponseFromRequest(p.req, 487, "Request Terminated", nil)
		setToTag(p.req, res, d.localTag)
		if err := p.tx.Respond(res); err != nil {
			d.srv.logger.Debug("failed to terminate pending invite", "call_id", d.callID, "error", err)
		}
		p.finish()
	}
	if cancel && inv != nil {
		req := buildCancel(inv)
		tx, err := d.srv.client.TransactionRequest(d.srv.ctx, req, sipgo.ClientRequestBuild)
		if err != nil {
			d.srv.logger.Debug("failed to cancel destroyed dialog", "call_id", d.callID, "error", err)
			return
		}
		go func() {
			<-tx.Done()
			tx.Terminate()
		}()
	}
}

// terminatePending answers a pending initial INVITE with 487 after the
// caller cancelled it. It reports whether there was one.
func (d *sipDialog) terminatePending() bool {
	d.mu.Lock()
	p := d.pending
	if p == nil || !p.initial {
		d.mu.Unlock()
		return false
	}
	d.pending = nil
	d.mu.Unlock()

	res := sip.NewResponseFromRequest(p.req, 487, "Request Terminated", nil)
	setToTag(p.req, res, d.localTag)
	if err := p.tx.Respond(res); err != nil {
		d.srv.logger.Debug("failed to answer cancelled invite", "call_id", d.callID, "error", err)
	}
	p.finish()
	return true
}

// beginReInvite registers an inbound re-INVITE. It fails while another
// INVITE transaction is still open.
func (d *sipDialog) beginReInvite(req *sip.Request, tx sip.ServerTransaction) (*serverTx, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil || d.inviteTx != nil {
		return nil, false
	}
	d.pending = newServerTx(req, tx, false)
	return d.pending, true
}

// abandon drops p if the transaction ended before it was answered.
func (d *sipDialog) abandon(p *serverTx) {
	d.mu.Lock()
	if d.pending == p {
		d.pending = nil
	}
	d.mu.Unlock()
	p.finish()
}
