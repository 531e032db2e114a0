package sip

import (
	"github.com/emiago/sipgo/sip"
)

// buildACKFor2xx constructs an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is a new transaction sent
// end-to-end to the remote target taken from the response Contact.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

// buildCancel constructs a CANCEL for a pending INVITE. It shares the
// Request-URI, top Via, From, To, Call-ID and CSeq number of the INVITE
// (RFC 3261 §9.1).
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SipVersion = inviteReq.SipVersion

	if h := inviteReq.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, cancel)
	}
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(inviteReq.Transport())
	return cancel
}

// setToTag replaces the To header of res with one carrying tag unless the
// request already named a tag.
func setToTag(req *sip.Request, res *sip.Response, tag string) {
	to := req.To()
	if to == nil {
		return
	}
	if _, ok := to.Params.Get("tag"); ok {
		return
	}
	tagged := &sip.ToHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      sip.NewParams(),
	}
	tagged.Params.Add("tag", tag)
	res.RemoveHeader("To")
	res.AppendHeader(tagged)
}
