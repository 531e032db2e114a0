package sip

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Poster queues work on the event loop.
type Poster interface {
	Post(fn func()) bool
}

// ServerConfig holds the settings of the sipgo binding.
type ServerConfig struct {
	// ListenAddr and ListenPort are where the stack binds.
	ListenAddr string
	ListenPort int

	// LocalAddr and LocalPort are advertised in Contact headers.
	LocalAddr string
	LocalPort int

	// Transport is "udp" or "tcp".
	Transport string
	UserAgent string

	Credentials Credentials

	// InviteRate limits new inbound calls per second; zero disables the
	// limit.
	InviteRate  float64
	InviteBurst int
}

// requester is the part of sipgo.Client the dialogs send through.
type requester interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
	Close() error
}

// Server binds the SIP agent to the network through sipgo. It implements
// UserAgent for outbound dialogs and turns every inbound request into an
// event posted to the loop.
type Server struct {
	cfg     ServerConfig
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  requester
	runner  Poster
	handler EventHandler
	dialogs *dialogTable
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

var _ UserAgent = (*Server)(nil)

// NewServer creates the sipgo stack and registers the request handlers.
// The event handler must be set with SetHandler before Start.
func NewServer(cfg ServerConfig, runner Poster, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	if cfg.UserAgent == "" {
		cfg.UserAgent = "sipconnector"
	}
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.LocalAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	limit := rate.Inf
	if cfg.InviteRate > 0 {
		limit = rate.Limit(cfg.InviteRate)
	}
	burst := cfg.InviteBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Server{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		runner:  runner,
		dialogs: newDialogTable(logger),
		limiter: rate.NewLimiter(limit, burst),
		ctx:     context.Background(),
		logger:  logger,
	}

	s.registerHandlers()
	return s, nil
}

// SetHandler sets the receiver of dialog events.
func (s *Server) SetHandler(h EventHandler) { s.handler = h }

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnInfo(s.handleInfo)
	s.srv.OnOptions(s.handleOptions)
}

// Start begins listening on the configured transport.
func (s *Server) Start(ctx context.Context) error {
	if s.handler == nil {
		return fmt.Errorf("sip server started without event handler")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	network := strings.ToLower(s.cfg.Transport)
	if network == "" {
		network = "udp"
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip listener starting", "transport", network, "addr", addr)
		if err := s.srv.ListenAndServe(s.ctx, network, addr); err != nil {
			s.logger.Error("sip listener stopped", "transport", network, "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down and waits for it.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// DialogCount returns the number of live dialogs.
func (s *Server) DialogCount() int { return s.dialogs.Len() }

// NewDialog prepares an outbound dialog between two SIP URIs. Nothing is
// sent until Invite.
func (s *Server) NewDialog(from, to string, headers []Header) (Dialog, error) {
	d := &sipDialog{
		srv:      s,
		callID:   uuid.NewString(),
		outbound: true,
		headers:  headers,
		localTag: sip.GenerateTagN(16),
	}
	if err := sip.ParseUri(from, &d.fromURI); err != nil {
		return nil, fmt.Errorf("parsing from uri %q: %w", from, err)
	}
	if err := sip.ParseUri(to, &d.toURI); err != nil {
		return nil, fmt.Errorf("parsing to uri %q: %w", to, err)
	}
	s.dialogs.Add(d)
	return d, nil
}

func (s *Server) transport() string {
	if s.cfg.Transport == "" {
		return "UDP"
	}
	return strings.ToUpper(s.cfg.Transport)
}

func (s *Server) contact() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "sipconnector",
			Host:   s.cfg.LocalAddr,
			Port:   s.cfg.LocalPort,
		},
	}
}

// post delivers an event for d to the handler on the loop, dropping it if
// d has been destroyed by then.
func (s *Server) post(d *sipDialog, fn func(h EventHandler)) bool {
	return s.runner.Post(func() {
		if d.isDestroyed() {
			return
		}
		fn(s.handler)
	})
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response", "code", code, "method", req.Method, "error", err)
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func hasToTag(req *sip.Request) bool {
	to := req.To()
	if to == nil {
		return false
	}
	_, ok := to.Params.Get("tag")
	return ok
}

// parseGCR decodes the global call reference header. A malformed value is
// ignored.
func parseGCR(req *sip.Request) []byte {
	h := req.GetHeader(GCRHeader)
	if h == nil {
		return nil
	}
	gcr, err := hex.DecodeString(strings.TrimSpace(h.Value()))
	if err != nil {
		return nil
	}
	return gcr
}

// handleInvite starts a new inbound dialog or hands a re-INVITE to the
// existing one. It returns once the leg has answered or the transaction
// has ended.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if req.From() == nil || req.To() == nil || callID == "" {
		s.respond(req, tx, 400, "Bad Request")
		return
	}

	if d := s.dialogs.Get(callID); d != nil && hasToTag(req) {
		s.handleReInvite(d, req, tx)
		return
	}
	if hasToTag(req) {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if s.dialogs.Get(callID) != nil {
		s.logger.Debug("invite retransmission ignored", "call_id", callID)
		return
	}

	if !s.limiter.Allow() {
		s.logger.Warn("inbound call rate exceeded", "call_id", callID, "source", req.Source())
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	s.respond(req, tx, 100, "Trying")

	d := newInboundDialog(s, req, tx)
	s.dialogs.Add(d)
	p := d.pending

	inv := Invite{
		From: req.From().Address.User,
		To:   req.To().Address.User,
		SDP:  req.Body(),
		GCR:  parseGCR(req),
	}
	s.logger.Info("sip invite received", "call_id", callID, "from", inv.From, "to", inv.To, "source", req.Source())

	if !s.post(d, func(h EventHandler) { h.HandleInvite(d, inv) }) {
		s.dialogs.Remove(d)
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	select {
	case <-p.done:
	case <-tx.Done():
		// The transaction ended before the leg answered.
		if d.terminatePending() {
			s.post(d, func(h EventHandler) { h.HandleCancel(d) })
		}
	}
}

func (s *Server) handleReInvite(d *sipDialog, req *sip.Request, tx sip.ServerTransaction) {
	p, ok := d.beginReInvite(req, tx)
	if !ok {
		s.respond(req, tx, 491, "Request Pending")
		return
	}

	inv := Invite{SDP: req.Body()}
	if !s.post(d, func(h EventHandler) { h.HandleInvite(d, inv) }) {
		d.abandon(p)
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	select {
	case <-p.done:
	case <-tx.Done():
		d.abandon(p)
	}
}

// handleACK passes SDP carried in the ACK of our 2xx to the leg.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	d := s.dialogs.Get(callIDOf(req))
	if d == nil {
		s.logger.Debug("sip ack for unknown dialog", "call_id", callIDOf(req), "source", req.Source())
		return
	}
	body := req.Body()
	s.post(d, func(h EventHandler) { h.HandleAck(d, body) })
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	d := s.dialogs.Get(callIDOf(req))
	if d == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")
	s.logger.Debug("sip bye received", "call_id", d.callID)
	s.post(d, func(h EventHandler) { h.HandleBye(d) })
}

// handleCancel answers the CANCEL, terminates the pending INVITE with 487
// and clears the leg.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	d := s.dialogs.Get(callIDOf(req))
	if d == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")
	if !d.terminatePending() {
		s.logger.Debug("cancel after final response ignored", "call_id", d.callID)
		return
	}
	s.post(d, func(h EventHandler) { h.HandleCancel(d) })
}

// handleInfo acknowledges every in-dialog INFO and hands the body to the
// leg, which forwards DTMF.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	d := s.dialogs.Get(callIDOf(req))
	if d == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	s.respond(req, tx, 200, "OK")

	contentType := ""
	if ct := req.ContentType(); ct != nil {
		contentType = ct.Value()
	}
	body := req.Body()
	s.post(d, func(h EventHandler) { h.HandleInfo(d, contentType, body) })
}

// handleOptions responds to SIP OPTIONS requests with 200 OK. This serves
// as a keepalive/health check mechanism for peers.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
