// Package mncc implements the MNCC side of the gateway: the socket
// connection to the mobile switch, the record codec and the per-leg call
// control logic.
package mncc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/reactor"
)

const (
	reconnectDelay = 5 * time.Second
	commandTimeout = 1 * time.Second
	readBufferSize = 4096
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingHello
	StateReady
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateAwaitingHello:
		return "WAITING_HELLO"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Router hands a call whose origin leg is identified to the mediator.
type Router interface {
	Route(c *call.Call)
}

// Config holds the settings of a Connection.
type Config struct {
	SocketPath      string
	UseIMSI         bool
	EmergencyNumber string

	// OnDisconnect is invoked on the loop after the connection was lost.
	OnDisconnect func()

	// Dial opens the socket. Defaults to a unixpacket dial of SocketPath.
	Dial func(path string) (io.ReadWriteCloser, error)
}

// Connection is the client side of the MNCC socket. All methods except
// Start must be called on the loop goroutine.
type Connection struct {
	cfg      Config
	runner   reactor.Runner
	registry *call.Registry
	router   Router
	logger   *slog.Logger

	state     State
	sock      io.ReadWriteCloser
	epoch     uint64
	reconnect reactor.Timer
}

// NewConnection creates a disconnected connection.
func NewConnection(cfg Config, runner reactor.Runner, registry *call.Registry, router Router, logger *slog.Logger) *Connection {
	if cfg.Dial == nil {
		cfg.Dial = dialUnixPacket
	}
	return &Connection{
		cfg:      cfg,
		runner:   runner,
		registry: registry,
		router:   router,
		logger:   logger.With("component", "mncc"),
	}
}

func dialUnixPacket(path string) (io.ReadWriteCloser, error) {
	return net.Dial("unixpacket", path)
}

// SetRouter sets the mediator. It exists because the router and the
// connection reference each other.
func (c *Connection) SetRouter(r Router) { c.router = r }

// SetOnDisconnect sets the callback invoked after the connection is lost.
func (c *Connection) SetOnDisconnect(fn func()) { c.cfg.OnDisconnect = fn }

// State returns the current connection state.
func (c *Connection) State() State { return c.state }

// SocketPath returns the configured socket path.
func (c *Connection) SocketPath() string { return c.cfg.SocketPath }

// Connected reports whether commands can be exchanged with the switch.
func (c *Connection) Connected() bool {
	return c.state == StateReady && c.sock != nil
}

// Start schedules the first connection attempt.
func (c *Connection) Start() {
	c.logger.Info("scheduling mncc connect", "path", c.cfg.SocketPath)
	c.runner.Post(c.connect)
}

// Close drops the socket without scheduling a reconnect.
func (c *Connection) Close() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.closeSocket()
	c.state = StateDisconnected
}

func (c *Connection) connect() {
	c.reconnect = nil
	if c.sock != nil {
		return
	}

	sock, err := c.cfg.Dial(c.cfg.SocketPath)
	if err != nil {
		c.logger.Error("failed to connect, retrying", "path", c.cfg.SocketPath, "error", err)
		c.scheduleReconnect()
		return
	}

	c.sock = sock
	c.epoch++
	c.state = StateAwaitingHello
	c.logger.Info("connected, waiting for hello", "path", c.cfg.SocketPath)

	go c.readLoop(sock, c.epoch)
}

func (c *Connection) scheduleReconnect() {
	if c.reconnect != nil {
		return
	}
	c.reconnect = c.runner.AfterFunc(reconnectDelay, c.connect)
}

// readLoop delivers every record to the loop tagged with the epoch of
// the socket it was read from, so records of a replaced socket are
// discarded.
func (c *Connection) readLoop(sock io.Reader, epoch uint64) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := sock.Read(buf)
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err != nil {
			c.runner.Post(func() { c.readFailed(epoch, err) })
			return
		}
		data := append([]byte(nil), buf[:n]...)
		if !c.runner.Post(func() {
			if epoch == c.epoch {
				c.HandleInbound(data)
			}
		}) {
			return
		}
	}
}

func (c *Connection) readFailed(epoch uint64, err error) {
	if epoch != c.epoch {
		return
	}
	c.logger.Error("failed to read, reconnecting", "error", err)
	c.reset()
}

func (c *Connection) closeSocket() {
	if c.sock == nil {
		return
	}
	if err := c.sock.Close(); err != nil {
		c.logger.Debug("closing socket", "error", err)
	}
	c.sock = nil
	c.epoch++
}

// reset closes the socket, schedules a reconnect and tells the mediator.
func (c *Connection) reset() {
	wasUp := c.state != StateDisconnected
	c.closeSocket()
	c.state = StateDisconnected
	c.scheduleReconnect()
	if wasUp && c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect()
	}
}

// HandleInbound processes one record read from the socket.
func (c *Connection) HandleInbound(data []byte) {
	rec, err := Decode(data)
	if err != nil {
		c.logger.Error("malformed message, resetting connection", "error", err)
		c.reset()
		return
	}

	if hello, ok := rec.(*Hello); ok {
		c.handleHello(hello)
		return
	}
	if c.state != StateReady {
		c.logger.Error("message before hello, resetting connection", "state", c.state)
		c.reset()
		return
	}

	switch m := rec.(type) {
	case *Message:
		c.handleMessage(m)
	case *RTP:
		c.handleRTP(m)
	case *Frame:
		c.logger.Debug("ignoring frame", "type", TypeName(m.MsgType), "callref", m.Callref)
	}
}

func (c *Connection) handleHello(h *Hello) {
	if err := h.Check(); err != nil {
		c.logger.Error("incompatible hello", "error", err)
		c.reset()
		return
	}
	if c.state == StateReady {
		c.logger.Debug("repeated hello")
		return
	}
	c.state = StateReady
	c.logger.Info("mncc connection ready", "version", h.Version)
}

// send writes rec to the switch. A failed write closes the socket at once
// and defers the disconnect handling to a later event, so the caller's
// leg state is not torn down underneath it.
func (c *Connection) send(rec any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	data, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	n, err := c.sock.Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.logger.Error("failed to write, reconnecting", "error", err)
		epoch := c.epoch
		c.closeSocket()
		c.runner.Defer(func() {
			if c.epoch == epoch+1 && c.state != StateDisconnected {
				c.reset()
			}
		})
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// sendMessage sends a call control record with an optional cause.
func (c *Connection) sendMessage(msgType, callref uint32, cause int) error {
	msg := &Message{MsgType: msgType, Callref: callref}
	if cause != 0 {
		msg.SetCause(cause)
	}
	return c.send(msg)
}

// reject answers an unsolicited setup that could not be accepted.
func (c *Connection) reject(callref uint32, cause int) {
	if err := c.sendMessage(RejReq, callref, cause); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Error("failed to send reject", "callref", callref, "error", err)
	}
}

// findLeg is a linear scan of the registry for the leg owning callref.
func (c *Connection) findLeg(callref uint32) *Leg {
	leg := c.registry.FindLeg(func(l call.Leg) bool {
		m, ok := l.(*Leg)
		return ok && m.callref == callref
	})
	if leg == nil {
		return nil
	}
	return leg.(*Leg)
}
