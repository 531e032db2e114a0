// Package app hooks the MNCC connection and the SIP agent together. It
// routes freshly identified calls to the other protocol and tears down
// calls that depend on a lost MNCC connection.
package app

import (
	"log/slog"

	"github.com/flowpbx/sipconnector/internal/call"
)

// RemoteLegCreator attaches the remote leg of a call on one protocol.
type RemoteLegCreator interface {
	CreateRemoteLeg(c *call.Call) error
}

// Gateway is the routing mediator. Like the registry it must only be used
// from the event loop.
type Gateway struct {
	registry *call.Registry
	toSIP    RemoteLegCreator
	toMNCC   RemoteLegCreator
	logger   *slog.Logger
}

// New creates a gateway. MNCC originated calls are handed to toSIP and
// SIP originated calls to toMNCC.
func New(registry *call.Registry, toSIP, toMNCC RemoteLegCreator, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		toSIP:    toSIP,
		toMNCC:   toMNCC,
		logger:   logger.With("component", "app"),
	}
}

// Route creates the remote leg of c. When that fails the initial leg is
// released, which frees the call since it is the only leg.
func (g *Gateway) Route(c *call.Call) {
	initial := c.Initial
	if initial == nil {
		g.logger.Error("route of call without initial leg", "call_id", c.ID)
		return
	}

	var target RemoteLegCreator
	switch initial.Kind() {
	case call.KindMNCC:
		target = g.toSIP
	case call.KindSIP:
		target = g.toMNCC
	}

	log := g.logger.With("call_id", c.ID, "leg", initial.Kind(), "source", c.Source, "dest", c.Dest)
	if target == nil {
		log.Error("no route for call")
		g.fail(c, initial, call.CauseExchangeRoutingError)
		return
	}

	if err := target.CreateRemoteLeg(c); err != nil {
		log.Error("remote leg not created", "error", err)
		g.fail(c, initial, call.CauseNetworkOutOfOrder)
		return
	}
	log.Info("call routed")
}

func (g *Gateway) fail(c *call.Call, initial call.Leg, cause int) {
	g.registry.MarkFailed(c)
	if initial.Base().Cause == 0 {
		initial.Base().Cause = cause
	}
	initial.Release()
}

// MNCCDisconnected releases every call with a leg on the MNCC side. Both
// legs are captured before either is released since the first release can
// free the call.
func (g *Gateway) MNCCDisconnected() {
	for _, c := range g.registry.Calls() {
		initial, remote := c.Initial, c.Remote
		if !isMNCC(initial) && !isMNCC(remote) {
			continue
		}

		g.logger.Warn("releasing call due to mncc disconnect", "call_id", c.ID)
		for _, leg := range []call.Leg{initial, remote} {
			if leg == nil || leg.Base().CallID == 0 {
				continue
			}
			if leg.Base().Cause == 0 {
				leg.Base().Cause = call.CauseNetworkOutOfOrder
			}
			leg.Release()
		}
	}
}

func isMNCC(leg call.Leg) bool {
	return leg != nil && leg.Kind() == call.KindMNCC
}
