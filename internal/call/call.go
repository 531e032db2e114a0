package call

import (
	"log/slog"
	"time"
)

// firstCallID is the value the id counter starts from; the first call
// created gets firstCallID+1.
const firstCallID = 5000

// Call pairs at most two legs representing one bridged conversation. The
// initial leg is the one that received the first message; the remote leg
// is created by the router to reach the other protocol.
type Call struct {
	ID      uint32
	Initial Leg
	Remote  Leg

	// Origin is the protocol of the initial leg. It survives the leg.
	Origin Kind

	// Source and Dest are set once at routing time.
	Source string
	Dest   string

	// GCR is the opaque global call reference carried between protocols.
	GCR []byte

	CreatedAt   time.Time
	ConnectedAt time.Time
	ReleasedAt  time.Time

	// Cause is the last non-zero cause seen on a released leg.
	Cause int

	Failed bool
}

// Legs returns the legs currently attached, initial first.
func (c *Call) Legs() []Leg {
	legs := make([]Leg, 0, 2)
	if c.Initial != nil {
		legs = append(legs, c.Initial)
	}
	if c.Remote != nil {
		legs = append(legs, c.Remote)
	}
	return legs
}

// Observer receives call lifecycle notifications from the registry.
type Observer interface {
	CallInitiated(c *Call)
	CallFailed(c *Call)
	CallConnected(c *Call)
	CallReleased(c *Call)
}

// Registry owns every active call. It is not safe for concurrent use and
// must only be touched from the event loop.
type Registry struct {
	lastID   uint32
	calls    []*Call
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(observer Observer, logger *slog.Logger) *Registry {
	return &Registry{
		lastID:   firstCallID,
		observer: observer,
		logger:   logger.With("component", "call"),
		now:      time.Now,
	}
}

// Create allocates a call with a fresh id, attaches initial as its
// initial leg and registers it.
func (r *Registry) Create(initial Leg) *Call {
	r.lastID++
	c := &Call{
		ID:        r.lastID,
		Initial:   initial,
		Origin:    initial.Kind(),
		CreatedAt: r.now(),
	}
	initial.Base().CallID = c.ID
	r.calls = append(r.calls, c)

	r.logger.Debug("call created", "call", c.ID, "leg", initial.Kind())
	if r.observer != nil {
		r.observer.CallInitiated(c)
	}
	return c
}

// AttachRemote links leg as the remote leg of c.
func (r *Registry) AttachRemote(c *Call, leg Leg) {
	c.Remote = leg
	leg.Base().CallID = c.ID
}

// Get returns the call with the given id, or nil.
func (r *Registry) Get(id uint32) *Call {
	if id == 0 {
		return nil
	}
	for _, c := range r.calls {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// CallOf returns the call leg belongs to, or nil if it has been detached.
func (r *Registry) CallOf(leg Leg) *Call {
	return r.Get(leg.Base().CallID)
}

// ReleaseLeg detaches leg from its call. When both slots are empty the
// call is removed. Releasing a leg that is already detached, or that its
// call does not recognise, is logged and ignored.
func (r *Registry) ReleaseLeg(leg Leg) {
	base := leg.Base()
	c := r.Get(base.CallID)
	if c == nil {
		r.logger.Debug("release of detached leg ignored", "leg", leg.Kind())
		return
	}

	switch {
	case c.Initial == leg:
		c.Initial = nil
	case c.Remote == leg:
		c.Remote = nil
	default:
		r.logger.Error("call with unknown leg", "call", c.ID, "leg", leg.Kind())
		return
	}
	base.CallID = 0
	if base.Cause != 0 {
		c.Cause = base.Cause
	}

	if c.Initial != nil || c.Remote != nil {
		return
	}

	r.remove(c)
	c.ReleasedAt = r.now()
	r.logger.Debug("call released", "call", c.ID, "cause", c.Cause)
	if r.observer != nil {
		r.observer.CallReleased(c)
	}
}

func (r *Registry) remove(c *Call) {
	for i, other := range r.calls {
		if other == c {
			r.calls = append(r.calls[:i], r.calls[i+1:]...)
			return
		}
	}
}

// Other returns the sibling of leg, or nil if the leg is orphaned or not
// recognised by its call.
func (r *Registry) Other(leg Leg) Leg {
	c := r.Get(leg.Base().CallID)
	if c == nil {
		return nil
	}
	switch {
	case c.Initial == leg:
		return c.Remote
	case c.Remote == leg:
		return c.Initial
	}
	r.logger.Warn("leg not belonging to call", "call", c.ID, "leg", leg.Kind())
	return nil
}

// FindLeg returns the first leg for which match returns true.
func (r *Registry) FindLeg(match func(Leg) bool) Leg {
	for _, c := range r.calls {
		for _, leg := range c.Legs() {
			if match(leg) {
				return leg
			}
		}
	}
	return nil
}

// Calls returns a copy of the active call list in creation order.
func (r *Registry) Calls() []*Call {
	out := make([]*Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns the number of active calls.
func (r *Registry) Count() int {
	return len(r.calls)
}

// MarkConnected records that c has been answered end to end.
func (r *Registry) MarkConnected(c *Call) {
	if c == nil || !c.ConnectedAt.IsZero() {
		return
	}
	c.ConnectedAt = r.now()
	if r.observer != nil {
		r.observer.CallConnected(c)
	}
}

// MarkFailed records that c could not be set up.
func (r *Registry) MarkFailed(c *Call) {
	if c == nil || c.Failed {
		return
	}
	c.Failed = true
	if r.observer != nil {
		r.observer.CallFailed(c)
	}
}
