package app

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/mncc"
	"github.com/flowpbx/sipconnector/internal/sip"
)

// Doer runs a function on the event loop and waits for it.
type Doer interface {
	Do(ctx context.Context, fn func()) error
}

// MNCCStatus is the part of the MNCC connection the inspector reads.
type MNCCStatus interface {
	State() mncc.State
	SocketPath() string
}

// LegInfo is a point in time copy of one leg.
type LegInfo struct {
	Kind           string `json:"kind"`
	State          string `json:"state"`
	Direction      string `json:"direction,omitempty"`
	Callref        uint32 `json:"callref,omitempty"`
	Called         string `json:"called,omitempty"`
	Calling        string `json:"calling,omitempty"`
	IMSI           string `json:"imsi,omitempty"`
	Dialog         string `json:"dialog,omitempty"`
	Codec          string `json:"codec,omitempty"`
	IP             string `json:"ip,omitempty"`
	Port           uint16 `json:"port,omitempty"`
	PayloadType    int    `json:"payload_type"`
	PayloadMsgType uint32 `json:"payload_msg_type,omitempty"`
	Cause          int    `json:"cause,omitempty"`
	InRelease      bool   `json:"in_release"`
}

// CallInfo is a point in time copy of an active call.
type CallInfo struct {
	ID          uint32     `json:"id"`
	Source      string     `json:"source"`
	Dest        string     `json:"dest"`
	GCR         string     `json:"gcr,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Initial     *LegInfo   `json:"initial,omitempty"`
	Remote      *LegInfo   `json:"remote,omitempty"`
}

// MNCCInfo describes the MNCC connection.
type MNCCInfo struct {
	State      string `json:"state"`
	SocketPath string `json:"socket_path"`
	Connected  bool   `json:"connected"`
}

// Inspector takes snapshots of loop owned state for other goroutines.
type Inspector struct {
	loop     Doer
	registry *call.Registry
	mncc     MNCCStatus
}

// NewInspector creates an inspector. mncc may be nil.
func NewInspector(loop Doer, registry *call.Registry, mncc MNCCStatus) *Inspector {
	return &Inspector{loop: loop, registry: registry, mncc: mncc}
}

// Calls returns all active calls in creation order.
func (i *Inspector) Calls(ctx context.Context) ([]CallInfo, error) {
	var out []CallInfo
	err := i.loop.Do(ctx, func() {
		calls := i.registry.Calls()
		out = make([]CallInfo, 0, len(calls))
		for _, c := range calls {
			out = append(out, callInfo(c))
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveCalls returns the number of active calls.
func (i *Inspector) ActiveCalls(ctx context.Context) (int, error) {
	var n int
	err := i.loop.Do(ctx, func() { n = i.registry.Count() })
	return n, err
}

// MNCC returns the state of the MNCC connection.
func (i *Inspector) MNCC(ctx context.Context) (MNCCInfo, error) {
	var info MNCCInfo
	if i.mncc == nil {
		info.State = mncc.StateDisconnected.String()
		return info, nil
	}
	err := i.loop.Do(ctx, func() {
		st := i.mncc.State()
		info = MNCCInfo{
			State:      st.String(),
			SocketPath: i.mncc.SocketPath(),
			Connected:  st == mncc.StateReady,
		}
	})
	return info, err
}

func callInfo(c *call.Call) CallInfo {
	info := CallInfo{
		ID:        c.ID,
		Source:    c.Source,
		Dest:      c.Dest,
		CreatedAt: c.CreatedAt,
	}
	if len(c.GCR) > 0 {
		info.GCR = hex.EncodeToString(c.GCR)
	}
	if !c.ConnectedAt.IsZero() {
		t := c.ConnectedAt
		info.ConnectedAt = &t
	}
	if c.Initial != nil {
		li := legInfo(c.Initial)
		info.Initial = &li
	}
	if c.Remote != nil {
		li := legInfo(c.Remote)
		info.Remote = &li
	}
	return info
}

func legInfo(leg call.Leg) LegInfo {
	base := leg.Base()
	info := LegInfo{
		Kind:           leg.Kind().String(),
		State:          leg.State(),
		Port:           base.Port,
		PayloadType:    base.PayloadType,
		PayloadMsgType: base.PayloadMsgType,
		Cause:          base.Cause,
		InRelease:      base.InRelease,
	}
	if base.IP.IsValid() {
		info.IP = base.IP.String()
	}

	switch l := leg.(type) {
	case *mncc.Leg:
		info.Direction = l.Direction().String()
		info.Callref = l.Callref()
		info.Called = l.Called().String()
		info.Calling = l.Calling().String()
		info.IMSI = l.IMSI()
	case *sip.Leg:
		info.Direction = l.Direction().String()
		info.Dialog = l.Dialog().ID()
		info.Codec = l.Codec()
	}
	return info
}

// MNCCConnected reports whether the MNCC connection is ready.
func (i *Inspector) MNCCConnected(ctx context.Context) (bool, error) {
	info, err := i.MNCC(ctx)
	return info.Connected, err
}
