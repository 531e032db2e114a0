package app

import "github.com/flowpbx/sipconnector/internal/call"

// Observers fans call lifecycle events out to several observers in order.
type Observers []call.Observer

var _ call.Observer = Observers(nil)

func (o Observers) CallInitiated(c *call.Call) {
	for _, obs := range o {
		obs.CallInitiated(c)
	}
}

func (o Observers) CallFailed(c *call.Call) {
	for _, obs := range o {
		obs.CallFailed(c)
	}
}

func (o Observers) CallConnected(c *call.Call) {
	for _, obs := range o {
		obs.CallConnected(c)
	}
}

func (o Observers) CallReleased(c *call.Call) {
	for _, obs := range o {
		obs.CallReleased(c)
	}
}
