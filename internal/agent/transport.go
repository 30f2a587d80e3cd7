package agent

import "encoding/json"

// Handler receives the data of one event.
type Handler func(data json.RawMessage)

// Transport carries envelopes between an agent and the gateway. Handlers
// for one transport are invoked sequentially in arrival order, on a
// single delivery goroutine; a handler that waits for a later event
// never sees it. The pseudo-events "connect" and "disconnect" report
// link state.
type Transport interface {
	Emit(event string, payload any) error
	Subscribe(event string, h Handler) (unsubscribe func())
	IsConnected() bool
}
