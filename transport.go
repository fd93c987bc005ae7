package gameserver

import "context"

// commandTransport carries one command to the agent and returns the raw
// response body. The implementation is httpInvoker (invoker.go).
type commandTransport interface {
	// send encodes cmd, waits for the agent's answer and classifies failures
	// into *Error kinds.
	send(ctx context.Context, cmd command) ([]byte, error)
}

// eventTransport is the push channel from the agent. The implementation is
// eventListener (channel.go).
type eventTransport interface {
	// connect opens the channel. It returns once the connection is alive or
	// has failed.
	connect(ctx context.Context) error

	// setEventHandler registers the callback for decoded inbound events.
	// Events are delivered one at a time in arrival order.
	setEventHandler(fn func(inboundEvent))

	// disconnect closes the channel unconditionally.
	disconnect() error
}
