// Package channel provides the duplex envelope conduit between one edge and
// the hub: a WebSocket-backed implementation for production and an
// in-process pipe for tests and same-process embedding. Both deliver
// envelopes FIFO per direction; messages may be dropped only around close.
package channel

import (
	"github.com/tabphone/tabphone/pkg/protocol"
)

// Handler receives inbound envelopes, one at a time, in arrival order.
type Handler func(env *protocol.Envelope)

// Channel is a bidirectional, ordered envelope conduit.
//
// Post is non-blocking and reports failure synchronously as false; a failed
// post is logged by the implementation and never raises. Callers rely on
// request timeouts for liveness, not on delivery guarantees around Close.
type Channel interface {
	Post(env *protocol.Envelope) bool
	OnMessage(h Handler)
	Close() error
}
