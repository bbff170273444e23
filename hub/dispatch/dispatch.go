// Package dispatch routes inbound edge envelopes to registered handlers and
// owns the admission flow: CLIENT_CONNECTED registers the channel and
// publishes membership, everything else requires a registered client id.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tabphone/tabphone/hub/registry"
	"github.com/tabphone/tabphone/internal/channel"
	"github.com/tabphone/tabphone/pkg/protocol"
)

// HandlerFunc processes one envelope of a subscribed type. A returned error
// is logged; it never propagates to the sending edge except as an error
// response when the source was a REQUEST.
type HandlerFunc func(clientID string, env *protocol.Envelope) error

// ActionFunc services one REQUEST action and returns the response data.
type ActionFunc func(clientID string, env *protocol.Envelope) (any, error)

// StateSource supplies the shared state sent to a newly admitted edge.
type StateSource interface {
	CurrentState() protocol.CallState
}

// Dispatcher maintains ordered handler lists per message type plus the
// per-action REQUEST handlers.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger

	mu           sync.RWMutex
	handlers     map[protocol.MessageType][]HandlerFunc
	actions      map[string]ActionFunc
	state        StateSource
	onDisconnect []func(clientID string)
}

// New creates a dispatcher bound to the registry. The built-in "echo"
// action answers with its own request payload.
func New(reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   logger.With("component", "dispatch"),
		handlers: make(map[protocol.MessageType][]HandlerFunc),
		actions:  make(map[string]ActionFunc),
	}
	d.AddAction("echo", func(_ string, env *protocol.Envelope) (any, error) {
		return env.Payload, nil
	})
	return d
}

// SetStateSource installs the provider of the admission STATE_UPDATE
// payload. Without one, admitted edges see the zero state.
func (d *Dispatcher) SetStateSource(s StateSource) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// AddHandler appends a handler for the given message type. Handlers run in
// registration order.
func (d *Dispatcher) AddHandler(t protocol.MessageType, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], h)
	d.mu.Unlock()
}

// AddAction registers the handler for one REQUEST action.
func (d *Dispatcher) AddAction(action string, h ActionFunc) {
	d.mu.Lock()
	d.actions[action] = h
	d.mu.Unlock()
}

// OnClientDisconnected registers a callback fired after a client is removed,
// whether by an explicit CLIENT_DISCONNECTED or by channel teardown.
func (d *Dispatcher) OnClientDisconnected(fn func(clientID string)) {
	d.mu.Lock()
	d.onDisconnect = append(d.onDisconnect, fn)
	d.mu.Unlock()
}

type closeNotifier interface {
	OnClose(fn func())
}

// Attach wires a channel into the dispatcher. If the channel reports
// closure (both concrete implementations do), the client is removed as if
// it had sent CLIENT_DISCONNECTED.
func (d *Dispatcher) Attach(ch channel.Channel) {
	c := &conn{d: d, ch: ch}
	if n, ok := ch.(closeNotifier); ok {
		n.OnClose(c.closed)
	}
	ch.OnMessage(c.handle)
}

// conn is the per-channel admission state.
type conn struct {
	d  *Dispatcher
	ch channel.Channel

	mu       sync.Mutex
	clientID string
}

func (c *conn) handle(env *protocol.Envelope) {
	d := c.d

	if !protocol.KnownType(env.Type) {
		d.logger.Warn("unknown envelope type dropped", "type", env.Type)
		return
	}

	switch env.Type {
	case protocol.TypeClientConnected:
		c.admit(env)
		return
	case protocol.TypeClientDisconnected:
		c.remove()
		return
	}

	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()

	if clientID == "" || env.ClientID != clientID {
		d.logger.Error("envelope before admission dropped",
			"type", env.Type, "client_id", env.ClientID)
		return
	}

	if env.Type == protocol.TypeRequest {
		d.dispatchRequest(clientID, env)
		return
	}
	d.dispatchTyped(clientID, env)
}

// admit registers the channel under the edge-supplied client id, allocating
// one if the edge sent none, then publishes the membership change.
func (c *conn) admit(env *protocol.Envelope) {
	d := c.d

	clientID := env.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}

	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()

	d.registry.Register(clientID, c.ch)

	var state protocol.CallState
	d.mu.RLock()
	src := d.state
	d.mu.RUnlock()
	if src != nil {
		state = src.CurrentState()
	} else {
		state.Registration.State = "none"
	}

	stateEnv := protocol.NewEnvelope(protocol.TypeStateUpdate, state)
	stateEnv.ClientID = clientID
	d.registry.SendToClient(clientID, stateEnv)

	d.registry.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeClientConnected, protocol.ClientUpdate{
		ClientID:     clientID,
		TotalClients: d.registry.GetClientCount(),
	}))
}

// remove unregisters the client and publishes the membership change. Safe to
// call for channels that never completed admission.
func (c *conn) remove() {
	d := c.d

	c.mu.Lock()
	clientID := c.clientID
	c.clientID = ""
	c.mu.Unlock()

	if clientID == "" {
		return
	}

	d.registry.Unregister(clientID)
	d.registry.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeClientDisconnected, protocol.ClientUpdate{
		ClientID:     clientID,
		TotalClients: d.registry.GetClientCount(),
	}))

	d.mu.RLock()
	callbacks := append([]func(string){}, d.onDisconnect...)
	d.mu.RUnlock()
	for _, fn := range callbacks {
		fn(clientID)
	}
}

// closed handles channel teardown without an explicit disconnect envelope.
func (c *conn) closed() {
	c.remove()
}

func (d *Dispatcher) dispatchRequest(clientID string, env *protocol.Envelope) {
	d.mu.RLock()
	action, ok := d.actions[env.Action]
	d.mu.RUnlock()

	if !ok {
		d.registry.SendErrorResponse(clientID, env.RequestID,
			fmt.Sprintf("Unknown request action: %s", env.Action))
		return
	}

	data, err := action(clientID, env)
	if err != nil {
		d.logger.Warn("request handler failed",
			"action", env.Action, "client_id", clientID, "error", err)
		d.registry.SendErrorResponse(clientID, env.RequestID, err.Error())
		return
	}
	d.registry.SendResponse(clientID, env.RequestID, data, true)
}

func (d *Dispatcher) dispatchTyped(clientID string, env *protocol.Envelope) {
	d.mu.RLock()
	handlers := append([]HandlerFunc{}, d.handlers[env.Type]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("no handler for envelope", "type", env.Type)
		return
	}
	for _, h := range handlers {
		if err := h(clientID, env); err != nil {
			d.logger.Warn("handler failed", "type", env.Type, "client_id", clientID, "error", err)
		}
	}
}
