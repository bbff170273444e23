// Package bridge implements the remote session-description bridge: the
// description handler the hub-hosted SIP stack drives as if it were local,
// while every WebRTC primitive is serialized to one edge over the channel
// and correlated back by request id.
package bridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// Sender is the slice of the client registry the bridge needs: unicast plus
// client enumeration for the auto-select fallback.
type Sender interface {
	SendToClient(clientID string, env *protocol.Envelope) bool
	GetAllClientIds() []string
}

// Delegate receives peer-connection events surfaced by the owning edge.
// All fields are optional.
type Delegate struct {
	OnICECandidate             func(c *protocol.ICECandidate)
	OnICEGatheringComplete     func()
	OnICEConnectionStateChange func(state string)
}

// Options tunes handler behavior. Zero values take the defaults below.
type Options struct {
	TrickleCandidates   bool
	ICEGatheringTimeout time.Duration
	RequestTimeout      time.Duration
}

// Handler defaults.
const (
	DefaultICEGatheringTimeout = 5 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
)

// Factory owns the session handlers, indexed by (client id, session id),
// and routes inbound bridge envelopes to them. Handlers hold only their
// client id and a reference back here; there is no ownership cycle.
type Factory struct {
	sender Sender
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	handlers map[string]map[string]*Handler // clientID -> sessionID -> handler
}

// NewFactory creates a bridge factory. Trickle ICE defaults to on unless
// opts explicitly carries a gathering timeout with trickle off.
func NewFactory(sender Sender, logger *slog.Logger, opts Options) *Factory {
	if opts.ICEGatheringTimeout == 0 {
		opts.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Factory{
		sender:   sender,
		logger:   logger.With("component", "bridge"),
		opts:     opts,
		handlers: make(map[string]map[string]*Handler),
	}
}

// Create constructs a handler for one media session. clientID may be empty:
// the handler then auto-selects the first registered client when the first
// operation is dispatched, and is pinned from that point on.
func (f *Factory) Create(sessionID, clientID string, delegate Delegate) *Handler {
	h := newHandler(f, sessionID, clientID, delegate)

	f.mu.Lock()
	if f.handlers[clientID] == nil {
		f.handlers[clientID] = make(map[string]*Handler)
	}
	f.handlers[clientID][sessionID] = h
	f.mu.Unlock()

	f.logger.Debug("session handler created", "session_id", sessionID, "client_id", clientID)
	return h
}

// RemoveSession drops the handler for a session. With an empty clientID
// every client bucket is searched.
func (f *Factory) RemoveSession(sessionID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if clientID != "" {
		f.removeLocked(sessionID, clientID)
		return
	}
	for id := range f.handlers {
		f.removeLocked(sessionID, id)
	}
}

func (f *Factory) removeLocked(sessionID, clientID string) {
	if sessions, ok := f.handlers[clientID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(f.handlers, clientID)
		}
	}
}

// RemoveClient drops every handler bound to a departed client, closing each
// so outstanding operations reject instead of waiting out their timers.
func (f *Factory) RemoveClient(clientID string) {
	f.mu.Lock()
	sessions := f.handlers[clientID]
	delete(f.handlers, clientID)
	handlers := make([]*Handler, 0, len(sessions))
	for _, h := range sessions {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}

// rebind moves a handler from the unbound bucket to its pinned client id.
func (f *Factory) rebind(h *Handler, from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(h.sessionID, from)
	if f.handlers[to] == nil {
		f.handlers[to] = make(map[string]*Handler)
	}
	f.handlers[to][h.sessionID] = h
}

func (f *Factory) lookup(clientID, sessionID string) *Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessions, ok := f.handlers[clientID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// HandleSDPResponse routes an SDP_RESPONSE envelope to the pending
// operation it answers. Replies with no pending entry are logged and
// dropped; that is the normal outcome after a timeout.
func (f *Factory) HandleSDPResponse(clientID string, env *protocol.Envelope) error {
	var payload protocol.SDPResponse
	if err := protocol.DecodePayload(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode sdp response: %w", err)
	}

	h := f.lookup(clientID, payload.SessionID)
	if h == nil {
		f.logger.Warn("sdp response for unknown session dropped",
			"client_id", clientID, "session_id", payload.SessionID)
		return nil
	}

	if payload.Response.Error != "" {
		h.fail(payload.Response.RequestID, fmt.Errorf("%s", payload.Response.Error))
		return nil
	}
	h.resolve(payload.Response.RequestID, payload.Response.Result)
	return nil
}

// HandleICECandidate routes a trickled candidate (or the null end-of-
// gathering marker) to its session handler.
func (f *Factory) HandleICECandidate(clientID string, env *protocol.Envelope) error {
	var payload protocol.ICECandidatePayload
	if err := protocol.DecodePayload(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}

	h := f.lookup(clientID, payload.SessionID)
	if h == nil {
		f.logger.Debug("ice candidate for unknown session dropped",
			"client_id", clientID, "session_id", payload.SessionID)
		return nil
	}
	h.handleICECandidate(payload.Candidate)
	return nil
}

// HandleConnectionState routes an ICE connection-state transition to its
// session handler.
func (f *Factory) HandleConnectionState(clientID string, env *protocol.Envelope) error {
	var payload protocol.ConnectionStateChange
	if err := protocol.DecodePayload(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode connection state: %w", err)
	}

	h := f.lookup(clientID, payload.SessionID)
	if h == nil {
		return nil
	}
	h.handleConnectionState(payload.State)
	return nil
}
