// Package registry tracks the edge channels admitted to the hub and is the
// only component that writes to them. Unicast and broadcast are best-effort:
// a failed post is logged and reported as false, never raised.
package registry

import (
	"log/slog"
	"sync"

	"github.com/tabphone/tabphone/internal/channel"
	"github.com/tabphone/tabphone/pkg/protocol"
)

// Registry maps client ids to their channels. The hub exclusively owns it;
// edges observe membership only through broadcasts.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]channel.Channel
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "registry"),
		clients: make(map[string]channel.Channel),
	}
}

// Register admits a channel under the given client id, replacing any
// previous channel with that id.
func (r *Registry) Register(clientID string, ch channel.Channel) {
	r.mu.Lock()
	if prev, ok := r.clients[clientID]; ok && prev != ch {
		r.logger.Warn("client reconnect: closing previous channel", "client_id", clientID)
		_ = prev.Close()
	}
	r.clients[clientID] = ch
	r.mu.Unlock()

	r.logger.Info("client registered", "client_id", clientID, "total", r.GetClientCount())
}

// Unregister removes the client. Unknown ids are ignored.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	_, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	if ok {
		r.logger.Info("client unregistered", "client_id", clientID, "total", r.GetClientCount())
	}
}

// SendToClient posts an envelope to one client. Returns false if the id is
// unknown or the post fails.
func (r *Registry) SendToClient(clientID string, env *protocol.Envelope) bool {
	r.mu.RLock()
	ch, ok := r.clients[clientID]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("send to unknown client", "client_id", clientID, "type", env.Type)
		return false
	}
	if !ch.Post(env) {
		r.logger.Warn("post to client failed", "client_id", clientID, "type", env.Type)
		return false
	}
	return true
}

// BroadcastToAllClients posts an envelope to every registered client.
// Per-recipient failures are logged and the loop continues.
func (r *Registry) BroadcastToAllClients(env *protocol.Envelope) {
	r.mu.RLock()
	targets := make(map[string]channel.Channel, len(r.clients))
	for id, ch := range r.clients {
		targets[id] = ch
	}
	r.mu.RUnlock()

	for id, ch := range targets {
		if !ch.Post(env) {
			r.logger.Warn("broadcast post failed", "client_id", id, "type", env.Type)
		}
	}
}

// GetAllClientIds returns the ids of all registered clients.
func (r *Registry) GetAllClientIds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// GetClientCount returns the number of registered clients.
func (r *Registry) GetClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SendResponse sends a RESPONSE envelope correlated to requestID.
func (r *Registry) SendResponse(clientID, requestID string, data any, success bool) bool {
	env := protocol.NewEnvelope(protocol.TypeResponse, protocol.Response{
		RequestID: requestID,
		Success:   success,
		Data:      data,
	})
	env.ClientID = clientID
	return r.SendToClient(clientID, env)
}

// SendErrorResponse sends a failed RESPONSE carrying the error text.
func (r *Registry) SendErrorResponse(clientID, requestID, errText string) bool {
	env := protocol.NewEnvelope(protocol.TypeResponse, protocol.Response{
		RequestID: requestID,
		Success:   false,
		Error:     errText,
	})
	env.ClientID = clientID
	return r.SendToClient(clientID, env)
}
