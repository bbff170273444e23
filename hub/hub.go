// Package hub assembles the singleton control plane: the client registry,
// the message dispatcher, the SIP manager and the remote-SDP bridge, plus
// the WebSocket endpoint the edges dial.
package hub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tabphone/tabphone/hub/bridge"
	"github.com/tabphone/tabphone/hub/dispatch"
	"github.com/tabphone/tabphone/hub/registry"
	"github.com/tabphone/tabphone/hub/sip"
	"github.com/tabphone/tabphone/internal/config"
	"github.com/tabphone/tabphone/pkg/protocol"
)

// Hub owns the shared SIP endpoint all edges of one origin use.
type Hub struct {
	cfg    *config.Hub
	logger *slog.Logger

	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	bridge     *bridge.Factory
	sip        *sip.Manager
}

// New wires the hub components together.
func New(cfg *config.Hub, logger *slog.Logger) *Hub {
	reg := registry.New(logger)
	d := dispatch.New(reg, logger)
	f := bridge.NewFactory(reg, logger, bridge.Options{TrickleCandidates: true})
	mgr := sip.New(reg, f, logger)
	d.SetStateSource(mgr)

	h := &Hub{
		cfg:        cfg,
		logger:     logger.With("component", "hub"),
		registry:   reg,
		dispatcher: d,
		bridge:     f,
		sip:        mgr,
	}
	h.wire()

	if cfg.SIP != nil {
		// Pre-provisioned account: initialize at startup so edges can skip
		// the init round-trip.
		mgr.Initialize(cfg.SIP)
	}
	return h
}

// Registry exposes the client registry (introspection and tests).
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Dispatcher exposes the message dispatcher (channel attachment and tests).
func (h *Hub) Dispatcher() *dispatch.Dispatcher { return h.dispatcher }

// SIP exposes the SIP manager.
func (h *Hub) SIP() *sip.Manager { return h.sip }

// Shutdown disconnects the SIP endpoint and announces it to the edges.
func (h *Hub) Shutdown(ctx context.Context) {
	h.sip.Disconnect()
}

// wire registers the hub's request actions and typed envelope handlers.
func (h *Hub) wire() {
	d := h.dispatcher
	mgr := h.sip
	f := h.bridge

	// RPC actions.
	d.AddAction("getState", func(_ string, _ *protocol.Envelope) (any, error) {
		return mgr.CurrentState(), nil
	})
	d.AddAction("getClients", func(_ string, _ *protocol.Envelope) (any, error) {
		return map[string]any{
			"clients": h.registry.GetAllClientIds(),
			"count":   h.registry.GetClientCount(),
		}, nil
	})
	d.AddAction("makeCall", func(clientID string, env *protocol.Envelope) (any, error) {
		var p protocol.MakeCall
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("bad makeCall payload: %w", err)
		}
		callID, err := mgr.MakeCall(clientID, p.Target, p.Options)
		if err != nil {
			return nil, err
		}
		return map[string]any{"callId": callID}, nil
	})
	d.AddAction("answerCall", func(clientID string, env *protocol.Envelope) (any, error) {
		var p protocol.CallRef
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("bad answerCall payload: %w", err)
		}
		if err := mgr.AnswerCall(clientID, p.CallID, p.Options); err != nil {
			return nil, err
		}
		return map[string]any{"callId": p.CallID}, nil
	})
	d.AddAction("endCall", func(clientID string, env *protocol.Envelope) (any, error) {
		var p protocol.CallRef
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("bad endCall payload: %w", err)
		}
		if err := mgr.EndCall(clientID, p.CallID); err != nil {
			return nil, err
		}
		return map[string]any{"callId": p.CallID}, nil
	})
	d.AddAction("sendDtmf", func(clientID string, env *protocol.Envelope) (any, error) {
		var p protocol.CallRef
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("bad sendDtmf payload: %w", err)
		}
		if err := mgr.SendDTMF(clientID, p.CallID, p.Tones); err != nil {
			return nil, err
		}
		return map[string]any{"sent": true}, nil
	})

	// SIP lifecycle envelopes. The long-running phases run off the dispatch
	// goroutine; progress reaches the edges through broadcast updates.
	d.AddHandler(protocol.TypeRequestSIPInit, func(_ string, env *protocol.Envelope) error {
		var cfg config.SIP
		if err := protocol.DecodePayload(env.Payload, &cfg); err != nil {
			return fmt.Errorf("bad sip config: %w", err)
		}
		go mgr.Initialize(&cfg)
		return nil
	})
	d.AddHandler(protocol.TypeRequestConnect, func(_ string, _ *protocol.Envelope) error {
		go mgr.Connect(context.Background())
		return nil
	})
	d.AddHandler(protocol.TypeRequestRegister, func(_ string, _ *protocol.Envelope) error {
		go mgr.Register(context.Background())
		return nil
	})
	d.AddHandler(protocol.TypeRequestUnregister, func(_ string, _ *protocol.Envelope) error {
		go mgr.Unregister(context.Background())
		return nil
	})

	// Typed call envelopes mirror the RPC actions for consumers that drive
	// calls by envelope alone; progress arrives via CALL_UPDATE broadcasts.
	d.AddHandler(protocol.TypeRequestMakeCall, func(clientID string, env *protocol.Envelope) error {
		var p protocol.MakeCall
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			return fmt.Errorf("bad makeCall payload: %w", err)
		}
		_, err := mgr.MakeCall(clientID, p.Target, p.Options)
		return err
	})
	d.AddHandler(protocol.TypeRequestAnswerCall, func(clientID string, env *protocol.Envelope) error {
		var p protocol.CallRef
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			return fmt.Errorf("bad answerCall payload: %w", err)
		}
		return mgr.AnswerCall(clientID, p.CallID, p.Options)
	})
	d.AddHandler(protocol.TypeRequestEndCall, func(clientID string, env *protocol.Envelope) error {
		var p protocol.CallRef
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			return fmt.Errorf("bad endCall payload: %w", err)
		}
		return mgr.EndCall(clientID, p.CallID)
	})

	// Bridge envelopes from the edges.
	d.AddHandler(protocol.TypeSDPResponse, f.HandleSDPResponse)
	d.AddHandler(protocol.TypeICECandidate, f.HandleICECandidate)
	d.AddHandler(protocol.TypeConnectionStateChange, f.HandleConnectionState)

	// Media controls are relayed to the edge owning the active call's
	// media; they never reach the SIP stack.
	d.AddHandler(protocol.TypeMediaControl, func(clientID string, env *protocol.Envelope) error {
		owner, ok := mgr.ActiveClientID()
		if !ok {
			h.logger.Debug("media control with no active call", "client_id", clientID)
			return nil
		}
		out := *env
		out.ClientID = owner
		h.registry.SendToClient(owner, &out)
		return nil
	})

	// A departed edge takes its peer connection with it.
	d.OnClientDisconnected(func(clientID string) {
		mgr.ClientGone(clientID)
		f.RemoveClient(clientID)
	})
}
