// Package sip wraps the SIP stack behind the three gated phases the edges
// drive: initialize, transport connect, register. Failures never propagate
// as Go errors to the message dispatcher; they become {state:"failed"}
// update envelopes, and public operations report bool.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/tabphone/tabphone/hub/bridge"
	"github.com/tabphone/tabphone/internal/config"
	"github.com/tabphone/tabphone/pkg/protocol"
)

// Manager phases.
const (
	PhaseUninitialized = "uninitialized"
	PhaseInitialized   = "initialized"
	PhaseConnecting    = "connecting"
	PhaseConnected     = "connected"
	PhaseRegistering   = "registering"
	PhaseRegistered    = "registered"
	PhaseUnregistering = "unregistering"
	PhaseDisconnected  = "disconnected"
)

// reconnectDelay is the fixed delay between auto-reconnect attempts.
const reconnectDelay = 5 * time.Second

// Broadcaster is the slice of the registry the manager publishes through.
type Broadcaster interface {
	BroadcastToAllClients(env *protocol.Envelope)
	SendToClient(clientID string, env *protocol.Envelope) bool
}

// registration tracks registrar state across refreshes. The Call-ID is
// generated once per registration and reused for refreshes and unregister.
type registration struct {
	callID  string
	cseq    uint32
	expires int
	refresh *time.Timer
}

func (r *registration) nextCSeq() uint32 {
	r.cseq++
	return r.cseq
}

// Manager owns the SIP user agent and the single active call. It is mutated
// only from hub message-handler tasks and its own timers.
type Manager struct {
	broadcaster Broadcaster
	bridge      *bridge.Factory
	logger      *slog.Logger

	mu        sync.Mutex
	phase     string
	regState  string
	cfg       *config.SIP
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache
	contact   sipmsg.ContactHeader
	aor       sipmsg.Uri
	registrar sipmsg.Uri
	transport string
	reg       *registration
	active    *call
	reconnect *time.Timer
}

// New creates an uninitialized manager.
func New(b Broadcaster, f *bridge.Factory, logger *slog.Logger) *Manager {
	return &Manager{
		broadcaster: b,
		bridge:      f,
		logger:      logger.With("component", "sip"),
		phase:       PhaseUninitialized,
		regState:    "none",
	}
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// CurrentState implements dispatch.StateSource: the shared state sent to
// newly admitted edges and queried by the getState action.
func (m *Manager) CurrentState() protocol.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := protocol.CallState{
		Registration: protocol.RegistrationState{State: m.regState},
	}
	if m.active != nil {
		info := m.active.info()
		state.HasActiveCall = info.State != protocol.CallStateEnded
		state.ActiveCall = &info
	}
	return state
}

// Initialize constructs the user agent for the given account. It tolerates
// re-initialization: any prior UA is stopped and registrar state discarded.
// Returns true iff construction succeeded; the outcome is also broadcast as
// SIP_INIT_RESULT.
func (m *Manager) Initialize(cfg *config.SIP) bool {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		m.initFailed(err)
		return false
	}

	var aor sipmsg.Uri
	if err := sipmsg.ParseUri(cfg.URI, &aor); err != nil {
		m.initFailed(fmt.Errorf("parse uri: %w", err))
		return false
	}

	registrar, transport, err := signalingTarget(cfg.WSServers[0])
	if err != nil {
		m.initFailed(err)
		return false
	}

	m.mu.Lock()
	m.teardownLocked()

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(aor.User))
	if err != nil {
		m.mu.Unlock()
		m.initFailed(fmt.Errorf("create user agent: %w", err))
		return false
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		m.mu.Unlock()
		m.initFailed(fmt.Errorf("create client: %w", err))
		return false
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		m.mu.Unlock()
		m.initFailed(fmt.Errorf("create server: %w", err))
		return false
	}

	m.cfg = cfg
	m.ua = ua
	m.client = client
	m.server = server
	m.aor = aor
	m.registrar = registrar
	m.transport = transport
	m.contact = sipmsg.ContactHeader{
		Address: sipmsg.Uri{Scheme: "sip", User: aor.User, Host: aor.Host},
	}
	m.dialogCli = sipgo.NewDialogClientCache(client, m.contact)
	m.dialogSrv = sipgo.NewDialogServerCache(client, m.contact)
	m.reg = nil
	m.regState = "none"
	m.phase = PhaseInitialized
	m.mu.Unlock()

	server.OnInvite(m.onInvite)
	server.OnBye(m.onBye)
	server.OnAck(m.onAck)
	server.OnCancel(m.onCancel)

	m.logger.Info("sip initialized", "uri", cfg.URI, "server", cfg.WSServers[0])
	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeSIPInitResult, protocol.SIPInitResult{
		Success: true,
		State:   protocol.SIPStateInitialized,
	}))
	return true
}

func (m *Manager) initFailed(err error) {
	m.logger.Warn("sip initialize failed", "error", err)
	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeSIPInitResult, protocol.SIPInitResult{
		Success: false,
		State:   protocol.SIPStateFailed,
		Error:   err.Error(),
	}))
}

// Connect probes the configured signaling server. The result is broadcast
// as SIP_CONNECTION_UPDATE transitions; true is returned only for
// "connected".
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	if m.phase == PhaseUninitialized || m.ua == nil {
		m.mu.Unlock()
		m.connectionUpdate(protocol.SIPStateFailed, "connect before initialize")
		return false
	}
	m.phase = PhaseConnecting
	cfg := m.cfg
	m.mu.Unlock()

	m.connectionUpdate(protocol.SIPStateConnecting, "")

	timeout := time.Duration(cfg.ConnectionTimeout) * time.Millisecond
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.probe(probeCtx); err != nil {
		m.mu.Lock()
		m.phase = PhaseInitialized
		m.mu.Unlock()
		m.connectionUpdate(protocol.SIPStateFailed, err.Error())
		m.scheduleReconnect()
		return false
	}

	m.mu.Lock()
	m.phase = PhaseConnected
	m.mu.Unlock()
	m.connectionUpdate(protocol.SIPStateConnected, "")
	return true
}

// probe sends an OPTIONS request to the registrar and accepts any final
// response as proof the transport is up.
func (m *Manager) probe(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	registrar := m.registrar
	transport := m.transport
	m.mu.Unlock()

	req := sipmsg.NewRequest(sipmsg.OPTIONS, registrar)
	req.SetTransport(transport)

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("transport dial: %w", err)
	}
	defer tx.Terminate()

	_, err = awaitFinal(ctx, tx)
	if err != nil {
		return fmt.Errorf("transport probe: %w", err)
	}
	return nil
}

// scheduleReconnect arms the fixed-delay reconnect timer when the account
// asked for it. Disconnect disarms it.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil || !m.cfg.AutoReconnect || m.phase == PhaseDisconnected {
		return
	}
	if m.reconnect != nil {
		return
	}
	m.logger.Info("reconnecting", "delay", reconnectDelay)
	m.reconnect = time.AfterFunc(reconnectDelay, func() {
		m.mu.Lock()
		m.reconnect = nil
		disconnected := m.phase == PhaseDisconnected
		m.mu.Unlock()
		if disconnected {
			return
		}
		ok := m.Connect(context.Background())
		m.mu.Lock()
		reRegister := ok && m.regState == "registered"
		m.mu.Unlock()
		if reRegister {
			m.Register(context.Background())
		}
	})
}

// Disconnect unregisters if needed and stops the user agent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	registered := m.regState == "registered"
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.mu.Unlock()

	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.Unregister(ctx)
		cancel()
	}

	m.mu.Lock()
	m.teardownLocked()
	m.phase = PhaseDisconnected
	m.mu.Unlock()

	m.connectionUpdate(protocol.SIPStateDisconnected, "")
}

// teardownLocked stops the UA and clears derived state. Caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.reg != nil && m.reg.refresh != nil {
		m.reg.refresh.Stop()
	}
	m.reg = nil
	if m.active != nil && m.active.handler != nil {
		m.active.handler.Close()
	}
	m.active = nil
	if m.ua != nil {
		m.ua.Close()
	}
	m.ua = nil
	m.client = nil
	m.server = nil
	m.dialogCli = nil
	m.dialogSrv = nil
}

func (m *Manager) connectionUpdate(state, errText string) {
	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeSIPConnectionUpdate, protocol.SIPStateUpdate{
		State: state,
		Error: errText,
	}))
}

func (m *Manager) registrationUpdate(state, errText, cause string) {
	m.mu.Lock()
	m.regState = state
	m.mu.Unlock()
	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeSIPRegistrationUpdate, protocol.SIPStateUpdate{
		State: state,
		Error: errText,
		Cause: cause,
	}))
}

// ICEServers synthesizes the ICE server list handed to edge peer
// connections: the configured STUN servers (with a Google STUN fallback)
// plus any TURN entries.
func (m *Manager) ICEServers() []map[string]any {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	servers := []map[string]any{}
	stun := []string{"stun:stun.l.google.com:19302"}
	if cfg != nil && len(cfg.StunServers) > 0 {
		stun = cfg.StunServers
	}
	servers = append(servers, map[string]any{"urls": stun})
	if cfg != nil {
		for _, t := range cfg.TurnServers {
			entry := map[string]any{"urls": t.URLs}
			if t.Username != "" {
				entry["username"] = t.Username
				entry["credential"] = t.Password
			}
			servers = append(servers, entry)
		}
	}
	return servers
}

// signalingTarget derives the SIP request target and transport from one
// signaling server URL ("wss://example.org/ws").
func signalingTarget(wsURL string) (sipmsg.Uri, string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return sipmsg.Uri{}, "", fmt.Errorf("parse signaling server %q: %w", wsURL, err)
	}

	var transport string
	switch strings.ToLower(u.Scheme) {
	case "ws":
		transport = "WS"
	case "wss":
		transport = "WSS"
	default:
		return sipmsg.Uri{}, "", fmt.Errorf("signaling server %q: scheme must be ws or wss", wsURL)
	}

	target := sipmsg.Uri{Scheme: "sip", Host: u.Hostname()}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return sipmsg.Uri{}, "", fmt.Errorf("signaling server %q: bad port: %w", wsURL, err)
		}
		target.Port = port
	}
	target.UriParams = sipmsg.NewParams()
	target.UriParams.Add("transport", strings.ToLower(transport))
	return target, transport, nil
}

// awaitFinal drains provisional responses and returns the first final one.
func awaitFinal(ctx context.Context, tx sipmsg.ClientTransaction) (*sipmsg.Response, error) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("transaction closed")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// newSessionID allocates the id for one bridge handler.
func newSessionID() string {
	return uuid.New().String()
}
