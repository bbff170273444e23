// Package edge implements the tab-side client: it dials the hub, correlates
// request/response traffic, surfaces hub broadcasts as events, and hands
// peer-connection work to the local worker. The edge owns the media; the
// hub only ever sees envelopes.
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabphone/tabphone/internal/channel"
	"github.com/tabphone/tabphone/internal/config"
	"github.com/tabphone/tabphone/internal/eventbus"
	"github.com/tabphone/tabphone/pkg/protocol"
)

// Worker services SDP operations and media controls on the edge's real
// peer connection.
type Worker interface {
	HandleSDPRequest(env *protocol.Envelope)
	HandleMediaControl(p protocol.MediaControl)
	Close()
}

type requestOutcome struct {
	data any
	err  error
}

type pendingRequest struct {
	action string
	ch     chan requestOutcome
	timer  *time.Timer
}

// Client is one edge endpoint. Create with New, then Initialize before any
// other operation.
type Client struct {
	cfg    *config.Edge
	logger *slog.Logger
	id     string
	events *eventbus.Emitter

	mu          sync.Mutex
	ch          channel.Channel
	worker      Worker
	pending     map[string]*pendingRequest
	state       protocol.CallState
	initialized bool
	unusable    bool
	closed      bool
	ready       chan struct{}
}

// New creates a client that dials the configured hub URL on Initialize.
func New(cfg *config.Edge, logger *slog.Logger) *Client {
	cfg.ApplyDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "edge"),
		id:      uuid.New().String(),
		events:  eventbus.New(),
		pending: make(map[string]*pendingRequest),
		ready:   make(chan struct{}),
	}
}

// NewWithChannel creates a client bound to an existing channel, used for
// in-process embedding and tests.
func NewWithChannel(cfg *config.Edge, ch channel.Channel, logger *slog.Logger) *Client {
	c := New(cfg, logger)
	c.ch = ch
	return c
}

// ID returns the generated client id.
func (c *Client) ID() string { return c.id }

// On registers an event listener; Off removes it.
func (c *Client) On(event string, fn eventbus.Listener) eventbus.Subscription {
	return c.events.On(event, fn)
}

// Off removes a listener registered with On.
func (c *Client) Off(event string, sub eventbus.Subscription) {
	c.events.Off(event, sub)
}

// AttachWorker installs the peer-connection worker servicing SDP_REQUEST
// and MEDIA_CONTROL envelopes.
func (c *Client) AttachWorker(w Worker) {
	c.mu.Lock()
	c.worker = w
	c.mu.Unlock()
}

// Initialize opens the channel, announces the client and waits for the
// hub's first STATE_UPDATE. On timeout the client is flagged unusable.
func (c *Client) Initialize(ctx context.Context) (protocol.CallState, error) {
	c.mu.Lock()
	if c.unusable || c.closed {
		c.mu.Unlock()
		return protocol.CallState{}, fmt.Errorf("client is unusable")
	}
	if c.initialized {
		state := c.state
		c.mu.Unlock()
		return state, nil
	}
	ch := c.ch
	c.mu.Unlock()

	if ch == nil {
		dialed, err := c.dial(ctx)
		if err != nil {
			c.markUnusable()
			return protocol.CallState{}, err
		}
		c.mu.Lock()
		c.ch = dialed
		ch = dialed
		c.mu.Unlock()
	}

	if n, ok := ch.(interface{ OnClose(func()) }); ok {
		n.OnClose(func() { c.teardown(fmt.Errorf("connection closed")) })
	}
	ch.OnMessage(c.handle)

	hello := protocol.NewEnvelope(protocol.TypeClientConnected, nil)
	hello.ClientID = c.id
	if !ch.Post(hello) {
		c.markUnusable()
		return protocol.CallState{}, fmt.Errorf("announce to hub failed")
	}

	select {
	case <-c.ready:
	case <-time.After(c.cfg.InitializeTimeout.Duration):
		c.markUnusable()
		return protocol.CallState{}, fmt.Errorf("initialize timed out after %s", c.cfg.InitializeTimeout.Duration)
	case <-ctx.Done():
		c.markUnusable()
		return protocol.CallState{}, ctx.Err()
	}

	c.mu.Lock()
	c.initialized = true
	state := c.state
	c.mu.Unlock()
	c.logger.Info("connected to hub", "client_id", c.id)
	return state, nil
}

func (c *Client) dial(ctx context.Context) (channel.Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.HubURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	return channel.NewWebSocket(conn, c.logger), nil
}

func (c *Client) markUnusable() {
	c.mu.Lock()
	c.unusable = true
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// State returns the last CallState received from the hub.
func (c *Client) State() protocol.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Request sends a REQUEST envelope and waits for the correlated RESPONSE.
// A zero timeout uses the configured default. The returned promise-like
// call settles exactly once: response, timeout, or Close.
func (c *Client) Request(action string, payload any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout.Duration
	}

	c.mu.Lock()
	if c.closed || c.unusable {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("client not initialized")
	}

	requestID := uuid.New().String()
	p := &pendingRequest{action: action, ch: make(chan requestOutcome, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(requestID, requestOutcome{err: fmt.Errorf("Request timed out: %s", action)})
	})
	c.pending[requestID] = p
	c.mu.Unlock()

	env := protocol.NewEnvelope(protocol.TypeRequest, payload)
	env.ClientID = c.id
	env.RequestID = requestID
	env.Action = action

	if !ch.Post(env) {
		c.settle(requestID, requestOutcome{err: fmt.Errorf("connection closed")})
	}

	out := <-p.ch
	return out.data, out.err
}

// settle resolves a pending request exactly once; later arrivals for the
// same id find no entry and are dropped.
func (c *Client) settle(requestID string, out requestOutcome) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
		p.timer.Stop()
	}
	c.mu.Unlock()
	if ok {
		p.ch <- out
	}
}

// Close announces departure, rejects all pending requests and releases the
// channel and worker.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		bye := protocol.NewEnvelope(protocol.TypeClientDisconnected, nil)
		bye.ClientID = c.id
		ch.Post(bye)
	}
	c.teardown(fmt.Errorf("connection closed"))
}

func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ch := c.ch
	worker := c.worker
	outstanding := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range outstanding {
		p.timer.Stop()
		p.ch <- requestOutcome{err: cause}
	}
	if ch != nil {
		_ = ch.Close()
	}
	if worker != nil {
		worker.Close()
	}
	c.logger.Info("edge closed", "client_id", c.id)
}

// handle routes one inbound envelope: correlation, events, worker delegation.
func (c *Client) handle(env *protocol.Envelope) {
	c.events.Emit(eventbus.Message, env)

	switch env.Type {
	case protocol.TypeStateUpdate:
		var state protocol.CallState
		if err := protocol.DecodePayload(env.Payload, &state); err != nil {
			c.logger.Warn("bad state update", "error", err)
			return
		}
		c.mu.Lock()
		c.state = state
		ready := c.ready
		c.mu.Unlock()
		select {
		case <-ready:
		default:
			close(ready)
		}
		c.events.Emit(eventbus.StateUpdate, state)

	case protocol.TypeResponse:
		var resp protocol.Response
		if err := protocol.DecodePayload(env.Payload, &resp); err != nil {
			c.logger.Warn("bad response payload", "error", err)
			return
		}
		if !resp.Success {
			c.settle(resp.RequestID, requestOutcome{err: fmt.Errorf("%s", resp.Error)})
			return
		}
		c.settle(resp.RequestID, requestOutcome{data: resp.Data})

	case protocol.TypeSIPInitResult:
		c.emitDecoded(env, eventbus.SIPInitResult, &protocol.SIPInitResult{})
	case protocol.TypeSIPConnectionUpdate:
		c.emitDecoded(env, eventbus.SIPConnectionUpdate, &protocol.SIPStateUpdate{})
	case protocol.TypeSIPRegistrationUpdate:
		c.emitDecoded(env, eventbus.SIPRegistrationUpdate, &protocol.SIPStateUpdate{})
	case protocol.TypeIncomingCall:
		c.emitDecoded(env, eventbus.IncomingCall, &protocol.IncomingCall{})
	case protocol.TypeCallUpdate:
		c.emitDecoded(env, eventbus.CallUpdate, &protocol.CallUpdate{})
	case protocol.TypeCallError:
		c.emitDecoded(env, eventbus.CallError, &protocol.CallError{})

	case protocol.TypeSDPRequest:
		c.mu.Lock()
		worker := c.worker
		ch := c.ch
		c.mu.Unlock()
		if worker == nil {
			c.replySDPError(ch, env, "no peer connection worker")
			return
		}
		worker.HandleSDPRequest(env)

	case protocol.TypeMediaControl:
		var p protocol.MediaControl
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			c.logger.Warn("bad media control", "error", err)
			return
		}
		c.mu.Lock()
		worker := c.worker
		c.mu.Unlock()
		if worker != nil {
			worker.HandleMediaControl(p)
		}

	default:
		if !protocol.KnownType(env.Type) {
			c.logger.Warn("unknown envelope type dropped", "type", env.Type)
			return
		}
		// Remaining known types surface as events named by their type.
		c.events.Emit(string(env.Type), env.Payload)
	}
}

func (c *Client) emitDecoded(env *protocol.Envelope, event string, dst any) {
	if err := protocol.DecodePayload(env.Payload, dst); err != nil {
		c.logger.Warn("bad payload", "type", env.Type, "error", err)
		return
	}
	c.events.Emit(event, dst)
}

// replySDPError answers an SDP_REQUEST the edge cannot service.
func (c *Client) replySDPError(ch channel.Channel, env *protocol.Envelope, msg string) {
	if ch == nil {
		return
	}
	var req protocol.SDPRequest
	if err := protocol.DecodePayload(env.Payload, &req); err != nil {
		return
	}
	out := protocol.NewEnvelope(protocol.TypeSDPResponse, protocol.SDPResponse{
		SessionID: req.SessionID,
		Response: protocol.SDPResult{
			RequestID: req.Request.RequestID,
			Error:     msg,
		},
	})
	out.ClientID = c.id
	ch.Post(out)
}

// Post sends an envelope stamped with this client's id. Used by the worker
// for its side-channel envelopes.
func (c *Client) Post(env *protocol.Envelope) bool {
	c.mu.Lock()
	ch := c.ch
	closed := c.closed
	c.mu.Unlock()
	if closed || ch == nil {
		return false
	}
	env.ClientID = c.id
	return ch.Post(env)
}
