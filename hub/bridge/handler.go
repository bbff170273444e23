package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// ICE gathering states tracked per handler.
const (
	gatheringNew      = "new"
	gatheringActive   = "gathering"
	gatheringComplete = "complete"
)

// sdpOutcome is the resolution of one dispatched operation.
type sdpOutcome struct {
	result any
	err    error
}

type pendingRequest struct {
	operation string
	ch        chan sdpOutcome
	timer     *time.Timer
}

// Handler is the per-session description handler. The SIP manager calls
// GetDescription / SetDescription / SendDTMF / Close exactly as it would on
// a local handler; each call is serialized to the owning edge and resolved
// by the matching SDP_RESPONSE, a timeout, or Close.
type Handler struct {
	factory   *Factory
	sessionID string
	delegate  Delegate

	trickle             bool
	iceGatheringTimeout time.Duration
	requestTimeout      time.Duration

	mu                sync.Mutex
	clientID          string
	localDescription  string
	remoteDescription string
	iceCandidates     []protocol.ICECandidate
	iceGatheringState string
	gatherDone        chan struct{}
	connectionState   string
	closed            bool
	pending           map[string]*pendingRequest
}

func newHandler(f *Factory, sessionID, clientID string, delegate Delegate) *Handler {
	return &Handler{
		factory:             f,
		sessionID:           sessionID,
		clientID:            clientID,
		delegate:            delegate,
		trickle:             f.opts.TrickleCandidates,
		iceGatheringTimeout: f.opts.ICEGatheringTimeout,
		requestTimeout:      f.opts.RequestTimeout,
		iceGatheringState:   gatheringNew,
		gatherDone:          make(chan struct{}),
		pending:             make(map[string]*pendingRequest),
	}
}

// SessionID returns the media session this handler serves.
func (h *Handler) SessionID() string { return h.sessionID }

// ClientID returns the bound edge, or "" before the first dispatch pins one.
func (h *Handler) ClientID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientID
}

// ConnectionState returns the last ICE connection state the edge reported.
func (h *Handler) ConnectionState() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectionState
}

// HasDescription reports whether a local description of the given content
// type exists yet.
func (h *Handler) HasDescription(contentType string) bool {
	if contentType != "application/sdp" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localDescription != ""
}

// GetDescription produces the local SDP: an offer when no remote
// description has been applied yet, an answer otherwise. In non-trickle
// mode it waits for gathering to complete (bounded by the gathering
// timeout) and returns the completed SDP.
func (h *Handler) GetDescription(ctx context.Context, options any) (body, contentType string, err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", "", fmt.Errorf("session %s: handler closed", h.sessionID)
	}
	operation := protocol.SDPOpCreateOffer
	if h.remoteDescription != "" {
		operation = protocol.SDPOpCreateAnswer
	}
	h.mu.Unlock()

	result, err := h.roundTrip(ctx, operation, nil, options)
	if err != nil {
		return "", "", err
	}
	var desc protocol.SessionDescription
	if err := protocol.DecodePayload(result, &desc); err != nil {
		return "", "", fmt.Errorf("%s: bad description from edge: %w", operation, err)
	}

	h.mu.Lock()
	h.localDescription = desc.SDP
	if h.iceGatheringState == gatheringNew {
		h.iceGatheringState = gatheringActive
	}
	gatherDone := h.gatherDone
	h.mu.Unlock()

	if _, err := h.roundTrip(ctx, protocol.SDPOpSetLocalDescription, desc, nil); err != nil {
		return "", "", err
	}

	if !h.trickle {
		select {
		case <-gatherDone:
		case <-time.After(h.iceGatheringTimeout):
			h.factory.logger.Warn("ice gathering timed out, using partial sdp",
				"session_id", h.sessionID, "timeout", h.iceGatheringTimeout)
		case <-ctx.Done():
			return "", "", ctx.Err()
		}

		result, err := h.roundTrip(ctx, protocol.SDPOpGetCompleteSDP, nil, nil)
		if err != nil {
			return "", "", err
		}
		var complete protocol.SessionDescription
		if err := protocol.DecodePayload(result, &complete); err != nil {
			return "", "", fmt.Errorf("getCompleteSdp: bad description from edge: %w", err)
		}
		h.mu.Lock()
		h.localDescription = complete.SDP
		h.mu.Unlock()
	}

	h.mu.Lock()
	body = h.localDescription
	h.mu.Unlock()
	return body, "application/sdp", nil
}

// SetDescription applies a remote SDP: an offer when none has been applied
// yet, an answer otherwise. Applying an offer resets candidate state for
// the new gathering round.
func (h *Handler) SetDescription(ctx context.Context, sdp string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("session %s: handler closed", h.sessionID)
	}
	kind := "answer"
	if h.remoteDescription == "" {
		kind = "offer"
		h.iceCandidates = nil
		h.iceGatheringState = gatheringNew
		h.gatherDone = make(chan struct{})
	}
	h.remoteDescription = sdp
	h.mu.Unlock()

	_, err := h.roundTrip(ctx, protocol.SDPOpSetRemoteDescription, protocol.SessionDescription{
		Type: kind,
		SDP:  sdp,
	}, nil)
	return err
}

// SendDTMF dispatches tones to the edge fire-and-forget. Always returns
// true; delivery failures are logged when the reply comes back.
func (h *Handler) SendDTMF(tones string, options any) bool {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
		defer cancel()
		if _, err := h.roundTrip(ctx, protocol.SDPOpSendDTMF, map[string]any{"tones": tones}, options); err != nil {
			h.factory.logger.Warn("dtmf failed", "session_id", h.sessionID, "error", err)
		}
	}()
	return true
}

// Close marks the handler closed, rejects all outstanding operations with a
// terminal error, sends a best-effort close to the edge and releases the
// factory entry.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clientID := h.clientID
	outstanding := h.pending
	h.pending = make(map[string]*pendingRequest)
	h.mu.Unlock()

	for _, p := range outstanding {
		p.timer.Stop()
		p.ch <- sdpOutcome{err: fmt.Errorf("session %s: closed", h.sessionID)}
	}

	if clientID != "" {
		env := protocol.NewEnvelope(protocol.TypeSDPRequest, protocol.SDPRequest{
			SessionID: h.sessionID,
			Request: protocol.SDPOperation{
				Operation: protocol.SDPOpClose,
				RequestID: uuid.New().String(),
			},
		})
		env.ClientID = clientID
		h.factory.sender.SendToClient(clientID, env)
	}

	h.factory.RemoveSession(h.sessionID, clientID)
	h.factory.logger.Debug("session handler closed", "session_id", h.sessionID)
}

// roundTrip dispatches one operation to the bound edge and waits for its
// outcome: the matching response, the request timer, or cancellation.
func (h *Handler) roundTrip(ctx context.Context, operation string, data, options any) (any, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("session %s: handler closed", h.sessionID)
	}

	clientID := h.clientID
	if clientID == "" {
		// Fallback for handlers created before a call pinned an edge:
		// bind to the first registered client.
		ids := h.factory.sender.GetAllClientIds()
		if len(ids) == 0 {
			h.mu.Unlock()
			return nil, fmt.Errorf("session %s: no clients available", h.sessionID)
		}
		clientID = ids[0]
		h.clientID = clientID
		h.factory.rebind(h, "", clientID)
	}

	requestID := uuid.New().String()
	p := &pendingRequest{
		operation: operation,
		ch:        make(chan sdpOutcome, 1),
	}
	timeout := h.requestTimeout
	p.timer = time.AfterFunc(timeout, func() {
		h.fail(requestID, fmt.Errorf("timeout after %dms: %s", timeout.Milliseconds(), operation))
	})
	h.pending[requestID] = p
	h.mu.Unlock()

	env := protocol.NewEnvelope(protocol.TypeSDPRequest, protocol.SDPRequest{
		SessionID: h.sessionID,
		Request: protocol.SDPOperation{
			Operation: operation,
			RequestID: requestID,
			Data:      data,
			Options:   options,
		},
	})
	env.ClientID = clientID

	if !h.factory.sender.SendToClient(clientID, env) {
		h.drop(requestID)
		return nil, fmt.Errorf("session %s: client %s unavailable", h.sessionID, clientID)
	}

	select {
	case out := <-p.ch:
		return out.result, out.err
	case <-ctx.Done():
		h.drop(requestID)
		return nil, ctx.Err()
	}
}

// resolve completes a pending operation. Unknown ids are normal: the timer
// already fired or the handler closed.
func (h *Handler) resolve(requestID string, result any) {
	if p := h.take(requestID); p != nil {
		p.ch <- sdpOutcome{result: result}
	}
}

func (h *Handler) fail(requestID string, err error) {
	if p := h.take(requestID); p != nil {
		p.ch <- sdpOutcome{err: err}
	}
}

func (h *Handler) take(requestID string) *pendingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[requestID]
	if !ok {
		h.factory.logger.Debug("reply for unknown request dropped",
			"session_id", h.sessionID, "request_id", requestID)
		return nil
	}
	delete(h.pending, requestID)
	p.timer.Stop()
	return p
}

func (h *Handler) drop(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pending[requestID]; ok {
		p.timer.Stop()
		delete(h.pending, requestID)
	}
}

// handleICECandidate records a trickled candidate and forwards it to the
// delegate. A nil candidate marks end-of-gathering.
func (h *Handler) handleICECandidate(c *protocol.ICECandidate) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	var gatherDone chan struct{}
	if c == nil {
		if h.iceGatheringState != gatheringComplete {
			h.iceGatheringState = gatheringComplete
			gatherDone = h.gatherDone
		}
	} else {
		h.iceCandidates = append(h.iceCandidates, *c)
		if h.iceGatheringState == gatheringNew {
			h.iceGatheringState = gatheringActive
		}
	}
	h.mu.Unlock()

	if c == nil {
		if gatherDone != nil {
			close(gatherDone)
		}
		if h.delegate.OnICEGatheringComplete != nil {
			h.delegate.OnICEGatheringComplete()
		}
		return
	}
	if h.delegate.OnICECandidate != nil {
		h.delegate.OnICECandidate(c)
	}
}

func (h *Handler) handleConnectionState(state string) {
	h.mu.Lock()
	h.connectionState = state
	h.mu.Unlock()

	if h.delegate.OnICEConnectionStateChange != nil {
		h.delegate.OnICEConnectionStateChange(state)
	}
}
