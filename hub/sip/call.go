package sip

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/tabphone/tabphone/hub/bridge"
	"github.com/tabphone/tabphone/pkg/protocol"
)

// inviteTimeout bounds how long an outgoing call may ring.
const inviteTimeout = 2 * time.Minute

// callRank orders wire states so transitions stay monotonic. "incoming" and
// "creating" are the two entry states.
var callRank = map[string]int{
	protocol.CallStateCreating:   0,
	protocol.CallStateIncoming:   0,
	protocol.CallStateCalling:    1,
	protocol.CallStateConnecting: 2,
	protocol.CallStateConnected:  3,
	protocol.CallStateEnded:      4,
}

// call is the hub's record of the single active call.
type call struct {
	id          string
	sessionID   string
	clientID    string
	inbound     bool
	state       string
	target      string
	from        string
	displayName string
	startTime   int64
	connectTime int64
	endTime     int64
	endReason   string
	offer       string // inbound: the caller's SDP
	claimed     bool

	handler    *bridge.Handler
	clientSess *sipgo.DialogClientSession
	serverSess *sipgo.DialogServerSession
}

func (c *call) info() protocol.CallInfo {
	return protocol.CallInfo{
		ID:          c.id,
		State:       c.state,
		Target:      c.target,
		From:        c.from,
		DisplayName: c.displayName,
		StartTime:   c.startTime,
		ConnectTime: c.connectTime,
		EndTime:     c.endTime,
		EndReason:   c.endReason,
	}
}

// MakeCall starts an outgoing call on behalf of the requesting edge, which
// becomes the media owner. It returns the call id immediately; progress is
// broadcast as CALL_UPDATE transitions.
func (m *Manager) MakeCall(clientID, target string, opts *protocol.CallOptions) (string, error) {
	m.mu.Lock()
	if m.phase != PhaseConnected && m.phase != PhaseRegistered {
		m.mu.Unlock()
		return "", fmt.Errorf("cannot call while %s", m.phase)
	}
	if m.active != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("call already in progress")
	}

	var recipient sipmsg.Uri
	if err := sipmsg.ParseUri(target, &recipient); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("parse target: %w", err)
	}

	c := &call{
		id:        uuid.New().String(),
		sessionID: newSessionID(),
		clientID:  clientID,
		state:     protocol.CallStateCreating,
		target:    target,
		startTime: time.Now().UnixMilli(),
	}
	m.active = c
	m.mu.Unlock()

	c.handler = m.bridge.Create(c.sessionID, clientID, m.callDelegate(c))
	m.broadcastCallUpdate(c)

	go m.runOutbound(c, recipient, opts)
	return c.id, nil
}

func (m *Manager) runOutbound(c *call, recipient sipmsg.Uri, opts *protocol.CallOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	body, _, err := c.handler.GetDescription(ctx, m.offerOptions(opts))
	if err != nil {
		m.failCall(c, fmt.Errorf("build offer: %w", err))
		return
	}
	m.transitionCall(c, protocol.CallStateCalling)

	m.mu.Lock()
	dialogCli := m.dialogCli
	cfg := m.cfg
	m.mu.Unlock()
	if dialogCli == nil {
		m.failCall(c, fmt.Errorf("not initialized"))
		return
	}

	headers := []sipmsg.Header{sipmsg.NewHeader("Content-Type", "application/sdp")}
	if opts != nil {
		for _, line := range opts.ExtraHeaders {
			if name, value, ok := cutHeaderLine(line); ok {
				headers = append(headers, sipmsg.NewHeader(name, value))
			}
		}
	}

	sess, err := dialogCli.Invite(ctx, recipient, []byte(body), headers...)
	if err != nil {
		m.failCall(c, fmt.Errorf("invite: %w", err))
		return
	}

	m.mu.Lock()
	c.clientSess = sess
	m.mu.Unlock()
	m.transitionCall(c, protocol.CallStateConnecting)

	if err := sess.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: usernameFromURI(cfg.URI),
		Password: cfg.Password,
	}); err != nil {
		m.failCall(c, fmt.Errorf("call rejected: %w", err))
		return
	}

	answer := sess.InviteResponse.Body()
	if len(answer) > 0 {
		if err := c.handler.SetDescription(ctx, string(answer)); err != nil {
			m.failCall(c, fmt.Errorf("apply answer: %w", err))
			_ = sess.Bye(context.Background())
			return
		}
	}

	if err := sess.Ack(ctx); err != nil {
		m.failCall(c, fmt.Errorf("ack: %w", err))
		return
	}

	m.mu.Lock()
	c.connectTime = time.Now().UnixMilli()
	m.mu.Unlock()
	m.transitionCall(c, protocol.CallStateConnected)

	go func() {
		<-sess.Context().Done()
		m.endCall(c, "remote hangup")
	}()
}

// AnswerCall claims an incoming call for the requesting edge. The first
// claim wins; the winner is announced with CALL_CLAIMED and becomes the
// media owner.
func (m *Manager) AnswerCall(clientID, callID string, opts *protocol.CallOptions) error {
	m.mu.Lock()
	c := m.active
	if c == nil || c.id != callID {
		m.mu.Unlock()
		return fmt.Errorf("no such call: %s", callID)
	}
	if !c.inbound || c.state != protocol.CallStateIncoming {
		m.mu.Unlock()
		return fmt.Errorf("call %s is not awaiting answer", callID)
	}
	if c.claimed {
		m.mu.Unlock()
		return fmt.Errorf("call %s already claimed", callID)
	}
	c.claimed = true
	c.clientID = clientID
	m.mu.Unlock()

	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeCallClaimed, protocol.CallClaimed{
		CallID:   callID,
		ClientID: clientID,
	}))

	c.handler = m.bridge.Create(c.sessionID, clientID, m.callDelegate(c))
	go m.runInbound(c, opts)
	return nil
}

func (m *Manager) runInbound(c *call, opts *protocol.CallOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	m.transitionCall(c, protocol.CallStateConnecting)

	if err := c.handler.SetDescription(ctx, c.offer); err != nil {
		m.failCall(c, fmt.Errorf("apply offer: %w", err))
		m.respondBusy(c)
		return
	}

	body, _, err := c.handler.GetDescription(ctx, m.offerOptions(opts))
	if err != nil {
		m.failCall(c, fmt.Errorf("build answer: %w", err))
		m.respondBusy(c)
		return
	}

	if err := c.serverSess.Respond(sipmsg.StatusOK, "OK", []byte(body),
		sipmsg.NewHeader("Content-Type", "application/sdp")); err != nil {
		m.failCall(c, fmt.Errorf("answer: %w", err))
		return
	}

	m.mu.Lock()
	c.connectTime = time.Now().UnixMilli()
	m.mu.Unlock()
	m.transitionCall(c, protocol.CallStateConnected)

	go func() {
		<-c.serverSess.Context().Done()
		m.endCall(c, "remote hangup")
	}()
}

// EndCall hangs up (or declines) the identified call.
func (m *Manager) EndCall(clientID, callID string) error {
	m.mu.Lock()
	c := m.active
	if c == nil || c.id != callID {
		m.mu.Unlock()
		return fmt.Errorf("no such call: %s", callID)
	}
	clientSess := c.clientSess
	serverSess := c.serverSess
	unanswered := c.inbound && c.state == protocol.CallStateIncoming
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case unanswered:
		m.respondBusy(c)
	case clientSess != nil:
		if err := clientSess.Bye(ctx); err != nil {
			m.logger.Warn("bye failed", "call_id", callID, "error", err)
		}
	case serverSess != nil:
		if err := serverSess.Bye(ctx); err != nil {
			m.logger.Warn("bye failed", "call_id", callID, "error", err)
		}
	}

	m.endCall(c, "local hangup")
	return nil
}

// SendDTMF dispatches tones into the active call's media session.
func (m *Manager) SendDTMF(clientID, callID, tones string) error {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil || c.id != callID {
		return fmt.Errorf("no such call: %s", callID)
	}
	if c.handler == nil || c.state != protocol.CallStateConnected {
		return fmt.Errorf("call %s has no connected media", callID)
	}
	c.handler.SendDTMF(tones, nil)
	return nil
}

// ActiveClientID returns the edge owning the active call's media.
func (m *Manager) ActiveClientID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.clientID == "" {
		return "", false
	}
	return m.active.clientID, true
}

// ClientGone ends any call whose media owner disconnected.
func (m *Manager) ClientGone(clientID string) {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil || c.clientID != clientID {
		return
	}
	m.logger.Warn("media owner disconnected, ending call", "call_id", c.id, "client_id", clientID)
	_ = m.EndCall(clientID, c.id)
}

// --- inbound SIP handlers ---

func (m *Manager) onInvite(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	m.mu.Lock()
	dialogSrv := m.dialogSrv
	busy := m.active != nil
	m.mu.Unlock()

	if dialogSrv == nil {
		res := sipmsg.NewResponseFromRequest(req, sipmsg.StatusServiceUnavailable, "Service Unavailable", nil)
		_ = tx.Respond(res)
		return
	}
	if busy {
		res := sipmsg.NewResponseFromRequest(req, sipmsg.StatusBusyHere, "Busy Here", nil)
		_ = tx.Respond(res)
		return
	}

	sess, err := dialogSrv.ReadInvite(req, tx)
	if err != nil {
		m.logger.Warn("read invite failed", "error", err)
		return
	}

	res := sipmsg.NewResponseFromRequest(req, sipmsg.StatusRinging, "Ringing", nil)
	if err := tx.Respond(res); err != nil {
		m.logger.Warn("ringing failed", "error", err)
	}

	from := req.From()
	c := &call{
		id:         uuid.New().String(),
		sessionID:  newSessionID(),
		inbound:    true,
		state:      protocol.CallStateIncoming,
		startTime:  time.Now().UnixMilli(),
		offer:      string(req.Body()),
		serverSess: sess,
	}
	if from != nil {
		c.from = from.Address.String()
		c.displayName = from.DisplayName
	}

	m.mu.Lock()
	m.active = c
	m.mu.Unlock()

	m.logger.Info("incoming call", "call_id", c.id, "from", c.from)
	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeIncomingCall, protocol.IncomingCall{
		CallID:      c.id,
		From:        c.from,
		DisplayName: c.displayName,
	}))
}

func (m *Manager) onBye(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	m.mu.Lock()
	dialogSrv := m.dialogSrv
	dialogCli := m.dialogCli
	c := m.active
	m.mu.Unlock()

	handled := false
	if dialogSrv != nil {
		if err := dialogSrv.ReadBye(req, tx); err == nil {
			handled = true
		}
	}
	if !handled && dialogCli != nil {
		if err := dialogCli.ReadBye(req, tx); err != nil {
			m.logger.Debug("bye outside any dialog", "error", err)
		}
	}

	if c != nil {
		m.endCall(c, "remote hangup")
	}
}

func (m *Manager) onAck(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	m.mu.Lock()
	dialogSrv := m.dialogSrv
	m.mu.Unlock()
	if dialogSrv != nil {
		if err := dialogSrv.ReadAck(req, tx); err != nil {
			m.logger.Debug("ack outside any dialog", "error", err)
		}
	}
}

func (m *Manager) onCancel(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	res := sipmsg.NewResponseFromRequest(req, sipmsg.StatusOK, "OK", nil)
	_ = tx.Respond(res)

	m.mu.Lock()
	c := m.active
	cancelled := c != nil && c.inbound && c.state == protocol.CallStateIncoming
	m.mu.Unlock()
	if cancelled {
		m.endCall(c, "cancelled")
	}
}

// --- call state plumbing ---

func (m *Manager) callDelegate(c *call) bridge.Delegate {
	return bridge.Delegate{
		OnICEConnectionStateChange: func(state string) {
			m.logger.Debug("ice connection state", "call_id", c.id, "state", state)
			if state == "failed" {
				m.failCall(c, fmt.Errorf("media transport failed"))
			}
		},
	}
}

// offerOptions carries the synthesized ICE server list to the edge's peer
// connection alongside any caller options.
func (m *Manager) offerOptions(opts *protocol.CallOptions) map[string]any {
	options := map[string]any{"iceServers": m.ICEServers()}
	if opts != nil && len(opts.ExtraHeaders) > 0 {
		options["extraHeaders"] = opts.ExtraHeaders
	}
	return options
}

func (m *Manager) respondBusy(c *call) {
	m.mu.Lock()
	sess := c.serverSess
	m.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Respond(sipmsg.StatusBusyHere, "Busy Here", nil); err != nil {
		m.logger.Debug("busy response failed", "call_id", c.id, "error", err)
	}
}

// transitionCall advances the call state if the transition is forward, then
// broadcasts CALL_UPDATE. Backward transitions are ignored, keeping the
// update stream monotonic per call id.
func (m *Manager) transitionCall(c *call, state string) {
	m.mu.Lock()
	if callRank[state] < callRank[c.state] || c.state == protocol.CallStateEnded {
		m.mu.Unlock()
		return
	}
	if c.state == state {
		m.mu.Unlock()
		return
	}
	c.state = state
	m.mu.Unlock()
	m.broadcastCallUpdate(c)
}

func (m *Manager) broadcastCallUpdate(c *call) {
	m.mu.Lock()
	update := protocol.CallUpdate{
		CallID:    c.id,
		State:     c.state,
		Target:    c.target,
		From:      c.from,
		EndReason: c.endReason,
	}
	m.mu.Unlock()
	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeCallUpdate, update))
}

// failCall broadcasts CALL_ERROR and ends the call with the error as its
// end reason.
func (m *Manager) failCall(c *call, err error) {
	m.mu.Lock()
	ended := c.state == protocol.CallStateEnded
	m.mu.Unlock()
	if ended {
		return
	}
	m.logger.Warn("call failed", "call_id", c.id, "error", err)
	m.broadcaster.BroadcastToAllClients(protocol.NewEnvelope(protocol.TypeCallError, protocol.CallError{
		CallID: c.id,
		Error:  err.Error(),
	}))
	m.endCall(c, err.Error())
}

// endCall finishes the record, releases the bridge session and clears the
// active slot. Idempotent.
func (m *Manager) endCall(c *call, reason string) {
	m.mu.Lock()
	if c.state == protocol.CallStateEnded {
		m.mu.Unlock()
		return
	}
	c.state = protocol.CallStateEnded
	c.endTime = time.Now().UnixMilli()
	c.endReason = reason
	handler := c.handler
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()

	if handler != nil {
		handler.Close()
	}

	m.logger.Info("call ended", "call_id", c.id, "reason", reason)
	m.broadcastCallUpdate(c)
}

// cutHeaderLine splits one "Name: Value" extra-header line.
func cutHeaderLine(line string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	return name, strings.TrimSpace(value), name != ""
}
