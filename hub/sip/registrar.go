package sip

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// Register sends a REGISTER for the configured account, answering a digest
// challenge if the registrar issues one. The outcome is broadcast as
// SIP_REGISTRATION_UPDATE transitions; true is returned only for
// "registered". Refreshes are scheduled at half the granted expiry on the
// same Call-ID.
func (m *Manager) Register(ctx context.Context) bool {
	m.mu.Lock()
	if m.phase != PhaseConnected && m.phase != PhaseRegistered && m.phase != PhaseRegistering {
		m.mu.Unlock()
		m.registrationUpdate(protocol.SIPStateFailed, "register before connect", "")
		return false
	}
	m.phase = PhaseRegistering
	if m.reg == nil {
		m.reg = &registration{
			callID:  uuid.New().String(),
			expires: m.cfg.RegisterExpires,
		}
	}
	m.mu.Unlock()

	m.registrationUpdate(protocol.SIPStateRegistering, "", "")

	expires, err := m.sendRegister(ctx, m.regExpires())
	if err != nil {
		m.mu.Lock()
		m.phase = PhaseConnected
		m.mu.Unlock()
		m.registrationUpdate(protocol.SIPStateFailed, err.Error(), "")
		m.scheduleReconnect()
		return false
	}

	m.mu.Lock()
	m.phase = PhaseRegistered
	if m.reg != nil {
		m.reg.expires = expires
		if m.reg.refresh != nil {
			m.reg.refresh.Stop()
		}
		m.reg.refresh = time.AfterFunc(time.Duration(expires)*time.Second/2, m.refreshRegistration)
	}
	m.mu.Unlock()

	m.logger.Info("registered", "aor", m.aor.String(), "expires", expires)
	m.registrationUpdate(protocol.SIPStateRegistered, "", "")
	return true
}

// Unregister removes the binding with Expires: 0 on the registration's
// Call-ID.
func (m *Manager) Unregister(ctx context.Context) bool {
	m.mu.Lock()
	if m.reg == nil {
		m.mu.Unlock()
		m.registrationUpdate(protocol.SIPStateFailed, "not registered", "")
		return false
	}
	m.phase = PhaseUnregistering
	if m.reg.refresh != nil {
		m.reg.refresh.Stop()
		m.reg.refresh = nil
	}
	m.mu.Unlock()

	_, err := m.sendRegister(ctx, 0)

	m.mu.Lock()
	m.reg = nil
	m.phase = PhaseConnected
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("unregister failed", "error", err)
		m.registrationUpdate(protocol.SIPStateFailed, err.Error(), "")
		return false
	}
	m.registrationUpdate(protocol.SIPStateUnregistered, "", "")
	return true
}

func (m *Manager) regExpires() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg != nil && m.reg.expires > 0 {
		return m.reg.expires
	}
	return m.cfg.RegisterExpires
}

// refreshRegistration re-registers from the refresh timer. A refresh
// failure terminates the registration, mirroring the registrar tearing the
// binding down.
func (m *Manager) refreshRegistration() {
	m.mu.Lock()
	if m.reg == nil || m.phase == PhaseDisconnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expires, err := m.sendRegister(ctx, m.regExpires())
	if err != nil {
		m.mu.Lock()
		m.reg = nil
		m.phase = PhaseConnected
		m.mu.Unlock()
		m.registrationUpdate(protocol.SIPStateFailed, err.Error(), "Registration terminated")
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.reg != nil {
		m.reg.expires = expires
		m.reg.refresh = time.AfterFunc(time.Duration(expires)*time.Second/2, m.refreshRegistration)
	}
	m.mu.Unlock()
}

// sendRegister performs one REGISTER transaction, retrying once with
// credentials on a 401/407 challenge. It returns the granted expiry.
func (m *Manager) sendRegister(ctx context.Context, expires int) (int, error) {
	m.mu.Lock()
	client := m.client
	cfg := m.cfg
	reg := m.reg
	m.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("not initialized")
	}
	if reg == nil {
		// Unregister after teardown.
		reg = &registration{callID: uuid.New().String()}
	}

	req := m.buildRegister(reg, expires, "")
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("send register: %w", err)
	}
	res, err := awaitFinal(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, err
	}

	if res.StatusCode == sipmsg.StatusUnauthorized || res.StatusCode == sipmsg.StatusProxyAuthRequired {
		authorization, err := answerChallenge(res, cfg, "REGISTER", m.registrar.String())
		if err != nil {
			return 0, err
		}
		req = m.buildRegister(reg, expires, authorization)
		tx, err = client.TransactionRequest(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("send register: %w", err)
		}
		res, err = awaitFinal(ctx, tx)
		tx.Terminate()
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != sipmsg.StatusOK {
		return 0, fmt.Errorf("registration rejected: %d %s", res.StatusCode, res.Reason)
	}

	granted := expires
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil && v > 0 {
			granted = v
		}
	}
	return granted, nil
}

// buildRegister assembles one REGISTER request on the registration's
// Call-ID with a fresh CSeq. Extra account headers ride along as
// "Key: Value" lines.
func (m *Manager) buildRegister(reg *registration, expires int, authorization string) *sipmsg.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := sipmsg.NewRequest(sipmsg.REGISTER, m.registrar)
	req.SetTransport(m.transport)

	from := &sipmsg.FromHeader{
		DisplayName: m.cfg.DisplayName,
		Address:     m.aor,
		Params:      sipmsg.NewParams(),
	}
	from.Params.Add("tag", sipmsg.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sipmsg.ToHeader{Address: m.aor})

	callID := sipmsg.CallIDHeader(reg.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: reg.nextCSeq(), MethodName: sipmsg.REGISTER})

	contact := m.contact
	req.AppendHeader(&contact)
	req.AppendHeader(sipmsg.NewHeader("Expires", strconv.Itoa(expires)))

	if authorization != "" {
		req.AppendHeader(sipmsg.NewHeader("Authorization", authorization))
	}
	for k, v := range m.cfg.ExtraHeaders {
		req.AppendHeader(sipmsg.NewHeader(k, v))
	}
	return req
}
