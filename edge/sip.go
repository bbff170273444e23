package edge

import (
	"fmt"
	"time"

	"github.com/tabphone/tabphone/internal/config"
	"github.com/tabphone/tabphone/internal/eventbus"
	"github.com/tabphone/tabphone/pkg/protocol"
)

// SIP lifecycle wait bounds.
const (
	sipInitTimeout    = 30 * time.Second
	sipConnectTimeout = 20 * time.Second
)

// InitializeSIP asks the hub to construct its SIP endpoint for the given
// account and waits for SIP_INIT_RESULT.
func (c *Client) InitializeSIP(cfg *config.SIP) error {
	return c.lifecycleRequest(protocol.TypeRequestSIPInit, cfg, eventbus.SIPInitResult, sipInitTimeout,
		func(payload any) (done, ok bool, errText string) {
			res, valid := payload.(*protocol.SIPInitResult)
			if !valid {
				return false, false, ""
			}
			return true, res.Success, res.Error
		})
}

// ConnectSIP asks the hub to bring the SIP transport up and waits for a
// terminal SIP_CONNECTION_UPDATE. Intermediate "connecting" updates do not
// settle the call.
func (c *Client) ConnectSIP() error {
	return c.lifecycleRequest(protocol.TypeRequestConnect, nil, eventbus.SIPConnectionUpdate, sipConnectTimeout,
		terminalStates(protocol.SIPStateConnected, protocol.SIPStateFailed))
}

// RegisterSIP asks the hub to register the account and waits for a terminal
// SIP_REGISTRATION_UPDATE, bounded by the client's connect timeout.
func (c *Client) RegisterSIP() error {
	return c.lifecycleRequest(protocol.TypeRequestRegister, nil, eventbus.SIPRegistrationUpdate, c.cfg.ConnectTimeout.Duration,
		terminalStates(protocol.SIPStateRegistered, protocol.SIPStateFailed))
}

// UnregisterSIP removes the registration and waits for the terminal update.
func (c *Client) UnregisterSIP() error {
	return c.lifecycleRequest(protocol.TypeRequestUnregister, nil, eventbus.SIPRegistrationUpdate, c.cfg.ConnectTimeout.Duration,
		terminalStates(protocol.SIPStateUnregistered, protocol.SIPStateFailed))
}

// terminalStates builds a settle predicate over SIPStateUpdate events:
// success on want, failure on "failed", everything else intermediate.
func terminalStates(want, fail string) func(any) (bool, bool, string) {
	return func(payload any) (done, ok bool, errText string) {
		update, valid := payload.(*protocol.SIPStateUpdate)
		if !valid {
			return false, false, ""
		}
		switch update.State {
		case want:
			return true, true, ""
		case fail:
			errText = update.Error
			if errText == "" {
				errText = update.Cause
			}
			return true, false, errText
		default:
			return false, false, ""
		}
	}
}

// lifecycleRequest sends one typed lifecycle envelope and waits until the
// matching update stream reaches a terminal state, the timeout fires, or
// the client closes.
func (c *Client) lifecycleRequest(t protocol.MessageType, payload any, event string, timeout time.Duration,
	settle func(any) (done, ok bool, errText string)) error {

	c.mu.Lock()
	if !c.initialized || c.closed || c.unusable {
		c.mu.Unlock()
		return fmt.Errorf("client not initialized")
	}
	ch := c.ch
	c.mu.Unlock()

	type outcome struct {
		ok      bool
		errText string
	}
	result := make(chan outcome, 1)

	sub := c.events.On(event, func(payload any) {
		done, ok, errText := settle(payload)
		if !done {
			return
		}
		select {
		case result <- outcome{ok: ok, errText: errText}:
		default:
		}
	})
	defer c.events.Off(event, sub)

	env := protocol.NewEnvelope(t, payload)
	env.ClientID = c.id
	if !ch.Post(env) {
		return fmt.Errorf("connection closed")
	}

	select {
	case out := <-result:
		if !out.ok {
			if out.errText == "" {
				out.errText = "failed"
			}
			return fmt.Errorf("%s", out.errText)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s timed out after %s", t, timeout)
	}
}
