package edge

import (
	"fmt"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// MakeCall asks the hub to place an outgoing call. This edge becomes the
// media owner; progress arrives via callUpdate events.
func (c *Client) MakeCall(target string, opts *protocol.CallOptions) (string, error) {
	data, err := c.Request("makeCall", protocol.MakeCall{Target: target, Options: opts}, 0)
	if err != nil {
		return "", err
	}
	return callIDFrom(data)
}

// AnswerCall claims an incoming call for this edge.
func (c *Client) AnswerCall(callID string, opts *protocol.CallOptions) error {
	_, err := c.Request("answerCall", protocol.CallRef{CallID: callID, Options: opts}, 0)
	return err
}

// HangupCall ends (or declines) a call.
func (c *Client) HangupCall(callID string) error {
	_, err := c.Request("endCall", protocol.CallRef{CallID: callID}, 0)
	return err
}

// SendDTMF plays tones into the call's media session.
func (c *Client) SendDTMF(callID, tones string) error {
	_, err := c.Request("sendDtmf", protocol.CallRef{CallID: callID, Tones: tones}, 0)
	return err
}

// SetMuted toggles the local microphone track. The control is relayed to
// the edge owning the call's media and never reaches the SIP stack.
func (c *Client) SetMuted(callID string, muted bool) error {
	env := protocol.NewEnvelope(protocol.TypeMediaControl, protocol.MediaControl{
		CallID:  callID,
		Control: protocol.MediaControlMute,
		Muted:   muted,
	})
	if !c.Post(env) {
		return fmt.Errorf("connection closed")
	}
	return nil
}

func callIDFrom(data any) (string, error) {
	var ref struct {
		CallID string `json:"callId"`
	}
	if err := protocol.DecodePayload(data, &ref); err != nil || ref.CallID == "" {
		return "", fmt.Errorf("response without callId")
	}
	return ref.CallID, nil
}
