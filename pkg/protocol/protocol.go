// Package protocol defines the wire protocol exchanged between tabphone
// components (edge ↔ hub) over the envelope channel.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field drawn from a closed set that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of an envelope. The set is closed:
// arrivals outside it are logged and dropped, never dispatched.
type MessageType string

const (
	// Admission and shared state
	TypeClientConnected    MessageType = "CLIENT_CONNECTED"
	TypeClientDisconnected MessageType = "CLIENT_DISCONNECTED"
	TypeStateUpdate        MessageType = "STATE_UPDATE"

	// Request/response RPC
	TypeRequest       MessageType = "REQUEST"
	TypeResponse      MessageType = "RESPONSE"
	TypeRequestResult MessageType = "REQUEST_RESULT"
	TypeError         MessageType = "ERROR"

	// SIP lifecycle
	TypeRequestSIPInit        MessageType = "REQUEST_SIP_INIT"
	TypeSIPInitResult         MessageType = "SIP_INIT_RESULT"
	TypeRequestConnect        MessageType = "REQUEST_CONNECT"
	TypeSIPConnectionUpdate   MessageType = "SIP_CONNECTION_UPDATE"
	TypeRequestRegister       MessageType = "REQUEST_REGISTER"
	TypeRequestUnregister     MessageType = "REQUEST_UNREGISTER"
	TypeSIPRegistrationUpdate MessageType = "SIP_REGISTRATION_UPDATE"

	// Calls
	TypeRequestMakeCall   MessageType = "REQUEST_MAKE_CALL"
	TypeRequestAnswerCall MessageType = "REQUEST_ANSWER_CALL"
	TypeRequestEndCall    MessageType = "REQUEST_END_CALL"
	TypeIncomingCall      MessageType = "INCOMING_CALL"
	TypeCallUpdate        MessageType = "CALL_UPDATE"
	TypeCallError         MessageType = "CALL_ERROR"
	TypeCallClaimed       MessageType = "CALL_CLAIMED"

	// Remote session-description bridge
	TypeSDPRequest            MessageType = "SDP_REQUEST"
	TypeSDPResponse           MessageType = "SDP_RESPONSE"
	TypeICECandidate          MessageType = "ICE_CANDIDATE"
	TypeConnectionStateChange MessageType = "CONNECTION_STATE_CHANGE"
	TypeMediaControl          MessageType = "MEDIA_CONTROL"
)

var knownTypes = map[MessageType]bool{
	TypeClientConnected:       true,
	TypeClientDisconnected:    true,
	TypeStateUpdate:           true,
	TypeRequest:               true,
	TypeResponse:              true,
	TypeRequestResult:         true,
	TypeError:                 true,
	TypeRequestSIPInit:        true,
	TypeSIPInitResult:         true,
	TypeRequestConnect:        true,
	TypeSIPConnectionUpdate:   true,
	TypeRequestRegister:       true,
	TypeRequestUnregister:     true,
	TypeSIPRegistrationUpdate: true,
	TypeRequestMakeCall:       true,
	TypeRequestAnswerCall:     true,
	TypeRequestEndCall:        true,
	TypeIncomingCall:          true,
	TypeCallUpdate:            true,
	TypeCallError:             true,
	TypeCallClaimed:           true,
	TypeSDPRequest:            true,
	TypeSDPResponse:           true,
	TypeICECandidate:          true,
	TypeConnectionStateChange: true,
	TypeMediaControl:          true,
}

// KnownType reports whether t belongs to the closed message-type set.
func KnownType(t MessageType) bool {
	return knownTypes[t]
}

// Envelope is the top-level wire format for all messages. Every envelope
// from an edge to the hub after admission carries the edge's client id.
type Envelope struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	ClientID  string      `json:"clientId,omitempty"`
	Timestamp int64       `json:"timestamp"` // milliseconds from epoch
	RequestID string      `json:"requestId,omitempty"`
	Action    string      `json:"action,omitempty"`
}

// NewEnvelope creates an envelope of the given type, stamped now.
func NewEnvelope(t MessageType, payload any) *Envelope {
	return &Envelope{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// DecodePayload re-marshals an envelope payload (a map after JSON transport,
// a struct when the envelope never crossed a process boundary) into dst.
func DecodePayload(payload any, dst any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
