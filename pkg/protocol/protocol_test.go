package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnvelopeWireShape(t *testing.T) {
	env := &Envelope{
		Type:      TypeRequest,
		ClientID:  "c1",
		Timestamp: 1234,
		RequestID: "r1",
		Action:    "echo",
		Payload:   map[string]any{"message": "hi"},
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"type":      "REQUEST",
		"clientId":  "c1",
		"timestamp": float64(1234),
		"requestId": "r1",
		"action":    "echo",
		"payload":   map[string]any{"message": "hi"},
	}
	if diff := cmp.Diff(want, decoded); diff != "" {
		t.Errorf("envelope wire shape mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelopeTimestampIsInteger(t *testing.T) {
	env := NewEnvelope(TypeStateUpdate, nil)
	if env.Timestamp <= 0 {
		t.Fatalf("expected positive millisecond timestamp, got %d", env.Timestamp)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Timestamp json.Number `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, err := decoded.Timestamp.Int64(); err != nil {
		t.Errorf("timestamp is not an integer: %v", err)
	}
}

func TestKnownType(t *testing.T) {
	for _, known := range []MessageType{
		TypeClientConnected, TypeStateUpdate, TypeRequest, TypeResponse,
		TypeSDPRequest, TypeSDPResponse, TypeICECandidate, TypeMediaControl,
		TypeSIPInitResult, TypeCallClaimed,
	} {
		if !KnownType(known) {
			t.Errorf("expected %s to be a known type", known)
		}
	}
	if KnownType("FROBNICATE") {
		t.Error("expected FROBNICATE to be rejected")
	}
	if KnownType("") {
		t.Error("expected empty type to be rejected")
	}
}

func TestCallStateMarshalsNullActiveCall(t *testing.T) {
	state := CallState{Registration: RegistrationState{State: "none"}}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"hasActiveCall":false,"activeCall":null,"registration":{"state":"none"}}`
	if string(data) != want {
		t.Errorf("call state JSON = %s, want %s", data, want)
	}
}

func TestDecodePayloadAfterTransport(t *testing.T) {
	// Payloads arrive as generic maps once an envelope crosses the wire.
	env := NewEnvelope(TypeSDPResponse, SDPResponse{
		SessionID: "s1",
		Response:  SDPResult{RequestID: "r9", Result: map[string]any{"type": "offer", "sdp": "v=0\r\n"}},
	})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var transported Envelope
	if err := json.Unmarshal(data, &transported); err != nil {
		t.Fatal(err)
	}

	var payload SDPResponse
	if err := DecodePayload(transported.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.SessionID != "s1" || payload.Response.RequestID != "r9" {
		t.Errorf("decoded payload mismatch: %+v", payload)
	}

	var desc SessionDescription
	if err := DecodePayload(payload.Response.Result, &desc); err != nil {
		t.Fatal(err)
	}
	if desc.Type != "offer" || desc.SDP != "v=0\r\n" {
		t.Errorf("decoded description mismatch: %+v", desc)
	}
}
