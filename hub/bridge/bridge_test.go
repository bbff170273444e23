package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// scriptedEdge fakes the edge side of the channel: it records dispatched
// operations and answers them according to its script.
type scriptedEdge struct {
	factory *Factory
	client  string

	mu       sync.Mutex
	ops      []protocol.SDPOperation
	sessions []string
	silent   bool // swallow requests instead of replying
}

func (s *scriptedEdge) SendToClient(clientID string, env *protocol.Envelope) bool {
	var req protocol.SDPRequest
	if err := protocol.DecodePayload(env.Payload, &req); err != nil {
		return false
	}

	s.mu.Lock()
	s.ops = append(s.ops, req.Request)
	s.sessions = append(s.sessions, req.SessionID)
	silent := s.silent
	s.mu.Unlock()

	if silent || req.Request.Operation == protocol.SDPOpClose {
		return true
	}

	// Reply asynchronously like a real edge would.
	go func() {
		result := s.resultFor(req.Request)
		env := protocol.NewEnvelope(protocol.TypeSDPResponse, protocol.SDPResponse{
			SessionID: req.SessionID,
			Response:  protocol.SDPResult{RequestID: req.Request.RequestID, Result: result},
		})
		_ = s.factory.HandleSDPResponse(clientID, env)
	}()
	return true
}

func (s *scriptedEdge) resultFor(op protocol.SDPOperation) any {
	switch op.Operation {
	case protocol.SDPOpCreateOffer:
		return protocol.SessionDescription{Type: "offer", SDP: "v=0\r\no=offer\r\n"}
	case protocol.SDPOpCreateAnswer:
		return protocol.SessionDescription{Type: "answer", SDP: "v=0\r\no=answer\r\n"}
	case protocol.SDPOpGetCompleteSDP:
		return protocol.SessionDescription{Type: "offer", SDP: "v=0\r\no=offer\r\na=candidate:done\r\n"}
	default:
		return map[string]any{"success": true}
	}
}

func (s *scriptedEdge) GetAllClientIds() []string {
	return []string{s.client}
}

func (s *scriptedEdge) operations() []protocol.SDPOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SDPOperation{}, s.ops...)
}

func newBridge(t *testing.T, opts Options) (*Factory, *scriptedEdge) {
	t.Helper()
	edge := &scriptedEdge{client: "c1"}
	f := NewFactory(edge, slog.Default(), opts)
	edge.factory = f
	return f, edge
}

func TestGetDescriptionOfferFlow(t *testing.T) {
	f, edge := newBridge(t, Options{TrickleCandidates: true})
	h := f.Create("s1", "c1", Delegate{})

	body, contentType, err := h.GetDescription(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "application/sdp" {
		t.Errorf("content type = %s, want application/sdp", contentType)
	}
	if body != "v=0\r\no=offer\r\n" {
		t.Errorf("body = %q, want the scripted offer", body)
	}

	ops := edge.operations()
	if len(ops) != 2 {
		t.Fatalf("dispatched %d operations, want 2: %+v", len(ops), ops)
	}
	if ops[0].Operation != protocol.SDPOpCreateOffer {
		t.Errorf("first op = %s, want createOffer", ops[0].Operation)
	}
	if ops[1].Operation != protocol.SDPOpSetLocalDescription {
		t.Errorf("second op = %s, want setLocalDescription", ops[1].Operation)
	}

	var applied protocol.SessionDescription
	if err := protocol.DecodePayload(ops[1].Data, &applied); err != nil {
		t.Fatal(err)
	}
	if applied.SDP != body {
		t.Errorf("setLocalDescription carried %q, want the offer SDP", applied.SDP)
	}

	if !h.HasDescription("application/sdp") {
		t.Error("expected HasDescription to be true after the offer")
	}
	if h.HasDescription("text/plain") {
		t.Error("unexpected HasDescription for foreign content type")
	}
}

func TestSetDescriptionClassification(t *testing.T) {
	f, edge := newBridge(t, Options{TrickleCandidates: true})
	h := f.Create("s1", "c1", Delegate{})

	// First remote SDP is an offer, the following one an answer.
	if err := h.SetDescription(context.Background(), "v=0\r\no=remote1\r\n"); err != nil {
		t.Fatal(err)
	}
	if err := h.SetDescription(context.Background(), "v=0\r\no=remote2\r\n"); err != nil {
		t.Fatal(err)
	}

	ops := edge.operations()
	if len(ops) != 2 {
		t.Fatalf("dispatched %d operations, want 2", len(ops))
	}
	var first, second protocol.SessionDescription
	if err := protocol.DecodePayload(ops[0].Data, &first); err != nil {
		t.Fatal(err)
	}
	if err := protocol.DecodePayload(ops[1].Data, &second); err != nil {
		t.Fatal(err)
	}
	if first.Type != "offer" {
		t.Errorf("first remote description type = %s, want offer", first.Type)
	}
	if second.Type != "answer" {
		t.Errorf("second remote description type = %s, want answer", second.Type)
	}
}

func TestAnswerAfterRemoteOffer(t *testing.T) {
	f, edge := newBridge(t, Options{TrickleCandidates: true})
	h := f.Create("s1", "c1", Delegate{})

	if err := h.SetDescription(context.Background(), "v=0\r\no=remote\r\n"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.GetDescription(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	ops := edge.operations()
	// setRemoteDescription, then createAnswer + setLocalDescription.
	if ops[1].Operation != protocol.SDPOpCreateAnswer {
		t.Errorf("op after remote offer = %s, want createAnswer", ops[1].Operation)
	}
}

func TestRequestTimeout(t *testing.T) {
	f, edge := newBridge(t, Options{TrickleCandidates: true, RequestTimeout: 50 * time.Millisecond})
	edge.silent = true
	h := f.Create("s1", "c1", Delegate{})

	start := time.Now()
	_, _, err := h.GetDescription(context.Background(), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout after 50ms: createOffer") {
		t.Errorf("error = %v, want timeout mention", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s, want ~50ms", elapsed)
	}

	// A late reply for the timed-out id is dropped without effect.
	ops := edge.operations()
	env := protocol.NewEnvelope(protocol.TypeSDPResponse, protocol.SDPResponse{
		SessionID: "s1",
		Response: protocol.SDPResult{
			RequestID: ops[0].RequestID,
			Result:    protocol.SessionDescription{Type: "offer", SDP: "late"},
		},
	})
	if err := f.HandleSDPResponse("c1", env); err != nil {
		t.Fatalf("late reply must be dropped, not error: %v", err)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	f, edge := newBridge(t, Options{TrickleCandidates: true})
	edge.silent = true
	h := f.Create("s1", "c1", Delegate{})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := h.GetDescription(context.Background(), nil)
		errCh <- err
	}()

	// Wait until the operation is in flight, then close.
	deadline := time.Now().Add(time.Second)
	for len(edge.operations()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Close()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "closed") {
			t.Errorf("error = %v, want closed rejection", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending operation never settled after Close")
	}

	// Closed handlers refuse further work.
	if err := h.SetDescription(context.Background(), "v=0\r\n"); err == nil {
		t.Error("expected error after Close")
	}
}

func TestICECandidateOrderingAndCompletion(t *testing.T) {
	f, _ := newBridge(t, Options{TrickleCandidates: true})

	var mu sync.Mutex
	var delivered []string
	completed := false
	h := f.Create("s1", "c1", Delegate{
		OnICECandidate: func(c *protocol.ICECandidate) {
			mu.Lock()
			delivered = append(delivered, c.Candidate)
			mu.Unlock()
		},
		OnICEGatheringComplete: func() {
			mu.Lock()
			completed = true
			mu.Unlock()
		},
	})

	mid := "0"
	for _, cand := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		env := protocol.NewEnvelope(protocol.TypeICECandidate, protocol.ICECandidatePayload{
			SessionID: "s1",
			Candidate: &protocol.ICECandidate{Candidate: cand, SDPMid: &mid},
		})
		if err := f.HandleICECandidate("c1", env); err != nil {
			t.Fatal(err)
		}
	}
	end := protocol.NewEnvelope(protocol.TypeICECandidate, protocol.ICECandidatePayload{SessionID: "s1"})
	if err := f.HandleICECandidate("c1", end); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"candidate:1", "candidate:2", "candidate:3"}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %d candidates, want %d", len(delivered), len(want))
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Errorf("candidate %d = %s, want %s", i, delivered[i], want[i])
		}
	}
	if !completed {
		t.Error("expected gathering-complete after the null candidate")
	}
	if state := h.ConnectionState(); state != "" {
		t.Errorf("connection state = %q, want empty before any update", state)
	}
}

func TestNonTrickleWaitsForGathering(t *testing.T) {
	f, edge := newBridge(t, Options{
		TrickleCandidates:   false,
		ICEGatheringTimeout: 100 * time.Millisecond,
	})
	h := f.Create("s1", "c1", Delegate{})

	go func() {
		// Signal end-of-gathering shortly after the offer round-trip.
		time.Sleep(30 * time.Millisecond)
		end := protocol.NewEnvelope(protocol.TypeICECandidate, protocol.ICECandidatePayload{SessionID: "s1"})
		_ = f.HandleICECandidate("c1", end)
	}()

	body, _, err := h.GetDescription(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "a=candidate:done") {
		t.Errorf("body = %q, want the completed SDP", body)
	}

	ops := edge.operations()
	last := ops[len(ops)-1]
	if last.Operation != protocol.SDPOpGetCompleteSDP {
		t.Errorf("last op = %s, want getCompleteSdp", last.Operation)
	}
}

func TestConnectionStateForwarded(t *testing.T) {
	f, _ := newBridge(t, Options{TrickleCandidates: true})

	var got []string
	h := f.Create("s1", "c1", Delegate{
		OnICEConnectionStateChange: func(state string) { got = append(got, state) },
	})

	env := protocol.NewEnvelope(protocol.TypeConnectionStateChange, protocol.ConnectionStateChange{
		SessionID: "s1",
		State:     "connected",
	})
	if err := f.HandleConnectionState("c1", env); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 || got[0] != "connected" {
		t.Errorf("forwarded states = %v, want [connected]", got)
	}
	if h.ConnectionState() != "connected" {
		t.Errorf("handler state = %s, want connected", h.ConnectionState())
	}
}

func TestAutoSelectFirstClient(t *testing.T) {
	f, edge := newBridge(t, Options{TrickleCandidates: true})
	// No client bound at creation.
	h := f.Create("s1", "", Delegate{})

	if _, _, err := h.GetDescription(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if h.ClientID() != "c1" {
		t.Errorf("pinned client = %q, want c1", h.ClientID())
	}

	// Once pinned, inbound routing by (clientId, sessionId) works.
	if got := edge.operations(); len(got) == 0 {
		t.Fatal("no operations dispatched")
	}
}

func TestRemoveClientClosesHandlers(t *testing.T) {
	f, edge := newBridge(t, Options{TrickleCandidates: true})
	edge.silent = true
	h := f.Create("s1", "c1", Delegate{})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := h.GetDescription(context.Background(), nil)
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for len(edge.operations()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	f.RemoveClient("c1")

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected rejection after RemoveClient")
		}
	case <-time.After(time.Second):
		t.Fatal("pending operation never settled after RemoveClient")
	}
}
