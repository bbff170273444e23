package rtc

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// memPoster collects the worker's outbound envelopes.
type memPoster struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (p *memPoster) Post(env *protocol.Envelope) bool {
	p.mu.Lock()
	p.envs = append(p.envs, env)
	p.mu.Unlock()
	return true
}

func (p *memPoster) responses() []protocol.SDPResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.SDPResponse
	for _, env := range p.envs {
		if env.Type != protocol.TypeSDPResponse {
			continue
		}
		var res protocol.SDPResponse
		if err := protocol.DecodePayload(env.Payload, &res); err == nil {
			out = append(out, res)
		}
	}
	return out
}

func (p *memPoster) waitResponses(t *testing.T, n int) []protocol.SDPResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res := p.responses(); len(res) >= n {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses", n)
	return nil
}

func sdpEnvelope(sessionID, requestID, operation string, data any) *protocol.Envelope {
	return protocol.NewEnvelope(protocol.TypeSDPRequest, protocol.SDPRequest{
		SessionID: sessionID,
		Request: protocol.SDPOperation{
			Operation: operation,
			RequestID: requestID,
			Data:      data,
		},
	})
}

func TestWorkerCreateOffer(t *testing.T) {
	poster := &memPoster{}
	w := NewWorker(poster, slog.Default())
	t.Cleanup(w.Close)

	w.HandleSDPRequest(sdpEnvelope("s1", "r1", protocol.SDPOpCreateOffer, nil))

	res := poster.waitResponses(t, 1)[0]
	if res.SessionID != "s1" || res.Response.RequestID != "r1" {
		t.Fatalf("response routing = %+v", res)
	}
	if res.Response.Error != "" {
		t.Fatalf("create offer failed: %s", res.Response.Error)
	}

	var desc protocol.SessionDescription
	if err := protocol.DecodePayload(res.Response.Result, &desc); err != nil {
		t.Fatal(err)
	}
	if desc.Type != "offer" {
		t.Errorf("description type = %s, want offer", desc.Type)
	}
	if !strings.HasPrefix(desc.SDP, "v=0") {
		t.Errorf("sdp does not start with v=0: %q", desc.SDP[:min(len(desc.SDP), 20)])
	}
	if !strings.Contains(desc.SDP, "audio") {
		t.Error("offer has no audio section")
	}
}

func TestWorkerSetLocalDescriptionAcksOwnOffer(t *testing.T) {
	poster := &memPoster{}
	w := NewWorker(poster, slog.Default())
	t.Cleanup(w.Close)

	w.HandleSDPRequest(sdpEnvelope("s1", "r1", protocol.SDPOpCreateOffer, nil))
	offer := poster.waitResponses(t, 1)[0]
	var desc protocol.SessionDescription
	if err := protocol.DecodePayload(offer.Response.Result, &desc); err != nil {
		t.Fatal(err)
	}

	// The bridge echoes the offer back as setLocalDescription; the worker
	// must acknowledge it as a no-op rather than reapplying.
	w.HandleSDPRequest(sdpEnvelope("s1", "r2", protocol.SDPOpSetLocalDescription, desc))
	res := poster.waitResponses(t, 2)[1]
	if res.Response.Error != "" {
		t.Fatalf("setLocalDescription failed: %s", res.Response.Error)
	}

	w.HandleSDPRequest(sdpEnvelope("s1", "r3", protocol.SDPOpGetCompleteSDP, nil))
	complete := poster.waitResponses(t, 3)[2]
	if complete.Response.Error != "" {
		t.Fatalf("getCompleteSdp failed: %s", complete.Response.Error)
	}
}

func TestWorkerRejectsUnknownOperation(t *testing.T) {
	poster := &memPoster{}
	w := NewWorker(poster, slog.Default())
	t.Cleanup(w.Close)

	w.HandleSDPRequest(sdpEnvelope("s1", "r1", "teleport", nil))
	res := poster.waitResponses(t, 1)[0]
	if res.Response.Error == "" || !strings.Contains(res.Response.Error, "unknown operation") {
		t.Errorf("error = %q, want unknown operation", res.Response.Error)
	}
}

func TestWorkerRejectsSecondSession(t *testing.T) {
	poster := &memPoster{}
	w := NewWorker(poster, slog.Default())
	t.Cleanup(w.Close)

	w.HandleSDPRequest(sdpEnvelope("s1", "r1", protocol.SDPOpCreateOffer, nil))
	poster.waitResponses(t, 1)

	w.HandleSDPRequest(sdpEnvelope("s2", "r2", protocol.SDPOpCreateOffer, nil))
	res := poster.waitResponses(t, 2)[1]
	if res.Response.Error == "" {
		t.Error("expected second concurrent session to be rejected")
	}
}

func TestWorkerCloseOperation(t *testing.T) {
	poster := &memPoster{}
	w := NewWorker(poster, slog.Default())

	w.HandleSDPRequest(sdpEnvelope("s1", "r1", protocol.SDPOpCreateOffer, nil))
	poster.waitResponses(t, 1)

	w.HandleSDPRequest(sdpEnvelope("s1", "r2", protocol.SDPOpClose, nil))
	res := poster.waitResponses(t, 2)[1]
	if res.Response.Error != "" {
		t.Fatalf("close failed: %s", res.Response.Error)
	}

	// After close a fresh session is accepted again.
	w.HandleSDPRequest(sdpEnvelope("s2", "r3", protocol.SDPOpCreateOffer, nil))
	fresh := poster.waitResponses(t, 3)[2]
	if fresh.Response.Error != "" {
		t.Errorf("create offer after close failed: %s", fresh.Response.Error)
	}
	w.Close()
}

func TestICEServersFromOptions(t *testing.T) {
	servers := iceServersFrom(map[string]any{
		"iceServers": []any{
			map[string]any{"urls": []any{"stun:stun.example.org"}},
			map[string]any{"urls": []any{"turn:turn.example.org"}, "username": "u", "credential": "p"},
		},
	})
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.org" {
		t.Errorf("stun = %v", servers[0].URLs)
	}
	if servers[1].Username != "u" {
		t.Errorf("turn username = %v", servers[1].Username)
	}

	fallback := iceServersFrom(nil)
	if len(fallback) != 1 || fallback[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("fallback = %v", fallback)
	}
}
