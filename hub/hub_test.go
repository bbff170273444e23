package hub

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tabphone/tabphone/edge"
	"github.com/tabphone/tabphone/internal/channel"
	"github.com/tabphone/tabphone/internal/config"
	"github.com/tabphone/tabphone/pkg/protocol"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	cfg := &config.Hub{}
	cfg.ApplyDefaults()
	h := New(cfg, slog.Default())
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

// attachEdge connects an edge client to the hub over an in-process pipe.
func attachEdge(t *testing.T, h *Hub) *edge.Client {
	t.Helper()
	hubEnd, edgeEnd := channel.Pipe()
	h.Dispatcher().Attach(hubEnd)

	cfg := &config.Edge{}
	cfg.ApplyDefaults()
	cfg.InitializeTimeout.Duration = 2 * time.Second
	cfg.RequestTimeout.Duration = 2 * time.Second

	client := edge.NewWithChannel(cfg, edgeEnd, slog.Default())
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("edge initialize failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestEdgeAdmissionCounts(t *testing.T) {
	h := newHub(t)

	c1 := attachEdge(t, h)
	if h.Registry().GetClientCount() != 1 {
		t.Errorf("count = %d, want 1", h.Registry().GetClientCount())
	}

	c2 := attachEdge(t, h)
	if h.Registry().GetClientCount() != 2 {
		t.Errorf("count = %d, want 2", h.Registry().GetClientCount())
	}

	c2.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.Registry().GetClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Registry().GetClientCount() != 1 {
		t.Errorf("count after close = %d, want 1", h.Registry().GetClientCount())
	}

	_ = c1
}

func TestEchoThroughFullStack(t *testing.T) {
	h := newHub(t)
	client := attachEdge(t, h)

	data, err := client.Request("echo", map[string]any{"message": "hi"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := protocol.DecodePayload(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["message"] != "hi" {
		t.Errorf("echo = %v", decoded)
	}
}

func TestGetStateAction(t *testing.T) {
	h := newHub(t)
	client := attachEdge(t, h)

	data, err := client.Request("getState", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	var state protocol.CallState
	if err := protocol.DecodePayload(data, &state); err != nil {
		t.Fatal(err)
	}
	if state.HasActiveCall || state.Registration.State != "none" {
		t.Errorf("state = %+v, want idle/none", state)
	}
}

func TestGetClientsAction(t *testing.T) {
	h := newHub(t)
	client := attachEdge(t, h)
	attachEdge(t, h)

	data, err := client.Request("getClients", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		Clients []string `json:"clients"`
		Count   int      `json:"count"`
	}
	if err := protocol.DecodePayload(data, &result); err != nil {
		t.Fatal(err)
	}
	if result.Count != 2 || len(result.Clients) != 2 {
		t.Errorf("clients = %+v, want 2", result)
	}
}

func TestUnknownActionThroughFullStack(t *testing.T) {
	h := newHub(t)
	client := attachEdge(t, h)

	_, err := client.Request("frobnicate", nil, 0)
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
	if want := "Unknown request action: frobnicate"; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestMakeCallRejectedBeforeSIPSetup(t *testing.T) {
	h := newHub(t)
	client := attachEdge(t, h)

	_, err := client.MakeCall("sip:bob@example.org", nil)
	if err == nil {
		t.Fatal("expected make call to fail before SIP setup")
	}
	if !strings.Contains(err.Error(), "cannot call") {
		t.Errorf("error = %v, want phase rejection", err)
	}
}

func TestSIPInitThroughFullStack(t *testing.T) {
	h := newHub(t)
	client := attachEdge(t, h)

	err := client.InitializeSIP(&config.SIP{
		URI:       "sip:alice@example.org",
		Password:  "pw",
		WSServers: []string{"wss://example.org/ws"},
	})
	if err != nil {
		t.Fatalf("sip init: %v", err)
	}
	if h.SIP().Phase() != "initialized" {
		t.Errorf("phase = %s, want initialized", h.SIP().Phase())
	}
}

func TestSIPInitFailureThroughFullStack(t *testing.T) {
	h := newHub(t)
	client := attachEdge(t, h)

	err := client.InitializeSIP(&config.SIP{URI: "sip:alice@example.org"})
	if err == nil {
		t.Fatal("expected init failure without signaling servers")
	}
}
