// Package rtc services the hub's SDP operations on the edge's real peer
// connection: offer/answer creation, description application, ICE
// trickling, DTMF and microphone capture. The peer connection never leaves
// this process; only envelopes do.
package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/tabphone/tabphone/pkg/protocol"
)

// Poster sends side-channel envelopes (responses, candidates, state) back
// through the edge client.
type Poster interface {
	Post(env *protocol.Envelope) bool
}

// Worker owns the peer connection for at most one media session at a time.
type Worker struct {
	poster Poster
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	pc        *webrtc.PeerConnection
	selector  *mediadevices.CodecSelector
	audio     *audioSource
	audioSend *webrtc.RTPSender
	recvOnly  bool
	dtmf      *dtmfWriter
	muted     bool
}

// audioSource is one captured microphone track plus its release hook.
type audioSource struct {
	track webrtc.TrackLocal
	stop  func()
}

// NewWorker creates a worker posting through the given edge client.
func NewWorker(p Poster, logger *slog.Logger) *Worker {
	return &Worker{
		poster: p,
		logger: logger.With("component", "rtc"),
	}
}

// HandleSDPRequest services one SDP_REQUEST envelope and posts the
// SDP_RESPONSE with the same request id.
func (w *Worker) HandleSDPRequest(env *protocol.Envelope) {
	var req protocol.SDPRequest
	if err := protocol.DecodePayload(env.Payload, &req); err != nil {
		w.logger.Warn("bad sdp request", "error", err)
		return
	}

	result, err := w.dispatch(req.SessionID, req.Request)
	res := protocol.SDPResult{RequestID: req.Request.RequestID}
	if err != nil {
		w.logger.Warn("sdp operation failed",
			"operation", req.Request.Operation, "session_id", req.SessionID, "error", err)
		res.Error = err.Error()
	} else {
		res.Result = result
	}

	w.poster.Post(protocol.NewEnvelope(protocol.TypeSDPResponse, protocol.SDPResponse{
		SessionID: req.SessionID,
		Response:  res,
	}))
}

func (w *Worker) dispatch(sessionID string, op protocol.SDPOperation) (any, error) {
	switch op.Operation {
	case protocol.SDPOpCreateOffer:
		return w.createOffer(sessionID, op)
	case protocol.SDPOpCreateAnswer:
		return w.createAnswer(sessionID, op)
	case protocol.SDPOpSetLocalDescription:
		return w.setLocalDescription(sessionID, op)
	case protocol.SDPOpSetRemoteDescription:
		return w.setRemoteDescription(sessionID, op)
	case protocol.SDPOpGetCompleteSDP:
		return w.getCompleteSDP(sessionID)
	case protocol.SDPOpAddICECandidate:
		return w.addICECandidate(sessionID, op)
	case protocol.SDPOpSendDTMF:
		return w.sendDTMF(op)
	case protocol.SDPOpClose:
		w.Close()
		return map[string]any{"success": true}, nil
	default:
		return nil, fmt.Errorf("unknown operation: %s", op.Operation)
	}
}

func (w *Worker) createOffer(sessionID string, op protocol.SDPOperation) (any, error) {
	pc, err := w.ensurePeerConnection(sessionID, op.Options)
	if err != nil {
		return nil, err
	}
	if err := w.ensureMedia(pc); err != nil {
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return protocol.SessionDescription{Type: "offer", SDP: offer.SDP}, nil
}

func (w *Worker) createAnswer(sessionID string, op protocol.SDPOperation) (any, error) {
	pc, err := w.ensurePeerConnection(sessionID, op.Options)
	if err != nil {
		return nil, err
	}
	if err := w.ensureMedia(pc); err != nil {
		return nil, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return protocol.SessionDescription{Type: "answer", SDP: answer.SDP}, nil
}

func (w *Worker) setLocalDescription(sessionID string, op protocol.SDPOperation) (any, error) {
	pc := w.currentPC(sessionID)
	if pc == nil {
		return nil, fmt.Errorf("no peer connection for session %s", sessionID)
	}
	var desc protocol.SessionDescription
	if err := protocol.DecodePayload(op.Data, &desc); err != nil {
		return nil, fmt.Errorf("bad description: %w", err)
	}

	// createOffer/createAnswer already applied the description to start
	// gathering; re-applying the same SDP is a no-op acknowledgement.
	if local := pc.LocalDescription(); local != nil && local.SDP == desc.SDP {
		return map[string]any{"success": true}, nil
	}

	if err := pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return map[string]any{"success": true}, nil
}

func (w *Worker) setRemoteDescription(sessionID string, op protocol.SDPOperation) (any, error) {
	pc, err := w.ensurePeerConnection(sessionID, op.Options)
	if err != nil {
		return nil, err
	}
	var desc protocol.SessionDescription
	if err := protocol.DecodePayload(op.Data, &desc); err != nil {
		return nil, fmt.Errorf("bad description: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	return map[string]any{"success": true}, nil
}

func (w *Worker) getCompleteSDP(sessionID string) (any, error) {
	pc := w.currentPC(sessionID)
	if pc == nil {
		return nil, fmt.Errorf("no peer connection for session %s", sessionID)
	}
	local := pc.LocalDescription()
	if local == nil {
		return nil, fmt.Errorf("no local description yet")
	}
	return protocol.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (w *Worker) addICECandidate(sessionID string, op protocol.SDPOperation) (any, error) {
	pc := w.currentPC(sessionID)
	if pc == nil {
		return nil, fmt.Errorf("no peer connection for session %s", sessionID)
	}
	var cand protocol.ICECandidate
	if err := protocol.DecodePayload(op.Data, &cand); err != nil {
		return nil, fmt.Errorf("bad candidate: %w", err)
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}); err != nil {
		return nil, fmt.Errorf("add ice candidate: %w", err)
	}
	return map[string]any{"success": true}, nil
}

func (w *Worker) sendDTMF(op protocol.SDPOperation) (any, error) {
	var data struct {
		Tones string `json:"tones"`
	}
	if err := protocol.DecodePayload(op.Data, &data); err != nil {
		return nil, fmt.Errorf("bad dtmf payload: %w", err)
	}

	w.mu.Lock()
	dtmf := w.dtmf
	w.mu.Unlock()
	if dtmf == nil {
		return nil, fmt.Errorf("no dtmf sender")
	}
	go dtmf.Send(data.Tones, defaultToneDuration, defaultInterToneGap)
	return map[string]any{"success": true}, nil
}

// HandleMediaControl applies a local media mutation without involving the
// SIP stack.
func (w *Worker) HandleMediaControl(p protocol.MediaControl) {
	switch p.Control {
	case protocol.MediaControlMute:
		if err := w.SetMuted(p.Muted); err != nil {
			w.logger.Warn("mute failed", "error", err)
		}
	case protocol.MediaControlDTMF:
		w.mu.Lock()
		dtmf := w.dtmf
		w.mu.Unlock()
		if dtmf != nil {
			go dtmf.Send(p.Tones, defaultToneDuration, defaultInterToneGap)
		}
	default:
		w.logger.Warn("unknown media control", "control", p.Control)
	}
}

// SetMuted detaches or reattaches the microphone track on its sender.
func (w *Worker) SetMuted(muted bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.audioSend == nil || w.audio == nil {
		return fmt.Errorf("no audio sender")
	}
	if w.muted == muted {
		return nil
	}
	var err error
	if muted {
		err = w.audioSend.ReplaceTrack(nil)
	} else {
		err = w.audioSend.ReplaceTrack(w.audio.track)
	}
	if err != nil {
		return err
	}
	w.muted = muted
	w.logger.Info("microphone", "muted", muted)
	return nil
}

// Close tears down the peer connection, stops capture and clears state.
func (w *Worker) Close() {
	w.mu.Lock()
	pc := w.pc
	audio := w.audio
	w.pc = nil
	w.selector = nil
	w.audio = nil
	w.audioSend = nil
	w.recvOnly = false
	w.dtmf = nil
	w.sessionID = ""
	w.muted = false
	w.mu.Unlock()

	if audio != nil {
		audio.stop()
	}
	if pc != nil {
		_ = pc.Close()
	}
}

func (w *Worker) currentPC(sessionID string) *webrtc.PeerConnection {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID != sessionID {
		return nil
	}
	return w.pc
}

// ensurePeerConnection returns the session's peer connection, constructing
// it on first use with the ICE servers carried in the operation options.
func (w *Worker) ensurePeerConnection(sessionID string, options any) (*webrtc.PeerConnection, error) {
	w.mu.Lock()
	if w.pc != nil && w.sessionID == sessionID {
		pc := w.pc
		w.mu.Unlock()
		return pc, nil
	}
	if w.pc != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("another media session is active")
	}
	w.mu.Unlock()

	media := &webrtc.MediaEngine{}
	selector, err := registerCaptureCodecs(media)
	if err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if selector == nil {
		if err := media.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	}
	if err := registerTelephoneEvent(media); err != nil {
		return nil, fmt.Errorf("register telephone-event: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(registry),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServersFrom(options),
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		w.postCandidate(sessionID, cand)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		w.logger.Info("ice connection state", "session_id", sessionID, "state", state.String())
		w.poster.Post(protocol.NewEnvelope(protocol.TypeConnectionStateChange, protocol.ConnectionStateChange{
			SessionID: sessionID,
			State:     state.String(),
		}))
	})

	w.mu.Lock()
	w.pc = pc
	w.sessionID = sessionID
	w.selector = selector
	w.mu.Unlock()
	return pc, nil
}

// iceServersFrom extracts the ICE server list the hub attached to the
// operation options.
func iceServersFrom(options any) []webrtc.ICEServer {
	var opts struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := protocol.DecodePayload(options, &opts); err != nil || len(opts.ICEServers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	servers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, s := range opts.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// postCandidate serializes one trickled candidate; nil marks the end of
// gathering and is posted as a null candidate.
func (w *Worker) postCandidate(sessionID string, cand *webrtc.ICECandidate) {
	payload := protocol.ICECandidatePayload{SessionID: sessionID}
	if cand != nil {
		init := cand.ToJSON()
		payload.Candidate = &protocol.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
	}
	w.poster.Post(protocol.NewEnvelope(protocol.TypeICECandidate, payload))
}

// ensureMedia acquires the microphone (once) and installs the DTMF track.
// Without a capture backend the connection falls back to receive-only.
func (w *Worker) ensureMedia(pc *webrtc.PeerConnection) error {
	w.mu.Lock()
	selector := w.selector
	done := w.audioSend != nil || w.recvOnly
	w.mu.Unlock()
	if done {
		return nil
	}

	audio, err := acquireAudio(selector, w.logger)
	if err != nil {
		w.logger.Warn("microphone capture unavailable, receive-only", "error", err)
		if _, terr := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); terr != nil {
			return fmt.Errorf("add recvonly transceiver: %w", terr)
		}
		w.mu.Lock()
		w.recvOnly = true
		w.mu.Unlock()
	} else {
		sender, err := pc.AddTrack(audio.track)
		if err != nil {
			audio.stop()
			return fmt.Errorf("add audio track: %w", err)
		}
		w.mu.Lock()
		w.audio = audio
		w.audioSend = sender
		w.mu.Unlock()
	}

	dtmf, err := newDTMFWriter(pc, w.logger)
	if err != nil {
		w.logger.Warn("dtmf track unavailable", "error", err)
		return nil
	}
	w.mu.Lock()
	w.dtmf = dtmf
	w.mu.Unlock()
	return nil
}
