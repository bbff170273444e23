//go:build !linux

package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// registerCaptureCodecs has no capture backend off Linux; the caller falls
// back to the default codecs and a receive-only connection.
func registerCaptureCodecs(_ *webrtc.MediaEngine) (*mediadevices.CodecSelector, error) {
	return nil, nil
}

func acquireAudio(_ *mediadevices.CodecSelector, _ *slog.Logger) (*audioSource, error) {
	return nil, fmt.Errorf("microphone capture not supported on this platform")
}
