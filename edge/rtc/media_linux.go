//go:build linux

package rtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// registerCaptureCodecs builds the Opus codec selector and populates the
// media engine with it. Capture is audio-only; the hub-side SIP endpoint
// never negotiates video.
func registerCaptureCodecs(media *webrtc.MediaEngine) (*mediadevices.CodecSelector, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)
	selector.Populate(media)
	return selector, nil
}

// acquireAudio opens the microphone through pion/mediadevices (malgo
// backend on Linux).
func acquireAudio(selector *mediadevices.CodecSelector, logger *slog.Logger) (*audioSource, error) {
	if selector == nil {
		return nil, fmt.Errorf("no codec selector")
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio track captured")
	}

	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			logger.Warn("microphone track ended", "error", err)
		}
	})
	logger.Info("microphone captured", "track", track.ID())

	return &audioSource{
		track: track,
		stop: func() {
			for _, t := range tracks {
				_ = t.Close()
			}
		},
	}, nil
}
