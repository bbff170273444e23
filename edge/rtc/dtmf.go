package rtc

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RFC 4733 telephone-event defaults.
const (
	defaultToneDuration = 100 * time.Millisecond
	defaultInterToneGap = 70 * time.Millisecond

	dtmfClockRate   = 8000
	dtmfPayloadType = 101
	dtmfPacketTime  = 20 * time.Millisecond
	dtmfVolume      = 10 // -dBm0, typical softphone level
)

// toneEvents maps DTMF characters to RFC 4733 event codes.
var toneEvents = map[rune]byte{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
}

// registerTelephoneEvent adds the telephone-event codec so the DTMF track
// negotiates alongside the audio codec.
func registerTelephoneEvent(media *webrtc.MediaEngine) error {
	return media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  "audio/telephone-event",
			ClockRate: dtmfClockRate,
		},
		PayloadType: dtmfPayloadType,
	}, webrtc.RTPCodecTypeAudio)
}

// dtmfWriter emits RFC 4733 named events on a dedicated RTP track bound to
// the peer connection's audio section.
type dtmfWriter struct {
	track  *webrtc.TrackLocalStaticRTP
	logger *slog.Logger

	mu        sync.Mutex
	sequence  uint16
	timestamp uint32
}

// newDTMFWriter adds the telephone-event track to the peer connection.
func newDTMFWriter(pc *webrtc.PeerConnection, logger *slog.Logger) (*dtmfWriter, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  "audio/telephone-event",
		ClockRate: dtmfClockRate,
	}, "dtmf", "tabphone-dtmf")
	if err != nil {
		return nil, fmt.Errorf("create dtmf track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return nil, fmt.Errorf("add dtmf track: %w", err)
	}
	return &dtmfWriter{track: track, logger: logger}, nil
}

// Send plays the tone string, one named event per character. Unknown
// characters are skipped with a log line.
func (d *dtmfWriter) Send(tones string, duration, gap time.Duration) {
	for _, r := range strings.ToUpper(tones) {
		event, ok := toneEvents[r]
		if !ok {
			d.logger.Warn("skipping unknown dtmf tone", "tone", string(r))
			continue
		}
		if err := d.sendEvent(event, duration); err != nil {
			d.logger.Warn("dtmf event failed", "tone", string(r), "error", err)
			return
		}
		time.Sleep(gap)
	}
}

// sendEvent writes one named event: update packets every packet time while
// the tone runs, then the end packet three times as RFC 4733 prescribes.
func (d *dtmfWriter) sendEvent(event byte, duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	totalTicks := uint16(duration.Seconds() * dtmfClockRate)
	stepTicks := uint16(dtmfPacketTime.Seconds() * dtmfClockRate)

	// The event timestamp is fixed at the tone start; only the duration
	// field advances.
	d.timestamp += uint32(totalTicks)

	first := true
	for elapsed := stepTicks; elapsed < totalTicks; elapsed += stepTicks {
		if err := d.writePacket(event, elapsed, first, false); err != nil {
			return err
		}
		first = false
		time.Sleep(dtmfPacketTime)
	}
	for i := 0; i < 3; i++ {
		if err := d.writePacket(event, totalTicks, first, true); err != nil {
			return err
		}
		first = false
	}
	return nil
}

func (d *dtmfWriter) writePacket(event byte, durationTicks uint16, marker, end bool) error {
	flags := byte(dtmfVolume)
	if end {
		flags |= 0x80
	}
	d.sequence++
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			SequenceNumber: d.sequence,
			Timestamp:      d.timestamp,
		},
		Payload: []byte{
			event,
			flags,
			byte(durationTicks >> 8),
			byte(durationTicks),
		},
	}
	return d.track.WriteRTP(packet)
}
