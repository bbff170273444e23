package rtc

import (
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newTestWriter(t *testing.T) *dtmfWriter {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  "audio/telephone-event",
		ClockRate: dtmfClockRate,
	}, "dtmf", "test")
	if err != nil {
		t.Fatal(err)
	}
	// Unbound track: WriteRTP succeeds with zero receivers, which is all the
	// encoding tests need.
	return &dtmfWriter{track: track, logger: slog.Default()}
}

func TestToneEventCodes(t *testing.T) {
	cases := map[rune]byte{
		'0': 0, '9': 9, '*': 10, '#': 11, 'A': 12, 'D': 15,
	}
	for tone, want := range cases {
		if got := toneEvents[tone]; got != want {
			t.Errorf("event(%c) = %d, want %d", tone, got, want)
		}
	}
	if _, ok := toneEvents['E']; ok {
		t.Error("E is not a DTMF tone")
	}
}

func TestSendEventAdvancesSequence(t *testing.T) {
	d := newTestWriter(t)

	if err := d.sendEvent(5, defaultToneDuration); err != nil {
		t.Fatal(err)
	}
	// 100ms tone at 20ms packet time: 4 update packets + 3 end packets.
	if d.sequence != 7 {
		t.Errorf("sequence = %d, want 7 packets written", d.sequence)
	}
	if d.timestamp != 800 {
		t.Errorf("timestamp advanced to %d, want 800 ticks", d.timestamp)
	}
}

func TestSendSkipsUnknownTones(t *testing.T) {
	d := newTestWriter(t)
	d.Send("1X2", 10*time.Millisecond, 0)

	// Two valid tones: each 10ms tone is shorter than the packet time, so
	// only the three end packets are written per tone.
	if d.sequence != 6 {
		t.Errorf("sequence = %d, want 6 (two tones, end packets only)", d.sequence)
	}
}

func TestWritePacketPayload(t *testing.T) {
	d := newTestWriter(t)

	if err := d.writePacket(11, 800, true, true); err != nil {
		t.Fatal(err)
	}
	// The packet is not observable through an unbound track, but the writer
	// state must advance exactly once.
	if d.sequence != 1 {
		t.Errorf("sequence = %d, want 1", d.sequence)
	}
}
