package vad

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/streamvoice/core/internal/audio"
	"github.com/streamvoice/core/internal/config"
)

func silentChunk(n int) []byte {
	return make([]byte, n*2)
}

func loudChunk(n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(20000)))
	}
	return buf
}

func TestBypassForwardsFirstNChunksUnconditionally(t *testing.T) {
	cfg := config.DefaultVADConfig()
	cfg.BypassChunks = 3

	var events []Event
	p := New(cfg, func(e Event, _ *SpeechSegment) { events = append(events, e) })

	for i := 0; i < 3; i++ {
		fwd, bypassed := p.ProcessChunk(silentChunk(160))
		if !bypassed {
			t.Fatalf("chunk %d expected bypassed", i)
		}
		if len(fwd) == 0 {
			t.Fatalf("chunk %d expected forwarded bytes", i)
		}
	}
}

func TestSpeechStartOnLoudEnergy(t *testing.T) {
	cfg := config.DefaultVADConfig()
	cfg.BypassChunks = 0
	cfg.WindowSize = 100

	var events []Event
	p := New(cfg, func(e Event, _ *SpeechSegment) { events = append(events, e) })

	// Warm the rolling window with quiet samples first so the adaptive
	// threshold calibrates near silence.
	for i := 0; i < 25; i++ {
		p.ProcessChunk(silentChunk(160))
	}
	p.ProcessChunk(loudChunk(160))

	found := false
	for _, e := range events {
		if e == EventSpeechStart {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected speech:start event, got %v", events)
	}
}

func TestSpeechEndAfterSilenceAndMinSpeechDuration(t *testing.T) {
	cfg := config.DefaultVADConfig()
	cfg.BypassChunks = 0
	cfg.MinSilenceDuration = 1 * time.Millisecond
	cfg.MinSpeechDuration = 1 * time.Millisecond
	cfg.WindowSize = 100

	var gotEnd bool
	p := New(cfg, func(e Event, seg *SpeechSegment) {
		if e == EventSpeechEnd {
			gotEnd = true
			if seg == nil {
				t.Fatal("expected non-nil segment on speech:end")
			}
		}
	})

	for i := 0; i < 25; i++ {
		p.ProcessChunk(silentChunk(160))
	}
	p.ProcessChunk(loudChunk(160))
	time.Sleep(2 * time.Millisecond)
	p.ProcessChunk(silentChunk(160)) // starts the silence timer
	time.Sleep(2 * time.Millisecond)
	p.ProcessChunk(silentChunk(160))

	if !gotEnd {
		t.Fatal("expected speech:end event")
	}
}

func TestTrailingSilenceCappedAtPostSpeechPadding(t *testing.T) {
	cfg := config.DefaultVADConfig()
	cfg.BypassChunks = 0
	cfg.WindowSize = 100
	cfg.PostSpeechPadding = 5 * time.Millisecond
	cfg.MinSilenceDuration = time.Hour // never trips on its own during this test
	cfg.MinSpeechDuration = 1 * time.Millisecond
	cfg.MaxBufferSize = 1 << 30        // don't let a size-triggered flush mask the padding cap
	cfg.FlushInterval = time.Hour

	p := New(cfg, func(Event, *SpeechSegment) {})

	for i := 0; i < 25; i++ {
		p.ProcessChunk(silentChunk(160))
	}
	p.ProcessChunk(loudChunk(160))

	// The first silent chunk starts the silence timer and is kept as
	// trailing padding; then let postSpeechPadding elapse on that timer.
	p.ProcessChunk(silentChunk(160))
	time.Sleep(2 * cfg.PostSpeechPadding)
	lenAfterPadding := len(p.activeBuf)

	// Keep feeding silent chunks well past postSpeechPadding; activeBuf must
	// not grow any further even though the segment hasn't ended yet
	// (minSilenceDuration is set to never fire here).
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		p.ProcessChunk(silentChunk(160))
	}

	grown := len(p.activeBuf) - lenAfterPadding
	if grown != 0 {
		t.Fatalf("expected trailing silence capped at postSpeechPadding, activeBuf grew by %d bytes", grown)
	}
}

func TestSpeechEndSegmentSurvivesPeriodicFlushes(t *testing.T) {
	cfg := config.DefaultVADConfig()
	cfg.BypassChunks = 0
	cfg.WindowSize = 100
	cfg.MinSilenceDuration = 1 * time.Millisecond
	cfg.MinSpeechDuration = 1 * time.Millisecond
	cfg.FlushInterval = 1 * time.Millisecond // fires repeatedly during the utterance below

	var segment *SpeechSegment
	p := New(cfg, func(e Event, seg *SpeechSegment) {
		if e == EventSpeechEnd {
			segment = seg
		}
	})

	for i := 0; i < 25; i++ {
		p.ProcessChunk(silentChunk(160))
	}

	chunk := loudChunk(160)
	const speechChunks = 5
	for i := 0; i < speechChunks; i++ {
		p.ProcessChunk(chunk)
		time.Sleep(2 * time.Millisecond) // let at least one periodic flush fire per chunk
	}
	p.ProcessChunk(silentChunk(160)) // starts the silence timer
	time.Sleep(2 * time.Millisecond)
	p.ProcessChunk(silentChunk(160))

	if segment == nil {
		t.Fatal("expected speech:end segment")
	}
	wantMin := speechChunks * len(chunk)
	if len(segment.Audio) < wantMin {
		t.Fatalf("periodic flush truncated the utterance: got %d bytes, want at least %d (early audio was lost)", len(segment.Audio), wantMin)
	}
}

func TestNewWithCodecDecodesG711BeforeEnergyMeasurement(t *testing.T) {
	cfg := config.DefaultVADConfig()
	cfg.BypassChunks = 1

	p := NewWithCodec(cfg, audio.CodecG711Ulaw, 8000, func(Event, *SpeechSegment) {})

	fwd, bypassed := p.ProcessChunk(make([]byte, 160))
	if !bypassed {
		t.Fatal("expected first chunk bypassed")
	}
	// A 160-byte (160-sample) 8kHz G.711 chunk resampled to 16kHz PCM16
	// should roughly double in sample count, so twice the byte length.
	if len(fwd) != 160*2*2 {
		t.Fatalf("expected resampled PCM16 length 640, got %d", len(fwd))
	}
}
