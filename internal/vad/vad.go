// Package vad implements the VAD + audio preprocessor (C3): RMS-energy
// speech detection with a median-clamped adaptive threshold, pre/post-roll
// buffering, a first-N-chunks bypass policy, and a flush policy. The
// teacher's internal/audio/vad.go calibrates a dB noiseFloor+margin
// threshold; this implements the spec's different algorithm (§4.3: a
// rolling window of the last 100 energies, threshold clamped to
// [silenceThreshold, energyThreshold] around 2×median) while keeping the
// teacher's state-machine shape (silence/speech states, pre-speech ring
// buffer, silence-duration timer).
package vad

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/streamvoice/core/internal/audio"
	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/denoise"
	"github.com/streamvoice/core/internal/metrics"
)

// internalSampleRate is the sample rate the VAD's energy math and the
// downstream ASR adapters expect; non-PCM or non-16kHz wire audio is
// decoded and resampled to this rate before any energy measurement.
const internalSampleRate = 16000

// State enumerates the VAD's two states.
type State string

const (
	StateSilence State = "silence"
	StateSpeech  State = "speech"
)

// Event names emitted by the preprocessor.
type Event string

const (
	EventSpeechStart Event = "speech:start"
	EventSpeechEnd   Event = "speech:end"
)

// SpeechSegment is delivered on EventSpeechEnd: the captured audio for the
// utterance, ready to flush to an ASR adapter.
type SpeechSegment struct {
	Audio []byte
}

// EventHandler receives VAD events as they fire.
type EventHandler func(Event, *SpeechSegment)

// Preprocessor implements the per-pipeline VAD state machine.
type Preprocessor struct {
	cfg config.VADConfig

	mu            sync.Mutex
	state         State
	energyWindow  []float64
	preSpeechRing [][]byte
	preSpeechLen  time.Duration

	activeBuf      []byte
	flushedUpTo    int
	silenceSince   time.Time
	inSilenceTimer bool
	speechSince    time.Time

	chunksSeen int
	lastFlush  time.Time

	codec      audio.Codec
	sampleRate int
	denoiser   *denoise.Denoiser

	handler EventHandler
}

// New creates a VAD preprocessor for one pipeline, assuming wire audio is
// already 16-bit PCM at the internal sample rate.
func New(cfg config.VADConfig, handler EventHandler) *Preprocessor {
	return NewWithCodec(cfg, audio.CodecPCM, internalSampleRate, handler)
}

// NewWithCodec creates a VAD preprocessor that first decodes each chunk from
// the given wire codec/sample rate (e.g. G.711 from a telephony trunk) and
// resamples it to the internal rate before any energy measurement, so the
// adaptive threshold and segment buffers always operate on a uniform PCM16
// stream regardless of what the client actually sent.
func NewWithCodec(cfg config.VADConfig, codec audio.Codec, sampleRate int, handler EventHandler) *Preprocessor {
	return &Preprocessor{
		cfg:        cfg,
		state:      StateSilence,
		codec:      codec,
		sampleRate: sampleRate,
		handler:    handler,
		lastFlush:  time.Now(),
	}
}

// WithDenoiser attaches an RNNoise denoiser applied to every chunk before the
// energy measurement. RNNoise requires at least 16kHz audio, so denoising
// runs after the chunk has been resampled to the internal rate; 8kHz G.711
// input is upsampled first and then denoised.
func (p *Preprocessor) WithDenoiser(d *denoise.Denoiser) *Preprocessor {
	p.denoiser = d
	return p
}

// normalize brings chunk to PCM16 at the internal sample rate, decoding from
// p.codec/p.sampleRate and resampling as needed, then denoising if a
// denoiser is attached. A no-op decode/resample for already-PCM16-at-rate
// input with no denoiser configured.
func (p *Preprocessor) normalize(chunk []byte) []byte {
	if p.denoiser == nil && p.codec == audio.CodecPCM && p.sampleRate == internalSampleRate {
		return chunk
	}
	samples, rate, err := audio.Decode(chunk, p.codec, p.sampleRate)
	if err != nil {
		return chunk
	}
	if rate != internalSampleRate {
		samples = audio.Resample(samples, rate, internalSampleRate)
		rate = internalSampleRate
	}
	if p.denoiser != nil && rate >= 16000 {
		samples = p.denoiser.Denoise(samples)
	}
	return audio.EncodePCM16(samples)
}

// rms computes root-mean-square energy of 16-bit little-endian PCM, samples
// normalized to [-1, 1].
func rms(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		norm := float64(s) / math.MaxInt16
		sumSq += norm * norm
	}
	return math.Sqrt(sumSq / float64(n))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// adaptiveThreshold returns the current threshold; the window must already
// hold at least 20 entries (spec §4.3) or the static energyThreshold applies.
func (p *Preprocessor) adaptiveThreshold() float64 {
	if len(p.energyWindow) < 20 {
		return p.cfg.EnergyThreshold
	}
	med := median(p.energyWindow)
	return clamp(2*med, p.cfg.SilenceThreshold, p.cfg.EnergyThreshold)
}

// ProcessChunk ingests one PCM chunk. The first BypassChunks chunks of a
// pipeline's lifetime are forwarded unconditionally (never gated) so VAD
// never delays the start of recognition — it only gates the tail. Note:
// once past the bypass window, VAD does not re-engage mid-utterance if
// silence occurs without crossing the state-machine threshold (spec §9(c),
// an intentionally preserved limitation — not a bug to fix here).
func (p *Preprocessor) ProcessChunk(chunk []byte) (forward []byte, bypassed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	chunk = p.normalize(chunk)
	metrics.AudioChunks.Inc()

	p.chunksSeen++
	energy := rms(chunk)

	p.energyWindow = append(p.energyWindow, energy)
	if len(p.energyWindow) > p.cfg.WindowSize {
		p.energyWindow = p.energyWindow[len(p.energyWindow)-p.cfg.WindowSize:]
	}

	if p.chunksSeen <= p.cfg.BypassChunks {
		return chunk, true
	}

	threshold := p.adaptiveThreshold()

	switch p.state {
	case StateSilence:
		if energy > threshold {
			p.state = StateSpeech
			p.speechSince = time.Now()
			p.inSilenceTimer = false
			p.flushedUpTo = 0
			p.activeBuf = append(p.activeBuf, p.flattenPreSpeech()...)
			p.activeBuf = append(p.activeBuf, chunk...)
			if p.handler != nil {
				p.handler(EventSpeechStart, nil)
			}
		} else {
			p.pushPreSpeech(chunk)
		}
	case StateSpeech:
		if energy <= threshold {
			if !p.inSilenceTimer {
				p.inSilenceTimer = true
				p.silenceSince = time.Now()
			}
			silenceDur := time.Since(p.silenceSince)
			// Keep appending trailing silence only up to postSpeechPadding
			// (spec §4.3); past that the segment's tail stops growing even
			// though the silence timer keeps running toward minSilenceDuration.
			if silenceDur <= p.cfg.PostSpeechPadding {
				p.activeBuf = append(p.activeBuf, chunk...)
			}
			speechDur := time.Since(p.speechSince)
			if silenceDur >= p.cfg.MinSilenceDuration && speechDur >= p.cfg.MinSpeechDuration {
				segment := p.activeBuf
				p.activeBuf = nil
				p.flushedUpTo = 0
				p.state = StateSilence
				p.inSilenceTimer = false
				metrics.SpeechSegments.Inc()
				if p.handler != nil {
					p.handler(EventSpeechEnd, &SpeechSegment{Audio: segment})
				}
				return nil, false
			}
		} else {
			p.inSilenceTimer = false
			p.activeBuf = append(p.activeBuf, chunk...)
		}
	}

	if p.shouldFlush() {
		return p.flush(), false
	}
	return nil, false
}

func (p *Preprocessor) pushPreSpeech(chunk []byte) {
	p.preSpeechRing = append(p.preSpeechRing, chunk)
	// Trim the ring to approximately preSpeechPadding of audio, assuming
	// chunks arrive at a roughly constant cadence derived from flush interval.
	maxChunks := int(p.cfg.PreSpeechPadding/p.cfg.FlushInterval) + 1
	if maxChunks < 1 {
		maxChunks = 1
	}
	for len(p.preSpeechRing) > maxChunks {
		p.preSpeechRing = p.preSpeechRing[1:]
	}
}

func (p *Preprocessor) flattenPreSpeech() []byte {
	var out []byte
	for _, c := range p.preSpeechRing {
		out = append(out, c...)
	}
	p.preSpeechRing = nil
	return out
}

func (p *Preprocessor) shouldFlush() bool {
	if p.state != StateSpeech {
		return false
	}
	if len(p.activeBuf) >= p.cfg.MaxBufferSize {
		return true
	}
	if time.Since(p.lastFlush) >= p.cfg.FlushInterval {
		return true
	}
	return false
}

// flush returns the audio accumulated since the last flush point (periodic
// timer or maxBufferSize) for incremental forwarding to the ASR adapter,
// but — unlike the EventSpeechEnd path — never truncates activeBuf: the
// full utterance must still be intact when the segment finally closes, or
// every periodic flush tick during an in-progress utterance would discard
// the audio captured before it (the early part of the utterance would
// never reach the ASR adapter at all).
func (p *Preprocessor) flush() []byte {
	out := p.activeBuf[p.flushedUpTo:]
	p.flushedUpTo = len(p.activeBuf)
	p.lastFlush = time.Now()
	return out
}
