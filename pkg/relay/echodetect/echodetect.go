// Package echodetect implements a correlation-based echo detector, adapted
// from a normalized-cross-correlation echo-suppression algorithm and
// original_source's realtime/echo_detector.py. spec.md §9's Open Questions
// name silence-injection (pkg/relay/echogate) as the production path; this
// detector is the documented disabled alternative, kept wired behind the
// Enabled flag so it can be enabled for a carrier where abrupt silence
// injection is undesirable (at the cost of the correlation search's CPU
// cost per inbound frame).
package echodetect

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/audioutil"
)

// Detector tracks recently-played TTS audio and classifies inbound mu-law
// frames as echo via normalized cross-correlation against that buffer.
type Detector struct {
	mu          sync.Mutex
	playedBuf   *bytes.Buffer
	maxBufBytes int
	threshold   float64
	silenceFor  time.Duration
	lastPlayed  time.Time
	Enabled     bool
}

// New constructs a Detector, disabled by default per spec.md §9.
func New() *Detector {
	return &Detector{
		playedBuf:   new(bytes.Buffer),
		maxBufBytes: 16000, // 2s of 8kHz mu-law
		threshold:   0.55,
		silenceFor:  1200 * time.Millisecond,
		Enabled:     false,
	}
}

// RecordPlayedAudio records one chunk of mu-law audio just sent to the
// carrier as TTS output, for later correlation against inbound frames.
func (d *Detector) RecordPlayedAudio(chunk []byte) {
	if !d.Enabled || len(chunk) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playedBuf.Write(chunk)
	d.lastPlayed = time.Now()
	if d.playedBuf.Len() > d.maxBufBytes {
		data := d.playedBuf.Bytes()
		trimmed := data[len(data)-d.maxBufBytes:]
		d.playedBuf.Reset()
		d.playedBuf.Write(trimmed)
	}
}

// IsEcho reports whether an inbound mu-law frame correlates highly enough
// with recently-played TTS audio to be classified as echo rather than
// genuine recipient speech.
func (d *Detector) IsEcho(input []byte) bool {
	if !d.Enabled || len(input) == 0 {
		return false
	}

	d.mu.Lock()
	if time.Since(d.lastPlayed) > d.silenceFor {
		d.mu.Unlock()
		return false
	}
	played := make([]byte, d.playedBuf.Len())
	copy(played, d.playedBuf.Bytes())
	threshold := d.threshold
	d.mu.Unlock()

	if len(played) == 0 {
		return false
	}
	return d.correlation(input, played) > threshold
}

// correlation computes normalized cross-correlation between input and the
// most recent len(input) samples of reference, both mu-law encoded.
func (d *Detector) correlation(input, reference []byte) float64 {
	inSamples := toFloatSamples(input)
	refSamples := toFloatSamples(reference)
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return 0
	}

	compareLen := len(inSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	refCompare := refSamples[len(refSamples)-compareLen:]

	inEnergy := energy(inSamples[:compareLen])
	refEnergy := energy(refCompare)
	if inEnergy == 0 || refEnergy == 0 {
		return 0
	}

	dot := 0.0
	for i := 0; i < compareLen; i++ {
		dot += inSamples[i] * refCompare[i]
	}

	corr := dot / math.Sqrt(inEnergy*refEnergy)
	if corr < 0 {
		return 0
	}
	if corr > 1 {
		return 1
	}
	return corr
}

func toFloatSamples(ulaw []byte) []float64 {
	out := make([]float64, len(ulaw))
	for i, b := range ulaw {
		out[i] = float64(audioutil.DecodeSample(b)) / 32768.0
	}
	return out
}

func energy(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return sum
}

// ClearPlayedAudio discards the played-audio reference buffer, called when
// TTS output is interrupted or the call ends.
func (d *Detector) ClearPlayedAudio() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playedBuf.Reset()
}

// SetThreshold adjusts detection sensitivity in [0,1]; higher is less
// sensitive (a frame must correlate more strongly to be flagged as echo).
func (d *Detector) SetThreshold(threshold float64) {
	if threshold < 0 || threshold > 1 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = threshold
}
