// Package echogate implements the production TTS echo-suppression path:
// silence injection into Session B's input during a dynamic cooldown
// window, with energy-based breakthrough detection, per spec.md §4.8.
//
// spec.md §9's Open Questions resolve this explicitly: the silence-
// injection gate here is the production path; a correlation-based
// alternative exists (pkg/relay/echodetect) but is not wired by default.
package echogate

import (
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/audioutil"
)

// Config tunes EchoGate's thresholds; defaults match spec.md §4.8's
// illustrative values.
type Config struct {
	BreakthroughRMS   float64
	RoundTripMarginS  time.Duration
	CooldownCeilingS  time.Duration
	SampleRateBytesPS float64 // bytes/sec of outbound TTS audio, for remaining-playback estimation
}

func DefaultConfig() Config {
	return Config{
		BreakthroughRMS:   400.0,
		RoundTripMarginS:  500 * time.Millisecond,
		CooldownCeilingS:  2 * time.Second,
		SampleRateBytesPS: 8000, // 8kHz mu-law, 1 byte/sample
	}
}

// CooldownTimer abstracts the scheduled-deactivation timer so tests can
// observe scheduling without real sleeps.
type CooldownTimer interface {
	Schedule(d time.Duration, fn func())
	Cancel()
}

// timerFunc is the production CooldownTimer backed by time.AfterFunc.
type timerFunc struct {
	t *time.Timer
}

func (t *timerFunc) Schedule(d time.Duration, fn func()) {
	t.Cancel()
	t.t = time.AfterFunc(d, fn)
}

func (t *timerFunc) Cancel() {
	if t.t != nil {
		t.t.Stop()
	}
}

// EchoGate guards Session B's input against hearing the call's own TTS
// echoing back through the carrier. Not safe for concurrent use without
// external locking; the Pipeline drives it from a single goroutine per
// spec.md §5's cooperative single-threaded per-call model.
type EchoGate struct {
	cfg Config

	inEchoWindow   bool
	ttsFirstChunk  time.Time
	ttsBytes       int64
	cooldownTimer  CooldownTimer

	OnBreakthrough func()

	Activations   int
	Breakthroughs int
}

// New constructs an EchoGate with the given config; if timer is nil a
// real time.AfterFunc-backed timer is used.
func New(cfg Config, timer CooldownTimer) *EchoGate {
	if timer == nil {
		timer = &timerFunc{}
	}
	return &EchoGate{cfg: cfg, cooldownTimer: timer}
}

// Activate records one outbound TTS chunk, opening the echo window and
// cancelling any pending cooldown deactivation.
func (g *EchoGate) Activate(chunkLen int) {
	if !g.inEchoWindow {
		g.inEchoWindow = true
		g.ttsFirstChunk = time.Now()
		g.ttsBytes = 0
		g.Activations++
	}
	g.ttsBytes += int64(chunkLen)
	g.cooldownTimer.Cancel()
}

// StartCooldown is called on response.done; it computes the dynamic
// cooldown and schedules deactivation after it elapses.
func (g *EchoGate) StartCooldown() {
	elapsed := time.Since(g.ttsFirstChunk)
	remainingPlayback := time.Duration(float64(g.ttsBytes)/g.cfg.SampleRateBytesPS*float64(time.Second)) - elapsed
	if remainingPlayback < 0 {
		remainingPlayback = 0
	}
	cooldown := remainingPlayback + g.cfg.RoundTripMarginS
	if cooldown > g.cfg.CooldownCeilingS {
		cooldown = g.cfg.CooldownCeilingS
	}
	g.ttsBytes = 0
	g.cooldownTimer.Schedule(cooldown, g.Deactivate)
}

// Deactivate immediately closes the echo window, called on breakthrough or
// on recipient speech-started (from InterruptHandler).
func (g *EchoGate) Deactivate() {
	g.inEchoWindow = false
	g.cooldownTimer.Cancel()
}

// InEchoWindow reports whether the gate is currently active.
func (g *EchoGate) InEchoWindow() bool {
	return g.inEchoWindow
}

// Filter processes one inbound mu-law frame from the carrier. While the
// echo window is open, frames below the breakthrough RMS threshold are
// replaced with mu-law silence; a frame above threshold is a breakthrough:
// the window closes immediately and the original frame is returned as-is.
// Outside the window, frames pass through unmodified.
func (g *EchoGate) Filter(frame []byte) []byte {
	if !g.inEchoWindow {
		return frame
	}
	rms := audioutil.UlawRMS(frame)
	if rms > g.cfg.BreakthroughRMS {
		g.Breakthroughs++
		g.Deactivate()
		if g.OnBreakthrough != nil {
			g.OnBreakthrough()
		}
		return frame
	}
	silence := make([]byte, len(frame))
	for i := range silence {
		silence[i] = audioutil.SilenceByte
	}
	return silence
}
