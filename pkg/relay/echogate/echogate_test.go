package echogate

import (
	"testing"
	"time"
)

// fakeTimer lets tests observe scheduling without waiting on real time.
type fakeTimer struct {
	scheduled bool
	dur       time.Duration
	fn        func()
}

func (f *fakeTimer) Schedule(d time.Duration, fn func()) {
	f.scheduled = true
	f.dur = d
	f.fn = fn
}

func (f *fakeTimer) Cancel() {
	f.scheduled = false
}

func loudFrame(n int) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = 0x00 // max-magnitude mu-law sample
	}
	return f
}

func quietFrame(n int) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = SilenceByteLocal()
	}
	return f
}

// SilenceByteLocal avoids importing audioutil twice in the test for clarity.
func SilenceByteLocal() byte { return 0xFF }

func TestActivateOpensWindow(t *testing.T) {
	g := New(DefaultConfig(), &fakeTimer{})
	if g.InEchoWindow() {
		t.Fatalf("expected window closed initially")
	}
	g.Activate(160)
	if !g.InEchoWindow() {
		t.Fatalf("expected window open after activate")
	}
	if g.Activations != 1 {
		t.Fatalf("expected 1 activation, got %d", g.Activations)
	}
}

func TestFilterReplacesQuietFramesWithSilence(t *testing.T) {
	g := New(DefaultConfig(), &fakeTimer{})
	g.Activate(160)
	out := g.Filter(quietFrame(160))
	for _, b := range out {
		if b != 0xFF {
			t.Fatalf("expected silence byte, got %x", b)
		}
	}
}

func TestFilterPassesThroughWhenWindowClosed(t *testing.T) {
	g := New(DefaultConfig(), &fakeTimer{})
	frame := loudFrame(160)
	out := g.Filter(frame)
	if len(out) != len(frame) || out[0] != frame[0] {
		t.Fatalf("expected passthrough when window closed")
	}
}

func TestFilterDetectsBreakthroughOnLoudFrame(t *testing.T) {
	g := New(DefaultConfig(), &fakeTimer{})
	g.Activate(160)
	fired := false
	g.OnBreakthrough = func() { fired = true }
	out := g.Filter(loudFrame(160))
	if g.InEchoWindow() {
		t.Fatalf("expected window closed after breakthrough")
	}
	if g.Breakthroughs != 1 {
		t.Fatalf("expected 1 breakthrough, got %d", g.Breakthroughs)
	}
	if !fired {
		t.Fatalf("expected OnBreakthrough callback to fire")
	}
	if len(out) != 160 {
		t.Fatalf("expected original frame returned on breakthrough")
	}
}

func TestStartCooldownSchedulesDeactivation(t *testing.T) {
	timer := &fakeTimer{}
	g := New(DefaultConfig(), timer)
	g.Activate(8000) // 1 second of audio at 8000 bytes/sec
	g.StartCooldown()
	if !timer.scheduled {
		t.Fatalf("expected cooldown timer scheduled")
	}
	if timer.dur <= 0 {
		t.Fatalf("expected positive cooldown duration, got %v", timer.dur)
	}
}

func TestStartCooldownClampsToConfiguredCeiling(t *testing.T) {
	timer := &fakeTimer{}
	cfg := DefaultConfig()
	g := New(cfg, timer)
	g.Activate(10_000_000) // absurdly long, must clamp
	g.StartCooldown()
	if timer.dur > cfg.CooldownCeilingS {
		t.Fatalf("expected cooldown clamped to %v, got %v", cfg.CooldownCeilingS, timer.dur)
	}
}

func TestDeactivateClosesWindowAndCancelsTimer(t *testing.T) {
	timer := &fakeTimer{}
	g := New(DefaultConfig(), timer)
	g.Activate(160)
	g.StartCooldown()
	g.Deactivate()
	if g.InEchoWindow() {
		t.Fatalf("expected window closed")
	}
	if timer.scheduled {
		t.Fatalf("expected timer cancelled")
	}
}
