package vad

import "testing"

// alwaysSpeechModel reports high speech probability unconditionally,
// letting tests drive the hysteresis state machine deterministically
// without a real neural backend.
type alwaysSpeechModel struct{ resets int }

func (m *alwaysSpeechModel) Process(frame []float32) (float32, error) { return 0.9, nil }
func (m *alwaysSpeechModel) Reset()                                   {}

func loudFrame() []byte {
	f := make([]byte, 160)
	for i := range f {
		f[i] = 0x00 // decodes to a large-magnitude sample, well above threshold
	}
	return f
}

func silentFrame() []byte {
	f := make([]byte, 160)
	for i := range f {
		f[i] = 0xFF
	}
	return f
}

func TestLocalVADStartsInSilence(t *testing.T) {
	v := New(DefaultConfig(), &alwaysSpeechModel{})
	if v.State() != "SILENCE" {
		t.Fatalf("expected initial state SILENCE, got %s", v.State())
	}
}

func TestLocalVADTransitionsToSpeakingAfterMinFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechFrames = 2
	v := New(cfg, &alwaysSpeechModel{})

	started := false
	v.OnSpeechStart = func() { started = true }

	// Each Process call appends 320 upsampled samples (160 mu-law bytes ->
	// 160 float samples -> 320 after zero-order-hold); two calls fill
	// one 512-sample neural frame.
	v.Process(loudFrame())
	v.Process(loudFrame())
	v.Process(loudFrame())
	v.Process(loudFrame())

	if v.State() != "SPEAKING" {
		t.Fatalf("expected SPEAKING after sustained high probability, got %s", v.State())
	}
	if !started {
		t.Fatalf("expected OnSpeechStart to fire")
	}
}

func TestLocalVADRMSGateSkipsNeuralModel(t *testing.T) {
	v := New(DefaultConfig(), &alwaysSpeechModel{})
	// Silence stays below RMS threshold regardless of what the neural
	// model would say, and never transitions to SPEAKING.
	for i := 0; i < 20; i++ {
		v.Process(silentFrame())
	}
	if v.State() != "SILENCE" {
		t.Fatalf("expected SILENCE under RMS gate, got %s", v.State())
	}
}

func TestLocalVADResetClearsState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechFrames = 1
	v := New(cfg, &alwaysSpeechModel{})
	for i := 0; i < 4; i++ {
		v.Process(loudFrame())
	}
	v.Reset()
	if v.State() != "SILENCE" {
		t.Fatalf("expected SILENCE after Reset, got %s", v.State())
	}
	if len(v.frameBuffer) != 0 {
		t.Fatalf("expected empty frame buffer after Reset")
	}
}

func TestLocalVADEmptyFrameIsSilence(t *testing.T) {
	v := New(DefaultConfig(), &alwaysSpeechModel{})
	v.Process([]byte{})
	if v.State() != "SILENCE" {
		t.Fatalf("expected SILENCE for empty frame, got %s", v.State())
	}
}

func TestLocalVADCallbackPanicDoesNotHaltProcessing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechFrames = 1
	v := New(cfg, &alwaysSpeechModel{})
	v.OnSpeechStart = func() { panic("boom") }

	// Must not panic out of Process.
	v.Process(loudFrame())
	v.Process(loudFrame())

	if v.State() != "SPEAKING" {
		t.Fatalf("expected processing to continue past a panicking callback")
	}
}
