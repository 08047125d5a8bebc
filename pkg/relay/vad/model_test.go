package vad

import "testing"

func TestRMSOnlyModelAlwaysReportsSpeech(t *testing.T) {
	m := RMSOnlyModel{}
	prob, err := m.Process(make([]float32, 512))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prob != 1 {
		t.Fatalf("expected probability 1, got %v", prob)
	}
}

func TestRMSOnlyModelDrivesSpeakingTransition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechFrames = 2
	v := New(cfg, RMSOnlyModel{})

	var started bool
	v.OnSpeechStart = func() { started = true }

	for i := 0; i < 4; i++ {
		v.Process(loudFrame())
	}

	if v.State() != "SPEAKING" {
		t.Fatalf("expected SPEAKING driven purely by the RMS gate, got %s", v.State())
	}
	if !started {
		t.Fatalf("expected OnSpeechStart to fire")
	}
}

func TestNoOpModelNeverReachesSpeaking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechFrames = 1
	v := New(cfg, NoOpModel{})

	for i := 0; i < 4; i++ {
		v.Process(loudFrame())
	}

	if v.State() != "SILENCE" {
		t.Fatalf("expected NoOpModel to keep the state machine in SILENCE even past the RMS gate, got %s", v.State())
	}
}
