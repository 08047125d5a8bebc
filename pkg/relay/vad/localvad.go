package vad

import "github.com/lokutor-ai/relay-orchestrator/pkg/relay/audioutil"

const (
	sileroFrameSize  = 512  // samples @ 16kHz = 32ms
	inputSampleRate  = 8000
	sileroSampleRate = 16000

	// minRMSSilenceForReset is how many consecutive RMS-silent frames
	// (≈100ms at 20ms/frame) must elapse before the neural model's
	// internal state and frame buffer are reset. Brief intra-syllable
	// silence must not reset it.
	minRMSSilenceForReset = 5
)

// state is the two-value hysteresis state machine.
type state int

const (
	stateSilence state = iota
	stateSpeaking
)

// Config tunes LocalVAD's thresholds; all fields have spec.md-illustrative defaults.
type Config struct {
	RMSThreshold     float64
	SpeechThreshold  float32
	SilenceThreshold float32
	MinSpeechFrames  int
	MinSilenceFrames int
}

// DefaultConfig matches original_source's local_vad.py defaults, which
// spec.md §4.3 also cites illustratively.
func DefaultConfig() Config {
	return Config{
		RMSThreshold:     150.0,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
		MinSpeechFrames:  2,
		MinSilenceFrames: 15,
	}
}

// LocalVAD runs the two-stage speech/silence state machine described in
// spec.md §4.3. It is not safe for concurrent use; one instance drives one
// session's inbound audio single-threaded, matching the cooperative
// per-call pipeline in spec.md §5.
type LocalVAD struct {
	cfg   Config
	model NeuralModel

	st state

	rmsSilenceFrames int
	speechCount      int
	silenceCount     int

	frameBuffer []float32

	OnSpeechStart func()
	OnSpeechEnd   func()
}

// New constructs a LocalVAD bound to the given neural model.
func New(cfg Config, model NeuralModel) *LocalVAD {
	if model == nil {
		model = NoOpModel{}
	}
	return &LocalVAD{cfg: cfg, model: model, st: stateSilence}
}

// State reports the current hysteresis state as "SILENCE" or "SPEAKING".
func (v *LocalVAD) State() string {
	if v.st == stateSpeaking {
		return "SPEAKING"
	}
	return "SILENCE"
}

// Process runs one 20ms mu-law frame (160 bytes) through the RMS gate and,
// when active, the neural model, updating the hysteresis state machine and
// firing OnSpeechStart/OnSpeechEnd on transitions.
func (v *LocalVAD) Process(frame []byte) {
	rms := audioutil.UlawRMS(frame)

	if rms < v.cfg.RMSThreshold {
		v.rmsSilenceFrames++
		v.speechCount = 0
		v.silenceCount++
		if v.st == stateSpeaking && v.silenceCount >= v.cfg.MinSilenceFrames {
			v.transitionToSilence()
		}
		return
	}

	if v.rmsSilenceFrames >= minRMSSilenceForReset {
		v.frameBuffer = v.frameBuffer[:0]
		v.model.Reset()
	}
	v.rmsSilenceFrames = 0

	samples := audioutil.UlawToFloat32(frame)
	upsampled := make([]float32, 0, len(samples)*2)
	for _, s := range samples {
		upsampled = append(upsampled, s, s) // zero-order-hold 8kHz -> 16kHz
	}
	v.frameBuffer = append(v.frameBuffer, upsampled...)

	for len(v.frameBuffer) >= sileroFrameSize {
		chunk := make([]float32, sileroFrameSize)
		copy(chunk, v.frameBuffer[:sileroFrameSize])
		v.frameBuffer = v.frameBuffer[sileroFrameSize:]

		prob, err := v.model.Process(chunk)
		if err != nil {
			continue
		}
		v.updateState(prob)
	}
}

func (v *LocalVAD) updateState(prob float32) {
	switch v.st {
	case stateSilence:
		if prob >= v.cfg.SpeechThreshold {
			v.speechCount++
			v.silenceCount = 0
			if v.speechCount >= v.cfg.MinSpeechFrames {
				v.transitionToSpeaking()
			}
		} else {
			v.speechCount = 0
		}
	case stateSpeaking:
		if prob < v.cfg.SilenceThreshold {
			v.silenceCount++
			v.speechCount = 0
			if v.silenceCount >= v.cfg.MinSilenceFrames {
				v.transitionToSilence()
			}
		} else {
			v.silenceCount = 0
		}
	}
}

func (v *LocalVAD) transitionToSpeaking() {
	v.st = stateSpeaking
	v.speechCount = 0
	v.silenceCount = 0
	v.fireCallback(v.OnSpeechStart)
}

func (v *LocalVAD) transitionToSilence() {
	v.st = stateSilence
	v.speechCount = 0
	v.silenceCount = 0
	v.fireCallback(v.OnSpeechEnd)
}

// fireCallback tolerates a panicking callback without halting frame
// processing, matching spec.md §4.3's callback-error-tolerance requirement.
func (v *LocalVAD) fireCallback(cb func()) {
	if cb == nil {
		return
	}
	defer func() { _ = recover() }()
	cb()
}

// Reset fully resets the state machine, frame buffer, and neural model.
func (v *LocalVAD) Reset() {
	v.st = stateSilence
	v.rmsSilenceFrames = 0
	v.speechCount = 0
	v.silenceCount = 0
	v.frameBuffer = nil
	v.model.Reset()
}
