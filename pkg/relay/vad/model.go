// Package vad implements the two-stage (RMS gate + neural) speech/silence
// state machine on 20ms mu-law frames, grounded on original_source's
// realtime/local_vad.py.
package vad

// NeuralModel is the Silero-style neural VAD backend: given a 512-sample
// (32ms @ 16kHz) float32 frame, it returns a speech probability in [0,1].
// A VADProvider-style interface is the closest analog available; this one
// narrows it to the single per-frame inference call LocalVAD actually
// drives, since turn-taking and hysteresis live in LocalVAD itself rather
// than in the model.
type NeuralModel interface {
	Process(frame []float32) (prob float32, err error)
	Reset()
}

// NoOpModel always reports silence; it exists to let tests exercise the RMS
// gate and frame buffering in isolation without ever reaching the
// hysteresis state machine's SPEAKING transition.
type NoOpModel struct{}

func (NoOpModel) Process(frame []float32) (float32, error) { return 0, nil }
func (NoOpModel) Reset()                                   {}

// RMSOnlyModel always reports speech. With no third-party pure-Go Silero/ONNX
// runtime in the dependency set to back a real NeuralModel, production
// wiring uses this so LocalVAD's speech/silence classification rests
// entirely on the RMS gate plus MinSpeechFrames/MinSilenceFrames hysteresis
// rather than silently never detecting speech (NoOpModel would do exactly
// that, since a frame only reaches the model at all once RMS has already
// cleared the gate).
type RMSOnlyModel struct{}

func (RMSOnlyModel) Process(frame []float32) (float32, error) { return 1, nil }
func (RMSOnlyModel) Reset()                                   {}
