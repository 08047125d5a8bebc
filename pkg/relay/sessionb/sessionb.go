// Package sessionb implements SessionBHandler, the inbound half of a call
// (recipient speech -> translated speech/text to the user), grounded on
// original_source's realtime/session_b.py and spec.md §4.7.
package sessionb

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/session"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

const (
	defaultDebounce     = 300 * time.Millisecond
	defaultSilenceLimit = 15 * time.Second
	defaultMinSpeechMs  = 400
)

// Timer abstracts a cancellable delayed callback so tests can observe
// scheduling without real sleeps, matching echogate's CooldownTimer idiom.
type Timer interface {
	Schedule(d time.Duration, fn func())
	Cancel()
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) Schedule(d time.Duration, fn func()) {
	r.Cancel()
	r.t = time.AfterFunc(d, fn)
}

func (r *realTimer) Cancel() {
	if r.t != nil {
		r.t.Stop()
	}
}

// queuedItem is one piece of outbound recipient audio/text held back while
// output is suppressed (the user is speaking, per EchoGate/InterruptHandler).
type queuedItem struct {
	audio []byte
	text  string
}

// Handler drives Session B: tracks recipient speech boundaries, debounces
// response generation, enforces a silence-timeout safety net, and queues
// outbound audio/text while output is suppressed.
type Handler struct {
	rt   *session.RealtimeSession
	call *types.Call

	debounceTimer Timer
	silenceTimer  Timer
	debounceDur   time.Duration
	silenceLimit  time.Duration
	minSpeechMs   int64

	mu               sync.Mutex
	speaking         bool
	outputSuppressed bool
	pending          []queuedItem
	TimeoutForced    bool
	speechStartedAt  time.Time

	OnAudioOut         func(audio []byte)
	OnTextOut          func(text string)
	OnOriginalCaption  func(text string)
	OnTranscript       func(text string)
	OnTurnComplete     func(translated string)
	OnSpeechStarted    func()
	OnSpeechStopped    func()
}

// WithCall binds the Handler to a Call aggregate for token accounting and
// TranscriptEntry appends.
func WithCall(call *types.Call) Option {
	return func(h *Handler) { h.call = call }
}

// WithMinSpeechMs overrides the hallucination-floor duration below which a
// recipient utterance is discarded without a commit, per spec.md §4.7.
func WithMinSpeechMs(ms int64) Option {
	return func(h *Handler) { h.minSpeechMs = ms }
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithTimers overrides the debounce/silence timers, used by tests.
func WithTimers(debounce, silence Timer) Option {
	return func(h *Handler) {
		h.debounceTimer = debounce
		h.silenceTimer = silence
	}
}

// New wires a Handler to the given Session B RealtimeSession.
func New(rt *session.RealtimeSession, opts ...Option) *Handler {
	h := &Handler{
		rt:            rt,
		debounceTimer: &realTimer{},
		silenceTimer:  &realTimer{},
		debounceDur:   defaultDebounce,
		silenceLimit:  defaultSilenceLimit,
		minSpeechMs:   defaultMinSpeechMs,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.wire()
	return h
}

func (h *Handler) wire() {
	h.rt.On("input_audio_buffer.speech_started", func(session.Event) { h.NotifySpeechStarted() })
	h.rt.On("input_audio_buffer.speech_stopped", func(session.Event) { h.NotifySpeechStopped() })
	h.rt.On("response.audio.delta", h.onAudioDelta)
	h.rt.On("response.text.delta", h.onTextDelta)
	h.rt.On("response.audio_transcript.done", h.onTurnDone)
	h.rt.On("response.text.done", h.onTurnDone)
	h.rt.On("response.done", h.onResponseDone)
	h.rt.On("conversation.item.input_audio_transcription.completed", h.onTranscriptCompleted)
}

// NotifySpeechStarted marks the beginning of recipient speech. It is called
// either by the upstream's server_vad speech_started event, or directly by
// an external LocalVAD in null-turn-detection mode per spec.md §4.7.
func (h *Handler) NotifySpeechStarted() {
	h.mu.Lock()
	h.speaking = true
	h.TimeoutForced = false
	h.speechStartedAt = time.Now()
	h.mu.Unlock()

	h.silenceTimer.Schedule(h.silenceLimit, h.onSilenceTimeout)
	h.debounceTimer.Cancel()

	// Clear any stale buffered audio from before this speech turn started,
	// per spec.md §4.7's speech-start buffer clear.
	_ = h.rt.ClearInputBuffer(context.Background())

	if h.OnSpeechStarted != nil {
		h.OnSpeechStarted()
	}
}

// NotifySpeechStopped marks the end of recipient speech and schedules the
// debounced commit, discarding utterances shorter than the hallucination
// floor without ever issuing a commit.
func (h *Handler) NotifySpeechStopped() {
	h.mu.Lock()
	h.speaking = false
	timeoutForced := h.TimeoutForced
	duration := time.Since(h.speechStartedAt).Milliseconds()
	h.mu.Unlock()

	h.silenceTimer.Cancel()

	if timeoutForced {
		// The silence-timeout safety net already forced a commit for this
		// utterance; a subsequent real stopped event is a no-op.
		if h.OnSpeechStopped != nil {
			h.OnSpeechStopped()
		}
		return
	}

	if duration < h.minSpeechMs {
		if h.OnSpeechStopped != nil {
			h.OnSpeechStopped()
		}
		return
	}

	h.debounceTimer.Schedule(h.debounceDur, h.commitAfterDebounce)

	if h.OnSpeechStopped != nil {
		h.OnSpeechStopped()
	}
}

func (h *Handler) commitAfterDebounce() {
	h.mu.Lock()
	stillSpeaking := h.speaking
	h.mu.Unlock()
	if stillSpeaking {
		return
	}
	_ = h.rt.CommitAudio(context.Background())
}

// onSilenceTimeout fires when speech_started was seen but no
// speech_stopped followed within the silence limit; it forces a commit so
// the call doesn't stall on a recipient who trails off without a clean VAD
// boundary (spec.md §4.7).
func (h *Handler) onSilenceTimeout() {
	h.mu.Lock()
	h.speaking = false
	h.TimeoutForced = true
	h.mu.Unlock()

	_ = h.rt.CommitAudio(context.Background())
}

// SetOutputSuppressed toggles output suppression; lifting suppression
// flushes queued items in arrival order.
func (h *Handler) SetOutputSuppressed(suppressed bool) {
	h.mu.Lock()
	h.outputSuppressed = suppressed
	var flush []queuedItem
	if !suppressed {
		flush = h.pending
		h.pending = nil
	}
	h.mu.Unlock()

	for _, item := range flush {
		h.emit(item)
	}
}

// OutputSuppressed reports the current suppression state.
func (h *Handler) OutputSuppressed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outputSuppressed
}

// PendingCount is the number of queued items awaiting a flush.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// ClearPending discards queued output without emitting it, used when a
// call ends while output is suppressed.
func (h *Handler) ClearPending() {
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()
}

func (h *Handler) emit(item queuedItem) {
	if item.audio != nil && h.OnAudioOut != nil {
		h.OnAudioOut(item.audio)
	}
	if item.text != "" && h.OnTextOut != nil {
		h.OnTextOut(item.text)
	}
}

func (h *Handler) onAudioDelta(ev session.Event) {
	deltaB64, _ := ev.Raw["delta"].(string)
	if deltaB64 == "" {
		return
	}
	audio, err := session.DecodeAudio(deltaB64)
	if err != nil {
		return
	}

	h.mu.Lock()
	suppressed := h.outputSuppressed
	if suppressed {
		h.pending = append(h.pending, queuedItem{audio: audio})
	}
	h.mu.Unlock()

	if !suppressed && h.OnAudioOut != nil {
		h.OnAudioOut(audio)
	}
}

func (h *Handler) onTextDelta(ev session.Event) {
	text, _ := ev.Raw["delta"].(string)
	if text == "" {
		return
	}

	h.mu.Lock()
	suppressed := h.outputSuppressed
	if suppressed {
		h.pending = append(h.pending, queuedItem{text: text})
	}
	h.mu.Unlock()

	if !suppressed && h.OnTextOut != nil {
		h.OnTextOut(text)
	}
}

func (h *Handler) onTranscriptCompleted(ev session.Event) {
	text, _ := ev.Raw["transcript"].(string)
	if text == "" {
		return
	}

	h.mu.Lock()
	suppressed := h.outputSuppressed
	if suppressed {
		h.pending = append(h.pending, queuedItem{text: text})
	}
	sttLatency := time.Since(h.speechStartedAt)
	h.mu.Unlock()

	h.recordLatency(sttLatency)

	if !suppressed && h.OnOriginalCaption != nil {
		h.OnOriginalCaption(text)
	}
}

// recordLatency appends a Session B latency sample, grounded on
// sessiona.go's markFirstDelta, which does the same for Session A.
func (h *Handler) recordLatency(d time.Duration) {
	if h.call == nil {
		return
	}
	h.call.AppendLatencySample(types.LatencySample{
		Label:     "B",
		Millis:    d.Milliseconds(),
		Timestamp: time.Now(),
	})
}

// onTurnDone appends the recipient's TranscriptEntry and fires
// OnTurnComplete unconditionally, even while output is suppressed, since
// transcript bookkeeping must not depend on echo-gate state (spec.md §4.7).
func (h *Handler) onTurnDone(ev session.Event) {
	var text string
	if transcript, ok := ev.Raw["transcript"].(string); ok {
		text = transcript
	} else if t, ok := ev.Raw["text"].(string); ok {
		text = t
	}
	if text == "" {
		return
	}

	h.mu.Lock()
	endToEnd := time.Since(h.speechStartedAt)
	h.mu.Unlock()
	h.recordLatency(endToEnd)

	if h.call != nil {
		h.call.AppendTranscript(types.TranscriptEntry{
			Role:           "recipient",
			TranslatedText: text,
			Timestamp:      time.Now(),
		})
	}
	if h.OnTurnComplete != nil {
		h.OnTurnComplete(text)
	}
}

func (h *Handler) onResponseDone(ev session.Event) {
	if h.call == nil {
		return
	}
	usage, ok := ev.Raw["response"].(map[string]any)
	if !ok {
		return
	}
	u, ok := usage["usage"].(map[string]any)
	if !ok {
		return
	}
	h.call.AddTokens(types.CostTokens{
		AudioOutput: intField(u, "output_audio_tokens"),
		TextOutput:  intField(u, "output_text_tokens"),
		AudioInput:  intField(u, "input_audio_tokens"),
		TextInput:   intField(u, "input_text_tokens"),
	})
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
