// Package sessiona implements SessionAHandler, the outbound half of a call
// (user speech -> translated speech/text to the recipient), grounded on
// original_source's realtime/session_a.py and spec.md §4.6.
package sessiona

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/session"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// State is Session A's IDLE/GENERATING state machine (spec.md §4.6).
type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
)

// FunctionCallExecutor resolves an in-flight tool call to its textual
// result, keeping sessiona decoupled from the tools package's wiring.
type FunctionCallExecutor interface {
	Execute(ctx context.Context, name, argumentsJSON string) (string, error)
}

// GuardrailFeeder receives streamed response characters for guardrail
// scanning as they arrive, decoupling sessiona from the guardrail package.
// IsBlocking reports the live classification of everything fed so far this
// response, letting onAudioDelta withhold TTS frames the instant a Level 3
// violation is detected instead of waiting for the turn to finish.
type GuardrailFeeder interface {
	Feed(text string)
	IsBlocking() bool
}

// pendingCall accumulates a function call's streamed argument deltas.
type pendingCall struct {
	callID string
	name   string
	args   string
}

// Handler drives Session A: forwards user audio/text in, tracks response
// generation state, measures first-audio-delta latency, feeds the
// guardrail character stream, and executes function calls as they complete.
type Handler struct {
	rt   *session.RealtimeSession
	call *types.Call

	mu    sync.Mutex
	state State

	generationStart   time.Time
	userInputAt       time.Time
	firstDeltaLatency time.Duration
	firstDeltaSeen    bool
	turnCount         int

	pendingCalls map[string]*pendingCall

	Executor  FunctionCallExecutor
	Guardrail GuardrailFeeder

	OnAudioDelta      func(audio []byte)
	OnTextDelta       func(text string)
	OnTranscriptDelta func(text string)
	OnTurnComplete    func(text string)
	OnResponseDone    func(latency time.Duration)
	OnFunctionCall    func(name, arguments, result string)

	doneCh chan struct{}
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithCall binds the Handler to a Call aggregate for token accounting and
// TranscriptEntry appends.
func WithCall(call *types.Call) Option {
	return func(h *Handler) { h.call = call }
}

// WithGuardrail arms per-delta guardrail scanning: every transcript delta is
// fed to g as it streams, and onAudioDelta consults g.IsBlocking before
// forwarding the matching audio delta.
func WithGuardrail(g GuardrailFeeder) Option {
	return func(h *Handler) { h.Guardrail = g }
}

// New wires a Handler to the given Session A RealtimeSession, registering
// the upstream event handlers it needs.
func New(rt *session.RealtimeSession, opts ...Option) *Handler {
	h := &Handler{
		rt:           rt,
		state:        StateIdle,
		pendingCalls: make(map[string]*pendingCall),
		doneCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.wire()
	return h
}

func (h *Handler) wire() {
	h.rt.On("response.audio.delta", h.onAudioDelta)
	h.rt.On("response.audio_transcript.delta", h.onTranscriptDelta)
	h.rt.On("response.text.delta", h.onTextDelta)
	h.rt.On("response.audio_transcript.done", h.onTurnDone)
	h.rt.On("response.text.done", h.onTurnDone)
	h.rt.On("response.function_call_arguments.delta", h.onFunctionCallArgsDelta)
	h.rt.On("response.function_call_arguments.done", h.onFunctionCallArgsDone)
	h.rt.On("response.done", h.onResponseDone)
}

// TurnCount is the number of generations this Handler has driven that
// produced at least one audio or text delta.
func (h *Handler) TurnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turnCount
}

// State reports the current IDLE/GENERATING state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SendUserAudio forwards one base64-encoded user-audio chunk upstream.
func (h *Handler) SendUserAudio(ctx context.Context, audioB64 string) error {
	return h.rt.SendAudio(ctx, audioB64)
}

// CommitUserAudio commits the buffered user audio and requests a response,
// transitioning to GENERATING and starting the first-delta latency clock.
func (h *Handler) CommitUserAudio(ctx context.Context) error {
	h.beginGeneration()
	return h.rt.CommitAudio(ctx)
}

// SendUserText sends typed user text and requests a response.
func (h *Handler) SendUserText(ctx context.Context, text string) error {
	h.beginGeneration()
	return h.rt.SendTextItem(ctx, text)
}

func (h *Handler) beginGeneration() {
	h.mu.Lock()
	h.state = StateGenerating
	h.generationStart = time.Now()
	h.userInputAt = h.generationStart
	h.firstDeltaSeen = false
	h.mu.Unlock()
}

// Cancel cancels any in-flight response and returns to IDLE.
func (h *Handler) Cancel(ctx context.Context) error {
	h.mu.Lock()
	generating := h.state == StateGenerating
	h.state = StateIdle
	h.mu.Unlock()
	if !generating {
		return nil
	}
	return h.rt.CancelResponse(ctx)
}

// WaitForDone blocks until the current response finishes or ctx is done.
func (h *Handler) WaitForDone(ctx context.Context) error {
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) onAudioDelta(ev session.Event) {
	h.markFirstDelta()
	if h.Guardrail != nil && h.Guardrail.IsBlocking() {
		// The text stream feeding Guardrail arrives ahead of its matching
		// audio, so a Level 3 classification lets us withhold this frame
		// from the carrier instead of speaking the violation first and
		// correcting it after the fact (spec.md §4.6).
		return
	}
	deltaB64, _ := ev.Raw["delta"].(string)
	if deltaB64 == "" {
		return
	}
	audio, err := session.DecodeAudio(deltaB64)
	if err != nil {
		return
	}
	if h.OnAudioDelta != nil {
		h.OnAudioDelta(audio)
	}
}

func (h *Handler) onTranscriptDelta(ev session.Event) {
	text, _ := ev.Raw["delta"].(string)
	if text == "" {
		return
	}
	if h.Guardrail != nil {
		h.Guardrail.Feed(text)
	}
	if h.OnTranscriptDelta != nil {
		h.OnTranscriptDelta(text)
	}
}

func (h *Handler) onTextDelta(ev session.Event) {
	h.markFirstDelta()
	text, _ := ev.Raw["delta"].(string)
	if text == "" {
		return
	}
	if h.OnTextDelta != nil {
		h.OnTextDelta(text)
	}
}

func (h *Handler) markFirstDelta() {
	h.mu.Lock()
	if h.firstDeltaSeen {
		h.mu.Unlock()
		return
	}
	h.firstDeltaSeen = true
	h.firstDeltaLatency = time.Since(h.generationStart)
	h.turnCount++
	latency := h.firstDeltaLatency
	h.mu.Unlock()

	if h.call != nil {
		h.call.AppendLatencySample(types.LatencySample{
			Label:     "A",
			Millis:    latency.Milliseconds(),
			Timestamp: time.Now(),
		})
	}
}

// onTurnDone appends the user-role TranscriptEntry and invokes
// OnTurnComplete; guardrail correction for levels 2/3 is driven by the
// caller reading Guardrail's classification once this fires (spec.md §4.6).
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
	if h.call != nil {
		h.call.AppendTranscript(types.TranscriptEntry{
			Role:           "user",
			TranslatedText: text,
			Timestamp:      time.Now(),
		})
	}
	if h.OnTurnComplete != nil {
		h.OnTurnComplete(text)
	}
}

// Resynthesize requests corrected audio for a response that was blocked by
// the guardrail: it injects correctedText as context (no response.create,
// so it never triggers a second independent turn) then issues its own
// response.create overridden to speak only that text, mirroring the relay
// text-to-voice instruction-override pattern (spec.md §4.6/§7 item 9).
func (h *Handler) Resynthesize(ctx context.Context, correctedText string) error {
	if err := h.rt.SendContextItem(ctx, correctedText); err != nil {
		return err
	}
	return h.rt.CreateResponse(ctx, resynthesizeOverride(correctedText))
}

func resynthesizeOverride(text string) string {
	return fmt.Sprintf("Speak ONLY the following corrected text verbatim, with no additions or commentary: %q", text)
}

// FirstDeltaLatency is the measured time from commit/send to the first
// audio or text delta of the most recent response (spec.md §4.6).
func (h *Handler) FirstDeltaLatency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstDeltaLatency
}

func (h *Handler) onFunctionCallArgsDelta(ev session.Event) {
	callID, _ := ev.Raw["call_id"].(string)
	if callID == "" {
		return
	}
	name, _ := ev.Raw["name"].(string)
	delta, _ := ev.Raw["delta"].(string)

	h.mu.Lock()
	pc, ok := h.pendingCalls[callID]
	if !ok {
		pc = &pendingCall{callID: callID}
		h.pendingCalls[callID] = pc
	}
	if name != "" {
		pc.name = name
	}
	pc.args += delta
	h.mu.Unlock()
}

func (h *Handler) onFunctionCallArgsDone(ev session.Event) {
	callID, _ := ev.Raw["call_id"].(string)
	if callID == "" {
		return
	}

	h.mu.Lock()
	pc, ok := h.pendingCalls[callID]
	if ok {
		delete(h.pendingCalls, callID)
	}
	name, _ := ev.Raw["name"].(string)
	if name != "" {
		if pc == nil {
			pc = &pendingCall{callID: callID, name: name}
		} else if pc.name == "" {
			pc.name = name
		}
	}
	args, _ := ev.Raw["arguments"].(string)
	h.mu.Unlock()
	if pc == nil {
		return
	}
	if args == "" {
		args = pc.args
	}

	go h.executeFunctionCall(pc.callID, pc.name, args)
}

func (h *Handler) executeFunctionCall(callID, name, arguments string) {
	ctx := context.Background()
	result := ""
	if h.Executor != nil {
		if out, err := h.Executor.Execute(ctx, name, arguments); err == nil {
			result = out
		} else {
			result = `{"error":"` + err.Error() + `"}`
		}
	}
	if h.OnFunctionCall != nil {
		h.OnFunctionCall(name, arguments, result)
	}
	_ = h.rt.SendFunctionCallOutput(ctx, callID, result)
}

func (h *Handler) onResponseDone(ev session.Event) {
	h.mu.Lock()
	h.state = StateIdle
	latency := h.firstDeltaLatency
	h.mu.Unlock()

	if h.call != nil {
		if response, ok := ev.Raw["response"].(map[string]any); ok {
			if usage, ok := response["usage"].(map[string]any); ok {
				h.call.AddTokens(types.CostTokens{
					AudioOutput: intField(usage, "output_audio_tokens"),
					TextOutput:  intField(usage, "output_text_tokens"),
					AudioInput:  intField(usage, "input_audio_tokens"),
					TextInput:   intField(usage, "input_text_tokens"),
				})
			}
		}
	}

	if h.OnResponseDone != nil {
		h.OnResponseDone(latency)
	}
	select {
	case h.doneCh <- struct{}{}:
	default:
	}
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
