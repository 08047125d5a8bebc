// Package pipeline implements the four call-mode strategies (voice-to-voice,
// voice-to-text, text-to-voice, full-agent) that compose the shared session,
// echo-gate, guardrail, and recovery components into one per-call request
// flow, grounded on original_source's realtime/pipeline.py variants and
// spec.md §4.13.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/contextmgr"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/echogate"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/firstmessage"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/guardrail"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/interrupt"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/recovery"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/ringbuffer"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/session"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/sessiona"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/sessionb"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/tools"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/vad"
)

// ClientSink is the outbound half of the client application WebSocket, kept
// as an interface so Pipeline never depends on the concrete transport.
type ClientSink interface {
	SendCaption(role, text, direction string)
	SendCaptionOriginal(text, language string)
	SendCaptionTranslated(text, language string)
	SendRecipientAudio(audio []byte)
	SendCallStatus(status, message string)
	SendInterruptAlert()
	SendRecovery(status, sessionLabel string, gapMs int64, message string)
	SendGuardrailTriggered(level types.GuardrailLevel, original, corrected string, correctionTimeMs int64)
	SendTranslationState(state, direction string)
	SendError(message string)
}

// TelephonySink is the outbound half of the carrier media WebSocket.
type TelephonySink interface {
	SendMedia(audio []byte) error
	ClearPlayback() error
}

// Deps bundles every shared sub-component a Pipeline variant composes,
// constructed once per call by the caller (normally cmd/relay's call
// bootstrap) and handed to New.
type Deps struct {
	Call *types.Call

	Dual     *session.DualSessionManager
	SessionA *sessiona.Handler
	SessionB *sessionb.Handler

	RingA *ringbuffer.RingBuffer
	RingB *ringbuffer.RingBuffer

	RecoveryA *recovery.Manager
	RecoveryB *recovery.Manager

	// VadB drives Session B's speech-start/speech-stop notifications
	// directly: Session B always runs with null upstream turn-detection
	// (spec.md §4.5/§4.7), so nothing else will ever call
	// SessionB.NotifySpeechStarted/NotifySpeechStopped.
	VadB *vad.LocalVAD

	FirstMessage *firstmessage.Handler
	Interrupt    *interrupt.Handler
	EchoGate     *echogate.EchoGate
	Context      *contextmgr.ContextManager
	Guardrail    *guardrail.Checker
	Executor     *tools.Executor

	Client    ClientSink
	Telephony TelephonySink

	Log logging.Logger
}

// Pipeline is the shared contract all four mode variants implement,
// matching original_source's BasePipeline abstract methods.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HandleUserAudio(audioB64 string)
	HandleUserAudioCommit(ctx context.Context)
	HandleUserText(ctx context.Context, text string) error
	HandleTwilioAudio(ulaw []byte)
	HandleTypingStarted()
}

// New is the closed-enumeration factory selecting one of the four mode
// variants; it is the only supported way to construct a Pipeline.
func New(comm types.CommunicationMode, deps Deps) (Pipeline, error) {
	b := newBase(deps)
	switch comm {
	case types.CommVoiceToVoice:
		return newVoiceToVoice(b), nil
	case types.CommVoiceToText:
		return newVoiceToText(b), nil
	case types.CommTextToVoice:
		return newTextToVoice(b), nil
	case types.CommFullAgent:
		return newFullAgent(b), nil
	default:
		return nil, fmt.Errorf("pipeline: unknown communication mode %q", comm)
	}
}

// base holds the wiring and behavior shared by every variant: audio
// routing through the echo gate, interrupt tracking, the per-call text
// lock, and the one-shot typing filler. Each variant embeds base and
// overrides only the methods spec.md §4.13 calls out as mode-specific.
type base struct {
	Deps

	textMu       sync.Mutex
	hasUserTurn  bool
	fillerPlayed bool
}

func newBase(deps Deps) *base {
	if deps.Log == nil {
		deps.Log = logging.NoOpLogger{}
	}
	b := &base{Deps: deps}
	b.wireSessionA()
	b.wireSessionB()
	b.wireVadB()
	return b
}

// wireVadB connects LocalVAD's hysteresis transitions to Session B's
// debounced commit machinery, the null-turn-detection counterpart to the
// "input_audio_buffer.speech_started/stopped" events the upstream would
// otherwise fire under server-VAD, per spec.md §4.7.
func (b *base) wireVadB() {
	if b.VadB == nil || b.SessionB == nil {
		return
	}
	b.VadB.OnSpeechStart = b.SessionB.NotifySpeechStarted
	b.VadB.OnSpeechEnd = b.SessionB.NotifySpeechStopped
}

func (b *base) wireSessionA() {
	if b.SessionA == nil {
		return
	}
	b.SessionA.OnAudioDelta = func(audio []byte) {
		if b.RecoveryA != nil {
			b.RecoveryA.Heartbeat()
		}
		b.onSessionATTS(audio)
	}
	b.SessionA.OnTurnComplete = func(text string) {
		if b.RecoveryA != nil {
			b.RecoveryA.Heartbeat()
		}
		if b.Context != nil {
			b.Context.AddTurn("user", text)
		}
		b.hasUserTurn = true
		b.checkGuardrail(text)
	}
}

// checkGuardrail runs the full-text classification once a response
// completes, reports Level 2/3 findings to the client, and for Level 3
// drives an actual re-synthesis of the corrected text since onAudioDelta
// has already withheld the violating audio from the carrier, per spec.md
// §7's guardrail-level-3 handling and §4.14's async correction for level 2.
func (b *base) checkGuardrail(text string) {
	if b.Guardrail == nil {
		return
	}
	result := b.Guardrail.CheckFullText(text)
	defer b.Guardrail.Reset()

	switch {
	case result.IsBlocked():
		corrected := b.Guardrail.CorrectSync(context.Background(), text, b.Call)
		if b.Client != nil {
			b.Client.SendGuardrailTriggered(corrected.Level, text, corrected.CorrectedText, 0)
		}
		if b.SessionA != nil && corrected.CorrectedText != "" {
			_ = b.SessionA.Resynthesize(context.Background(), corrected.CorrectedText)
		}
	case result.NeedsAsyncCorrection():
		b.Guardrail.CorrectAsync(context.Background(), text, b.Call)
		if b.Client != nil {
			b.Client.SendGuardrailTriggered(result.Level, text, "", 0)
		}
	}
}

func (b *base) wireSessionB() {
	if b.SessionB == nil {
		return
	}
	b.SessionB.OnAudioOut = func(audio []byte) {
		if b.RecoveryB != nil {
			b.RecoveryB.Heartbeat()
		}
		b.onSessionBAudio(audio)
	}
	b.SessionB.OnTextOut = func(text string) {
		if b.RecoveryB != nil {
			b.RecoveryB.Heartbeat()
		}
		b.Client.SendCaption("recipient", text, "inbound")
	}
	b.SessionB.OnOriginalCaption = func(text string) {
		b.Client.SendCaptionOriginal(text, b.Call.TargetLanguage)
	}
	b.SessionB.OnSpeechStarted = func() {
		if b.RecoveryB != nil {
			b.RecoveryB.Heartbeat()
		}
		if b.Interrupt != nil {
			b.Interrupt.OnRecipientStarted()
		}
	}
	b.SessionB.OnSpeechStopped = func() {
		if b.Interrupt != nil {
			b.Interrupt.OnRecipientStopped()
		}
	}
	b.SessionB.OnTurnComplete = func(text string) {
		if b.Context != nil {
			b.Context.AddTurn("recipient", text)
		}
	}
}

// onSessionATTS is Session A's outbound-audio sink: it activates the echo
// gate (so the carrier's echo of this exact audio is recognized) then
// writes the frame to the carrier.
func (b *base) onSessionATTS(audio []byte) {
	if b.EchoGate != nil {
		b.EchoGate.Activate(len(audio))
	}
	if b.Telephony != nil {
		_ = b.Telephony.SendMedia(audio)
	}
}

// onSessionBAudio is Session B's outbound-audio sink: translated recipient
// speech played back to the user's client app.
func (b *base) onSessionBAudio(audio []byte) {
	if b.Client != nil {
		b.Client.SendRecipientAudio(audio)
	}
}

func (b *base) startSessions(ctx context.Context, promptA, promptB string, toolsA, toolsB []map[string]any) error {
	if b.Dual == nil {
		return nil
	}
	if err := b.Dual.Connect(ctx, promptA, promptB, toolsA, toolsB); err != nil {
		return err
	}
	go b.Dual.ListenAll(ctx)
	b.wireRecovery(ctx, promptA, promptB, toolsA, toolsB)

	if b.FirstMessage != nil {
		if err := b.FirstMessage.Dispatch(ctx); err != nil {
			b.Log.Error("first message dispatch failed", "error", err.Error())
		} else {
			b.FirstMessage.ApplyTo(b.Call)
		}
	}
	return nil
}

func (b *base) stopSessions() error {
	if b.RecoveryA != nil {
		b.RecoveryA.Stop()
	}
	if b.RecoveryB != nil {
		b.RecoveryB.Stop()
	}
	if b.Dual == nil {
		return nil
	}
	return b.Dual.Close()
}

// wireRecovery arms each session's RecoveryManager with a reconnect closure
// that replays the same Connect call, a connection-lost hook, and a
// heartbeat monitor that catches a silently-stalled upstream the read loop's
// own error path never sees, per spec.md §4.12.
func (b *base) wireRecovery(ctx context.Context, promptA, promptB string, toolsA, toolsB []map[string]any) {
	if b.Dual == nil {
		return
	}
	if b.RecoveryA != nil && b.Dual.SessionA != nil {
		b.RecoveryA.Reconnect = func(rctx context.Context) error {
			return b.Dual.SessionA.Connect(rctx, promptA, toolsA)
		}
		b.Dual.SessionA.SetOnConnectionLost(func() { b.onSessionDisconnect(ctx, b.RecoveryA, "A") })
		go b.monitorHeartbeat(ctx, b.RecoveryA, "A")
	}
	if b.RecoveryB != nil && b.Dual.SessionB != nil {
		b.RecoveryB.Reconnect = func(rctx context.Context) error {
			return b.Dual.SessionB.Connect(rctx, promptB, toolsB)
		}
		b.Dual.SessionB.SetOnConnectionLost(func() { b.onSessionDisconnect(ctx, b.RecoveryB, "B") })
		go b.monitorHeartbeat(ctx, b.RecoveryB, "B")
	}
}

// monitorHeartbeat runs one round of heartbeat monitoring and, if the call
// is still live and recovery succeeded, rearms it; StartHeartbeatMonitor
// returns after a single timeout so watching continuously across a call's
// lifetime means relaunching it after each recovered disconnect.
func (b *base) monitorHeartbeat(ctx context.Context, rec *recovery.Manager, label string) {
	rec.StartHeartbeatMonitor(ctx, func() {
		b.onSessionDisconnect(ctx, rec, label)
		if ctx.Err() != nil {
			return
		}
		switch rec.State() {
		case types.SessionConnected:
			go b.monitorHeartbeat(ctx, rec, label)
		case types.SessionDegraded:
			go b.retryExitDegraded(ctx, rec, label)
		}
	})
}

// retryExitDegraded periodically retries an opportunistic reconnect while a
// session sits in degraded mode, reporting recovery to the client and
// resuming normal heartbeat monitoring once a retry succeeds, per spec.md
// §4.12's exit_degraded_mode.
func (b *base) retryExitDegraded(ctx context.Context, rec *recovery.Manager, label string) {
	ticker := time.NewTicker(rec.DegradedRetryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rec.AttemptExitDegraded(ctx); err == nil {
				if b.Client != nil {
					b.Client.SendRecovery("recovered", label, 0, "")
				}
				go b.monitorHeartbeat(ctx, rec, label)
				return
			}
		}
	}
}

// onSessionDisconnect runs one session's reconnect/catch-up cycle and
// reports the outcome to the client. Guarded on SessionConnected so the
// heartbeat monitor and the read loop's own connection-lost signal racing
// on the same outage only drive recovery once.
func (b *base) onSessionDisconnect(ctx context.Context, rec *recovery.Manager, label string) {
	if rec.State() != types.SessionConnected {
		return
	}
	if b.Client != nil {
		b.Client.SendRecovery("disconnected", label, 0, "")
	}
	err := rec.HandleDisconnect(ctx)
	if b.Client == nil {
		return
	}
	if err != nil {
		b.Client.SendRecovery("degraded", label, 0, err.Error())
		return
	}
	b.Client.SendRecovery("recovered", label, 0, "")
}

// handleTwilioAudioCommon is the shared carrier-audio intake path: write to
// ring buffer B, apply echo-gate filtering, forward to Session B.
func (b *base) handleTwilioAudioCommon(ulaw []byte) {
	if b.RingB != nil {
		b.RingB.Write(ulaw)
	}

	// LocalVAD always sees the raw carrier frame, even one the echo gate
	// will go on to silence-substitute below: it is driving speech
	// boundary detection on the recipient leg, not deciding what Session B
	// hears (spec.md §4.13 scenario 1's "LocalVAD consumes every frame
	// unconditionally").
	if b.VadB != nil {
		b.VadB.Process(ulaw)
	}

	frame := ulaw
	if b.EchoGate != nil && b.EchoGate.InEchoWindow() {
		frame = b.EchoGate.Filter(ulaw)
	}

	if b.SessionB != nil && b.Dual != nil {
		_ = b.Dual.SessionB.SendAudio(context.Background(), session.EncodeAudio(frame))
	}
}

// handleUserAudioCommon writes user audio to ring buffer A and forwards it
// to Session A, uncommitted.
func (b *base) handleUserAudioCommon(audioB64 string) {
	if b.RingA != nil {
		if decoded, err := session.DecodeAudio(audioB64); err == nil {
			b.RingA.Write(decoded)
		}
	}
	if b.SessionA != nil {
		_ = b.SessionA.SendUserAudio(context.Background(), audioB64)
	}
}

func (b *base) handleUserAudioCommitCommon(ctx context.Context) {
	if b.SessionA != nil {
		_ = b.SessionA.CommitUserAudio(ctx)
	}
}

// relayTextOverride is the instruction injected alongside response.create
// in relay-mode text-to-voice, preventing the LLM from answering
// conversationally instead of translating.
func relayTextOverride(source, target string) string {
	return fmt.Sprintf("Translate the user's message from %s to %s and speak ONLY the translation.", source, target)
}
