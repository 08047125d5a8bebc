// Package clientws implements ClientMediaHandler, the one WebSocket per call
// to the client application, grounded on spec.md §4.13/§6's inbound/outbound
// message contract and the websocket read-loop idiom in
// pkg/relay/session.RealtimeSession.
package clientws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// Inbound message types the client app sends (spec.md §6).
const (
	InAudioChunk  = "audio_chunk"
	InVadState    = "vad_state"
	InTextInput   = "text_input"
	InTypingState = "typing_state"
	InEndCall     = "end_call"
)

// Outbound message types the relay sends to the client app (spec.md §6).
const (
	OutCaption            = "caption"
	OutCaptionOriginal    = "caption.original"
	OutCaptionTranslated  = "caption.translated"
	OutRecipientAudio     = "recipient_audio"
	OutCallStatus         = "call_status"
	OutInterruptAlert     = "interrupt_alert"
	OutSessionRecovery    = "session.recovery"
	OutGuardrailTriggered = "guardrail.triggered"
	OutTranslationState   = "translation.state"
	OutMetrics            = "metrics"
	OutError              = "error"
)

// Handler owns one client application WebSocket for the lifetime of a call.
// It implements pipeline.ClientSink without importing the pipeline package,
// keeping the dependency direction one-way (pipeline depends on an
// interface; clientws never depends on pipeline).
type Handler struct {
	log logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	OnAudioChunk   func(audioB64 string)
	OnVadCommitted func()
	OnTextInput    func(text string)
	OnTypingState  func()
	OnEndCall      func()

	onConnectionLost func()
}

// New wraps an accepted client-app WebSocket connection.
func New(conn *websocket.Conn, log logging.Logger) *Handler {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Handler{conn: conn, log: log}
}

// SetOnConnectionLost registers the callback fired when Listen's read loop
// exits because the socket closed.
func (h *Handler) SetOnConnectionLost(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnectionLost = fn
}

// Listen reads client messages until the socket closes or ctx is cancelled,
// dispatching each inbound type to its registered callback.
func (h *Handler) Listen(ctx context.Context) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}

	defer func() {
		h.mu.Lock()
		h.closed = true
		cb := h.onConnectionLost
		h.mu.Unlock()
		if cb != nil {
			cb()
		}
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			h.log.Info("client socket closed", "error", err.Error())
			return
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		msgType := gjson.GetBytes(raw, "type").String()
		switch msgType {
		case InAudioChunk:
			audioB64 := gjson.GetBytes(raw, "data.audio").String()
			if h.OnAudioChunk != nil && audioB64 != "" {
				h.OnAudioChunk(audioB64)
			}
		case InVadState:
			state := gjson.GetBytes(raw, "data.state").String()
			if state == "committed" && h.OnVadCommitted != nil {
				h.OnVadCommitted()
			}
		case InTextInput:
			text := gjson.GetBytes(raw, "data.text").String()
			if h.OnTextInput != nil && text != "" {
				h.OnTextInput(text)
			}
		case InTypingState:
			if h.OnTypingState != nil {
				h.OnTypingState()
			}
		case InEndCall:
			if h.OnEndCall != nil {
				h.OnEndCall()
			}
		}
	}
}

func (h *Handler) send(v map[string]any) {
	h.mu.Lock()
	conn, closed := h.conn, h.closed
	h.mu.Unlock()
	if closed || conn == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal outbound client message", "error", err.Error())
		return
	}
	if err := conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		h.log.Warn("failed to write client message", "error", err.Error())
	}
}

// SendCaption forwards Session A's streamed deltas to the client.
func (h *Handler) SendCaption(role, text, direction string) {
	h.send(map[string]any{"type": OutCaption, "data": map[string]any{
		"role": role, "text": text, "direction": direction,
	}})
}

// SendCaptionOriginal forwards the recipient's stage-1 (untranslated)
// caption, independent of whatever the translation ultimately says.
func (h *Handler) SendCaptionOriginal(text, language string) {
	h.send(map[string]any{"type": OutCaptionOriginal, "data": map[string]any{
		"role": "recipient", "text": text, "stage": 1, "language": language, "direction": "inbound",
	}})
}

// SendCaptionTranslated forwards the recipient's stage-2 (translated) caption.
func (h *Handler) SendCaptionTranslated(text, language string) {
	h.send(map[string]any{"type": OutCaptionTranslated, "data": map[string]any{
		"role": "recipient", "text": text, "stage": 2, "language": language, "direction": "inbound",
	}})
}

// SendRecipientAudio forwards translated recipient speech as base64 audio.
func (h *Handler) SendRecipientAudio(audio []byte) {
	h.send(map[string]any{"type": OutRecipientAudio, "data": map[string]any{
		"audio": base64.StdEncoding.EncodeToString(audio),
	}})
}

// SendCallStatus reports a lifecycle status transition.
func (h *Handler) SendCallStatus(status, message string) {
	data := map[string]any{"status": status}
	if message != "" {
		data["message"] = message
	}
	h.send(map[string]any{"type": OutCallStatus, "data": data})
}

// SendInterruptAlert notifies the client the recipient has started speaking
// over the user (spec.md §4.9).
func (h *Handler) SendInterruptAlert() {
	h.send(map[string]any{"type": OutInterruptAlert, "data": map[string]any{"speaking": "recipient"}})
}

// SendRecovery reports a RecoveryManager state transition for one session.
func (h *Handler) SendRecovery(status, sessionLabel string, gapMs int64, message string) {
	h.send(map[string]any{"type": OutSessionRecovery, "data": map[string]any{
		"status": status, "session": sessionLabel, "gap_ms": gapMs, "message": message,
	}})
}

// SendGuardrailTriggered reports a level-2/3 guardrail classification.
func (h *Handler) SendGuardrailTriggered(level types.GuardrailLevel, original, corrected string, correctionTimeMs int64) {
	data := map[string]any{"level": int(level), "original": original}
	if corrected != "" {
		data["corrected"] = corrected
		data["correction_time_ms"] = correctionTimeMs
	}
	h.send(map[string]any{"type": OutGuardrailTriggered, "data": data})
}

// SendTranslationState reports the processing/done/caption_done phases of a
// single translated turn.
func (h *Handler) SendTranslationState(state, direction string) {
	data := map[string]any{"state": state}
	if direction != "" {
		data["direction"] = direction
	}
	h.send(map[string]any{"type": OutTranslationState, "data": data})
}

// SendMetrics pushes a full latency/counter snapshot.
func (h *Handler) SendMetrics(snapshot map[string]any) {
	h.send(map[string]any{"type": OutMetrics, "data": snapshot})
}

// SendError reports a relay-side error to the client.
func (h *Handler) SendError(message string) {
	h.send(map[string]any{"type": OutError, "data": map[string]any{"message": message}})
}

// Close closes the underlying WebSocket, if open, implementing
// callmanager.AppSocket alongside SendCallStatus.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.conn != nil {
		_ = h.conn.Close(websocket.StatusNormalClosure, "call ended")
		h.conn = nil
	}
	return nil
}

// IsClosed reports whether the handler's socket is currently closed.
func (h *Handler) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
