// Package session implements RealtimeSession (one WebSocket to an upstream
// bidirectional realtime-LLM service) and DualSessionManager (Session A +
// Session B), grounded on original_source's realtime/sessions/session_manager.py
// and on a WebSocket-client idiom shared across this module's providers
// (github.com/coder/websocket, lazy connect, a dispatch read loop).
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/relayerr"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// Dialer opens the upstream realtime-LLM WebSocket. Production code points
// this at the real wss:// endpoint; tests substitute an in-process server.
type Dialer func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// DefaultDialer dials with github.com/coder/websocket, matching the
// teacher's lokutor.go transport.
func DefaultDialer(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	return conn, err
}

// RealtimeSession owns one WebSocket to the upstream realtime-LLM service.
type RealtimeSession struct {
	Label  string
	Config types.SessionConfig

	url    string
	header http.Header
	dial   Dialer
	log    logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	closed    bool

	handlers map[string][]Handler

	onConnectionLost func()
}

// New constructs a RealtimeSession bound to the given upstream URL.
func New(label string, cfg types.SessionConfig, url string, header http.Header, dial Dialer, log logging.Logger) *RealtimeSession {
	if dial == nil {
		dial = DefaultDialer
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &RealtimeSession{
		Label:    label,
		Config:   cfg,
		url:      url,
		header:   header,
		dial:     dial,
		log:      log,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for event_type. Pointer-identity dedup isn't
// possible for closures, so "handlers deduplicated" is the caller's
// responsibility: register a given handler only once per event type.
func (s *RealtimeSession) On(eventType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], h)
}

// SetOnConnectionLost registers the callback RecoveryManager uses to learn
// the session closed unexpectedly.
func (s *RealtimeSession) SetOnConnectionLost(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectionLost = fn
}

// Connect opens the WebSocket and sends the session.update configuration
// message described in spec.md §4.4/§6.
func (s *RealtimeSession) Connect(ctx context.Context, systemPrompt string, tools []map[string]any) error {
	conn, err := s.dial(ctx, s.url, s.header)
	if err != nil {
		return relayerr.Wrap(relayerr.ErrTransientUpstream, fmt.Sprintf("[%s] connect: %v", s.Label, err))
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.mu.Unlock()

	sessionCfg := map[string]any{
		"modalities":          s.Config.Modalities,
		"instructions":        systemPrompt,
		"input_audio_format":  s.Config.InputAudioFormat,
		"output_audio_format": s.Config.OutputAudioFormat,
	}
	if s.Config.VadMode == types.VadServer {
		sessionCfg["turn_detection"] = map[string]any{
			"type": "server_vad",
		}
	} else {
		sessionCfg["turn_detection"] = nil
	}
	if s.Config.InputAudioTranscription != nil {
		sessionCfg["input_audio_transcription"] = s.Config.InputAudioTranscription
	}
	if len(tools) > 0 {
		sessionCfg["tools"] = tools
		sessionCfg["tool_choice"] = "auto"
	}

	s.log.Info("session connecting", "label", s.Label)
	return s.send(ctx, map[string]any{"type": "session.update", "session": sessionCfg})
}

// SendAudio sends base64-encoded audio via input_audio_buffer.append.
func (s *RealtimeSession) SendAudio(ctx context.Context, audioB64 string) error {
	return s.send(ctx, map[string]any{"type": "input_audio_buffer.append", "audio": audioB64})
}

// SendTextItem creates a conversation text item then requests a response,
// always as two separate messages in that order per spec.md §9.
func (s *RealtimeSession) SendTextItem(ctx context.Context, text string) error {
	if err := s.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return s.send(ctx, map[string]any{"type": "response.create"})
}

// SendContextItem appends one conversation-item-create message without a
// following response.create, used by ContextManager to inject context
// without resetting session state (spec.md §4.11).
func (s *RealtimeSession) SendContextItem(ctx context.Context, text string) error {
	return s.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// CommitAudio commits the input buffer and requests a response.
func (s *RealtimeSession) CommitAudio(ctx context.Context) error {
	if err := s.send(ctx, map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.send(ctx, map[string]any{"type": "response.create"})
}

// CommitAudioOnly commits the input buffer without requesting a response,
// used by SessionBHandler's silence-timeout safety net ordering.
func (s *RealtimeSession) CommitAudioOnly(ctx context.Context) error {
	return s.send(ctx, map[string]any{"type": "input_audio_buffer.commit"})
}

// CreateResponse requests a response, with an optional instruction override.
func (s *RealtimeSession) CreateResponse(ctx context.Context, instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if instructions != "" {
		msg["response"] = map[string]any{"instructions": instructions}
	}
	return s.send(ctx, msg)
}

// ClearInputBuffer discards accumulated input audio.
func (s *RealtimeSession) ClearInputBuffer(ctx context.Context) error {
	return s.send(ctx, map[string]any{"type": "input_audio_buffer.clear"})
}

// CancelResponse cancels the in-flight response (interrupt handling).
func (s *RealtimeSession) CancelResponse(ctx context.Context) error {
	if err := s.send(ctx, map[string]any{"type": "response.cancel"}); err != nil {
		return err
	}
	s.log.Info("response cancelled", "label", s.Label)
	return nil
}

// SendFunctionCallOutput returns a tool's result to the upstream and
// requests the next response.
func (s *RealtimeSession) SendFunctionCallOutput(ctx context.Context, callID, output string) error {
	if err := s.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}); err != nil {
		return err
	}
	return s.send(ctx, map[string]any{"type": "response.create"})
}

// EncodeAudio is a convenience wrapper for callers composing SendAudio payloads.
func EncodeAudio(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeAudio is the inverse of EncodeAudio.
func DecodeAudio(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

func (s *RealtimeSession) send(ctx context.Context, data map[string]any) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return relayerr.ErrSessionClosed
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// Listen reads WebSocket messages until the connection closes or ctx is
// cancelled, dispatching each parsed event to its registered handlers.
func (s *RealtimeSession) Listen(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	defer func() {
		s.mu.Lock()
		unexpected := !s.closed
		s.closed = true
		cb := s.onConnectionLost
		s.mu.Unlock()
		if cb != nil && unexpected {
			cb()
		}
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			s.log.Info("session closed", "label", s.Label, "error", err.Error())
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		eventType := gjson.GetBytes(raw, "type").String()
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			continue
		}

		if eventType == EventSessionCreated {
			if sess, ok := parsed["session"].(map[string]any); ok {
				if id, ok := sess["id"].(string); ok {
					s.mu.Lock()
					s.sessionID = id
					s.mu.Unlock()
				}
			}
		}
		if eventType == EventError {
			s.log.Error("session error", "label", s.Label, "event", parsed)
		}

		s.mu.Lock()
		hs := append([]Handler(nil), s.handlers[eventType]...)
		s.mu.Unlock()
		for _, h := range hs {
			h(Event{Type: eventType, Raw: parsed})
		}
	}
}

// Close closes the underlying WebSocket, if open.
func (s *RealtimeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.conn = nil
		s.log.Info("session closed", "label", s.Label)
	}
	return nil
}

// IsClosed reports whether the session's socket is currently closed.
func (s *RealtimeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SessionID is the upstream-assigned session id from the first session.created event.
func (s *RealtimeSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}
