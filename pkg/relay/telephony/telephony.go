// Package telephony implements TelephonyMediaHandler, the one WebSocket per
// call to the carrier's media stream, grounded on spec.md §4.13/§6's framing
// contract and the websocket read-loop idiom in
// pkg/relay/session.RealtimeSession.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
)

// Event types the carrier sends on its media-stream WebSocket (spec.md §6).
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
)

// Handler owns one carrier media-stream WebSocket for the lifetime of a
// call. The carrier dials in, so Handler wraps an already-accepted
// *websocket.Conn rather than dialing out, unlike session.RealtimeSession.
type Handler struct {
	log logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	streamSID string
	closed    bool

	// OnMedia receives each decoded 160-byte μ-law frame as it arrives.
	OnMedia func(ulaw []byte)
	// OnStart fires once the carrier's start event names the stream id.
	OnStart func(streamSID string)
	// OnStop fires when the carrier signals the stream has ended.
	OnStop func()

	onConnectionLost func()
}

// New wraps an accepted carrier WebSocket connection.
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

// StreamSID is the carrier-assigned stream id from the start event, empty
// until one has been received.
func (h *Handler) StreamSID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamSID
}

// Listen reads carrier media-stream events until the socket closes or ctx
// is cancelled, dispatching connected/start/media/stop to their callbacks.
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
			h.log.Info("telephony stream closed", "error", err.Error())
			return
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		event := gjson.GetBytes(raw, "event").String()
		switch event {
		case EventStart:
			sid := gjson.GetBytes(raw, "start.streamSid").String()
			if sid == "" {
				sid = gjson.GetBytes(raw, "streamSid").String()
			}
			h.mu.Lock()
			h.streamSID = sid
			h.mu.Unlock()
			if h.OnStart != nil {
				h.OnStart(sid)
			}
		case EventMedia:
			payload := gjson.GetBytes(raw, "media.payload").String()
			if payload == "" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				continue
			}
			if h.OnMedia != nil {
				h.OnMedia(ulaw)
			}
		case EventStop:
			if h.OnStop != nil {
				h.OnStop()
			}
		case EventConnected:
			// no payload to act on; the socket accept already established the call.
		}
	}
}

// SendMedia writes a μ-law audio frame to the carrier for playback,
// implementing pipeline.TelephonySink.
func (h *Handler) SendMedia(audio []byte) error {
	h.mu.Lock()
	conn, sid, closed := h.conn, h.streamSID, h.closed
	h.mu.Unlock()
	if closed || conn == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"event":     EventMedia,
		"streamSid": sid,
		"media":     map[string]string{"payload": base64.StdEncoding.EncodeToString(audio)},
	})
	if err != nil {
		return err
	}
	return conn.Write(context.Background(), websocket.MessageText, payload)
}

// ClearPlayback flushes the carrier's buffered playback queue, used on
// interrupt (spec.md §4.9's "clear-audio command").
func (h *Handler) ClearPlayback() error {
	h.mu.Lock()
	conn, sid, closed := h.conn, h.streamSID, h.closed
	h.mu.Unlock()
	if closed || conn == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"event":     "clear",
		"streamSid": sid,
	})
	if err != nil {
		return err
	}
	return conn.Write(context.Background(), websocket.MessageText, payload)
}

// Close closes the underlying WebSocket, if open.
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
