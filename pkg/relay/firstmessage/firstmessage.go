// Package firstmessage implements FirstMessageHandler, a one-shot guard
// that dispatches the call's opening line once the recipient answers,
// grounded on original_source's realtime/first_message.py and spec.md §4.10.
package firstmessage

import (
	"context"
	"fmt"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// Sender is the subset of sessiona.Handler this package needs.
type Sender interface {
	SendUserText(ctx context.Context, text string) error
}

// ExactUtteranceSender additionally supports dispatching a caller-provided
// utterance verbatim rather than letting the model phrase it, per spec.md
// §4.10's two dispatch modes.
type ExactUtteranceSender interface {
	Sender
	SendExactUtterance(ctx context.Context, text string) error
}

// Mode selects how the first message is dispatched.
type Mode int

const (
	// ModeGenerated asks the model to produce an opening line from a
	// natural-language instruction (e.g. "Greet them and explain why you're calling").
	ModeGenerated Mode = iota
	// ModeExactUtterance dispatches caller-supplied text verbatim, bypassing
	// generation, for callers that need an exact legally-reviewed script.
	ModeExactUtterance
)

// Handler ensures the first message is sent at most once per call.
type Handler struct {
	mode    Mode
	message string
	sender  Sender

	sent          bool
	sentAt        time.Time
	latency       time.Duration
	dispatchedAt  time.Time
}

// New constructs a Handler bound to a dispatch mode, the message/instruction
// text, and the sender used to deliver it.
func New(mode Mode, message string, sender Sender) *Handler {
	return &Handler{mode: mode, message: message, sender: sender}
}

// MarkCallStarted records when the call began, for first-message-latency
// measurement relative to answer time.
func (h *Handler) MarkCallStarted(at time.Time) {
	h.dispatchedAt = at
}

// Dispatch sends the first message if it hasn't already been sent. Calling
// it more than once is a no-op, satisfying spec.md §4.10's one-shot guard.
func (h *Handler) Dispatch(ctx context.Context) error {
	if h.sent {
		return nil
	}

	var err error
	switch h.mode {
	case ModeExactUtterance:
		exact, ok := h.sender.(ExactUtteranceSender)
		if !ok {
			return fmt.Errorf("firstmessage: exact-utterance mode requires an ExactUtteranceSender")
		}
		err = exact.SendExactUtterance(ctx, h.message)
	default:
		err = h.sender.SendUserText(ctx, h.message)
	}
	if err != nil {
		return err
	}

	h.sent = true
	h.sentAt = time.Now()
	if !h.dispatchedAt.IsZero() {
		h.latency = h.sentAt.Sub(h.dispatchedAt)
	}
	return nil
}

// Sent reports whether the first message has already been dispatched.
func (h *Handler) Sent() bool {
	return h.sent
}

// Latency is the time between MarkCallStarted and the first successful
// Dispatch, used to populate types.Call.FirstMessageLatencyMs.
func (h *Handler) Latency() time.Duration {
	return h.latency
}

// ApplyTo records the dispatch outcome onto a Call, matching spec.md's
// FirstMessageSent/FirstMessageLatencyMs fields.
func (h *Handler) ApplyTo(call *types.Call) {
	call.Mu.Lock()
	defer call.Mu.Unlock()
	call.FirstMessageSent = h.sent
	call.FirstMessageLatencyMs = h.latency.Milliseconds()
}
