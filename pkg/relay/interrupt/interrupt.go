// Package interrupt implements InterruptHandler, which tracks whether the
// recipient is currently speaking and applies a cooldown grace period
// before the call is considered clear to resume normal playback, grounded
// on original_source's realtime/interrupt_handler.py and spec.md §4.9.
package interrupt

import "time"

const defaultCooldown = 1500 * time.Millisecond

// Clock abstracts time.Now so tests can control elapsed time.
type Clock func() time.Time

// Handler tracks recipient speech activity and a trailing cooldown window
// during which the recipient is still treated as "speaking" for the
// purposes of suppressing the user's outbound audio (echo/overlap
// avoidance), even after the underlying VAD reports speech_stopped.
type Handler struct {
	cooldown time.Duration
	now      Clock

	speaking     bool
	cooldownTill time.Time

	OnInterruptStart func()
	OnInterruptEnd   func()
}

// New constructs a Handler with spec.md §4.9's default 1.5s cooldown.
func New() *Handler {
	return &Handler{cooldown: defaultCooldown, now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (h *Handler) WithClock(clock Clock) *Handler {
	h.now = clock
	return h
}

// OnRecipientStarted marks the recipient as speaking and fires
// OnInterruptStart if this is a fresh interruption (not already speaking).
func (h *Handler) OnRecipientStarted() {
	wasSpeaking := h.IsRecipientSpeaking()
	h.speaking = true
	if !wasSpeaking && h.OnInterruptStart != nil {
		h.OnInterruptStart()
	}
}

// OnRecipientStopped begins the cooldown grace period; IsRecipientSpeaking
// continues to report true until the cooldown elapses.
func (h *Handler) OnRecipientStopped() {
	h.speaking = false
	h.cooldownTill = h.now().Add(h.cooldown)
}

// IsRecipientSpeaking reports whether the recipient is actively speaking or
// still within the post-speech cooldown window.
func (h *Handler) IsRecipientSpeaking() bool {
	if h.speaking {
		return true
	}
	if h.cooldownTill.IsZero() {
		return false
	}
	if h.now().Before(h.cooldownTill) {
		return true
	}
	if h.OnInterruptEnd != nil {
		h.OnInterruptEnd()
		h.cooldownTill = time.Time{}
	}
	return false
}
