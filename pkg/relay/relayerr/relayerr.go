// Package relayerr centralizes the nine-category error taxonomy of
// spec.md §7 as sentinel errors plus a Category classifier, in the
// teacher's errors.go idiom (sentinel errors.New values, %w wrapping).
package relayerr

import (
	"errors"
	"fmt"
)

var (
	ErrTransientUpstream   = errors.New("transient upstream session failure")
	ErrHarmlessTimingRace  = errors.New("harmless timing race, ignored")
	ErrCatchupFailed       = errors.New("catch-up transcription unavailable or hallucinated")
	ErrRecoveryExhausted   = errors.New("recovery attempts exhausted, entering degraded mode")
	ErrClientDisconnect    = errors.New("client websocket disconnected")
	ErrCarrierDisconnect   = errors.New("carrier media stream disconnected")
	ErrExplicitEndRequest  = errors.New("call ended by explicit request")
	ErrPersistenceFailure  = errors.New("persistence write failed")
	ErrGuardrailBlocked    = errors.New("guardrail blocked response for re-synthesis")

	ErrNilProvider      = errors.New("required provider is nil")
	ErrContextCancelled = errors.New("operation cancelled by context")
	ErrSessionClosed    = errors.New("session is closed")
)

// Category classifies err into one of the nine spec.md §7 taxonomy labels,
// or "unknown" if err does not match a known sentinel.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrTransientUpstream):
		return "transient_upstream"
	case errors.Is(err, ErrHarmlessTimingRace):
		return "harmless_timing_race"
	case errors.Is(err, ErrCatchupFailed):
		return "catchup_failure"
	case errors.Is(err, ErrRecoveryExhausted):
		return "recovery_exhaustion"
	case errors.Is(err, ErrClientDisconnect):
		return "client_disconnect"
	case errors.Is(err, ErrCarrierDisconnect):
		return "carrier_disconnect"
	case errors.Is(err, ErrExplicitEndRequest):
		return "explicit_end_request"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, ErrGuardrailBlocked):
		return "guardrail_level_3"
	default:
		return "unknown"
	}
}

// Wrap attaches additional context to a sentinel without losing errors.Is matching.
func Wrap(sentinel error, detail string) error {
	return fmt.Errorf("%w: %s", sentinel, detail)
}
