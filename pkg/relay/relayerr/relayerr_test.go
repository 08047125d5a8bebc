package relayerr

import (
	"errors"
	"testing"
)

func TestCategoryClassifiesKnownSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrTransientUpstream, "transient_upstream"},
		{ErrGuardrailBlocked, "guardrail_level_3"},
		{Wrap(ErrCarrierDisconnect, "twilio stream closed"), "carrier_disconnect"},
		{errors.New("unrelated"), "unknown"},
	}
	for _, c := range cases {
		if got := Category(c.err); got != c.want {
			t.Errorf("Category(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestWrapPreservesErrorsIs(t *testing.T) {
	wrapped := Wrap(ErrRecoveryExhausted, "session B, 5 attempts")
	if !errors.Is(wrapped, ErrRecoveryExhausted) {
		t.Fatal("expected wrapped error to still match the sentinel via errors.Is")
	}
}
