package guardrail

import (
	"context"
	"testing"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

func TestCheckFullTextCleanTextIsLevelOne(t *testing.T) {
	c := NewChecker("ko", true, nil, nil)
	result := c.CheckFullText("오늘 날씨가 좋습니다.")
	if result.Level != types.GuardrailPass {
		t.Fatalf("expected level 1, got %d", result.Level)
	}
}

func TestCheckFullTextProfanityIsLevelThreeWithFiller(t *testing.T) {
	c := NewChecker("ko", true, nil, nil)
	result := c.CheckFullText("닥쳐 이 나쁜놈아")
	if result.Level != types.GuardrailBlock {
		t.Fatalf("expected level 3, got %d", result.Level)
	}
	if result.FillerText == "" {
		t.Fatalf("expected filler text for level 3")
	}
}

func TestCheckFullTextCasualIsLevelTwo(t *testing.T) {
	c := NewChecker("ko", true, nil, nil)
	result := c.CheckFullText("고마워 친구야")
	if result.Level != types.GuardrailCorrect {
		t.Fatalf("expected level 2, got %d", result.Level)
	}
}

func TestDisabledCheckerAlwaysPasses(t *testing.T) {
	c := NewChecker("ko", false, nil, nil)
	result := c.CheckFullText("닥쳐")
	if result.Level != types.GuardrailPass {
		t.Fatalf("expected level 1 when disabled, got %d", result.Level)
	}
}

func TestCheckTextDeltaEscalatesButNeverDowngrades(t *testing.T) {
	c := NewChecker("ko", true, nil, nil)
	c.CheckTextDelta("닥쳐.")
	level := c.CurrentLevel()
	if level != types.GuardrailBlock {
		t.Fatalf("expected escalation to level 3, got %d", level)
	}

	c.CheckTextDelta("오늘 날씨가 좋습니다.")
	if c.CurrentLevel() != types.GuardrailBlock {
		t.Fatalf("expected level to remain at 3, got %d", c.CurrentLevel())
	}
}

func TestResetClearsBufferAndLevel(t *testing.T) {
	c := NewChecker("ko", true, nil, nil)
	c.CheckTextDelta("닥쳐.")
	c.Reset()
	if c.CurrentLevel() != types.GuardrailPass {
		t.Fatalf("expected level reset to 1, got %d", c.CurrentLevel())
	}
}

func TestCorrectSyncWithoutFallbackReturnsUncorrected(t *testing.T) {
	c := NewChecker("ko", true, nil, nil)
	call := types.NewCall("c1", types.ModeRelay, "en", "ko", types.CommVoiceToVoice)
	result := c.CorrectSync(context.Background(), "닥쳐", call)
	if result.CorrectedText != "" {
		t.Fatalf("expected no correction without a fallback LLM, got %q", result.CorrectedText)
	}
	if len(call.GuardrailEventsLog) != 0 {
		t.Fatalf("expected no guardrail event logged without a fallback LLM")
	}
}

func TestTextFilterDetectsBannedWords(t *testing.T) {
	f := NewTextFilter("en")
	result := f.Check("you are a fucking idiot")
	if !result.HasProfanity() {
		t.Fatalf("expected profanity match")
	}
}

func TestTextFilterCleanEnglishIsClean(t *testing.T) {
	f := NewTextFilter("en")
	result := f.Check("Thank you for calling, have a great day.")
	if !result.IsClean() {
		t.Fatalf("expected clean result, got %+v", result.Matches)
	}
}
