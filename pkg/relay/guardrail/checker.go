package guardrail

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

const textBufferCheckThreshold = 100

var sentenceEndings = []string{".", "!", "?"}

// Result is the outcome of a full-text guardrail check.
type Result struct {
	Level         types.GuardrailLevel
	OriginalText  string
	CorrectedText string
	FillerText    string
}

// IsBlocked reports whether Level 3 requires blocking TTS audio.
func (r Result) IsBlocked() bool { return r.Level == types.GuardrailBlock }

// NeedsAsyncCorrection reports whether Level 2 requires a background
// correction pass after audio has already gone out.
func (r Result) NeedsAsyncCorrection() bool { return r.Level == types.GuardrailCorrect }

// Checker classifies streamed response text deltas into Levels 1-3 and
// drives synchronous (Level 3) or asynchronous (Level 2) correction via
// FallbackLLM, grounded on original_source's guardrail/checker.py.
type Checker struct {
	targetLanguage string
	enabled        bool
	filter         *TextFilter
	fallback       *FallbackLLM
	log            logging.Logger

	mu          sync.Mutex
	textBuffer  strings.Builder
	currentLevel types.GuardrailLevel
}

// NewChecker constructs a Checker for one response's lifetime; callers
// create a new Checker (or call Reset) per response.
func NewChecker(targetLanguage string, enabled bool, fallback *FallbackLLM, log logging.Logger) *Checker {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Checker{
		targetLanguage: targetLanguage,
		enabled:        enabled,
		filter:         NewTextFilter(targetLanguage),
		fallback:       fallback,
		log:            log,
		currentLevel:   types.GuardrailPass,
	}
}

// Feed implements sessiona.GuardrailFeeder: each streamed delta is
// accumulated and classified every 100 characters or at a sentence
// boundary, matching checker.py's check_text_delta.
func (c *Checker) Feed(delta string) {
	c.CheckTextDelta(delta)
}

// CheckTextDelta appends delta to the internal buffer and reclassifies
// once the buffer reaches the 100-char threshold or ends a sentence. The
// level can only escalate (1 -> 2 -> 3), never drop, within one response.
func (c *Checker) CheckTextDelta(delta string) types.GuardrailLevel {
	if !c.enabled {
		return types.GuardrailPass
	}

	c.mu.Lock()
	c.textBuffer.WriteString(delta)
	buffered := c.textBuffer.String()
	shouldCheck := len(buffered) >= textBufferCheckThreshold || endsSentence(delta)
	c.mu.Unlock()

	if !shouldCheck {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.currentLevel
	}

	level := c.classify(buffered)

	c.mu.Lock()
	defer c.mu.Unlock()
	if level > c.currentLevel {
		c.currentLevel = level
	}
	return c.currentLevel
}

func endsSentence(s string) bool {
	trimmed := strings.TrimRight(s, " \t\n")
	for _, suffix := range sentenceEndings {
		if strings.HasSuffix(trimmed, suffix) {
			return true
		}
	}
	return false
}

func (c *Checker) classify(text string) types.GuardrailLevel {
	result := c.filter.Check(text)
	switch {
	case result.HasProfanity():
		return types.GuardrailBlock
	case result.HasInformal():
		return types.GuardrailCorrect
	default:
		return types.GuardrailPass
	}
}

// CurrentLevel returns the response's current classification.
func (c *Checker) CurrentLevel() types.GuardrailLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLevel
}

// IsBlocking reports whether the response's streamed text has escalated to
// Level 3 so far, letting sessiona drop TTS audio deltas before they reach
// the carrier instead of waiting for the full-text check at turn-complete.
func (c *Checker) IsBlocking() bool {
	return c.CurrentLevel() == types.GuardrailBlock
}

// Reset clears per-response state for reuse on the next response.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.textBuffer.Reset()
	c.currentLevel = types.GuardrailPass
}

// CheckFullText classifies the whole final text in one pass (used once a
// response completes) and, for Level 3, supplies the filler phrase to play
// to the recipient while correction is pending.
func (c *Checker) CheckFullText(text string) Result {
	if !c.enabled {
		return Result{Level: types.GuardrailPass, OriginalText: text}
	}
	level := c.classify(text)
	result := Result{Level: level, OriginalText: text}
	if level == types.GuardrailBlock {
		result.FillerText = FillerText(c.targetLanguage)
	}
	return result
}

// CorrectSync runs a blocking correction pass for Level 3 text, logging a
// GuardrailEvent onto call. Used synchronously before the corrected audio
// is (re-)synthesized and sent.
func (c *Checker) CorrectSync(ctx context.Context, text string, call *types.Call) Result {
	start := time.Now()
	result := c.CheckFullText(text)
	if result.Level == types.GuardrailPass || c.fallback == nil {
		return result
	}

	result.CorrectedText = c.fallback.Correct(ctx, text, c.targetLanguage)
	elapsed := time.Since(start)

	if call != nil {
		call.AppendGuardrailEvent(types.GuardrailEvent{
			Level:            result.Level,
			Original:         text,
			Corrected:        result.CorrectedText,
			CorrectionTimeMs: elapsed.Milliseconds(),
			Timestamp:        time.Now(),
		})
	}
	return result
}

// CorrectAsync runs a non-blocking correction pass for Level 2 text: audio
// has already been sent, so this only logs a GuardrailEvent for later
// review/training data, matching checker.py's correct_async.
func (c *Checker) CorrectAsync(ctx context.Context, text string, call *types.Call) {
	go func() {
		result := c.CorrectSync(ctx, text, call)
		if result.CorrectedText != "" && result.CorrectedText != text {
			c.log.Info("async guardrail correction", "original", text, "corrected", result.CorrectedText)
		}
	}()
}
