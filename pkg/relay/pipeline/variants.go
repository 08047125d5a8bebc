package pipeline

import (
	"context"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/tools"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// voiceToVoice is the baseline mode: audio flows both directions, captions
// mirror both translations (spec.md §4.13).
type voiceToVoice struct{ *base }

func newVoiceToVoice(b *base) *voiceToVoice { return &voiceToVoice{b} }

func (p *voiceToVoice) Start(ctx context.Context) error {
	return p.startSessions(ctx, systemPromptRelay(p.Call), systemPromptRelayReverse(p.Call), nil, nil)
}

func (p *voiceToVoice) Stop(ctx context.Context) error { return p.stopSessions() }

func (p *voiceToVoice) HandleUserAudio(audioB64 string)          { p.handleUserAudioCommon(audioB64) }
func (p *voiceToVoice) HandleUserAudioCommit(ctx context.Context) { p.handleUserAudioCommitCommon(ctx) }
func (p *voiceToVoice) HandleTwilioAudio(ulaw []byte)            { p.handleTwilioAudioCommon(ulaw) }
func (p *voiceToVoice) HandleTypingStarted()                     {}

func (p *voiceToVoice) HandleUserText(ctx context.Context, text string) error {
	return p.sendRelayText(ctx, text)
}

// voiceToText is identical to voiceToVoice except Session B never produces
// audio the client hears: its deltas are dropped at the sink rather than
// forwarded, per spec.md §4.13 ("the gate between handler and client").
type voiceToText struct{ *base }

func newVoiceToText(b *base) *voiceToText {
	vt := &voiceToText{b}
	if b.SessionB != nil {
		b.SessionB.OnAudioOut = func([]byte) {} // text-only client sink drops audio
	}
	return vt
}

func (p *voiceToText) Start(ctx context.Context) error {
	return p.startSessions(ctx, systemPromptRelay(p.Call), systemPromptRelayReverse(p.Call), nil, nil)
}

func (p *voiceToText) Stop(ctx context.Context) error { return p.stopSessions() }

func (p *voiceToText) HandleUserAudio(audioB64 string)           { p.handleUserAudioCommon(audioB64) }
func (p *voiceToText) HandleUserAudioCommit(ctx context.Context) { p.handleUserAudioCommitCommon(ctx) }
func (p *voiceToText) HandleTwilioAudio(ulaw []byte)             { p.handleTwilioAudioCommon(ulaw) }
func (p *voiceToText) HandleTypingStarted()                      {}

func (p *voiceToText) HandleUserText(ctx context.Context, text string) error {
	return p.sendRelayText(ctx, text)
}

// textToVoice ignores user audio entirely; user input only ever arrives as
// typed text, serialized through the per-call text lock, sent with an
// instruction override so the LLM translates rather than converses.
type textToVoice struct{ *base }

func newTextToVoice(b *base) *textToVoice { return &textToVoice{b} }

func (p *textToVoice) Start(ctx context.Context) error {
	return p.startSessions(ctx, systemPromptRelay(p.Call), systemPromptRelayReverse(p.Call), nil, nil)
}

func (p *textToVoice) Stop(ctx context.Context) error { return p.stopSessions() }

func (p *textToVoice) HandleUserAudio(audioB64 string)           {}
func (p *textToVoice) HandleUserAudioCommit(ctx context.Context) {}
func (p *textToVoice) HandleTwilioAudio(ulaw []byte)             { p.handleTwilioAudioCommon(ulaw) }

func (p *textToVoice) HandleTypingStarted() { p.playFillerOnce() }

func (p *textToVoice) HandleUserText(ctx context.Context, text string) error {
	return p.sendRelayText(ctx, text)
}

// fullAgent composes textToVoice's intake plus the agent feedback loop:
// every completed recipient turn is forwarded back into Session A so the
// agent drives the conversation without further client input, and the
// function-calling tool set is registered on Session A.
type fullAgent struct {
	*base
}

func newFullAgent(b *base) *fullAgent {
	fa := &fullAgent{b}
	if b.SessionB == nil {
		return fa
	}
	b.SessionB.OnTurnComplete = func(text string) {
		if b.Context != nil {
			b.Context.AddTurn("recipient", text)
		}
		if b.SessionA != nil {
			_ = b.SessionA.SendUserText(context.Background(), "[Recipient says]: "+text)
		}
	}
	return fa
}

func (p *fullAgent) Start(ctx context.Context) error {
	agentTools := tools.ForMode(true)
	return p.startSessions(ctx, systemPromptAgent(p.Call), systemPromptRelayReverse(p.Call), agentTools, nil)
}

func (p *fullAgent) Stop(ctx context.Context) error { return p.stopSessions() }

func (p *fullAgent) HandleUserAudio(audioB64 string)           {}
func (p *fullAgent) HandleUserAudioCommit(ctx context.Context) {}
func (p *fullAgent) HandleTwilioAudio(ulaw []byte)             { p.handleTwilioAudioCommon(ulaw) }
func (p *fullAgent) HandleTypingStarted()                      { p.playFillerOnce() }

// HandleUserText in agent mode sends the user's text as a normal
// conversational turn rather than a translate-only instruction override.
func (p *fullAgent) HandleUserText(ctx context.Context, text string) error {
	p.textMu.Lock()
	defer p.textMu.Unlock()
	return p.SessionA.SendUserText(ctx, "[User says]: "+text)
}

// sendRelayText serializes text submission under the per-call lock, waits
// for Session A to go idle, injects context, sends the text item, then
// issues response.create with the translate-only instruction override
// (spec.md §4.13 scenario 3's exact two-message sequence).
func (b *base) sendRelayText(ctx context.Context, text string) error {
	b.textMu.Lock()
	defer b.textMu.Unlock()

	if b.SessionA != nil && b.SessionA.State() == "generating" {
		_ = b.SessionA.WaitForDone(ctx)
	}
	if b.Context != nil && b.Dual != nil {
		_ = b.Context.InjectContext(ctx, b.Dual.SessionA)
	}
	if b.Dual == nil {
		return nil
	}
	if err := b.Dual.SessionA.SendContextItem(ctx, "[User says in "+b.Call.SourceLanguage+"]: "+text); err != nil {
		return err
	}
	return b.Dual.SessionA.CreateResponse(ctx, relayTextOverride(b.Call.SourceLanguage, b.Call.TargetLanguage))
}

// playFillerOnce plays a one-shot filler utterance when the user starts
// typing a reply, but only once per call and only once a real user turn
// already exists (spec.md §4.13's text-to-voice typing-filler rule).
func (b *base) playFillerOnce() {
	b.textMu.Lock()
	defer b.textMu.Unlock()
	if b.fillerPlayed || !b.hasUserTurn || b.SessionA == nil {
		return
	}
	b.fillerPlayed = true
	_ = b.SessionA.SendUserText(context.Background(), guardrailFillerFor(b.Call.TargetLanguage))
}

func guardrailFillerFor(lang string) string {
	switch lang {
	case "ko":
		return "[System]: 잠시만 기다려 주세요..."
	case "ja":
		return "[System]: 少々お待ちください..."
	case "zh":
		return "[System]: 请稍等..."
	default:
		return "[System]: One moment please..."
	}
}

func systemPromptRelay(call *types.Call) string {
	return "You are a real-time interpreter. Translate spoken input from " + call.SourceLanguage + " to " + call.TargetLanguage + ". Speak only the translation, never your own commentary."
}

func systemPromptRelayReverse(call *types.Call) string {
	return "You are a real-time interpreter. Translate spoken input from " + call.TargetLanguage + " to " + call.SourceLanguage + ". Speak only the translation, never your own commentary."
}

func systemPromptAgent(call *types.Call) string {
	return "You are a voice agent placing a call on the user's behalf, speaking " + call.TargetLanguage + " with the recipient and reporting back in " + call.SourceLanguage + " via the tools provided."
}
