package session

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/types"
)

// DualSessionManager owns Session A (outbound translation, user->recipient)
// and Session B (inbound translation, recipient->user), grounded on
// original_source's DualSessionManager in sessions/session_manager.py.
// Session B always uses null turn-detection (LocalVAD drives commits) and
// always has input-transcription enabled so stage-1 captions are available
// independent of translation, per spec.md §4.5.
type DualSessionManager struct {
	SessionA *RealtimeSession
	SessionB *RealtimeSession
}

// NewDualSessionManager constructs Session A and Session B with
// mode-appropriate configurations per spec.md §4.5.
func NewDualSessionManager(mode types.CallMode, sourceLang, targetLang string, vadMode types.VadMode, upstreamURL string, header http.Header, dial Dialer, log logging.Logger, b2bModalities []string) *DualSessionManager {
	cfgA := types.SessionConfig{
		Label:             "A",
		Mode:              mode,
		SourceLanguage:    sourceLang,
		TargetLanguage:    targetLang,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "g711_ulaw",
		VadMode:           vadMode,
		Modalities:        []string{"text", "audio"},
	}
	cfgB := types.SessionConfig{
		Label:             "B",
		Mode:              mode,
		SourceLanguage:    targetLang,
		TargetLanguage:    sourceLang,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "pcm16",
		// Session B's turn-detection is always null: LocalVAD (or
		// SessionBHandler's own debounce/silence-timeout machinery) drives
		// commits, per spec.md §4.5/§4.7, never the upstream's server_vad.
		VadMode: types.VadClient,
		InputAudioTranscription: map[string]string{
			"model":    "whisper-1",
			"language": targetLang,
		},
		Modalities: b2bModalities,
	}

	return &DualSessionManager{
		SessionA: New("SessionA", cfgA, upstreamURL, header, dial, log),
		SessionB: New("SessionB", cfgB, upstreamURL, header, dial, log),
	}
}

// Connect connects both sessions concurrently; on any failure, closes both.
func (d *DualSessionManager) Connect(ctx context.Context, promptA, promptB string, toolsA, toolsB []map[string]any) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.SessionA.Connect(ctx, promptA, toolsA) })
	g.Go(func() error { return d.SessionB.Connect(ctx, promptB, toolsB) })
	if err := g.Wait(); err != nil {
		_ = d.Close()
		return err
	}
	return nil
}

// ListenAll runs both sessions' read loops concurrently until both return.
func (d *DualSessionManager) ListenAll(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error { d.SessionA.Listen(ctx); return nil })
	g.Go(func() error { d.SessionB.Listen(ctx); return nil })
	_ = g.Wait()
}

// Close closes both sessions.
func (d *DualSessionManager) Close() error {
	_ = d.SessionA.Close()
	_ = d.SessionB.Close()
	return nil
}
