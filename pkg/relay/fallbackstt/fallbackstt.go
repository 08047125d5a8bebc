// Package fallbackstt implements the batch Whisper client RecoveryManager
// calls during catch-up and degraded-mode batching, grounded on
// original_source's recovery.py _whisper_transcribe and spec.md §4.12, using
// the official github.com/openai/openai-go SDK in place of a hand-rolled
// multipart POST.
package fallbackstt

import (
	"bytes"
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/audio"
)

// Hallucination thresholds named verbatim in original_source's
// recovery.py _whisper_transcribe and carried into spec.md §4.12.
const (
	noSpeechProbThreshold     = 0.7
	compressionRatioThreshold = 2.4
	avgLogprobThreshold       = -1.0
)

// Result summarizes one batch transcription alongside the per-segment
// statistics FilterHallucination needs.
type Result struct {
	Text                string
	AvgNoSpeechProb     float64
	MaxCompressionRatio float64
	AvgLogprob          float64
}

// Transcriber is a batch Whisper client used only for recovery catch-up and
// degraded-mode transcription, never on the realtime hot path.
type Transcriber struct {
	client oai.Client
	model  oai.AudioModel
}

// New constructs a Transcriber backed by the given OpenAI API key.
func New(apiKey string) *Transcriber {
	return &Transcriber{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  oai.AudioModelWhisper1,
	}
}

// Transcribe POSTs a WAV-wrapped audio buffer (see pkg/relay/audio) and
// returns its text plus the segment statistics used for hallucination
// filtering. language is an optional ISO-639-1 hint; empty lets Whisper
// auto-detect.
func (t *Transcriber) Transcribe(ctx context.Context, wavBytes []byte, language string) (Result, error) {
	params := oai.AudioTranscriptionNewParams{
		Model:          t.model,
		File:           oai.File(bytes.NewReader(wavBytes), "recovered.wav", "audio/wav"),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
	}
	if language != "" {
		params.Language = oai.String(language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("fallbackstt: transcribe: %w", err)
	}
	return summarize(resp), nil
}

func summarize(resp *oai.Transcription) Result {
	r := Result{Text: resp.Text}
	if len(resp.Segments) == 0 {
		return r
	}

	var noSpeechSum, logprobSum, maxCompression float64
	for _, seg := range resp.Segments {
		noSpeechSum += seg.NoSpeechProb
		logprobSum += seg.AvgLogprob
		if seg.CompressionRatio > maxCompression {
			maxCompression = seg.CompressionRatio
		}
	}
	n := float64(len(resp.Segments))
	r.AvgNoSpeechProb = noSpeechSum / n
	r.AvgLogprob = logprobSum / n
	r.MaxCompressionRatio = maxCompression
	return r
}

// RecoveryAdapter implements recovery.Transcriber by wrapping raw μ-law
// catch-up audio as a WAV container, transcribing it, and silently
// discarding the result when FilterHallucination flags it — matching
// spec.md §4.12's "discard" language (a filtered hallucination is not an
// error, it is simply nothing to inject).
type RecoveryAdapter struct {
	T          *Transcriber
	Language   string
	SampleRate int
}

// NewRecoveryAdapter constructs a RecoveryAdapter defaulting to 8kHz, the
// carrier's sample rate (spec.md §4.12).
func NewRecoveryAdapter(t *Transcriber, language string) *RecoveryAdapter {
	return &RecoveryAdapter{T: t, Language: language, SampleRate: 8000}
}

// Transcribe satisfies recovery.Transcriber's Transcribe(ctx, []byte) (string, error).
func (a *RecoveryAdapter) Transcribe(ctx context.Context, ulaw []byte) (string, error) {
	wavBytes, err := audio.EncodeULawToWAV(ulaw, a.SampleRate)
	if err != nil {
		return "", fmt.Errorf("fallbackstt: wrap wav: %w", err)
	}
	result, err := a.T.Transcribe(ctx, wavBytes, a.Language)
	if err != nil {
		return "", err
	}
	if FilterHallucination(result) {
		return "", nil
	}
	return result.Text, nil
}

// FilterHallucination reports whether a transcription should be discarded
// as a Whisper hallucination, using the three thresholds named verbatim in
// spec.md §4.12: avg_no_speech_prob > 0.7, max_compression_ratio > 2.4, or
// avg_logprob < -1.0.
func FilterHallucination(r Result) bool {
	return r.AvgNoSpeechProb > noSpeechProbThreshold ||
		r.MaxCompressionRatio > compressionRatioThreshold ||
		r.AvgLogprob < avgLogprobThreshold
}
