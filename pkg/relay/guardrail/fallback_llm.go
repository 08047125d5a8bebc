package guardrail

import (
	"context"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/lokutor-ai/relay-orchestrator/pkg/relay/logging"
)

const defaultFallbackTimeout = 2 * time.Second

var correctionPrompts = map[string]string{
	"ko": "당신은 한국어 교정 전문가입니다.\n입력된 한국어 문장을 해요체(존댓말)로 교정하세요.\n" +
		"원래 의미를 변경하지 마세요. 반말, 비격식 표현, 문법 오류만 수정하세요.\n교정된 문장만 출력하세요.",
	"en": "You are a professional English language editor. Correct the given sentence to be polite and formal. " +
		"Do not change the original meaning. Only fix informal expressions, slang, and grammar errors. Output only the corrected sentence.",
	"ja": "あなたは日本語の校正専門家です。入力された文章を丁寧語（です・ます調）に校正してください。" +
		"元の意味を変えないでください。校正された文章のみ出力してください。",
	"zh": "你是中文校对专家。将输入的句子修改为礼貌正式的表达。不要改变原意。只输出修正后的句子。",
}

func correctionPromptFor(lang string) string {
	if p, ok := correctionPrompts[lang]; ok {
		return p
	}
	return correctionPrompts["en"]
}

// FallbackLLM corrects flagged text via a chat completion, grounded on
// original_source's guardrail/fallback_llm.py: gpt-4o-mini, temperature 0,
// a 2s timeout, with the original text returned unchanged on error/timeout.
type FallbackLLM struct {
	client  oai.Client
	model   string
	timeout time.Duration
	log     logging.Logger
}

// NewFallbackLLM constructs a FallbackLLM bound to an OpenAI API key.
func NewFallbackLLM(apiKey, model string, timeout time.Duration, log logging.Logger) *FallbackLLM {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = defaultFallbackTimeout
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &FallbackLLM{
		client:  oai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
		log:     log,
	}
}

// Correct returns a corrected version of text, or text itself unchanged on
// timeout or error.
func (f *FallbackLLM) Correct(ctx context.Context, text, language string) string {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(f.model),
		Temperature: param.NewOpt(0.0),
		MaxCompletionTokens: param.NewOpt(int64(200)),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(correctionPromptFor(language)),
			oai.UserMessage(text),
		},
	}

	resp, err := f.client.Chat.Completions.New(ctx, params)
	if err != nil {
		f.log.Warn("fallback llm correction failed", "error", err.Error())
		return text
	}
	if len(resp.Choices) == 0 {
		return text
	}
	corrected := strings.TrimSpace(resp.Choices[0].Message.Content)
	if corrected == "" {
		return text
	}
	return corrected
}
