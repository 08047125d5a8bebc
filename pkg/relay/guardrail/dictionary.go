// Package guardrail implements the three-level content-safety classifier
// (Level 1 pass / Level 2 async correction / Level 3 synchronous TTS block)
// driven off streamed response text deltas, grounded on original_source's
// guardrail/checker.py, filter.py, dictionary.py, and fallback_llm.py, per
// spec.md §4.14.
package guardrail

// bannedWords are Level-3 triggers (profanity/abuse) per target language,
// grounded on dictionary.py's BANNED_WORDS.
var bannedWords = map[string][]string{
	"ko": {"씨발", "시발", "개새끼", "병신", "지랄", "미친놈", "미친년", "꺼져", "닥쳐"},
	"en": {"fuck", "shit", "bitch", "asshole", "bastard"},
	"ja": {"くそ", "バカ", "死ね", "うざい"},
	"zh": {"他妈", "妈的", "傻逼", "混蛋"},
}

// correctionMap holds informal -> formal substitutions, Level-2 triggers,
// grounded on dictionary.py's CORRECTION_MAP.
var correctionMap = map[string]map[string]string{
	"ko": {
		"뭐야": "무엇인가요", "알겠어": "알겠습니다", "고마워": "감사합니다",
		"미안해": "죄송합니다", "그래": "네, 그렇습니다", "됐어": "되었습니다",
		"몰라": "모르겠습니다", "줘": "주세요", "해줘": "해주세요",
	},
	"ja": {"やって": "お願いします", "ちょうだい": "ください"},
}

// fillerText is played to the recipient while a Level-3 block is being
// corrected, grounded on dictionary.py's FILLER_TEXT.
var fillerText = map[string]string{
	"ko": "잠시만요.",
	"en": "One moment, please.",
	"ja": "少々お待ちください。",
	"zh": "请稍等。",
}

func bannedWordsFor(lang string) []string {
	return bannedWords[lang]
}

func correctionMapFor(lang string) map[string]string {
	return correctionMap[lang]
}

// FillerText returns the "one moment" phrase for lang, falling back to
// English when the language has no dedicated filler.
func FillerText(lang string) string {
	if t, ok := fillerText[lang]; ok {
		return t
	}
	return fillerText["en"]
}
