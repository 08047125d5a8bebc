package guardrail

import "strings"

// MatchCategory classifies why TextFilter flagged a span of text.
type MatchCategory string

const (
	CategoryProfanity MatchCategory = "profanity"
	CategoryCasual    MatchCategory = "casual"
)

// Match is one flagged span, grounded on filter.py's FilterMatch.
type Match struct {
	Category   MatchCategory
	MatchedText string
	Position   int
	Suggestion string
}

// FilterResult is the outcome of running TextFilter.Check.
type FilterResult struct {
	Matches []Match
}

func (r FilterResult) HasProfanity() bool {
	for _, m := range r.Matches {
		if m.Category == CategoryProfanity {
			return true
		}
	}
	return false
}

func (r FilterResult) HasInformal() bool {
	for _, m := range r.Matches {
		if m.Category == CategoryCasual {
			return true
		}
	}
	return false
}

func (r FilterResult) IsClean() bool {
	return len(r.Matches) == 0
}

// TextFilter is the rule-based keyword matcher used before falling back to
// the LLM corrector, grounded on filter.py's TextFilter.
type TextFilter struct {
	lang          string
	bannedWords   []string
	correctionMap map[string]string
}

func NewTextFilter(lang string) *TextFilter {
	return &TextFilter{
		lang:          lang,
		bannedWords:   bannedWordsFor(lang),
		correctionMap: correctionMapFor(lang),
	}
}

// Check scans text for banned words (Level 3) and casual/informal
// expressions (Level 2), in that priority order.
func (f *TextFilter) Check(text string) FilterResult {
	var result FilterResult
	if strings.TrimSpace(text) == "" {
		return result
	}

	lower := strings.ToLower(text)
	for _, word := range f.bannedWords {
		if idx := strings.Index(lower, strings.ToLower(word)); idx != -1 {
			result.Matches = append(result.Matches, Match{
				Category:    CategoryProfanity,
				MatchedText: word,
				Position:    idx,
			})
		}
	}

	for casual, formal := range f.correctionMap {
		idx := strings.Index(text, casual)
		if idx == -1 {
			continue
		}
		alreadyMatched := false
		for _, m := range result.Matches {
			if m.Position == idx {
				alreadyMatched = true
				break
			}
		}
		if !alreadyMatched {
			result.Matches = append(result.Matches, Match{
				Category:    CategoryCasual,
				MatchedText: casual,
				Position:    idx,
				Suggestion:  formal,
			})
		}
	}

	return result
}
