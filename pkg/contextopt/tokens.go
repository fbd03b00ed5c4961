package contextopt

import "strings"

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// overlapRatio is the share of the user input's tokens present in
// content. Returns the raw counts so callers can apply their own
// thresholds and bonuses.
func overlapRatio(content, userInput string) (ratio float64, overlap, inputCount int) {
	inputTokens := tokenSet(userInput)
	if len(inputTokens) == 0 {
		return 0, 0, 0
	}
	contentTokens := tokenSet(content)
	for tok := range inputTokens {
		if _, ok := contentTokens[tok]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(inputTokens)), overlap, len(inputTokens)
}

// relevanceScore measures keyword overlap of content against the current
// user input: overlap ratio over the input's tokens, +0.3 when the whole
// input appears verbatim in the content, +0.2 when at least 70% of the
// input tokens overlap. Capped at 1.0. Shared between selection and the
// injection-time quality gate.
func relevanceScore(content, userInput string) float64 {
	ratio, overlap, inputCount := overlapRatio(content, userInput)
	if inputCount == 0 {
		return 0
	}
	score := ratio
	if strings.Contains(strings.ToLower(content), strings.ToLower(userInput)) {
		score += 0.3
	}
	if float64(overlap) >= 0.7*float64(inputCount) {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func truncateContent(content string, max int) string {
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}
