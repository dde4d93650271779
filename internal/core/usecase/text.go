package usecase

import (
	"strings"
	"unicode"
)

// splitAlphaNumLower lower-cases s and splits it into runs of letters and digits.
func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

// normalizedPhrase joins the tokens of s with single spaces and pads both ends,
// so phrase lookups can match on whole words with strings.Contains.
func normalizedPhrase(s string) string {
	tokens := splitAlphaNumLower(s)
	if len(tokens) == 0 {
		return ""
	}
	return " " + strings.Join(tokens, " ") + " "
}

func countPhrases(normalized string, phrases []string) int {
	if normalized == "" {
		return 0
	}
	hits := 0
	for _, phrase := range phrases {
		hits += strings.Count(normalized, " "+phrase+" ")
	}
	return hits
}
