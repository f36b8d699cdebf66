package bm25

import (
	"strings"
	"unicode"
)

// cjkTables covers scripts whose text carries no word boundaries. Each
// codepoint from these scripts becomes its own token so that keyword search
// works without a segmenter.
var cjkTables = []*unicode.RangeTable{
	unicode.Han,
	unicode.Hiragana,
	unicode.Katakana,
	unicode.Hangul,
}

func isCJK(r rune) bool {
	for _, table := range cjkTables {
		if unicode.Is(table, r) {
			return true
		}
	}
	return false
}

// Tokenize splits text into case-folded terms. Runs of letters and digits
// form one token, everything else separates tokens, and CJK codepoints are
// emitted as single-character tokens. No stopwords are removed.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flush()
			tokens = append(tokens, string(unicode.ToLower(r)))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// uniqueTokens returns the distinct tokens of text.
func uniqueTokens(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}
