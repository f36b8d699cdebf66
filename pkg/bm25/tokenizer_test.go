package bm25

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "simple words",
			input: "Hello World",
			want:  []string{"hello", "world"},
		},
		{
			name:  "punctuation splits",
			input: "foo-bar, baz.qux!",
			want:  []string{"foo", "bar", "baz", "qux"},
		},
		{
			name:  "digits kept",
			input: "error 404 page",
			want:  []string{"error", "404", "page"},
		},
		{
			name:  "cjk single characters",
			input: "日本語のtext",
			want:  []string{"日", "本", "語", "の", "text"},
		},
		{
			name:  "hangul single characters",
			input: "한국 words",
			want:  []string{"한", "국", "words"},
		},
		{
			name:  "stopwords not removed",
			input: "the quick and the dead",
			want:  []string{"the", "quick", "and", "the", "dead"},
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
		{
			name:  "only punctuation",
			input: "!!! ... ???",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.input))
		})
	}
}

// Lowercasing the input must not change the token set.
func TestTokenizeCaseFoldInvariant(t *testing.T) {
	inputs := []string{
		"The Quick BROWN Fox",
		"MixedCase-Hyphenated_Words 123",
		"ÜBER straße",
	}
	for _, input := range inputs {
		assert.Equal(t, Tokenize(strings.ToLower(input)), Tokenize(input), "input %q", input)
	}
}
