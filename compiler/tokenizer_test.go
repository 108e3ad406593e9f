package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	vocab := []string{FlagVariable, FlagOperator, FlagMatch, FlagSelector, FlagPhase, FlagTarget}

	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{
			name:  "all flags",
			input: "--v ARGS --o contains --m foo bar --rort 942100 --p 2 --t ARGS:comment",
			want: map[string]string{
				"v": "ARGS", "o": "contains", "m": "foo bar", "rort": "942100", "p": "2", "t": "ARGS:comment",
			},
		},
		{
			name:  "order insensitive",
			input: "--p 1 --rort 1,2 --v REQUEST_URI",
			want:  map[string]string{"p": "1", "rort": "1,2", "v": "REQUEST_URI"},
		},
		{
			name:  "unknown marker is literal",
			input: "--m select --x from --p 2",
			want:  map[string]string{"m": "select --x from", "p": "2"},
		},
		{
			name:  "marker glued to text is literal",
			input: "--m a--v b --p 2",
			want:  map[string]string{"m": "a--v b", "p": "2"},
		},
		{
			name:  "empty value",
			input: "--v --p 2",
			want:  map[string]string{"v": "", "p": "2"},
		},
		{
			name:  "last occurrence wins",
			input: "--p 1 --p 2",
			want:  map[string]string{"p": "2"},
		},
		{
			name:  "non-ASCII before marker is not a separator",
			input: "--m voilà--p 1 --p 2",
			want:  map[string]string{"m": "voilà--p 1", "p": "2"},
		},
		{
			name:  "no-break space is not a separator",
			input: "--m a\u00a0--p 1 --p 2",
			want:  map[string]string{"m": "a\u00a0--p 1", "p": "2"},
		},
		{
			name:  "no flags",
			input: "hello world",
			want:  map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := Tokenize(tt.input, vocab)
			assert.Equal(t, len(tt.want), flags.Len())
			for name, want := range tt.want {
				got, ok := flags.Lookup(name)
				assert.True(t, ok, "flag %s should be present", name)
				assert.Equal(t, want, got, "flag %s", name)
			}
		})
	}
}

func TestFlags_AbsentVersusEmpty(t *testing.T) {
	flags := Tokenize("--v --o contains", []string{FlagVariable, FlagOperator, FlagMatch})

	v, ok := flags.Lookup(FlagVariable)
	assert.True(t, ok)
	assert.Empty(t, v)
	assert.False(t, flags.Present(FlagVariable))

	_, ok = flags.Lookup(FlagMatch)
	assert.False(t, ok)
}

func TestFlags_First(t *testing.T) {
	flags := Tokenize("--v ARGS:id extra words", []string{FlagVariable})
	assert.Equal(t, "ARGS:id", flags.First(FlagVariable))
	assert.Equal(t, "", flags.First(FlagPhase))
}
