package compiler

import (
	"slices"
	"strings"
)

// Flag names understood by the exception commands. Markers are written
// with a two-dash prefix, e.g. "--rort 942100".
const (
	FlagVariable = "v"
	FlagOperator = "o"
	FlagMatch    = "m"
	FlagSelector = "rort"
	FlagPhase    = "p"
	FlagTarget   = "t"
	FlagID       = "id"
	FlagTag      = "tag"
)

// Flags is the result of tokenizing one command. A flag that was given
// with no text is present with an empty value, which is not the same as
// a flag that was never given.
type Flags struct {
	values map[string]string
}

// Lookup returns the trimmed value of a flag and whether it was present
func (f Flags) Lookup(name string) (string, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Get returns the value of a flag, empty when absent
func (f Flags) Get(name string) string {
	return f.values[name]
}

// Present reports whether the flag was given with a non-empty value
func (f Flags) Present(name string) bool {
	return f.values[name] != ""
}

// First returns the first whitespace-separated token of a flag value.
// Single-word flags (variable, operator, phase, target) ignore anything
// after it.
func (f Flags) First(name string) string {
	fields := strings.Fields(f.values[name])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Len returns the number of flags present
func (f Flags) Len() int {
	return len(f.values)
}

type marker struct {
	name       string
	start      int // index of the first dash
	valueStart int // index just past the flag name
}

// Tokenize splits raw into flag values using only the names in vocabulary.
//
// A marker is "--" followed by a vocabulary name, preceded by the start
// of the input or whitespace, and followed by whitespace or the end of
// the input. Anything else that looks like a flag ("--x", "a--v") is
// literal text of the surrounding value. A value runs up to the next
// recognized marker. If a flag is repeated the last one wins.
func Tokenize(raw string, vocabulary []string) Flags {
	markers := findMarkers(raw, vocabulary)

	values := make(map[string]string, len(markers))
	for i, m := range markers {
		end := len(raw)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		values[m.name] = strings.TrimSpace(raw[m.valueStart:end])
	}
	return Flags{values: values}
}

func findMarkers(raw string, vocabulary []string) []marker {
	var markers []marker
	for i := 0; i+2 <= len(raw); i++ {
		if raw[i] != '-' || raw[i+1] != '-' {
			continue
		}
		if i > 0 && !isSpace(raw[i-1]) {
			continue
		}
		nameStart := i + 2
		nameEnd := nameStart
		for nameEnd < len(raw) && !isSpace(raw[nameEnd]) {
			nameEnd++
		}
		name := raw[nameStart:nameEnd]
		if name == "" || !slices.Contains(vocabulary, name) {
			continue
		}
		markers = append(markers, marker{name: name, start: i, valueStart: nameEnd})
		i = nameEnd - 1
	}
	return markers
}

// isSpace matches ASCII whitespace only; bytes >= 0x80 belong to
// multi-byte UTF-8 sequences and are never separators.
func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
