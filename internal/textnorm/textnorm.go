// Package textnorm normalizes complaint text for matching.
//
// Normalize lowercases and drops punctuation-only tokens. Keyword and
// structural-marker matching must run on Lower output instead, so that
// exact phrases survive untouched.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Options selects optional normalization modes.
type Options struct {
	// DropStopWords removes common English function words. Only the
	// similarity matcher uses it.
	DropStopWords bool
}

// Lower returns the text lowercased with surrounding whitespace trimmed.
// A cases.Caser is stateful, so one is built per call.
func Lower(s string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(s))
}

// Normalize lowercases s, removes punctuation-only tokens and collapses
// whitespace. Empty input yields "". Normalize(Normalize(x)) == Normalize(x).
func Normalize(s string) string {
	return NormalizeWith(s, Options{})
}

// NormalizeWith is Normalize with optional modes applied.
func NormalizeWith(s string, opts Options) string {
	return strings.Join(Tokens(s, opts), " ")
}

// Tokens returns the normalized whitespace-separated tokens of s.
func Tokens(s string, opts Options) []string {
	if s == "" {
		return nil
	}
	fields := strings.Fields(Lower(s))
	out := fields[:0]
	for _, f := range fields {
		if punctOnly(f) {
			continue
		}
		if opts.DropStopWords {
			if _, ok := stopWords[strings.TrimFunc(f, isPunct)]; ok {
				continue
			}
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ContainsWord reports whether phrase occurs in text as a whole word,
// case-insensitively. A match must not be preceded or followed by a
// letter, digit or underscore, so "spn" does not match "crispness".
func ContainsWord(text, phrase string) bool {
	phrase = Lower(phrase)
	if phrase == "" {
		return false
	}
	return containsWordLower(Lower(text), phrase)
}

// containsWordLower is ContainsWord for inputs that are already lowercased.
func containsWordLower(text, phrase string) bool {
	for off := 0; off <= len(text)-len(phrase); {
		i := strings.Index(text[off:], phrase)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(phrase)
		if !wordRuneBefore(text, start) && !wordRuneAfter(text, end) {
			return true
		}
		off = start + 1
	}
	return false
}

// Matcher tests many texts against one pre-lowered phrase.
type Matcher struct {
	phrase string
}

// NewMatcher returns a whole-word matcher for phrase.
func NewMatcher(phrase string) Matcher {
	return Matcher{phrase: Lower(phrase)}
}

// Match reports whether lowered text contains the phrase as a whole word.
// The caller must pass text already run through Lower or Normalize.
func (m Matcher) Match(loweredText string) bool {
	if m.phrase == "" {
		return false
	}
	return containsWordLower(loweredText, m.phrase)
}

func wordRuneBefore(s string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return isWordRune(r)
}

func wordRuneAfter(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return isWordRune(r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func punctOnly(tok string) bool {
	for _, r := range tok {
		if !isPunct(r) {
			return false
		}
	}
	return true
}
