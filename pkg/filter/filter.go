package filter

import (
	"strings"
	"unicode"
)

// Func reports whether text contains disallowed content. Pure and
// synchronous; the stream engine calls it before any store interaction.
type Func func(text string) bool

// defaultBlocklist seeds the word filter. Deployments extend it via
// moderation.blocklist in the config file.
var defaultBlocklist = []string{
	"fuck", "shit", "bitch", "asshole", "bastard", "cunt", "dickhead",
}

// leet maps common character substitutions back to letters before matching.
var leet = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '$': 's', '@': 'a',
}

// Profanity is a word-boundary blocklist matcher.
type Profanity struct {
	words map[string]struct{}
}

// NewProfanity builds a matcher over the default blocklist plus any extra
// configured words.
func NewProfanity(extra []string) *Profanity {
	p := &Profanity{words: make(map[string]struct{}, len(defaultBlocklist)+len(extra))}
	for _, w := range defaultBlocklist {
		p.words[w] = struct{}{}
	}
	for _, w := range extra {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			p.words[w] = struct{}{}
		}
	}
	return p
}

// ContainsProfanity reports whether any normalized word of text is on the
// blocklist. Matching is case-insensitive and folds common leet-speak
// substitutions.
func (p *Profanity) ContainsProfanity(text string) bool {
	for _, word := range splitWords(text) {
		if _, ok := p.words[word]; ok {
			return true
		}
	}
	return false
}

func splitWords(text string) []string {
	norm := make([]rune, 0, len(text))
	for _, r := range strings.ToLower(text) {
		if m, ok := leet[r]; ok {
			r = m
		}
		norm = append(norm, r)
	}
	return strings.FieldsFunc(string(norm), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
