// Package words applies transcript corrections and counts target words.
// The dictionaries are injected data; the defaults here track the Singlish
// particles the recording product scores.
package words

import (
	"sort"
	"strings"
)

// DefaultCorrections maps common ASR mishearings onto the intended word.
// Multi-word phrases are matched before single words.
var DefaultCorrections = map[string]string{
	"while up":   "walao",
	"wa lao":     "walao",
	"wah lao":    "walao",
	"cheap buy":  "cheebai",
	"chee bye":   "cheebai",
	"lunch hour": "lanjiao",
	"lan jiao":   "lanjiao",
	"la":         "lah",
	"low":        "lor",
	"leh":        "lah",
	"seh":        "sia",
}

// DefaultTargetWords are the words counted per speaker.
var DefaultTargetWords = []string{
	"walao", "cheebai", "lanjiao", "lah", "lor", "sia",
	"meh", "can", "paiseh", "shiok", "sian",
}

// Processor applies a correction dictionary and counts target words.
type Processor struct {
	corrections []correction
	targets     map[string]bool
}

type correction struct {
	from string
	to   string
}

// NewProcessor builds a Processor from a correction map and target list.
func NewProcessor(corrections map[string]string, targetWords []string) *Processor {
	p := &Processor{targets: make(map[string]bool, len(targetWords))}
	for from, to := range corrections {
		p.corrections = append(p.corrections, correction{from: from, to: to})
	}
	// Longer phrases first so "wa lao" wins over "la".
	sort.Slice(p.corrections, func(i, j int) bool {
		if len(p.corrections[i].from) != len(p.corrections[j].from) {
			return len(p.corrections[i].from) > len(p.corrections[j].from)
		}
		return p.corrections[i].from < p.corrections[j].from
	})
	for _, w := range targetWords {
		p.targets[strings.ToLower(w)] = true
	}
	return p
}

// NewDefaultProcessor builds a Processor with the default dictionaries.
func NewDefaultProcessor() *Processor {
	return NewProcessor(DefaultCorrections, DefaultTargetWords)
}

// ApplyCorrections rewrites known mishearings in the transcript. Matching is
// case-insensitive and token-bounded; punctuation around tokens survives.
func (p *Processor) ApplyCorrections(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, c := range p.corrections {
		out = replaceTokens(out, c.from, c.to)
	}
	return out
}

// replaceTokens replaces whole-token occurrences of phrase in text.
func replaceTokens(text, phrase, repl string) string {
	phraseTokens := strings.Fields(strings.ToLower(phrase))
	tokens := strings.Fields(text)
	if len(phraseTokens) == 0 || len(tokens) < len(phraseTokens) {
		return text
	}

	var out []string
	for i := 0; i < len(tokens); {
		if matchAt(tokens, i, phraseTokens) {
			out = append(out, repl)
			i += len(phraseTokens)
			continue
		}
		out = append(out, tokens[i])
		i++
	}
	return strings.Join(out, " ")
}

func matchAt(tokens []string, i int, phrase []string) bool {
	if i+len(phrase) > len(tokens) {
		return false
	}
	for j, want := range phrase {
		if normalizeToken(tokens[i+j]) != want {
			return false
		}
	}
	return true
}

// CountTargetWords returns {word: count} for every target word found in the
// text. Words absent from the text are absent from the map.
func (p *Processor) CountTargetWords(text string) map[string]int {
	counts := make(map[string]int)
	for _, token := range strings.Fields(text) {
		w := normalizeToken(token)
		if p.targets[w] {
			counts[w]++
		}
	}
	return counts
}

// normalizeToken lowercases and strips surrounding punctuation.
func normalizeToken(token string) string {
	return strings.Trim(strings.ToLower(token), ".,!?;:\"'()[]")
}
