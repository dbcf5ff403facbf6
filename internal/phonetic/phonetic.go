// Package phonetic scores how closely a learner's spoken attempt matches the
// target content of a REPEAT action.
//
// Both strings are normalised first: lower-cased, punctuation removed and,
// for Latin-script targets, accents folded, so "Buenos días." and
// "buenos dias" compare equal. The similarity is then the best of three
// Jaro-Winkler strategies:
//
//  1. Full-string comparison.
//  2. Space-stripped comparison, for transcripts that split or merge words.
//  3. Per-token alignment: every target token is paired with its most similar
//     spoken token, averaged, and scaled down when the learner said many
//     more words than asked.
//
// For Latin-script targets, Double Metaphone codes add a second, lower bar:
// when every target token has a phonetically equivalent spoken token, the
// attempt counts as matched at the phonetic threshold. Speech-to-text often
// spells a correctly pronounced word differently, and a learner should not be
// told to repeat it again.
package phonetic

import (
	"math"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/MrWong99/linguavox/internal/tutor"
)

const (
	defaultThreshold         = 0.85
	defaultPhoneticThreshold = 0.70
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum similarity for a match on string similarity
// alone. Default: 0.85.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// WithPhoneticThreshold sets the minimum similarity for a match when every
// target token is phonetically aligned. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// Matcher compares repeat attempts with their targets. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	threshold         float64
	phoneticThreshold float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		threshold:         defaultThreshold,
		phoneticThreshold: defaultPhoneticThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Compare scores spoken against target. Similarity is in [0, 1], rounded to
// three decimals.
func (m *Matcher) Compare(target, spoken string) tutor.RepeatAttempt {
	attempt := tutor.RepeatAttempt{Target: target}

	latin := tutor.IsLatinScript(target)
	nt := normalize(target, latin)
	ns := normalize(spoken, latin)
	if nt == "" || ns == "" {
		return attempt
	}
	if nt == ns {
		attempt.Similarity = 1
		attempt.Matched = true
		return attempt
	}

	targetTokens := strings.Fields(nt)
	spokenTokens := strings.Fields(ns)
	score := similarity(targetTokens, spokenTokens, nt, ns)
	attempt.Similarity = math.Round(score*1000) / 1000

	switch {
	case score >= m.threshold:
		attempt.Matched = true
	case latin && score >= m.phoneticThreshold && aligned(targetTokens, spokenTokens):
		attempt.Matched = true
	}
	return attempt
}

// Normalize returns the comparison form of s.
func Normalize(s string) string {
	return normalize(s, tutor.IsLatinScript(s))
}

func normalize(s string, foldAccents bool) string {
	if foldAccents {
		t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		if folded, _, err := transform.String(t, s); err == nil {
			s = folded
		}
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r), unicode.Is(unicode.Mn, r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r), r == '-', r == '\'':
			return ' '
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func similarity(targetTokens, spokenTokens []string, target, spoken string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(target, spoken, false)

	// Strategy 2: concatenated.
	if len(targetTokens) > 1 || len(spokenTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(targetTokens, ""), strings.Join(spokenTokens, ""), false); s > score {
			score = s
		}
	}

	// Strategy 3: per-token alignment.
	var sum float64
	for _, tt := range targetTokens {
		var best float64
		for _, st := range spokenTokens {
			if s := matchr.JaroWinkler(tt, st, false); s > best {
				best = s
			}
		}
		sum += best
	}
	coverage := float64(len(targetTokens)) / float64(max(len(targetTokens), len(spokenTokens)))
	if s := sum / float64(len(targetTokens)) * coverage; s > score {
		score = s
	}
	return score
}

// aligned reports whether every target token shares a Double Metaphone code
// with some spoken token.
func aligned(targetTokens, spokenTokens []string) bool {
	spokenCodes := codesForTokens(spokenTokens)
	for _, tt := range targetTokens {
		if !codesOverlap(codesForTokens([]string{tt}), spokenCodes) {
			return false
		}
	}
	return true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
