// Package phonetic matches misrecognized words against a configured
// vocabulary using Double Metaphone codes with Jaro-Winkler ranking.
//
// Recognition engines routinely garble uncommon proper nouns — contact
// names, product names, invented words. The matcher finds the vocabulary
// term whose pronunciation best explains what the engine heard:
//
//  1. Candidate filtering: a term qualifies when any of its Double Metaphone
//     codes overlaps with a code of the input.
//  2. Ranking: qualifying terms are ordered by Jaro-Winkler similarity on
//     the original strings (case-insensitive) and accepted above a
//     configurable threshold. Without any phonetic candidate a stricter
//     pure-similarity fallback applies.
//
// Multi-word terms are supported; codes are computed per word and the best
// pairwise similarity across word pairs contributes to the ranking.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for accepting a
// phonetically qualified term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the fallback
// pass used when no term qualifies phonetically. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher resolves heard words to vocabulary terms. It is read-only after
// construction and therefore safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the vocabulary term most phonetically similar to heard.
//
// heard may be a single word or a space-separated phrase; phrase inputs are
// compared token-wise against multi-word terms as well as whole. When ok is
// false, term equals heard unchanged and score is 0.
func (m *Matcher) Match(heard string, vocab []string) (term string, score float64, ok bool) {
	if len(vocab) == 0 || strings.TrimSpace(heard) == "" {
		return heard, 0, false
	}

	heardLower := strings.ToLower(strings.TrimSpace(heard))
	heardTokens := strings.Fields(heardLower)
	heardCodes := codeSet(heardTokens)

	var (
		bestTerm     string
		bestScore    float64
		bestPhonetic bool
	)

	for _, v := range vocab {
		vLower := strings.ToLower(strings.TrimSpace(v))
		if vLower == "" {
			continue
		}
		vTokens := strings.Fields(vLower)

		phonetic := overlaps(heardCodes, codeSet(vTokens))
		jw := similarity(heardTokens, vTokens, heardLower, vLower)

		if phonetic {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				bestTerm, bestScore, bestPhonetic = v, jw, true
			}
		} else if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			bestTerm, bestScore = v, jw
		}
	}

	if bestTerm != "" {
		return bestTerm, bestScore, true
	}
	return heard, 0, false
}

// codeSet returns the union of Double Metaphone codes across tokens. Tokens
// too short to yield a code contribute nothing.
func codeSet(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// overlaps reports whether the two code sets share at least one code.
func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, found := b[code]; found {
			return true
		}
	}
	return false
}

// similarity computes the highest Jaro-Winkler score between the heard text
// and a term: full strings, space-stripped concatenations, and the best
// pairwise token score all compete.
func similarity(heardTokens, termTokens []string, heardFull, termFull string) float64 {
	score := matchr.JaroWinkler(heardFull, termFull, false)

	if len(heardTokens) > 1 || len(termTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(heardTokens, ""), strings.Join(termTokens, ""), false)
		if joined > score {
			score = joined
		}
	}

	for _, ht := range heardTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(ht, tt, false); s > score {
				score = s
			}
		}
	}
	return score
}
