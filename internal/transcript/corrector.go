package transcript

import (
	"strings"

	"github.com/parleyvoice/parley/internal/transcript/phonetic"
)

// Correction records a single substitution applied to a transcript.
type Correction struct {
	// Heard is the text span as produced by the recognition engine.
	Heard string

	// Term is the vocabulary term it was replaced with.
	Term string

	// Score is the similarity score that justified the substitution.
	Score float64
}

// Matcher resolves a heard word or phrase to a vocabulary term.
// [phonetic.Matcher] is the production implementation.
type Matcher interface {
	Match(heard string, vocab []string) (term string, score float64, ok bool)
}

// Corrector rewrites finalized transcript text against a configured
// vocabulary before it reaches the sinks, fixing words the recognition
// engine predictably mishears. It is read-only after construction and safe
// for concurrent use.
type Corrector struct {
	matcher   Matcher
	vocab     []string
	maxWindow int
}

// NewCorrector builds a corrector for the given vocabulary. A nil matcher
// defaults to [phonetic.New].
func NewCorrector(vocab []string, matcher Matcher) *Corrector {
	if matcher == nil {
		matcher = phonetic.New()
	}
	maxWindow := 1
	for _, v := range vocab {
		if n := len(strings.Fields(v)); n > maxWindow {
			maxWindow = n
		}
	}
	return &Corrector{
		matcher:   matcher,
		vocab:     vocab,
		maxWindow: maxWindow,
	}
}

// Correct applies vocabulary substitutions to text and returns the corrected
// text plus the list of substitutions made. Longer spans win: at each token
// position, n-gram windows are tried from the widest vocabulary term down to
// a single word, so multi-word terms beat partial matches.
func (c *Corrector) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(c.vocab) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		width := c.maxWindow
		if i+width > len(tokens) {
			width = len(tokens) - i
		}

		matched := false
		for n := width; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, score, ok := c.matcher.Match(window, c.vocab)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Heard: window,
				Term:  term,
				Score: score,
			})
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}
