package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minTokenLen keeps short function words ("a", "is", "to") from ever
	// being rewritten into hotwords.
	minTokenLen = 3
)

// CorrectorOption is a functional option for configuring a [Corrector].
type CorrectorOption func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched hotword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) CorrectorOption {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) CorrectorOption {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector rewrites recognised tokens into configured hotwords (proper
// nouns, domain vocabulary) that acoustic models habitually mangle. The
// algorithm follows two stages per token:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the token and each hotword. Overlapping codes make the hotword a
//     candidate.
//  2. Jaro-Winkler ranking: the best-scoring candidate wins, provided it
//     clears the phonetic threshold. Without any phonetic candidate, a pure
//     similarity pass applies with the stricter fuzzy threshold.
//
// A Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	hotwords          []string
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCorrector returns a Corrector for the given hotword list. An empty
// list produces a corrector whose Correct is the identity function.
func NewCorrector(hotwords []string, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		hotwords:          append([]string(nil), hotwords...),
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites tokens of text that phonetically match a hotword.
// Punctuation-free whitespace tokenisation keeps this cheap; text is
// returned unchanged when nothing matches.
func (c *Corrector) Correct(text string) string {
	if len(c.hotwords) == 0 || strings.TrimSpace(text) == "" {
		return text
	}

	tokens := strings.Fields(text)
	changed := false
	for i, tok := range tokens {
		if len(tok) < minTokenLen {
			continue
		}
		if replacement, ok := c.match(tok); ok {
			tokens[i] = replacement
			changed = true
		}
	}
	if !changed {
		return text
	}
	return strings.Join(tokens, " ")
}

// match finds the best hotword for one token. Returns ok=false when the
// token already equals a hotword (case-insensitively) or nothing clears the
// thresholds.
func (c *Corrector) match(token string) (string, bool) {
	lower := strings.ToLower(token)
	for _, hw := range c.hotwords {
		if strings.EqualFold(hw, token) {
			return "", false
		}
	}

	tokPrimary, tokSecondary := matchr.DoubleMetaphone(lower)

	best := ""
	bestScore := 0.0
	bestPhonetic := false
	for _, hw := range c.hotwords {
		hwLower := strings.ToLower(hw)
		hwPrimary, hwSecondary := matchr.DoubleMetaphone(hwLower)
		phonetic := codesOverlap(tokPrimary, tokSecondary, hwPrimary, hwSecondary)
		score := matchr.JaroWinkler(lower, hwLower, true)
		if phonetic && !bestPhonetic {
			// Phonetic candidates always outrank fuzzy-only ones.
			best, bestScore, bestPhonetic = hw, score, true
			continue
		}
		if phonetic == bestPhonetic && score > bestScore {
			best, bestScore = hw, score
		}
	}

	if best == "" {
		return "", false
	}
	threshold := c.fuzzyThreshold
	if bestPhonetic {
		threshold = c.phoneticThreshold
	}
	if bestScore < threshold {
		return "", false
	}
	return best, true
}

// codesOverlap reports whether any non-empty Double Metaphone code is shared
// between the two code pairs.
func codesOverlap(aPrimary, aSecondary, bPrimary, bSecondary string) bool {
	for _, a := range []string{aPrimary, aSecondary} {
		if a == "" {
			continue
		}
		if a == bPrimary || (bSecondary != "" && a == bSecondary) {
			return true
		}
	}
	return false
}
