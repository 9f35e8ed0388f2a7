package llm

import (
	"strings"
	"unicode/utf8"
)

// Complexity is the routing hint derived from a user message.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// DefaultLengthThreshold is the message length, in runes, above which a
// message with no matching pattern counts as complex.
const DefaultLengthThreshold = 100

// Default pattern lists. Matching is a case-insensitive substring test, so
// word stems cover inflected forms.
var (
	DefaultSimplePatterns = []string{
		"добав", "запиш", "создай", "напомни",
		"список", "покупк", "задач",
		"что у меня", "покажи", "когда",
		"удали", "отмени",
		"add", "remind", "list", "show", "delete", "cancel",
	}
	DefaultComplexPatterns = []string{
		"проанализируй", "сравни", "объясни",
		"как лучше", "посоветуй", "помоги разобраться",
		"что думаешь", "распиши подробно",
		"analyze", "analyse", "compare", "explain", "advise", "in detail",
	}
)

// Classifier maps a message to a complexity hint. Implementations must be
// pure: the same message always yields the same result.
type Classifier interface {
	Classify(message string) Complexity
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(message string) Complexity

// Classify calls f.
func (f ClassifierFunc) Classify(message string) Complexity { return f(message) }

// KeywordClassifier classifies by pattern lists and message length.
//
// Complex patterns are checked first, then simple patterns. A message that
// matches neither is complex when longer than LengthThreshold runes.
type KeywordClassifier struct {
	SimplePatterns  []string
	ComplexPatterns []string
	LengthThreshold int
}

var _ Classifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier returns a classifier with the given lists. Nil lists
// and a non-positive threshold fall back to the defaults.
func NewKeywordClassifier(simple, complex []string, threshold int) *KeywordClassifier {
	if simple == nil {
		simple = DefaultSimplePatterns
	}
	if complex == nil {
		complex = DefaultComplexPatterns
	}
	if threshold <= 0 {
		threshold = DefaultLengthThreshold
	}
	return &KeywordClassifier{
		SimplePatterns:  lowerAll(simple),
		ComplexPatterns: lowerAll(complex),
		LengthThreshold: threshold,
	}
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(message string) Complexity {
	if strings.TrimSpace(message) == "" {
		return ComplexitySimple
	}
	lower := strings.ToLower(message)

	for _, p := range c.ComplexPatterns {
		if p != "" && strings.Contains(lower, p) {
			return ComplexityComplex
		}
	}
	for _, p := range c.SimplePatterns {
		if p != "" && strings.Contains(lower, p) {
			return ComplexitySimple
		}
	}

	threshold := c.LengthThreshold
	if threshold <= 0 {
		threshold = DefaultLengthThreshold
	}
	if utf8.RuneCountInString(message) > threshold {
		return ComplexityComplex
	}
	return ComplexitySimple
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
