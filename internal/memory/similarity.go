package memory

import "strings"

// tokenize lowercases text and splits it into a set of word tokens.
func tokenize(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?()[]{}\"'`")
		if word != "" {
			set[word] = struct{}{}
		}
	}
	return set
}

// overlapSimilarity computes the word-overlap ratio between two texts:
// intersection size divided by union size of their lowercase token sets.
// Returns 0 when either text has no tokens.
func overlapSimilarity(a, b string) float64 {
	sa := tokenize(a)
	sb := tokenize(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
