package memory

// SimilarityFunc scores how alike two note texts are, in [0, 1]. It is a
// pluggable strategy so the ratio-based default can be swapped for a semantic
// measure without touching the enrichment pipeline's control flow.
type SimilarityFunc func(old, new string) float64

// DefaultSimilarityThreshold is the ratio at or above which a rewritten notes
// text is considered a paraphrase of the old one and discarded.
const DefaultSimilarityThreshold = 0.65

// SequenceRatio is the default SimilarityFunc: twice the length of the
// longest common subsequence of the two strings divided by their combined
// length. Notes are short (one or two sentences), so the quadratic dynamic
// program stays cheap.
func SequenceRatio(old, new string) float64 {
	a := []rune(old)
	b := []rune(new)
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	// Two-row LCS table.
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}

	matched := prev[len(b)]
	return 2 * float64(matched) / float64(len(a)+len(b))
}

// significantChange reports whether new differs enough from old to be worth
// storing, under the given similarity function and threshold.
func significantChange(sim SimilarityFunc, threshold float64, old, new string) bool {
	return sim(old, new) < threshold
}
