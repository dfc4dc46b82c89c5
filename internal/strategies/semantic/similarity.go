package semantic

import (
	"math"
	"sort"
)

// cosine returns the cosine similarity of a and b, or 0 when either has no
// magnitude. Both must have the same length.
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type match struct {
	id       string
	document string
	score    float64
}

// topK orders matches by score, ties by id, and keeps the first k
func topK(matches []match, k int) []match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].id < matches[j].id
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
