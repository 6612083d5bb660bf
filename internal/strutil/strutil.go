// Package strutil provides the similarity primitives the differ uses to
// tell a rename apart from a drop-and-add: edit distance, a plural/singular
// name heuristic, and Jaccard overlap over small sets.
package strutil

import "strings"

// LevenshteinDistance computes the case-insensitive edit distance between
// a and b, keeping a single live row of the dynamic-programming table.
// The entry a row write would clobber is still needed as the diagonal
// for the next column's substitution cost, so it's stashed in diag
// before each overwrite rather than kept in a whole second row.
func LevenshteinDistance(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}

	for i := 1; i <= len(a); i++ {
		diag := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			above := row[j]
			substCost := 1
			if a[i-1] == b[j-1] {
				substCost = 0
			}
			row[j] = smallest(row[j-1]+1, above+1, diag+substCost)
			diag = above
		}
	}

	return row[len(b)]
}

func smallest(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Singularize applies the plural->singular heuristic: "ies" -> "y", a
// trailing "s" is dropped, anything else is returned unchanged.
func Singularize(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "ies") && len(lower) > 3:
		return lower[:len(lower)-3] + "y"
	case strings.HasSuffix(lower, "s") && len(lower) > 1:
		return lower[:len(lower)-1]
	default:
		return lower
	}
}

// NameSimilarity scores how similar two identifiers are, in [0,1]. Names
// that reduce to the same singular form (e.g. "users"/"user") score 1.0;
// otherwise falls back to normalized edit distance.
func NameSimilarity(a, b string) float64 {
	if Singularize(a) == Singularize(b) {
		return 1.0
	}
	return normalizedEditSimilarity(a, b)
}

func normalizedEditSimilarity(a, b string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := LevenshteinDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

// JaccardSimilarity returns |a ∩ b| / |a ∪ b| for two string sets,
// deduplicating either input as needed. Two empty sets are considered
// identical (score 1.0).
func JaccardSimilarity(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}

	intersection := 0
	for k := range setA {
		if setB[k] {
			intersection++
		}
	}

	union := len(setA)
	for k := range setB {
		if !setA[k] {
			union++
		}
	}
	if union == 0 {
		return 1.0
	}

	return float64(intersection) / float64(union)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
