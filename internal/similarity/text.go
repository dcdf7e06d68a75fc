package similarity

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// TextScores holds the independent string metrics for one attribute pair.
// Every value is in [0, 1].
type TextScores struct {
	Levenshtein float64 `json:"levenshtein"`
	JaroWinkler float64 `json:"jaro_winkler"`
	TokenSet    float64 `json:"token_set"`
}

// Mean averages the metrics.
func (t TextScores) Mean() float64 {
	return (t.Levenshtein + t.JaroWinkler + t.TokenSet) / 3
}

var (
	levenshtein = metrics.NewLevenshtein()
	jaroWinkler = metrics.NewJaroWinkler()
)

// CompareText normalizes a and b and scores them. An empty side scores zero
// on every metric.
func CompareText(a, b string) TextScores {
	a, b = NormalizeName(a), NormalizeName(b)
	if a == "" || b == "" {
		return TextScores{}
	}
	return TextScores{
		Levenshtein: strutil.Similarity(a, b, levenshtein),
		JaroWinkler: strutil.Similarity(a, b, jaroWinkler),
		TokenSet:    tokenSetOverlap(a, b),
	}
}

// NameSimilarity is the mean text score of two names.
func NameSimilarity(a, b string) float64 {
	return CompareText(a, b).Mean()
}

// tokenSetOverlap is the Jaccard index of the word sets of a and b.
func tokenSetOverlap(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	inter := 0
	for _, t := range tb {
		if set[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
