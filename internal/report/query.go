package report

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MinQueryScore is the acceptance threshold for validated queries.
const MinQueryScore = 0.6

// SearchQuery is a candidate web search query for a unit.
type SearchQuery struct {
	Text string `json:"text"`
}

// NormalizeQuery collapses whitespace and lower-cases the query.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Key returns the dedup/cache key of the normalized query.
func (q SearchQuery) Key() string {
	sum := sha256.Sum256([]byte(NormalizeQuery(q.Text)))
	return hex.EncodeToString(sum[:])
}

// QueryValidation holds per-criterion scores in [0,1].
type QueryValidation struct {
	Specificity float64 `json:"specificity"`
	Relevance   float64 `json:"relevance"`
	Clarity     float64 `json:"clarity"`
}

// OverallScore is the mean of the three criteria.
func (v QueryValidation) OverallScore() float64 {
	return (clamp01(v.Specificity) + clamp01(v.Relevance) + clamp01(v.Clarity)) / 3
}

// Accepted reports whether the query may enter the working set.
func (v QueryValidation) Accepted() bool {
	return v.OverallScore() >= MinQueryScore-scoreEpsilon
}

// scoreEpsilon absorbs float rounding when the mean sits on the threshold.
const scoreEpsilon = 1e-9

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
