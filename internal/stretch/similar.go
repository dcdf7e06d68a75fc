package stretch

import (
	"sort"

	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/similarity"
)

// Ranked is a fare record ranked against a stretch.
type Ranked struct {
	Fare  FareRecord `json:"fare"`
	Score float64    `json:"score"`
}

// Similar holds the top fare records for one stretch under each metric.
type Similar struct {
	StretchID   string   `json:"stretch_id"`
	ByCosine    []Ranked `json:"by_cosine"`
	ByEuclidean []Ranked `json:"by_euclidean"`
}

// TopK ranks fares by fare-vector similarity to s and keeps k per metric.
// Records whose vectors cannot be compared (both all zero) are skipped.
func TopK(s Stretch, fares []FareRecord, k int) Similar {
	out := Similar{StretchID: s.ID}
	if k < 1 {
		return out
	}
	for _, f := range fares {
		v := similarity.CompareVectors(s.Fares, f.Fares)
		if !v.OK {
			continue
		}
		out.ByCosine = append(out.ByCosine, Ranked{Fare: f, Score: v.Cosine})
		out.ByEuclidean = append(out.ByEuclidean, Ranked{Fare: f, Score: v.Euclidean})
	}
	out.ByCosine = top(out.ByCosine, k)
	out.ByEuclidean = top(out.ByEuclidean, k)
	return out
}

func top(r []Ranked, k int) []Ranked {
	sort.SliceStable(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		return model.CompareIDs(r[i].Fare.ID, r[j].Fare.ID) < 0
	})
	if len(r) > k {
		r = r[:k]
	}
	return r
}
