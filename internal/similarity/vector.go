package similarity

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"

	"github.com/sells-group/tollmap/internal/model"
)

// VectorScores compares two fare vectors. Missing fares (NaN) and the
// shorter vector's tail are treated as zero before scoring. OK is false when
// both vectors are entirely zero, in which case there is nothing to compare.
type VectorScores struct {
	Cosine    float64 `json:"cosine"`
	Euclidean float64 `json:"euclidean"`
	OK        bool    `json:"ok"`
}

// Mean averages cosine and euclidean similarity.
func (v VectorScores) Mean() float64 {
	return (v.Cosine + v.Euclidean) / 2
}

// CompareVectors scores a against b.
func CompareVectors(a, b []float64) VectorScores {
	n := max(len(a), len(b))
	if n == 0 {
		return VectorScores{}
	}
	va, vb := model.ZeroFilled(a, n), model.ZeroFilled(b, n)
	na, nb := floats.Norm(va, 2), floats.Norm(vb, 2)
	if na == 0 && nb == 0 {
		return VectorScores{}
	}
	return VectorScores{
		Cosine:    Cosine(va, vb),
		Euclidean: 1 - floats.Distance(va, vb, 2)/(na+nb),
		OK:        true,
	}
}

// Cosine returns the cosine similarity of two equal-length vectors clamped
// to [0, 1]. A zero vector has similarity zero with anything.
func Cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	c := floats.Dot(a, b) / (na * nb)
	return math.Max(0, math.Min(1, c))
}

// Equal reports whether two fare vectors are identical after zero filling.
func Equal(a, b []float64) bool {
	n := max(len(a), len(b))
	return floats.Equal(model.ZeroFilled(a, n), model.ZeroFilled(b, n))
}

// VectorKey renders a zero-filled fare vector of length n as a map key.
func VectorKey(v []float64, n int) string {
	z := model.ZeroFilled(v, n)
	buf := make([]byte, 0, len(z)*8)
	for i, x := range z {
		if i > 0 {
			buf = append(buf, '|')
		}
		buf = strconv.AppendFloat(buf, x, 'g', -1, 64)
	}
	return string(buf)
}
