// Package model defines the records shared by the matching and ledger packages.
package model

import (
	"cmp"
	"math"
	"strconv"
	"strings"
)

// Scope identifies the source category an entity was read from.
type Scope string

// Known scopes. Sources may declare others in config.
const (
	ScopeRegistry Scope = "registry"
	ScopeStats    Scope = "stats"
	ScopeFares    Scope = "fares"
)

// Label joins two scopes into the scope tag carried by a candidate pair.
func Label(a, b Scope) string {
	return string(a) + "-" + string(b)
}

// Entity is one record read from a source extract. Entities are never
// mutated after the source returns them.
type Entity struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Located   bool      `json:"located"`
	Name      string    `json:"name"`
	Road      string    `json:"road,omitempty"`
	Area      string    `json:"area,omitempty"`
	Subarea   string    `json:"subarea,omitempty"`
	Type      string    `json:"type,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Fares     []float64 `json:"fares,omitempty"`
}

// Ref returns the scoped reference to this entity.
func (e Entity) Ref() SourceRef {
	return SourceRef{Scope: e.Scope, ID: e.ID}
}

// SourceRef points at one source-specific record.
type SourceRef struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

func (r SourceRef) String() string {
	return string(r.Scope) + ":" + r.ID
}

// CandidatePair is a spatially plausible pairing produced by the candidate
// generator. Distance is in meters.
type CandidatePair struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Distance float64 `json:"distance_m"`
	Scope    string  `json:"scope"`
}

// MatchBasis records why two entities were paired.
type MatchBasis string

const (
	BasisDistance   MatchBasis = "distance"
	BasisSimilarity MatchBasis = "similarity"
	BasisSourceID   MatchBasis = "source_id"
)

// Match is a resolved pairing. Within one run a given id appears at most
// once as Left and at most once as Right.
type Match struct {
	Left     string     `json:"left"`
	Right    string     `json:"right"`
	Basis    MatchBasis `json:"basis"`
	Distance float64    `json:"distance_m,omitempty"`
	Score    float64    `json:"score,omitempty"`
}

// CompareIDs is the deterministic tie-break used everywhere. It is a total
// order: integer ids sort numerically before all other ids, numerically
// equal ids ("007", "7") fall back to lexical order, and the rest compare
// lexically.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		if c := cmp.Compare(ai, bi); c != 0 {
			return c
		}
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// ZeroFilled returns a copy of v where missing (NaN) entries are zero and
// the length is padded to n. Missing fares count as zero for scoring.
func ZeroFilled(v []float64, n int) []float64 {
	if n < len(v) {
		n = len(v)
	}
	out := make([]float64, n)
	for i, x := range v {
		if !math.IsNaN(x) {
			out[i] = x
		}
	}
	return out
}
