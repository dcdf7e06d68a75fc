package ledger

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/similarity"
	"github.com/sells-group/tollmap/internal/spatial"
)

// DuplicateResult splits one period's entities into the records eligible for
// ids and the quarantined ones.
type DuplicateResult struct {
	OK          []model.Entity
	Quarantined []model.Entity
	Conflicts   []model.ConflictRow
}

// DuplicateKey is the identity key of an entity: fine-resolution cell,
// normalized name and direction. ok is false for entities without a usable
// coordinate.
func DuplicateKey(e model.Entity, res int) (string, bool) {
	if !e.Located {
		return "", false
	}
	c, err := spatial.CellOf(e.Lat, e.Lon, res)
	if err != nil {
		return "", false
	}
	dir := strings.ToUpper(strings.TrimSpace(e.Direction))
	return spatial.CellKey(c) + "|" + similarity.NormalizeName(e.Name) + "|" + dir, true
}

const repeatedIDPrefix = "source_id:"

// RepeatedIDKey is the conflict key reported for a source id that appears
// more than once in one scope.
func RepeatedIDKey(id string) string {
	return repeatedIDPrefix + id
}

// DetectDuplicates groups entities of the same scope by DuplicateKey. In each
// group the lowest source id stays eligible; the rest are quarantined and
// reported. prior carries conflicts reported in earlier periods so that a
// recurring conflict keeps its first observed period. Entities without a key
// are always eligible. A source ref listed more than once keeps its first
// occurrence and the repeats are quarantined under RepeatedIDKey. OK keeps
// the input order.
func DetectDuplicates(period int, entities []model.Entity, res int, prior []model.ConflictRow) (*DuplicateResult, error) {
	if err := spatial.ValidateResolution(res); err != nil {
		return nil, err
	}

	type groupKey struct {
		scope model.Scope
		key   string
	}
	groups := make(map[groupKey][]int)
	var order []groupKey
	bad := make(map[int]bool)

	// A source ref listed more than once keeps its first occurrence.
	firstRef := make(map[model.SourceRef]int, len(entities))
	for i, e := range entities {
		ref := e.Ref()
		first, seen := firstRef[ref]
		if !seen {
			firstRef[ref] = i
			continue
		}
		bad[i] = true
		gk := groupKey{scope: e.Scope, key: RepeatedIDKey(e.ID)}
		if _, ok := groups[gk]; !ok {
			order = append(order, gk)
			groups[gk] = []int{first}
		}
		groups[gk] = append(groups[gk], i)
	}

	for i, e := range entities {
		if bad[i] {
			continue
		}
		k, ok := DuplicateKey(e, res)
		if !ok {
			continue
		}
		gk := groupKey{scope: e.Scope, key: k}
		if _, seen := groups[gk]; !seen {
			order = append(order, gk)
		}
		groups[gk] = append(groups[gk], i)
	}

	firstSeen := make(map[groupKey]int, len(prior))
	for _, p := range prior {
		gk := groupKey{scope: p.Scope, key: p.SpatialKey}
		if cur, ok := firstSeen[gk]; !ok || p.FirstPeriod < cur {
			firstSeen[gk] = p.FirstPeriod
		}
	}

	out := &DuplicateResult{}
	for _, gk := range order {
		idx := groups[gk]
		if len(idx) < 2 {
			continue
		}
		// Repeated-id groups are already in input order.
		if !strings.HasPrefix(gk.key, repeatedIDPrefix) {
			sort.SliceStable(idx, func(i, j int) bool {
				return model.CompareIDs(entities[idx[i]].ID, entities[idx[j]].ID) < 0
			})
		}

		row := model.ConflictRow{
			SpatialKey:  gk.key,
			Scope:       gk.scope,
			Kept:        entities[idx[0]].ID,
			FirstPeriod: period,
			Period:      period,
		}
		if fp, ok := firstSeen[gk]; ok && fp < period {
			row.FirstPeriod = fp
		}
		for _, i := range idx[1:] {
			bad[i] = true
			row.Conflicting = append(row.Conflicting, entities[i].ID)
		}
		out.Conflicts = append(out.Conflicts, row)
	}

	for i, e := range entities {
		if bad[i] {
			out.Quarantined = append(out.Quarantined, e)
			continue
		}
		out.OK = append(out.OK, e)
	}

	sort.Slice(out.Conflicts, func(i, j int) bool {
		a, b := out.Conflicts[i], out.Conflicts[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.SpatialKey < b.SpatialKey
	})

	if len(out.Conflicts) > 0 {
		zap.L().With(zap.String("component", "ledger")).Warn("duplicate registrations quarantined",
			zap.Int("period", period),
			zap.Int("groups", len(out.Conflicts)),
			zap.Int("quarantined", len(out.Quarantined)),
		)
	}
	return out, nil
}
