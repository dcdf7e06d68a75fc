package model

import (
	"sort"
	"time"
)

// IdentityStatus is the lifecycle state of a canonical identity.
type IdentityStatus string

const (
	StatusActive  IdentityStatus = "active"
	StatusRetired IdentityStatus = "retired"
	// StatusConflict marks records quarantined by duplicate detection. They
	// never receive a canonical id.
	StatusConflict IdentityStatus = "duplicate-conflict"
)

// CanonicalIdentity is the durable id of one physical tollbooth or stretch.
// Scope/SourceID/Name/coordinates describe the primary record that backed
// the identity in LastPeriod.
type CanonicalIdentity struct {
	ID          int64          `json:"id"`
	FirstPeriod int            `json:"first_period"`
	LastPeriod  int            `json:"last_period"`
	Status      IdentityStatus `json:"status"`
	Scope       Scope          `json:"scope"`
	SourceID    string         `json:"source_id"`
	Name        string         `json:"name"`
	Lat         float64        `json:"lat"`
	Lon         float64        `json:"lon"`
	Located     bool           `json:"located"`
	Links       []SourceRef    `json:"links,omitempty"`
}

// Ref returns the primary source reference of the identity.
func (c CanonicalIdentity) Ref() SourceRef {
	return SourceRef{Scope: c.Scope, ID: c.SourceID}
}

// Entity rebuilds the primary record of the identity for matching against a
// newer period.
func (c CanonicalIdentity) Entity() Entity {
	return Entity{
		ID:      c.SourceID,
		Scope:   c.Scope,
		Name:    c.Name,
		Lat:     c.Lat,
		Lon:     c.Lon,
		Located: c.Located,
	}
}

// Snapshot is the ledger state for one period. Identities holds every id
// ever issued (retired ones included) ordered by ID.
type Snapshot struct {
	Period     int                 `json:"period"`
	MaxID      int64               `json:"max_id"`
	Identities []CanonicalIdentity `json:"identities"`
}

// Active returns the identities that are active in the snapshot period.
func (s *Snapshot) Active() []CanonicalIdentity {
	if s == nil {
		return nil
	}
	var out []CanonicalIdentity
	for _, c := range s.Identities {
		if c.Status == StatusActive {
			out = append(out, c)
		}
	}
	return out
}

// Lookup returns the identity with the given id.
func (s *Snapshot) Lookup(id int64) (CanonicalIdentity, bool) {
	if s == nil {
		return CanonicalIdentity{}, false
	}
	i := sort.Search(len(s.Identities), func(i int) bool { return s.Identities[i].ID >= id })
	if i < len(s.Identities) && s.Identities[i].ID == id {
		return s.Identities[i], true
	}
	return CanonicalIdentity{}, false
}

// Mapping returns the mapping table of the snapshot: one row per source
// reference of every active identity, ordered by canonical id then scope.
func (s *Snapshot) Mapping() []MappingRow {
	var rows []MappingRow
	for _, c := range s.Active() {
		rows = append(rows, MappingRow{CanonicalID: c.ID, Scope: c.Scope, SourceID: c.SourceID, Period: s.Period})
		for _, l := range c.Links {
			rows = append(rows, MappingRow{CanonicalID: c.ID, Scope: l.Scope, SourceID: l.ID, Period: s.Period})
		}
	}
	return rows
}

// MappingRow links a canonical id to one source id in a period.
type MappingRow struct {
	CanonicalID int64  `json:"canonical_id"`
	Scope       Scope  `json:"source_scope"`
	SourceID    string `json:"source_id"`
	Period      int    `json:"period"`
}

// DeltaStatus tags a delta row.
type DeltaStatus string

const (
	DeltaNew    DeltaStatus = "new"
	DeltaClosed DeltaStatus = "closed"
)

// DeltaRow records an identity introduced or retired in a period.
type DeltaRow struct {
	CanonicalID int64       `json:"canonical_id"`
	Status      DeltaStatus `json:"status"`
	Period      int         `json:"period"`
	Scope       Scope       `json:"source_scope"`
	SourceID    string      `json:"source_id"`
}

// ConflictRow reports records that collided on one duplicate key. Kept is
// the record that stayed eligible for an id; Conflicting are quarantined.
type ConflictRow struct {
	SpatialKey  string   `json:"spatial_key"`
	Scope       Scope    `json:"scope"`
	Kept        string   `json:"kept_source_id"`
	Conflicting []string `json:"conflicting_source_ids"`
	FirstPeriod int      `json:"first_period_observed"`
	Period      int      `json:"period"`
}

// Run is the persisted metadata of one reconciliation run.
type Run struct {
	ID         string    `json:"id"`
	Period     int       `json:"period"`
	PrevPeriod int       `json:"prev_period"`
	Active     int       `json:"active"`
	New        int       `json:"new"`
	Closed     int       `json:"closed"`
	Conflicts  int       `json:"conflicts"`
	CreatedAt  time.Time `json:"created_at"`
}
