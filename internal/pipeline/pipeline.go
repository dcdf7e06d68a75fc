// Package pipeline runs one reconciliation period: duplicate detection,
// continuity against the previous snapshot, cross-source linking and the
// ledger update.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tollmap/internal/candidate"
	"github.com/sells-group/tollmap/internal/config"
	"github.com/sells-group/tollmap/internal/ledger"
	"github.com/sells-group/tollmap/internal/match"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/similarity"
	"github.com/sells-group/tollmap/internal/store"
)

// Options are the matching parameters of a run.
type Options struct {
	PrimaryScope        model.Scope
	BucketResolution    int
	DedupeResolution    int
	RingRadius          int
	Workers             int
	Rounds              int
	Thresholds          match.Thresholds
	ContinuityScope     string
	ContinuityNameCheck bool
	Floor               float64
	TextOnlyFallback    bool
}

// OptionsFromConfig maps the config sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PrimaryScope:        model.Scope(cfg.Ledger.PrimaryScope),
		BucketResolution:    cfg.Spatial.BucketResolution,
		DedupeResolution:    cfg.Spatial.DedupeResolution,
		RingRadius:          cfg.Spatial.RingRadius,
		Workers:             cfg.Match.Workers,
		Rounds:              cfg.Match.Rounds,
		Thresholds:          match.Thresholds{Default: cfg.Match.DefaultThresholdM, ByScope: cfg.Match.Thresholds},
		ContinuityScope:     cfg.Match.ContinuityScope,
		ContinuityNameCheck: cfg.Match.ContinuityNameCheck,
		Floor:               cfg.Similarity.Floor,
		TextOnlyFallback:    cfg.Similarity.TextOnlyFallback,
	}
}

// Input is one period's entities plus the ledger state it builds on.
type Input struct {
	Period   int
	Entities map[model.Scope][]model.Entity
	// Prev is the latest snapshot before Period, nil for the first period.
	Prev *model.Snapshot
	// PriorConflicts are conflict rows reported in earlier periods.
	PriorConflicts []model.ConflictRow
}

// Result is everything a run produced. Nothing is persisted by the engine.
type Result struct {
	Run         model.Run
	Snapshot    *model.Snapshot
	Delta       []model.DeltaRow
	Conflicts   []model.ConflictRow
	Quarantined []model.Entity
	Excluded    []candidate.Excluded
	Continuity  ContinuityReport
	Links       []ScopeReport
}

// Bundle packages the result for a store.
func (r *Result) Bundle() *store.Bundle {
	return &store.Bundle{Run: r.Run, Snapshot: r.Snapshot, Delta: r.Delta, Conflicts: r.Conflicts}
}

// Ambiguous returns every ambiguous similarity group of the run.
func (r *Result) Ambiguous() []ScopeGroup {
	var out []ScopeGroup
	for _, l := range r.Links {
		for _, g := range l.Ambiguous {
			out = append(out, ScopeGroup{Scope: l.Scope, Group: g})
		}
	}
	return out
}

// ScopeGroup is an ambiguous group tagged with the scope it was found in.
type ScopeGroup struct {
	Scope model.Scope
	similarity.Group
}

// Engine runs periods with fixed Options.
type Engine struct {
	opts   Options
	gen    *candidate.Generator
	scorer *similarity.Scorer
	now    func() time.Time
}

// New validates opts. Any invalid resolution, threshold or floor fails
// here, before matching starts.
func New(opts Options) (*Engine, error) {
	if opts.PrimaryScope == "" {
		return nil, eris.New("pipeline: primary scope is required")
	}
	gen, err := candidate.New(opts.BucketResolution, opts.RingRadius, opts.Workers)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: candidate generator")
	}
	scorer, err := similarity.NewScorer(opts.Floor)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: scorer")
	}
	if _, err := match.New(opts.Thresholds.Default, opts.Rounds); err != nil {
		return nil, eris.Wrap(err, "pipeline: matcher")
	}
	for label, v := range opts.Thresholds.ByScope {
		if _, err := match.New(v, opts.Rounds); err != nil {
			return nil, eris.Wrapf(err, "pipeline: threshold %s", label)
		}
	}
	return &Engine{opts: opts, gen: gen, scorer: scorer, now: time.Now}, nil
}

func (e *Engine) matcher(label string) *match.Matcher {
	// Thresholds were validated in New.
	m, _ := match.New(e.opts.Thresholds.For(label), e.opts.Rounds)
	return m
}

// Run reconciles one period.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.Int("period", in.Period))
	if in.Prev != nil && in.Period <= in.Prev.Period {
		return nil, eris.Wrapf(ledger.ErrPeriodOrder, "period %d, previous %d", in.Period, in.Prev.Period)
	}

	scopes := sortedScopes(in.Entities)
	var all []model.Entity
	for _, s := range scopes {
		all = append(all, in.Entities[s]...)
	}
	dup, err := ledger.DetectDuplicates(in.Period, all, e.opts.DedupeResolution, in.PriorConflicts)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: detect duplicates")
	}
	ok := make(map[model.Scope][]model.Entity)
	for _, ent := range dup.OK {
		ok[ent.Scope] = append(ok[ent.Scope], ent)
	}
	primary := ok[e.opts.PrimaryScope]

	res := &Result{Conflicts: dup.Conflicts, Quarantined: dup.Quarantined}
	excluded := newExcludedSet()

	cont, err := e.continuity(ctx, in.Prev, primary, excluded)
	if err != nil {
		return nil, err
	}
	res.Continuity = cont.report

	var others []model.Scope
	for _, s := range scopes {
		if s != e.opts.PrimaryScope && len(ok[s]) > 0 {
			others = append(others, s)
		}
	}
	reports := make([]ScopeReport, len(others))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range others {
		g.Go(func() error {
			rep, err := e.Link(gctx, primary, ok[s], s)
			if err != nil {
				return err
			}
			reports[i] = *rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Links = reports

	links := make(map[string][]model.SourceRef)
	for _, rep := range reports {
		excluded.add(rep.Excluded...)
		for _, m := range rep.Matches {
			links[m.Left] = append(links[m.Left], model.SourceRef{Scope: rep.Scope, ID: m.Right})
		}
	}
	res.Excluded = excluded.sorted()

	records := make([]ledger.Record, 0, len(primary))
	for _, ent := range primary {
		records = append(records, ledger.Record{
			Entity:    ent,
			Continues: cont.claims[ent.ID],
			Links:     links[ent.ID],
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: cancelled before reconcile")
	}
	snap, delta, err := ledger.Reconcile(in.Prev, ledger.PeriodInput{Period: in.Period, Records: records})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: reconcile")
	}
	res.Snapshot = snap
	res.Delta = delta

	added, closed := ledger.Counts(delta)
	res.Run = model.Run{
		ID:        uuid.NewString(),
		Period:    in.Period,
		Active:    len(snap.Active()),
		New:       added,
		Closed:    closed,
		Conflicts: len(dup.Conflicts),
		CreatedAt: e.now().UTC(),
	}
	if in.Prev != nil {
		res.Run.PrevPeriod = in.Prev.Period
	}

	log.Info("period reconciled",
		zap.String("run_id", res.Run.ID),
		zap.Int("active", res.Run.Active),
		zap.Int("new", added),
		zap.Int("closed", closed),
		zap.Int("conflicts", len(dup.Conflicts)),
		zap.Int("excluded", len(res.Excluded)),
		zap.Int("ambiguous", len(res.Ambiguous())),
	)
	return res, nil
}

func sortedScopes(m map[model.Scope][]model.Entity) []model.Scope {
	out := make([]model.Scope, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// excludedSet collects exclusions reported by several generator calls.
type excludedSet struct {
	byRef map[model.SourceRef]candidate.Excluded
}

func newExcludedSet() *excludedSet {
	return &excludedSet{byRef: make(map[model.SourceRef]candidate.Excluded)}
}

func (s *excludedSet) add(ex ...candidate.Excluded) {
	for _, x := range ex {
		s.byRef[x.Ref] = x
	}
}

func (s *excludedSet) sorted() []candidate.Excluded {
	out := make([]candidate.Excluded, 0, len(s.byRef))
	for _, x := range s.byRef {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Ref, out[j].Ref
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return model.CompareIDs(a.ID, b.ID) < 0
	})
	return out
}
