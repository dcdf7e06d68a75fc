package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/candidate"
	"github.com/sells-group/tollmap/internal/export"
	"github.com/sells-group/tollmap/internal/match"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/pipeline"
	"github.com/sells-group/tollmap/internal/source"
)

var unmatchedCmd = &cobra.Command{
	Use:   "unmatched",
	Short: "List entities of a scope with no primary record within threshold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("reconcile"); err != nil {
			return err
		}

		scope, _ := cmd.Flags().GetString("scope")
		out, _ := cmd.Flags().GetString("out")

		entities, err := source.LoadAll(ctx, cfg.Sources, initRouter())
		if err != nil {
			return err
		}
		rows, err := unmatched(ctx, entities, model.Scope(scope))
		if err != nil {
			return err
		}

		write := func(w io.Writer) error { return export.Unmatched(w, rows) }
		if out == "" {
			return write(os.Stdout)
		}
		return export.WriteFile(out, write)
	},
}

func init() {
	unmatchedCmd.Flags().String("scope", string(model.ScopeStats), "scope to check against the primary scope")
	unmatchedCmd.Flags().String("out", "", "output CSV (default stdout)")
	rootCmd.AddCommand(unmatchedCmd)
}

// unmatched reports entities of scope that have no primary candidate within
// the scope pair's threshold, plus those excluded for invalid coordinates.
func unmatched(ctx context.Context, entities map[model.Scope][]model.Entity, scope model.Scope) ([]export.UnmatchedRow, error) {
	primary := model.Scope(cfg.Ledger.PrimaryScope)
	if scope == primary {
		return nil, eris.Errorf("unmatched: scope %s is the primary scope", scope)
	}
	others, ok := entities[scope]
	if !ok {
		return nil, eris.Errorf("unmatched: no source loaded for scope %s", scope)
	}

	gen, err := candidate.New(cfg.Spatial.BucketResolution, cfg.Spatial.RingRadius, cfg.Match.Workers)
	if err != nil {
		return nil, err
	}
	res, err := gen.Cross(ctx, entities[primary], others)
	if err != nil {
		return nil, err
	}

	label := model.Label(primary, scope)
	within := candidate.Within(res.Pairs, cfg.Match.Threshold(label))
	near := make(map[string]bool, len(within))
	for _, p := range within {
		near[p.B] = true
	}
	excluded := make(map[string]bool)
	for _, ex := range res.Excluded {
		if ex.Ref.Scope == scope {
			excluded[ex.Ref.ID] = true
		}
	}

	var rows []export.UnmatchedRow
	for _, e := range others {
		switch {
		case excluded[e.ID]:
			rows = append(rows, export.UnmatchedRow{Scope: scope, ID: e.ID, Reason: pipeline.ReasonExcluded})
		case !near[e.ID]:
			rows = append(rows, export.UnmatchedRow{Scope: scope, ID: e.ID, Reason: match.ReasonNoCandidates})
		}
	}
	zap.L().Info("unmatched",
		zap.String("scope", label),
		zap.Int("entities", len(others)),
		zap.Int("unmatched", len(rows)),
	)
	return rows, nil
}
