package main

import (
	"context"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/candidate"
	"github.com/sells-group/tollmap/internal/export"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/source"
)

var neighboursCmd = &cobra.Command{
	Use:   "neighbours",
	Short: "List spatially nearby pairs across all loaded sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("neighbours"); err != nil {
			return err
		}

		drop, _ := cmd.Flags().GetStringSlice("drop-scope")
		maxDist, _ := cmd.Flags().GetFloat64("max-distance")
		out, _ := cmd.Flags().GetString("out")

		entities, err := source.LoadAll(ctx, cfg.Sources, initRouter())
		if err != nil {
			return err
		}
		pairs, err := neighbours(ctx, entities, drop, maxDist)
		if err != nil {
			return err
		}

		write := func(w io.Writer) error { return export.Neighbours(w, pairs) }
		if out == "" {
			return write(os.Stdout)
		}
		return export.WriteFile(out, write)
	},
}

func init() {
	neighboursCmd.Flags().StringSlice("drop-scope", nil, "scope labels to leave out, e.g. stats-stats")
	neighboursCmd.Flags().Float64("max-distance", 0, "only keep pairs at or under this many meters (0 keeps all)")
	neighboursCmd.Flags().String("out", "", "output CSV (default stdout)")
	rootCmd.AddCommand(neighboursCmd)
}

func neighbours(ctx context.Context, entities map[model.Scope][]model.Entity, drop []string, maxDist float64) ([]model.CandidatePair, error) {
	gen, err := candidate.New(cfg.Spatial.BucketResolution, cfg.Spatial.RingRadius, cfg.Match.Workers)
	if err != nil {
		return nil, err
	}

	var all []model.Entity
	for _, scope := range sortedScopes(entities) {
		all = append(all, entities[scope]...)
	}
	res, err := gen.Self(ctx, all)
	if err != nil {
		return nil, err
	}

	pairs := candidate.DropScopes(res.Pairs, drop...)
	if maxDist > 0 {
		pairs = candidate.Within(pairs, maxDist)
	}
	zap.L().Info("neighbours",
		zap.Int("entities", len(all)),
		zap.Int("excluded", len(res.Excluded)),
		zap.Int("pairs", len(pairs)),
	)
	return pairs, nil
}

func sortedScopes(m map[model.Scope][]model.Entity) []model.Scope {
	out := make([]model.Scope, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
