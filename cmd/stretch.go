package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/export"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/similarity"
	"github.com/sells-group/tollmap/internal/store"
	"github.com/sells-group/tollmap/internal/stretch"
)

var stretchCmd = &cobra.Command{
	Use:   "stretch",
	Short: "Stretch endpoint assignment",
}

var stretchAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign each road stretch its canonical tollbooth endpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("stretch"); err != nil {
			return err
		}

		period, _ := cmd.Flags().GetInt("period")
		out, _ := cmd.Flags().GetString("out")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := assignStretches(ctx, st, period)
		if err != nil {
			return err
		}

		write := func(w io.Writer) error { return export.Assignments(w, res.Assignments) }
		if out == "" {
			return write(os.Stdout)
		}
		return export.WriteFile(out, write)
	},
}

var stretchSimilarCmd = &cobra.Command{
	Use:   "similar <stretch-id>",
	Short: "Show the fare records closest to a stretch's fare schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("stretch"); err != nil {
			return err
		}

		k, _ := cmd.Flags().GetInt("top-k")
		if k <= 0 {
			k = cfg.Stretch.TopK
		}

		router := initRouter()
		stretches, err := stretch.LoadStretches(ctx, cfg.Stretch.Stretches, router)
		if err != nil {
			return err
		}
		fares, err := stretch.LoadFares(ctx, cfg.Stretch, router)
		if err != nil {
			return err
		}

		for _, s := range stretches {
			if s.ID == args[0] {
				formatSimilar(os.Stdout, stretch.TopK(s, fares, k))
				return nil
			}
		}
		return eris.Errorf("stretch: unknown stretch %s", args[0])
	},
}

func init() {
	stretchAssignCmd.Flags().Int("period", 0, "ledger period whose mapping resolves endpoints")
	stretchAssignCmd.Flags().String("out", "", "output CSV (default stdout)")
	_ = stretchAssignCmd.MarkFlagRequired("period")

	stretchSimilarCmd.Flags().Int("top-k", 0, "records per metric (default from config)")

	stretchCmd.AddCommand(stretchAssignCmd, stretchSimilarCmd)
	rootCmd.AddCommand(stretchCmd)
}

func assignStretches(ctx context.Context, st store.Store, period int) (*stretch.Result, error) {
	log := zap.L().With(zap.String("component", "stretch"), zap.Int("period", period))

	mapping, err := st.Mapping(ctx, period)
	if err != nil {
		return nil, eris.Wrap(err, "stretch: load mapping")
	}
	if len(mapping) == 0 {
		return nil, eris.Errorf("stretch: no mapping stored for period %d", period)
	}

	scorer, err := similarity.NewScorer(cfg.Similarity.Floor)
	if err != nil {
		return nil, err
	}

	router := initRouter()
	stretches, err := stretch.LoadStretches(ctx, cfg.Stretch.Stretches, router)
	if err != nil {
		return nil, err
	}
	fares, err := stretch.LoadFares(ctx, cfg.Stretch, router)
	if err != nil {
		return nil, err
	}

	res := stretch.NewAssigner(scorer, model.Scope(cfg.Stretch.Fares.Scope), mapping).Assign(stretches, fares)

	if cfg.Stretch.PatchFile != "" {
		patch, err := stretch.LoadPatch(cfg.Stretch.PatchFile)
		if err != nil {
			return nil, err
		}
		n := patch.Apply(res)
		log.Info("patch applied", zap.String("file", cfg.Stretch.PatchFile), zap.Int("rows", n))
	}
	if len(res.Unresolved) > 0 {
		log.Warn("fare endpoints without canonical id", zap.Strings("source_ids", res.Unresolved))
	}
	return res, nil
}

func formatSimilar(out io.Writer, s stretch.Similar) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "STRETCH %s\n", s.StretchID)
	_, _ = fmt.Fprintln(w, "METRIC\tRANK\tFARE\tORIGIN\tDEST\tNAME\tSCORE")
	rows := func(metric string, ranked []stretch.Ranked) {
		for i, r := range ranked {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%.4f\n",
				metric, i+1, r.Fare.ID, r.Fare.Origin, r.Fare.Dest, r.Fare.Name, r.Score)
		}
	}
	rows("cosine", s.ByCosine)
	rows("euclidean", s.ByEuclidean)
	_ = w.Flush()
}
