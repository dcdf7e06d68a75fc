package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tollmap/internal/export"
	"github.com/sells-group/tollmap/internal/model"
	"github.com/sells-group/tollmap/internal/pipeline"
	"github.com/sells-group/tollmap/internal/source"
	"github.com/sells-group/tollmap/internal/store"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile one period's extracts against the ledger",
	Long:  "Loads every configured source, links records to the previous period's canonical ids, issues and retires ids, and persists the mapping, delta and conflict tables for the period.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("reconcile"); err != nil {
			return err
		}

		period, _ := cmd.Flags().GetInt("period")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		outDir, _ := cmd.Flags().GetString("out")

		var st store.Store
		if !dryRun || cfg.Store.DatabaseURL != "" {
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck
			st = s
		}

		entities, err := source.LoadAll(ctx, cfg.Sources, initRouter())
		if err != nil {
			return err
		}

		res, err := reconcile(ctx, st, period, entities, dryRun)
		if err != nil {
			return err
		}

		if outDir != "" {
			if err := writeReports(outDir, res); err != nil {
				return err
			}
		}
		return export.WriteSummary(os.Stdout, export.NewSummary(res))
	},
}

func init() {
	reconcileCmd.Flags().Int("period", 0, "period (year) being reconciled")
	reconcileCmd.Flags().Bool("dry-run", false, "run matching without persisting")
	reconcileCmd.Flags().String("out", "", "directory for CSV tables, review workbook and summary")
	_ = reconcileCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(reconcileCmd)
}

// reconcile runs one period. st may be nil for a dry run without a ledger,
// in which case the period is treated as the first.
func reconcile(ctx context.Context, st store.Store, period int, entities map[model.Scope][]model.Entity, dryRun bool) (*pipeline.Result, error) {
	log := zap.L().With(zap.String("component", "reconcile"), zap.Int("period", period))

	engine, err := pipeline.New(pipeline.OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	in := pipeline.Input{Period: period, Entities: entities}
	if st != nil {
		if in.Prev, err = st.LatestBefore(ctx, period); err != nil {
			return nil, eris.Wrap(err, "reconcile: load previous snapshot")
		}
		if in.PriorConflicts, err = st.ConflictsBefore(ctx, period); err != nil {
			return nil, eris.Wrap(err, "reconcile: load prior conflicts")
		}
	}
	if in.Prev == nil {
		log.Info("no previous snapshot, issuing ids from scratch")
	}

	res, err := engine.Run(ctx, in)
	if err != nil {
		return nil, err
	}

	if dryRun || st == nil {
		log.Info("dry run, nothing persisted")
		return res, nil
	}
	if err := st.SavePeriod(ctx, res.Bundle()); err != nil {
		return nil, eris.Wrap(err, "reconcile: save period")
	}
	return res, nil
}

// writeReports writes the period tables, the review workbook and the YAML
// summary into dir.
func writeReports(dir string, res *pipeline.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "reconcile: create %s", dir)
	}
	p := res.Run.Period
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{fmt.Sprintf("mapping_%d.csv", p), func(w io.Writer) error { return export.Mapping(w, res.Snapshot.Mapping()) }},
		{fmt.Sprintf("delta_%d.csv", p), func(w io.Writer) error { return export.Delta(w, res.Delta) }},
		{fmt.Sprintf("conflicts_%d.csv", p), func(w io.Writer) error { return export.Conflicts(w, res.Conflicts) }},
		{fmt.Sprintf("unmatched_%d.csv", p), func(w io.Writer) error { return export.Unmatched(w, export.UnmatchedRows(res)) }},
		{fmt.Sprintf("summary_%d.yaml", p), func(w io.Writer) error { return export.WriteSummary(w, export.NewSummary(res)) }},
	}
	for _, f := range files {
		if err := export.WriteFile(filepath.Join(dir, f.name), f.write); err != nil {
			return err
		}
	}
	return export.ReviewWorkbook(filepath.Join(dir, fmt.Sprintf("review_%d.xlsx", p)), res)
}
