package main

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tollmap/internal/export"
	"github.com/sells-group/tollmap/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a persisted period table as CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		period, _ := cmd.Flags().GetInt("period")
		table, _ := cmd.Flags().GetString("table")
		out, _ := cmd.Flags().GetString("out")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		write := func(w io.Writer) error { return exportTable(ctx, st, period, table, w) }
		if out == "" {
			return write(os.Stdout)
		}
		return export.WriteFile(out, write)
	},
}

func init() {
	exportCmd.Flags().Int("period", 0, "period to export")
	exportCmd.Flags().String("table", "mapping", "table to export: mapping, delta or conflicts")
	exportCmd.Flags().String("out", "", "output file (default stdout)")
	_ = exportCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(exportCmd)
}

func exportTable(ctx context.Context, st store.Store, period int, table string, w io.Writer) error {
	switch table {
	case "mapping":
		rows, err := st.Mapping(ctx, period)
		if err != nil {
			return eris.Wrap(err, "export: mapping")
		}
		return export.Mapping(w, rows)
	case "delta":
		rows, err := st.Delta(ctx, period)
		if err != nil {
			return eris.Wrap(err, "export: delta")
		}
		return export.Delta(w, rows)
	case "conflicts":
		rows, err := st.Conflicts(ctx, period)
		if err != nil {
			return eris.Wrap(err, "export: conflicts")
		}
		return export.Conflicts(w, rows)
	default:
		return eris.Errorf("export: unknown table %q", table)
	}
}
