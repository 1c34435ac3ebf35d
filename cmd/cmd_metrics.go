// cmd_metrics.go - Zeigt die letzten Trainingsmetriken eines Laufs
package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sphinx-mllm/sphinx/train"
)

// MetricsHandler - Liest je Tag den letzten Wert aus der SQLite-Datei
func MetricsHandler(cmd *cobra.Command, args []string) error {
	db, err := train.OpenSQLite(args[0])
	if err != nil {
		return err
	}

	run, _ := cmd.Flags().GetString("run")
	w, err := train.NewSQLiteWriter(db, run)
	if err != nil {
		db.Close()
		return err
	}
	defer w.Close()

	scalars, err := w.Latest(cmd.Context())
	if err != nil {
		return err
	}
	if len(scalars) == 0 {
		return fmt.Errorf("no scalars for run %q", run)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"TAG", "VALUE", "STEP"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, s := range scalars {
		table.Append([]string{s.Tag, strconv.FormatFloat(s.Value, 'g', 6, 64), strconv.Itoa(s.Step)})
	}
	table.Render()

	return nil
}

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics DB",
		Short: "Show the latest training scalars of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  MetricsHandler,
	}
	cmd.Flags().String("run", "default", "Run name the scalars were written under")
	return cmd
}
