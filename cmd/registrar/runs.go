package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/registrar/internal/app"
	"github.com/ternarybob/registrar/internal/models"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored extraction runs",
	RunE:  runRuns,
}

var exportRunID string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Re-emit the tables of a stored run",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "Run ID to export")
	_ = exportCmd.MarkFlagRequired("run")
}

func runRuns(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		runs, err := a.ListRuns(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tENUMERATED\tEXTRACTED\tRECOVERED\tFAILED\tINCOMPLETE")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				r.ID,
				r.StartedAt.Format(time.RFC3339),
				r.Status,
				r.Summary.Enumerated,
				r.Summary.Extracted,
				r.Summary.Recovered,
				r.Summary.Failed,
				r.Summary.Incomplete,
			)
		}
		return w.Flush()
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		return a.Export(cmd.Context(), exportRunID)
	})
}

func printSummary(runID string, s models.RunSummary, d time.Duration) {
	fmt.Printf("Run:        %s\n", runID)
	fmt.Printf("Enumerated: %d\n", s.Enumerated)
	fmt.Printf("Extracted:  %d (recovered %d)\n", s.Extracted, s.Recovered)
	fmt.Printf("Failed:     %d (incomplete %d)\n", s.Failed, s.Incomplete)
	fmt.Printf("Duplicates: %d\n", s.Duplicates)
	fmt.Printf("Duration:   %s\n", d.Round(time.Millisecond))
}
