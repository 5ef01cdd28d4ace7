package main

import (
	"github.com/spf13/cobra"
	"github.com/ternarybob/registrar/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape the archive, extract markers and reconcile",
	RunE:  runAll,
}

func init() {
	runCmd.Flags().StringVar(&flagOverrides.MapURL, "map-url", "", "Map URL (overrides config)")
	runCmd.Flags().BoolVar(&flagOverrides.Headful, "headful", false, "Show the browser window")
	runCmd.Flags().StringVar(&flagOverrides.OverridesPath, "overrides", "", "Manual override file (overrides config)")
}

func runAll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withApp(func(a *app.App) error {
		if _, err := a.ScrapeArchive(ctx); err != nil {
			return err
		}

		report, err := a.Extract(ctx)
		if report != nil {
			printSummary(report.RunID, report.Summary, report.Duration)
		}
		if err != nil {
			return err
		}

		result, err := a.Reconcile(ctx, app.ReconcileOptions{RunID: report.RunID})
		if err != nil {
			return err
		}
		printReconcile(result)
		return nil
	})
}
