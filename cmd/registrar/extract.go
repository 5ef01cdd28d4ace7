package main

import (
	"github.com/spf13/cobra"
	"github.com/ternarybob/registrar/internal/app"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract marker coordinates from the map layer",
	Long: `Opens the configured map in a browser, clicks every marker of the layer
and reads its popup. Writes the markers and audit tables and stores the run.
Interrupting the command keeps the markers extracted so far.`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVar(&flagOverrides.MapURL, "map-url", "", "Map URL (overrides config)")
	extractCmd.Flags().BoolVar(&flagOverrides.Headful, "headful", false, "Show the browser window")
}

func runExtract(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		report, err := a.Extract(cmd.Context())
		if report != nil {
			printSummary(report.RunID, report.Summary, report.Duration)
		}
		return err
	})
}
