package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/registrar/internal/app"
	"github.com/ternarybob/registrar/internal/services/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Join the archive table with extracted markers",
	Long: `Matches archive names with marker names, applies manual overrides and
writes the registry and unmatched tables. Markers come from --markers, or from
--run, or from the latest stored run, or from the markers table in the output
directory, in that order.`,
	RunE: runReconcile,
}

var reconcileOpts app.ReconcileOptions

func init() {
	reconcileCmd.Flags().StringVar(&reconcileOpts.RunID, "run", "", "Stored run to read markers from")
	reconcileCmd.Flags().StringVar(&reconcileOpts.MarkersPath, "markers", "", "Markers CSV to read instead of run storage")
	reconcileCmd.Flags().StringVar(&flagOverrides.OverridesPath, "overrides", "", "Manual override file (overrides config)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		result, err := a.Reconcile(cmd.Context(), reconcileOpts)
		if err != nil {
			return err
		}
		printReconcile(result)
		return nil
	})
}

func printReconcile(result *reconcile.Result) {
	s := result.Stats
	fmt.Printf("Archive entities:   %d\n", s.ArchiveEntities)
	fmt.Printf("Marker names:       %d\n", s.MarkerNames)
	fmt.Printf("Automatic matches:  %d\n", s.Automatic)
	fmt.Printf("Override matches:   %d\n", s.Overrides)
	fmt.Printf("Unmatched entities: %d\n", s.Unmatched)
	fmt.Printf("Orphan markers:     %d\n", s.Orphans)
	if n := len(result.Invalid); n > 0 {
		fmt.Printf("Skipped overrides:  %d\n", n)
	}
}
