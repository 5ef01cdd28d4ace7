package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/registrar/internal/app"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Scrape the document archive listing",
	RunE:  runArchive,
}

func runArchive(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		entities, err := a.ScrapeArchive(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Archive entities: %d\n", len(entities))
		return nil
	})
}
