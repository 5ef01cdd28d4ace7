package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/registrar/internal/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// No configuration needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Registrar version %s\n", common.GetFullVersion())
	},
}
