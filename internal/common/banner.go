package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the effective setup
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("Registrar", GetVersion())

	logger.Debug().
		Str("environment", config.Environment).
		Str("map_url", config.Map.URL).
		Str("badger_path", config.Storage.Badger.Path).
		Str("output_dir", config.Output.Dir).
		Float64("tolerance", config.Reconcile.Tolerance).
		Int("max_recovery_cycles", config.Map.MaxRecoveryCycles).
		Msg("Resolved configuration")
}
