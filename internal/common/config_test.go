package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	config := NewDefaultConfig()

	require.NoError(t, config.Validate())
	assert.Equal(t, 0.25, config.Reconcile.Tolerance)
	assert.Equal(t, 1, config.Map.MaxRecoveryCycles)
	assert.Equal(t, "Canadian Residential Schools: ", config.Reconcile.MarkerPrefix)
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	base := writeConfig(t, dir, "base.toml", `
[map]
url = "https://example.org/map"
popup_timeout = "3s"

[reconcile]
tolerance = 0.2
`)
	local := writeConfig(t, dir, "local.toml", `
[map]
popup_timeout = "8s"
`)

	config, err := LoadFromFiles(base, local)
	require.NoError(t, err)

	assert.Equal(t, "https://example.org/map", config.Map.URL)
	assert.Equal(t, "8s", config.Map.PopupTimeout)
	assert.Equal(t, 0.2, config.Reconcile.Tolerance)
	// untouched defaults survive
	assert.Equal(t, ".esri-popup__main-container", config.Map.PopupSelector)
}

func TestLoadFromFiles_EnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "registrar.toml", `
[reconcile]
tolerance = 0.2
`)
	t.Setenv("REGISTRAR_RECONCILE_TOLERANCE", "0.3")
	t.Setenv("REGISTRAR_LOG_OUTPUT", "stdout, file")
	t.Setenv("REGISTRAR_RECONCILE_MARKER_PREFIX", "")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 0.3, config.Reconcile.Tolerance)
	assert.Equal(t, []string{"stdout", "file"}, config.Logging.Output)
	assert.Equal(t, "", config.Reconcile.MarkerPrefix)
}

func TestLoadFromFiles_Errors(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	bad := writeConfig(t, t.TempDir(), "bad.toml", "[map\nurl=")
	_, err = LoadFromFiles(bad)
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"tolerance above one", func(c *Config) { c.Reconcile.Tolerance = 1.5 }},
		{"negative recovery cycles", func(c *Config) { c.Map.MaxRecoveryCycles = -1 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"missing marker selector", func(c *Config) { c.Map.MarkerSelector = "" }},
		{"bad duration", func(c *Config) { c.Map.PopupTimeout = "five seconds" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()
	ApplyFlagOverrides(config, FlagOverrides{
		MapURL:    "https://maps.example/view",
		OutputDir: "/tmp/out",
		Headful:   true,
	})

	assert.Equal(t, "https://maps.example/view", config.Map.URL)
	assert.Equal(t, "/tmp/out", config.Output.Dir)
	assert.False(t, config.Browser.Headless)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseDuration("3s", time.Second))
	assert.Equal(t, time.Second, ParseDuration("", time.Second))
	assert.Equal(t, time.Second, ParseDuration("nope", time.Second))
}
