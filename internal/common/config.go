package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig   `toml:"logging"`
	Browser     BrowserConfig   `toml:"browser"`
	Map         MapConfig       `toml:"map"`
	Archive     ArchiveConfig   `toml:"archive"`
	Reconcile   ReconcileConfig `toml:"reconcile"`
	Storage     StorageConfig   `toml:"storage"`
	Output      OutputConfig    `toml:"output"`
	Overrides   OverridesConfig `toml:"overrides"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"` // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`                                             // "stdout", "file"
	TimeFormat string   `toml:"time_format"`                                        // default "15:04:05"
	Dir        string   `toml:"dir"`                                                // log directory (default: next to executable)
}

// BrowserConfig controls the chromedp session used to drive the map
type BrowserConfig struct {
	RemoteURL      string `toml:"remote_url"`      // DevTools websocket URL; empty launches a local Chrome
	Headless       bool   `toml:"headless"`        // Run local Chrome headless
	NoSandbox      bool   `toml:"no_sandbox"`      // Required inside most containers
	DisableGPU     bool   `toml:"disable_gpu"`
	UserAgent      string `toml:"user_agent"`
	WindowWidth    int    `toml:"window_width" validate:"gte=320"`
	WindowHeight   int    `toml:"window_height" validate:"gte=240"`
	StartupTimeout string `toml:"startup_timeout"` // e.g. "30s" - browser startup test
	PollInterval   string `toml:"poll_interval"`   // e.g. "100ms" - Wait predicate polling
}

// MapConfig describes the map widget and the single data layer to extract
type MapConfig struct {
	URL                 string `toml:"url"`
	MarkerSelector      string `toml:"marker_selector" validate:"required"` // structural selector scoped to the layer's rendering group
	SpinnerSelector     string `toml:"spinner_selector"`                    // loading indicator that can occlude markers
	PopupSelector       string `toml:"popup_selector" validate:"required"`
	PopupTitleSelector  string `toml:"popup_title_selector" validate:"required"`
	PopupRowSelector    string `toml:"popup_row_selector" validate:"required"`
	PopupLabelSelector  string `toml:"popup_label_selector" validate:"required"` // relative to a row
	PopupValueSelector  string `toml:"popup_value_selector" validate:"required"` // relative to a row
	PopupCloseSelector  string `toml:"popup_close_selector"`
	LatitudeKeyword     string `toml:"latitude_keyword" validate:"required"`
	LongitudeKeyword    string `toml:"longitude_keyword" validate:"required"`
	ZoomLevelScript     string `toml:"zoom_level_script" validate:"required"` // JS function returning the current zoom level
	SetZoomScript       string `toml:"set_zoom_script" validate:"required"`   // JS function(level) applying a zoom level
	LoadTimeout         string `toml:"load_timeout"`                          // wait for the first markers after navigation
	PopupTimeout        string `toml:"popup_timeout"`                         // bounded wait for a popup after a click
	SpinnerTimeout      string `toml:"spinner_timeout"`                       // bounded wait for the spinner to vanish
	SettleDelay         string `toml:"settle_delay"`                          // pause after zoom changes for tiles to render
	RecoveryZoomStep    int    `toml:"recovery_zoom_step" validate:"gte=1"`
	MaxRecoveryCycles   int    `toml:"max_recovery_cycles" validate:"gte=0,lte=5"`
	CoordinatePrecision int    `toml:"coordinate_precision" validate:"gte=0,lte=10"` // decimal places for dedup
	ScreenshotDir       string `toml:"screenshot_dir"`                               // empty disables failure screenshots
}

// ArchiveConfig describes the paginated document archive listing
type ArchiveConfig struct {
	URLTemplate    string            `toml:"url_template"` // listing URL with {page} placeholder
	StartPage      int               `toml:"start_page" validate:"gte=0"`
	MaxPages       int               `toml:"max_pages" validate:"gte=1"`
	ItemSelector   string            `toml:"item_selector"`
	NameSelector   string            `toml:"name_selector"`
	LinkSelector   string            `toml:"link_selector"`
	DetailRow      string            `toml:"detail_row_selector"`   // rows on an entity page
	DetailLabel    string            `toml:"detail_label_selector"` // relative to a row
	DetailValue    string            `toml:"detail_value_selector"` // relative to a row
	DetailLabels   map[string]string `toml:"detail_labels"`         // field -> label text
	FetchDetails   bool              `toml:"fetch_details"`
	RequestsPerSec float64           `toml:"requests_per_second" validate:"gt=0"`
	RequestTimeout string            `toml:"request_timeout"`
	MaxAttempts    int               `toml:"max_attempts" validate:"gte=1"` // per request, transient failures only
	RetryBackoff   string            `toml:"retry_backoff"`                 // initial backoff, doubled per attempt
	UserAgent      string            `toml:"user_agent"`
}

// ReconcileConfig tunes the name matcher
type ReconcileConfig struct {
	Tolerance      float64  `toml:"tolerance" validate:"gte=0,lte=1"`       // maximum accepted distance
	MarkerPrefix   string   `toml:"marker_prefix"`                          // stripped from every marker title
	SentinelNames  []string `toml:"sentinel_names"`                         // archive placeholders never matched
	PrefixScale    float64  `toml:"prefix_scale" validate:"gte=0,lte=0.25"` // Winkler prefix weight
	BoostThreshold float64  `toml:"boost_threshold" validate:"gte=0,lte=1"` // Jaro score above which the prefix boost applies
	PrefixSize     int      `toml:"prefix_size" validate:"gte=0,lte=8"`
	Workers        int      `toml:"workers" validate:"gte=1"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// OutputConfig names the directory and files of the tabular artifacts
type OutputConfig struct {
	Dir       string `toml:"dir" validate:"required"`
	Markers   string `toml:"markers"`
	Audit     string `toml:"audit"`
	Archive   string `toml:"archive"`
	Registry  string `toml:"registry"`
	Unmatched string `toml:"unmatched"`
}

// OverridesConfig points at the manual override table
type OverridesConfig struct {
	Path string `toml:"path"` // .toml, .yaml or .yml; empty means no overrides
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Browser: BrowserConfig{
			Headless:       true,
			NoSandbox:      true,
			DisableGPU:     true,
			UserAgent:      "Registrar/1.0",
			WindowWidth:    1600,
			WindowHeight:   1000,
			StartupTimeout: "30s",
			PollInterval:   "100ms",
		},
		Map: MapConfig{
			MarkerSelector:      "g.esri-display-object[data-layer] > image, g[id$='_layer'] > circle",
			SpinnerSelector:     ".esri-view-loading-indicator, .loading-spinner",
			PopupSelector:       ".esri-popup__main-container",
			PopupTitleSelector:  ".esri-popup__header-title",
			PopupRowSelector:    ".esri-feature-fields__field-row, table.esri-widget__table tr",
			PopupLabelSelector:  "th",
			PopupValueSelector:  "td",
			PopupCloseSelector:  ".esri-popup__header-buttons [title='Close'], .esri-popup__button--close",
			LatitudeKeyword:     "latitude",
			LongitudeKeyword:    "longitude",
			ZoomLevelScript:     DefaultZoomLevelScript,
			SetZoomScript:       DefaultSetZoomScript,
			LoadTimeout:         "60s",
			PopupTimeout:        "5s",
			SpinnerTimeout:      "10s",
			SettleDelay:         "1500ms",
			RecoveryZoomStep:    1,
			MaxRecoveryCycles:   1,
			CoordinatePrecision: 6,
		},
		Archive: ArchiveConfig{
			StartPage:      1,
			MaxPages:       50,
			ItemSelector:   ".search-result",
			NameSelector:   ".search-result-title",
			LinkSelector:   "a",
			DetailRow:      ".field",
			DetailLabel:    ".field-label",
			DetailValue:    ".field-value",
			RequestsPerSec: 1,
			RequestTimeout: "30s",
			MaxAttempts:    3,
			RetryBackoff:   "1s",
			UserAgent:      "Registrar/1.0",
			DetailLabels: map[string]string{
				"religious_entity": "Religious entity",
				"location":         "Location",
				"years_operation":  "Years of operation",
			},
		},
		Reconcile: ReconcileConfig{
			Tolerance:      0.25,
			MarkerPrefix:   "Canadian Residential Schools: ",
			SentinelNames:  []string{"Unknown institution", "Unknown"},
			PrefixScale:    0.1,
			BoostThreshold: 0,
			PrefixSize:     4,
			Workers:        4,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/registrar",
			},
		},
		Output: OutputConfig{
			Dir:       "./output",
			Markers:   "markers.csv",
			Audit:     "audit.csv",
			Archive:   "archive.csv",
			Registry:  "registry.csv",
			Unmatched: "unmatched.csv",
		},
	}
}

// DefaultZoomLevelScript reads the zoom level tracked by DefaultSetZoomScript.
// Maps that expose their view object can replace both scripts.
const DefaultZoomLevelScript = `function() { return window.__registrarZoom || 0; }`

// DefaultSetZoomScript steps the map's zoom widget until the tracked level equals target.
const DefaultSetZoomScript = `function(target) {
	var current = window.__registrarZoom || 0;
	var buttons = document.querySelectorAll('.esri-zoom .esri-widget--button');
	if (buttons.length < 2) { throw new Error('zoom widget not found'); }
	while (current < target) { buttons[0].click(); current++; }
	while (current > target) { buttons[buttons.length - 1].click(); current--; }
	window.__registrarZoom = current;
	return current;
}`

// LoadFromFiles loads configuration from multiple TOML files in order.
// Later files override earlier ones; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies REGISTRAR_* environment variables
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("REGISTRAR_ENV"); env != "" {
		config.Environment = env
	}

	// Logging configuration
	if level := os.Getenv("REGISTRAR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("REGISTRAR_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Browser configuration
	if remote := os.Getenv("REGISTRAR_BROWSER_REMOTE_URL"); remote != "" {
		config.Browser.RemoteURL = remote
	}
	if headless := os.Getenv("REGISTRAR_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}

	// Map configuration
	if mapURL := os.Getenv("REGISTRAR_MAP_URL"); mapURL != "" {
		config.Map.URL = mapURL
	}
	if popupTimeout := os.Getenv("REGISTRAR_MAP_POPUP_TIMEOUT"); popupTimeout != "" {
		config.Map.PopupTimeout = popupTimeout
	}
	if cycles := os.Getenv("REGISTRAR_MAP_MAX_RECOVERY_CYCLES"); cycles != "" {
		if c, err := strconv.Atoi(cycles); err == nil {
			config.Map.MaxRecoveryCycles = c
		}
	}
	if dir := os.Getenv("REGISTRAR_MAP_SCREENSHOT_DIR"); dir != "" {
		config.Map.ScreenshotDir = dir
	}

	// Archive configuration
	if tmpl := os.Getenv("REGISTRAR_ARCHIVE_URL_TEMPLATE"); tmpl != "" {
		config.Archive.URLTemplate = tmpl
	}

	// Reconcile configuration
	if tolerance := os.Getenv("REGISTRAR_RECONCILE_TOLERANCE"); tolerance != "" {
		if t, err := strconv.ParseFloat(tolerance, 64); err == nil {
			config.Reconcile.Tolerance = t
		}
	}
	if prefix, ok := os.LookupEnv("REGISTRAR_RECONCILE_MARKER_PREFIX"); ok {
		config.Reconcile.MarkerPrefix = prefix
	}

	// Storage and output
	if badgerPath := os.Getenv("REGISTRAR_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if outDir := os.Getenv("REGISTRAR_OUTPUT_DIR"); outDir != "" {
		config.Output.Dir = outDir
	}
	if overrides := os.Getenv("REGISTRAR_OVERRIDES_PATH"); overrides != "" {
		config.Overrides.Path = overrides
	}
}

// FlagOverrides carries command-line values that take precedence over files and env
type FlagOverrides struct {
	MapURL        string
	OutputDir     string
	OverridesPath string
	LogLevel      string
	Headful       bool
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, flags FlagOverrides) {
	if flags.MapURL != "" {
		config.Map.URL = flags.MapURL
	}
	if flags.OutputDir != "" {
		config.Output.Dir = flags.OutputDir
	}
	if flags.OverridesPath != "" {
		config.Overrides.Path = flags.OverridesPath
	}
	if flags.LogLevel != "" {
		config.Logging.Level = flags.LogLevel
	}
	if flags.Headful {
		config.Browser.Headless = false
	}
}

// Validate checks struct constraints and that every duration string parses
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"browser.startup_timeout": c.Browser.StartupTimeout,
		"browser.poll_interval":   c.Browser.PollInterval,
		"map.load_timeout":        c.Map.LoadTimeout,
		"map.popup_timeout":       c.Map.PopupTimeout,
		"map.spinner_timeout":     c.Map.SpinnerTimeout,
		"map.settle_delay":        c.Map.SettleDelay,
		"archive.request_timeout": c.Archive.RequestTimeout,
		"archive.retry_backoff":   c.Archive.RetryBackoff,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	return nil
}

// ParseDuration parses a duration string, returning fallback when empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
