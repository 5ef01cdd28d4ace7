package overrides

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrConflict is returned when two overrides claim the same marker or canonical name
var ErrConflict = errors.New("conflicting overrides")

// tomlFile is the TOML layout:
//
//	[[override]]
//	marker_name = "Kitimaat"
//	canonical_name = "Kitimaat (Elizabeth Long Memorial Home for Girls)"
type tomlFile struct {
	Override []models.ManualOverride `toml:"override"`
}

// Loader reads the manual override table
type Loader struct {
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewLoader creates a new override loader
func NewLoader(logger arbor.ILogger) *Loader {
	return &Loader{
		validate: validator.New(),
		logger:   logger,
	}
}

// Load reads overrides from a .toml, .yaml or .yml file. An empty path means
// no overrides.
func (l *Loader) Load(path string) ([]models.ManualOverride, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read override file %s: %w", path, err)
	}

	var overrides []models.ManualOverride
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var file tomlFile
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse override file %s: %w", path, err)
		}
		overrides = file.Override
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return nil, fmt.Errorf("failed to parse override file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported override file type %q", filepath.Ext(path))
	}

	if err := l.Validate(overrides); err != nil {
		return nil, fmt.Errorf("invalid override file %s: %w", path, err)
	}

	l.logger.Debug().
		Str("path", path).
		Int("overrides", len(overrides)).
		Msg("Manual overrides loaded")

	return overrides, nil
}

// Validate checks required fields and that no marker or canonical name
// appears in more than one override
func (l *Loader) Validate(overrides []models.ManualOverride) error {
	var errs []error
	markers := make(map[string]int)
	canonical := make(map[string]int)

	for i, o := range overrides {
		if err := l.validate.Struct(o); err != nil {
			errs = append(errs, fmt.Errorf("override %d: %w", i+1, err))
			continue
		}

		m := strings.TrimSpace(o.MarkerName)
		c := strings.TrimSpace(o.CanonicalName)
		if prev, ok := markers[m]; ok {
			errs = append(errs, fmt.Errorf("overrides %d and %d both map marker %q: %w", prev, i+1, m, ErrConflict))
		} else {
			markers[m] = i + 1
		}
		if prev, ok := canonical[c]; ok {
			errs = append(errs, fmt.Errorf("overrides %d and %d both map to %q: %w", prev, i+1, c, ErrConflict))
		} else {
			canonical[c] = i + 1
		}
	}

	return errors.Join(errs...)
}
