// Package settings holds the mutable generation defaults and per-user
// preferences, loaded from a JSON file and reloaded when the file changes.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// Defaults are the admin-tunable generation parameters applied to every
// fresh job before style presets and user flags override them.
type Defaults struct {
	SelectedFamily domain.ModelFamily `json:"selected_family"`

	ModelFlux string `json:"selected_flux_model"`
	ModelSDXL string `json:"selected_sdxl_model"`

	Steps     int     `json:"steps"`
	SDXLSteps int     `json:"sdxl_steps"`
	Guidance  float64 `json:"default_guidance"`
	GuidSDXL  float64 `json:"default_sdxl_guidance"`

	NegativePrompt string  `json:"default_sdxl_negative_prompt"`
	MPSize         float64 `json:"default_mp_size"`
	BatchSize      int     `json:"default_batch_size"`

	StyleFlux string `json:"default_style_flux"`
	StyleSDXL string `json:"default_style_sdxl"`

	UpscaleFactor float64 `json:"upscale_factor"`

	EditGuidance float64 `json:"edit_guidance"`
	EditSteps    int     `json:"edit_steps"`
	EditMPSize   float64 `json:"edit_mp_size"`

	EnhancerEnabled bool `json:"llm_enhancer_enabled"`
}

// ModelFor returns the checkpoint file configured for a family.
func (d Defaults) ModelFor(f domain.ModelFamily) string {
	if f == domain.FamilySDXL {
		return d.ModelSDXL
	}
	return d.ModelFlux
}

// UserPrefs are per-requester toggles keyed by requester id.
type UserPrefs struct {
	RemixMode bool `json:"remix_mode"`
}

type fileShape struct {
	Defaults
	Users map[string]UserPrefs `json:"users,omitempty"`
}

// Store serves settings snapshots to concurrent readers and accepts
// replacements from the file watcher and the admin API.
type Store struct {
	mu    sync.RWMutex
	cur   Defaults
	users map[string]UserPrefs
	path  string
}

// BuiltinDefaults returns the settings used when no file is present.
func BuiltinDefaults() Defaults {
	return Defaults{
		SelectedFamily:  domain.FamilyFlux,
		ModelFlux:       "flux1-dev.safetensors",
		ModelSDXL:       "sd_xl_base_1.0.safetensors",
		Steps:           32,
		SDXLSteps:       26,
		Guidance:        3.5,
		GuidSDXL:        7.0,
		NegativePrompt:  "blurry, low quality, watermark",
		MPSize:          1.0,
		BatchSize:       1,
		StyleFlux:       "off",
		StyleSDXL:       "off",
		UpscaleFactor:   1.85,
		EditGuidance:    3.0,
		EditSteps:       32,
		EditMPSize:      1.15,
		EnhancerEnabled: false,
	}
}

// NewStore returns a store seeded with built-in defaults. Call Load to read
// the backing file.
func NewStore(path string) *Store {
	return &Store{
		cur:   BuiltinDefaults(),
		users: map[string]UserPrefs{},
		path:  path,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the backing file and replaces the current snapshot. A missing
// file is not an error; the built-in defaults stay in effect.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}

	shape := fileShape{Defaults: BuiltinDefaults()}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	if err := validate(shape.Defaults); err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = shape.Defaults
	if shape.Users != nil {
		s.users = shape.Users
	}
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current defaults.
func (s *Store) Snapshot() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Replace swaps in new defaults after validating them.
func (s *Store) Replace(d Defaults) error {
	if err := validate(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = d
	s.mu.Unlock()
	return nil
}

// User returns the preferences for a requester id, zero-valued when unset.
func (s *Store) User(id string) UserPrefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

// SetUser replaces the preferences for a requester id.
func (s *Store) SetUser(id string, p UserPrefs) {
	s.mu.Lock()
	s.users[id] = p
	s.mu.Unlock()
}

func validate(d Defaults) error {
	if !d.SelectedFamily.Valid() {
		return fmt.Errorf("%w: unknown model family %q", domain.ErrValidation, d.SelectedFamily)
	}
	if d.MPSize < 0.1 || d.MPSize > 8.0 {
		return fmt.Errorf("%w: default_mp_size %.2f outside 0.1..8.0", domain.ErrValidation, d.MPSize)
	}
	if d.BatchSize < 1 || d.BatchSize > domain.MaxBatchSize {
		return fmt.Errorf("%w: default_batch_size %d outside 1..%d", domain.ErrValidation, d.BatchSize, domain.MaxBatchSize)
	}
	if d.Steps <= 0 || d.SDXLSteps <= 0 || d.EditSteps <= 0 {
		return fmt.Errorf("%w: step counts must be positive", domain.ErrValidation)
	}
	if strings.TrimSpace(d.StyleFlux) == "" || strings.TrimSpace(d.StyleSDXL) == "" {
		return fmt.Errorf("%w: default styles must not be empty", domain.ErrValidation)
	}
	return nil
}
