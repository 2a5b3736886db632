// Package styles loads named LoRA presets from a JSON file and resolves them
// against a model family.
package styles

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// Off is the built-in no-op style. It always resolves, for any family, to an
// empty fragment.
const Off = "off"

// Preset is one named style entry. ModelType scopes which families may use
// it; "all" or empty means both.
type Preset struct {
	ModelType string          `json:"model_type,omitempty"`
	Lora1     domain.LoraSlot `json:"lora_1"`
	Lora2     domain.LoraSlot `json:"lora_2"`
	Lora3     domain.LoraSlot `json:"lora_3"`
	Lora4     domain.LoraSlot `json:"lora_4"`
	Lora5     domain.LoraSlot `json:"lora_5"`
}

func (p Preset) slots() []domain.LoraSlot {
	all := []domain.LoraSlot{p.Lora1, p.Lora2, p.Lora3, p.Lora4, p.Lora5}
	out := make([]domain.LoraSlot, 0, domain.MaxLoraSlots)
	for _, s := range all {
		if s.On && s.Name != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p Preset) allows(f domain.ModelFamily) bool {
	switch strings.ToLower(p.ModelType) {
	case "", "all":
		return true
	case string(f):
		return true
	}
	return false
}

// Store holds the loaded presets behind a read lock so the watcher can swap
// them while requests resolve.
type Store struct {
	mu      sync.RWMutex
	presets map[string]Preset
	path    string
}

// NewStore returns an empty store backed by path. The off style is always
// available without loading.
func NewStore(path string) *Store {
	return &Store{presets: map[string]Preset{}, path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the backing file and replaces the preset table. A missing file
// leaves the table empty, which still serves the off style.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read styles: %w", err)
	}

	var presets map[string]Preset
	if err := json.Unmarshal(raw, &presets); err != nil {
		return fmt.Errorf("parse styles: %w", err)
	}
	delete(presets, Off)

	s.mu.Lock()
	s.presets = presets
	s.mu.Unlock()
	return nil
}

// Resolve maps a style name to the conditioning fragment it contributes for
// the given family. Unknown names and presets scoped to the other family
// fail with ErrValidation; the job is not silently degraded to off.
func (s *Store) Resolve(name string, family domain.ModelFamily) (domain.StyleFragment, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || key == Off {
		return domain.StyleFragment{}, nil
	}

	s.mu.RLock()
	p, ok := s.presets[key]
	s.mu.RUnlock()

	if !ok {
		return domain.StyleFragment{}, fmt.Errorf("%w: unknown style %q for %s models", domain.ErrValidation, name, family)
	}
	if !p.allows(family) {
		return domain.StyleFragment{}, fmt.Errorf("%w: style %q is not available for %s models", domain.ErrValidation, name, family)
	}
	return domain.StyleFragment{Slots: p.slots()}, nil
}

// Names lists the available style names for a family, off first.
func (s *Store) Names(family domain.ModelFamily) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.presets)+1)
	for name, p := range s.presets {
		if p.allows(family) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return append([]string{Off}, out...)
}
