package domain

import "fmt"

// ModelFamily identifies a generation model category. The two families have
// incompatible parameter sets: SDXL carries a negative prompt and CFG-style
// guidance, Flux has neither.
type ModelFamily string

const (
	FamilyFlux ModelFamily = "flux"
	FamilySDXL ModelFamily = "sdxl"
)

// Valid reports whether f is a known family tag.
func (f ModelFamily) Valid() bool {
	return f == FamilyFlux || f == FamilySDXL
}

// UsesNegativePrompt reports whether the family accepts a negative prompt.
func (f ModelFamily) UsesNegativePrompt() bool {
	return f == FamilySDXL
}

// ActionKind enumerates the operations a descriptor can represent.
type ActionKind string

const (
	ActionGenerate   ActionKind = "generate"
	ActionImg2Img    ActionKind = "img2img"
	ActionRerun      ActionKind = "rerun"
	ActionUpscale    ActionKind = "upscale"
	ActionVaryWeak   ActionKind = "vary_weak"
	ActionVaryStrong ActionKind = "vary_strong"
	ActionEdit       ActionKind = "edit"
)

// Derived reports whether the action transforms a prior job's descriptor
// rather than starting from defaults.
func (k ActionKind) Derived() bool {
	switch k {
	case ActionRerun, ActionUpscale, ActionVaryWeak, ActionVaryStrong, ActionEdit:
		return true
	}
	return false
}

// MaxLoraSlots matches the conditioning slots exposed by the backend's
// LoRA loader nodes.
const MaxLoraSlots = 5

// LoraSlot is one conditioning entry contributed by a style preset.
type LoraSlot struct {
	On       bool    `json:"on"`
	Name     string  `json:"lora"`
	Strength float64 `json:"strength"`
}

// StyleFragment is the set of conditioning entries a resolved style
// contributes to a descriptor.
type StyleFragment struct {
	Slots []LoraSlot `json:"slots,omitempty"`
}

// Clone returns an independent copy of the fragment.
func (s StyleFragment) Clone() StyleFragment {
	out := StyleFragment{}
	if len(s.Slots) > 0 {
		out.Slots = append([]LoraSlot(nil), s.Slots...)
	}
	return out
}

// MaxSourceImages bounds how many source-image references a blend or edit
// operation may carry.
const MaxSourceImages = 4

// MaxBatchSize bounds the repeat count of a single request.
const MaxBatchSize = 10

// Descriptor is the fully validated, immutable description of one generation
// job. Builders produce it; nothing mutates it after that. Callers that need
// a variant take a Clone first.
type Descriptor struct {
	Family   ModelFamily `json:"family"`
	Kind     ActionKind  `json:"kind"`
	ParentID string      `json:"parent_id,omitempty"`

	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`

	Seed        int64   `json:"seed"`
	AspectRatio string  `json:"aspect_ratio,omitempty"`
	MPSize      float64 `json:"mp_size,omitempty"`
	Guidance    float64 `json:"guidance"`
	Steps       int     `json:"steps"`

	Style         string        `json:"style"`
	StyleFragment StyleFragment `json:"style_fragment,omitempty"`

	BatchSize    int      `json:"batch_size"`
	SourceImages []string `json:"source_images,omitempty"`

	// StrengthPct is the img2img conditioning strength (0..100); Denoise is
	// what the sampler actually receives (derived actions set it directly).
	StrengthPct   int     `json:"strength_pct,omitempty"`
	Denoise       float64 `json:"denoise,omitempty"`
	UpscaleFactor float64 `json:"upscale_factor,omitempty"`

	// Enhancer provenance, carried for display and rerun reconstruction.
	OriginalPrompt string `json:"original_prompt,omitempty"`
	EnhancedPrompt string `json:"enhanced_prompt,omitempty"`
	EnhancerUsed   bool   `json:"enhancer_used,omitempty"`
	EnhancerErr    string `json:"enhancer_error,omitempty"`
}

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.StyleFragment = d.StyleFragment.Clone()
	if len(d.SourceImages) > 0 {
		out.SourceImages = append([]string(nil), d.SourceImages...)
	}
	return out
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s seed=%d ar=%s style=%s", d.Family, d.Kind, d.Seed, d.AspectRatio, d.Style)
}
