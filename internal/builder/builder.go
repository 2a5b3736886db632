// Package builder merges settings defaults, resolved style presets, and
// parsed command options into final job descriptors.
package builder

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/parser"
	"github.com/Tenos-ai/tenos-bot/internal/settings"
)

// StyleResolver expands a style name into the conditioning fragment it
// contributes for a family.
type StyleResolver interface {
	Resolve(name string, family domain.ModelFamily) (domain.StyleFragment, error)
}

// DefaultStrengthPct is the img2img conditioning strength used when the
// command does not supply one.
const DefaultStrengthPct = 75

// Build turns a parsed command into one descriptor per repeat, seeded
// base, base+1 and so on. Precedence is defaults, then style, then the
// command's explicit flags. Every returned descriptor passes Validate.
func Build(cmd parser.Command, defs settings.Defaults, styles StyleResolver) ([]domain.Descriptor, error) {
	family := defs.SelectedFamily

	base := domain.Descriptor{
		Family:      family,
		Kind:        domain.ActionGenerate,
		Prompt:      strings.TrimSpace(cmd.Prompt),
		AspectRatio: "1:1",
		MPSize:      defs.MPSize,
		BatchSize:   defs.BatchSize,
	}

	switch family {
	case domain.FamilyFlux:
		base.Guidance = defs.Guidance
		base.Steps = defs.Steps
		base.Style = defs.StyleFlux
	case domain.FamilySDXL:
		base.Guidance = defs.GuidSDXL
		base.Steps = defs.SDXLSteps
		base.Style = defs.StyleSDXL
	}

	if len(cmd.Images) > 0 {
		base.Kind = domain.ActionImg2Img
		base.SourceImages = append([]string(nil), cmd.Images...)
		base.StrengthPct = DefaultStrengthPct
	}

	if cmd.AspectRatio != nil {
		base.AspectRatio = *cmd.AspectRatio
	}
	if cmd.MPSize != nil {
		base.MPSize = *cmd.MPSize
	}
	if cmd.Guidance != nil {
		base.Guidance = *cmd.Guidance
	}
	if cmd.GuidanceSDXL != nil {
		base.Guidance = *cmd.GuidanceSDXL
	}
	if cmd.Repeat != nil {
		base.BatchSize = *cmd.Repeat
	}
	if cmd.Style != nil {
		base.Style = *cmd.Style
	}
	if cmd.Strength != nil {
		if base.Kind != domain.ActionImg2Img {
			return nil, fmt.Errorf("%w: strength requires a source image", domain.ErrValidation)
		}
		base.StrengthPct = *cmd.Strength
	}
	if base.Kind == domain.ActionImg2Img {
		// Higher strength preserves more of the source image, so the
		// sampler gets the complement.
		base.Denoise = math.Round((1-float64(base.StrengthPct)/100)*100) / 100
	}

	base.NegativePrompt = mergeFreshNegative(family, defs.NegativePrompt, cmd.Negative)

	frag, err := styles.Resolve(base.Style, family)
	if err != nil {
		return nil, err
	}
	base.StyleFragment = frag

	seed := int64(rand.Int64N(1 << 48))
	if cmd.Seed != nil {
		seed = *cmd.Seed
	}

	out := make([]domain.Descriptor, 0, base.BatchSize)
	for i := 0; i < base.BatchSize; i++ {
		d := base.Clone()
		d.Seed = seed + int64(i)
		if err := Validate(d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// mergeFreshNegative applies the fresh-generation contract: supplied text is
// appended to the configured default, an explicit empty string suppresses the
// default, and absence keeps the default as-is. Derived actions do not use
// this; they replace the inherited value outright.
func mergeFreshNegative(family domain.ModelFamily, def string, supplied *string) string {
	if !family.UsesNegativePrompt() {
		return ""
	}
	if supplied == nil {
		return def
	}
	text := strings.TrimSpace(*supplied)
	if text == "" {
		return ""
	}
	if def == "" {
		return text
	}
	return def + ", " + text
}

// Validate checks that a descriptor is internally consistent with its model
// family. It is the last gate before submission; nothing past it should be
// able to fail on user input.
func Validate(d domain.Descriptor) error {
	if !d.Family.Valid() {
		return fmt.Errorf("%w: unknown model family %q", domain.ErrValidation, d.Family)
	}
	if strings.TrimSpace(d.Prompt) == "" && d.Kind == domain.ActionGenerate {
		return fmt.Errorf("%w: prompt must not be empty", domain.ErrValidation)
	}
	if d.BatchSize < 1 || d.BatchSize > domain.MaxBatchSize {
		return fmt.Errorf("%w: repeat count %d outside 1..%d", domain.ErrValidation, d.BatchSize, domain.MaxBatchSize)
	}
	if d.MPSize != 0 && (d.MPSize < 0.1 || d.MPSize > 8.0) {
		return fmt.Errorf("%w: resolution target %.2f outside 0.1..8.0 megapixels", domain.ErrValidation, d.MPSize)
	}
	if d.Steps <= 0 {
		return fmt.Errorf("%w: step count must be positive", domain.ErrValidation)
	}
	if d.Guidance <= 0 {
		return fmt.Errorf("%w: guidance must be positive", domain.ErrValidation)
	}
	if len(d.SourceImages) > domain.MaxSourceImages {
		return fmt.Errorf("%w: at most %d source images", domain.ErrValidation, domain.MaxSourceImages)
	}
	if len(d.StyleFragment.Slots) > domain.MaxLoraSlots {
		return fmt.Errorf("%w: style contributes more than %d conditioning slots", domain.ErrValidation, domain.MaxLoraSlots)
	}
	if !d.Family.UsesNegativePrompt() && d.NegativePrompt != "" {
		return fmt.Errorf("%w: negative prompt is not valid for %s models", domain.ErrValidation, d.Family)
	}
	if d.Kind.Derived() && d.ParentID == "" {
		return fmt.Errorf("%w: derived action requires a parent job", domain.ErrValidation)
	}
	if d.Seed < 0 {
		return fmt.Errorf("%w: seed must be non-negative", domain.ErrValidation)
	}
	return nil
}
