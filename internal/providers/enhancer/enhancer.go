// Package enhancer rewrites user prompts with an LLM before generation,
// falling back to the original text when the provider is unavailable.
package enhancer

import (
	"context"
	"strings"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// Enhancer expands a terse user prompt into a richer one for the model
// family in play. Implementations must not fail a generation: on provider
// trouble they fall back and report it through their options.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string, family domain.ModelFamily) (string, error)
}

// Passthrough returns the prompt unchanged. Used when enhancement is
// disabled or no provider is configured.
type Passthrough struct{}

func (Passthrough) Enhance(_ context.Context, prompt string, _ domain.ModelFamily) (string, error) {
	return strings.TrimSpace(prompt), nil
}
