// Package dispatch builds derived-action descriptors (rerun, upscale, vary,
// edit) from a completed parent job, and handles per-job cancellation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/Tenos-ai/tenos-bot/internal/builder"
	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/registry"
	"github.com/Tenos-ai/tenos-bot/internal/settings"
)

// ArchiveLookup finds records the sweeper already removed from the registry.
// May be nil when no archive is configured.
type ArchiveLookup interface {
	GetByID(ctx context.Context, id string) (domain.Record, error)
}

// Canceller removes one pending job from the backend queue. The bool reports
// whether the backend actually dropped a pending entry.
type Canceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// Upscale denoise and factor bounds.
const (
	UpscaleDenoise   = 0.25
	MinUpscaleFactor = 1.5
	MaxUpscaleFactor = 4.0
)

// Vary denoise levels.
const (
	VaryWeakDenoise   = 0.48
	VaryStrongDenoise = 0.75
)

// Dispatcher resolves parent jobs and produces derived descriptors. It never
// submits; callers feed the result back through the normal submit path.
type Dispatcher struct {
	reg      *registry.Registry
	archive  ArchiveLookup
	settings *settings.Store
	styles   builder.StyleResolver
	queue    Canceller
}

// New wires a dispatcher. archive and styles may be nil.
func New(reg *registry.Registry, archive ArchiveLookup, st *settings.Store, styles builder.StyleResolver, queue Canceller) *Dispatcher {
	return &Dispatcher{reg: reg, archive: archive, settings: st, styles: styles, queue: queue}
}

// Overrides are the optional parameters a derived action may supply. A nil
// field inherits from the parent; Negative follows the derived contract and
// replaces the inherited value outright when set. Seed and Style apply to
// upscales only.
type Overrides struct {
	Prompt     *string
	Negative   *string
	Seed       *int64
	Style      *string
	ImageIndex int
}

// Derive builds a new descriptor of the given kind from a completed parent
// job. The parent is looked up in the registry first and then the archive.
func (d *Dispatcher) Derive(ctx context.Context, parentID string, kind domain.ActionKind, requester domain.Requester, ov Overrides) (domain.Descriptor, error) {
	if !kind.Derived() {
		return domain.Descriptor{}, fmt.Errorf("%w: %s is not a derived action", domain.ErrValidation, kind)
	}

	parent, err := d.lookup(ctx, parentID)
	if err != nil {
		return domain.Descriptor{}, err
	}
	if parent.State != domain.StateCompleted {
		return domain.Descriptor{}, fmt.Errorf("%w: %s is %s", domain.ErrNoCompletedParent, parentID, parent.State)
	}

	desc := parent.Descriptor.Clone()
	desc.Kind = kind
	desc.ParentID = parent.JobID
	desc.BatchSize = 1
	desc.Seed = newSeed(parent.Descriptor.Seed)

	defs := d.settings.Snapshot()

	switch kind {
	case domain.ActionRerun:
		// Everything but the seed carries over verbatim, the negative
		// prompt included, even if defaults moved since the parent ran.

	case domain.ActionUpscale:
		src, err := pickOutput(parent, ov.ImageIndex)
		if err != nil {
			return domain.Descriptor{}, err
		}
		desc.SourceImages = []string{src}
		desc.UpscaleFactor = clampFactor(defs.UpscaleFactor)
		desc.Denoise = UpscaleDenoise
		desc.StrengthPct = 0
		if ov.Seed != nil {
			desc.Seed = *ov.Seed
		}
		if ov.Style != nil {
			if d.styles == nil {
				return domain.Descriptor{}, fmt.Errorf("%w: style overrides are not available", domain.ErrValidation)
			}
			frag, err := d.styles.Resolve(*ov.Style, desc.Family)
			if err != nil {
				return domain.Descriptor{}, err
			}
			desc.Style = *ov.Style
			desc.StyleFragment = frag
		}

	case domain.ActionVaryWeak, domain.ActionVaryStrong:
		src, err := pickOutput(parent, ov.ImageIndex)
		if err != nil {
			return domain.Descriptor{}, err
		}
		desc.SourceImages = []string{src}
		desc.Denoise = VaryWeakDenoise
		if kind == domain.ActionVaryStrong {
			desc.Denoise = VaryStrongDenoise
		}
		desc.StrengthPct = 0
		// Remix mode lets the requester reshape the prompt on a variation.
		if ov.Prompt != nil && d.settings.User(requester.ID).RemixMode {
			desc.Prompt = strings.TrimSpace(*ov.Prompt)
		}

	case domain.ActionEdit:
		if ov.Prompt == nil || strings.TrimSpace(*ov.Prompt) == "" {
			return domain.Descriptor{}, fmt.Errorf("%w: edit requires an instruction", domain.ErrValidation)
		}
		desc.Prompt = strings.TrimSpace(*ov.Prompt)
		desc.SourceImages = capOutputs(parent.Outputs)
		desc.Guidance = defs.EditGuidance
		desc.Steps = defs.EditSteps
		desc.MPSize = defs.EditMPSize
		desc.Denoise = 0
		desc.StrengthPct = 0
		if len(desc.SourceImages) == 0 {
			return domain.Descriptor{}, fmt.Errorf("%w: parent %s has no outputs to edit", domain.ErrValidation, parentID)
		}
	}

	if ov.Negative != nil {
		if !desc.Family.UsesNegativePrompt() {
			return domain.Descriptor{}, fmt.Errorf("%w: negative prompt is not valid for %s models", domain.ErrValidation, desc.Family)
		}
		desc.NegativePrompt = strings.TrimSpace(*ov.Negative)
	}

	if err := builder.Validate(desc); err != nil {
		return domain.Descriptor{}, err
	}
	return desc, nil
}

// Cancel removes one queued job. Only the owner or an admin may cancel, only
// pending jobs can be cancelled, and nothing else in the backend queue is
// touched.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string, requester domain.Requester) (domain.Record, error) {
	rec, ok := d.reg.Get(jobID)
	if !ok {
		return domain.Record{}, fmt.Errorf("%w: %s", domain.ErrNotFound, jobID)
	}
	if rec.Requester.ID != requester.ID && !requester.Admin {
		return domain.Record{}, fmt.Errorf("%w: %s may not cancel %s", domain.ErrPermission, requester.ID, jobID)
	}
	if rec.State.Terminal() {
		return domain.Record{}, fmt.Errorf("%w: %s is %s", domain.ErrTerminalState, jobID, rec.State)
	}

	removed, err := d.queue.Cancel(ctx, jobID)
	if err != nil {
		return domain.Record{}, err
	}
	if !removed {
		// The backend no longer holds the job, so its terminal event is
		// already on the way. Leave the record for the stream to resolve
		// rather than clobbering an in-flight completion.
		return rec, nil
	}
	return d.reg.Resolve(jobID, domain.StateCancelled, nil, "cancelled by "+requester.ID, time.Now())
}

func (d *Dispatcher) lookup(ctx context.Context, id string) (domain.Record, error) {
	if rec, ok := d.reg.Get(id); ok {
		return rec, nil
	}
	if d.archive == nil {
		return domain.Record{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	rec, err := d.archive.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Record{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		return domain.Record{}, fmt.Errorf("archive lookup: %w", err)
	}
	return rec, nil
}

func pickOutput(parent domain.Record, index int) (string, error) {
	if len(parent.Outputs) == 0 {
		return "", fmt.Errorf("%w: %s has no outputs", domain.ErrValidation, parent.JobID)
	}
	if index < 0 || index >= len(parent.Outputs) {
		return "", fmt.Errorf("%w: image index %d outside 0..%d", domain.ErrValidation, index, len(parent.Outputs)-1)
	}
	return parent.Outputs[index], nil
}

func capOutputs(outputs []string) []string {
	if len(outputs) > domain.MaxSourceImages {
		outputs = outputs[:domain.MaxSourceImages]
	}
	return append([]string(nil), outputs...)
}

func clampFactor(f float64) float64 {
	switch {
	case f < MinUpscaleFactor:
		return MinUpscaleFactor
	case f > MaxUpscaleFactor:
		return MaxUpscaleFactor
	}
	return f
}

// newSeed draws a seed guaranteed to differ from the parent's.
func newSeed(parent int64) int64 {
	for {
		s := rand.Int64N(1 << 48)
		if s != parent {
			return s
		}
	}
}
