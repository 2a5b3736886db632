// Package reconcile drives job lifecycle state from the backend event
// stream: running marks, terminal transitions, and exactly-once completion
// notifications.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Tenos-ai/tenos-bot/internal/comfy"
	"github.com/Tenos-ai/tenos-bot/internal/domain"
	"github.com/Tenos-ai/tenos-bot/internal/infra"
	"github.com/Tenos-ai/tenos-bot/internal/registry"
)

// Notifier receives each record exactly once, when it reaches a terminal
// state. The presentation layer implements this.
type Notifier interface {
	Notify(ctx context.Context, rec domain.Record)
}

// LogNotifier is the default sink: it logs resolutions and nothing else.
type LogNotifier struct {
	Log infra.Logger
}

func (n LogNotifier) Notify(_ context.Context, rec domain.Record) {
	ev := n.Log.Info()
	if rec.State == domain.StateFailed {
		ev = n.Log.Error()
	}
	ev.Str("job_id", rec.JobID).
		Str("state", string(rec.State)).
		Int("outputs", len(rec.Outputs)).
		Str("reason", rec.FailureReason).
		Msg("job resolved")
}

// Options configures a Reconciler.
type Options struct {
	Registry *registry.Registry
	Notifier Notifier
	Logger   infra.Logger

	// TombstoneTTL is how long a swept job id keeps absorbing stale events.
	TombstoneTTL time.Duration
}

// Reconciler consumes decoded backend events and applies them to the
// registry. Events for unknown or already-resolved jobs are absorbed and
// logged, never treated as faults: the sweeper removes records while the
// backend can still replay their events.
type Reconciler struct {
	reg      *registry.Registry
	notifier Notifier
	log      infra.Logger

	tombstones *gocache.Cache

	mu      sync.Mutex
	outputs map[string][]string
}

// New returns a reconciler not yet consuming events; call Run.
func New(opts Options) *Reconciler {
	ttl := opts.TombstoneTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Log: opts.Logger}
	}
	return &Reconciler{
		reg:        opts.Registry,
		notifier:   notifier,
		log:        opts.Logger,
		tombstones: gocache.New(ttl, ttl),
		outputs:    make(map[string][]string),
	}
}

// Entomb records job ids the sweeper just removed, so their late events are
// absorbed quietly instead of logged as inconsistencies.
func (r *Reconciler) Entomb(ids ...string) {
	for _, id := range ids {
		r.tombstones.SetDefault(id, struct{}{})
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, events <-chan comfy.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.apply(ctx, ev)
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, ev comfy.Event) {
	switch ev.Kind {
	case comfy.EventStarted:
		if err := r.reg.MarkRunning(ev.JobID, time.Now()); err != nil {
			r.absorb(ev, err)
		}

	case comfy.EventOutput:
		r.mu.Lock()
		r.outputs[ev.JobID] = append(r.outputs[ev.JobID], ev.Outputs...)
		r.mu.Unlock()

	case comfy.EventCompleted:
		r.resolve(ctx, ev, domain.StateCompleted, "")

	case comfy.EventFailed:
		r.resolve(ctx, ev, domain.StateFailed, ev.Error)

	case comfy.EventInterrupted:
		r.resolve(ctx, ev, domain.StateCancelled, "interrupted")
	}
}

func (r *Reconciler) resolve(ctx context.Context, ev comfy.Event, state domain.JobState, reason string) {
	r.mu.Lock()
	outputs := r.outputs[ev.JobID]
	delete(r.outputs, ev.JobID)
	r.mu.Unlock()

	rec, err := r.reg.Resolve(ev.JobID, state, outputs, reason, time.Now())
	if err != nil {
		r.absorb(ev, err)
		return
	}
	r.notifier.Notify(ctx, rec)
}

// absorb logs a registry mismatch at the right level. Duplicates and swept
// jobs are routine; a genuinely unknown id is worth a warning.
func (r *Reconciler) absorb(ev comfy.Event, err error) {
	if _, swept := r.tombstones.Get(ev.JobID); swept || errors.Is(err, domain.ErrTerminalState) {
		r.log.Debug().Str("job_id", ev.JobID).Str("event", string(ev.Kind)).Msg("stale event absorbed")
		return
	}
	r.log.Warn().Err(err).Str("job_id", ev.JobID).Str("event", string(ev.Kind)).Msg("event for unknown job absorbed")
}
