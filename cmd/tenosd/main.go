package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Tenos-ai/tenos-bot/internal/adapter/repo"
	"github.com/Tenos-ai/tenos-bot/internal/comfy"
	"github.com/Tenos-ai/tenos-bot/internal/dispatch"
	"github.com/Tenos-ai/tenos-bot/internal/http/handlers"
	"github.com/Tenos-ai/tenos-bot/internal/http/httpapi"
	"github.com/Tenos-ai/tenos-bot/internal/infra"
	"github.com/Tenos-ai/tenos-bot/internal/providers/enhancer"
	"github.com/Tenos-ai/tenos-bot/internal/reconcile"
	"github.com/Tenos-ai/tenos-bot/internal/registry"
	"github.com/Tenos-ai/tenos-bot/internal/settings"
	"github.com/Tenos-ai/tenos-bot/internal/styles"
)

const watchDebounce = time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settingsStore := settings.NewStore(cfg.SettingsPath)
	if err := settingsStore.Load(); err != nil {
		logger.Fatal().Err(err).Msg("failed to load settings")
	}
	styleStore := styles.NewStore(cfg.StylesPath)
	if err := styleStore.Load(); err != nil {
		logger.Fatal().Err(err).Msg("failed to load styles")
	}

	queue, err := comfy.NewClient(comfy.Options{
		BaseURL:  cfg.ComfyBaseURL,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure backend client")
	}

	reg := registry.New()

	// Archive is optional: without a database, swept jobs are simply gone.
	var archive *repo.ArchiveRepositoryPG
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()

		archive = repo.NewArchiveRepository(pool)
		if err := archive.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate archive")
		}
	} else {
		logger.Warn().Msg("no DATABASE_URL set, job archive disabled")
	}

	var enh enhancer.Enhancer = enhancer.Passthrough{}
	if cfg.EnhancerAPIKey != "" {
		enh, err = enhancer.NewOpenAIEnhancer(enhancer.OpenAIOptions{
			APIKey:  cfg.EnhancerAPIKey,
			Model:   cfg.EnhancerModel,
			BaseURL: cfg.EnhancerBaseURL,
			OnFallback: func(reason string, err error) {
				logger.Warn().Err(err).Str("reason", reason).Msg("enhancer fallback")
			},
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure enhancer")
		}
	}

	var lookup dispatch.ArchiveLookup
	if archive != nil {
		lookup = archive
	}
	dispatcher := dispatch.New(reg, lookup, settingsStore, styleStore, queue)

	reconciler := reconcile.New(reconcile.Options{
		Registry:     reg,
		Logger:       logger,
		TombstoneTTL: cfg.RetentionWindow,
	})
	stream := comfy.NewStream(comfy.StreamOptions{
		URL:      cfg.ComfyWSURL,
		ClientID: queue.ClientID(),
		Logger:   logger,
		Buffer:   cfg.EventBuffer,
	})

	app := &handlers.App{
		Settings:   settingsStore,
		Styles:     styleStore,
		Registry:   reg,
		Dispatcher: dispatcher,
		Queue:      queue,
		Enhancer:   enh,
		Log:        logger,
	}
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return stream.Run(ctx)
	})
	g.Go(func() error {
		return reconciler.Run(ctx, stream.Events())
	})
	g.Go(func() error {
		return runSweeper(ctx, cfg, logger, reg, reconciler, archive)
	})
	g.Go(func() error {
		return infra.WatchFile(ctx, logger, settingsStore.Path(), watchDebounce, settingsStore.Load)
	})
	g.Go(func() error {
		return infra.WatchFile(ctx, logger, styleStore.Path(), watchDebounce, styleStore.Load)
	})

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("daemon stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("daemon stopped")
}

// runSweeper periodically moves resolved records older than the retention
// window out of the registry and into the archive, leaving tombstones so
// their late events stay quiet.
func runSweeper(ctx context.Context, cfg *infra.Config, logger infra.Logger, reg *registry.Registry, rec *reconcile.Reconciler, archive *repo.ArchiveRepositoryPG) error {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed := reg.Sweep(time.Now().Add(-cfg.RetentionWindow))
			if len(removed) == 0 {
				continue
			}
			ids := make([]string, 0, len(removed))
			for _, r := range removed {
				ids = append(ids, r.JobID)
				if archive != nil {
					if err := archive.Insert(ctx, r); err != nil {
						logger.Error().Err(err).Str("job_id", r.JobID).Msg("failed to archive swept job")
					}
				}
			}
			rec.Entomb(ids...)
			logger.Info().Int("count", len(removed)).Msg("swept resolved jobs")
		}
	}
}
