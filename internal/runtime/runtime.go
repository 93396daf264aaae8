// Package runtime wires the gateway together and owns its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/designs/personagw/internal/auth"
	"github.com/szaher/designs/personagw/internal/budget"
	"github.com/szaher/designs/personagw/internal/config"
	"github.com/szaher/designs/personagw/internal/dispatch"
	"github.com/szaher/designs/personagw/internal/history"
	"github.com/szaher/designs/personagw/internal/llm"
	"github.com/szaher/designs/personagw/internal/media"
	"github.com/szaher/designs/personagw/internal/message"
	"github.com/szaher/designs/personagw/internal/persona"
	"github.com/szaher/designs/personagw/internal/settings"
	"github.com/szaher/designs/personagw/internal/telemetry"
)

// Runtime holds every long-lived component of the gateway.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	engine     *llm.Guard
	settings   settings.Store
	history    *history.Store
	sweeper    *history.Sweeper
	registry   *persona.Registry
	identities []persona.Identity
	dispatcher *dispatch.Dispatcher
	metrics    *telemetry.Metrics
	server     *Server

	// ownEngine and ownSettings are set for components New built itself;
	// caller-supplied ones are left open on Close.
	ownEngine   bool
	ownSettings bool
}

// Options supplies components that would otherwise be built from config.
type Options struct {
	Logger   *slog.Logger
	Engine   llm.Engine
	Settings settings.Store
	Media    media.Store
}

// New builds the runtime. On error everything built so far is closed.
func New(ctx context.Context, cfg config.Config, opts Options) (rt *Runtime, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt = &Runtime{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	inner := opts.Engine
	if inner == nil {
		inner, err = llm.NewEngine(cfg.EngineSettings())
		if err != nil {
			return nil, fmt.Errorf("create engine: %w", err)
		}
		rt.ownEngine = true
	}
	rt.engine = llm.NewGuard(inner, cfg.Engine.Concurrency, cfg.Engine.Timeout)

	rt.settings = opts.Settings
	if rt.settings == nil {
		rt.settings, err = settings.Open(ctx, cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("open settings: %w", err)
		}
		rt.ownSettings = true
	}

	tok, err := budget.NewTokenizer(cfg.Personas.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("create tokenizer: %w", err)
	}
	normalizer := message.NewNormalizer()
	rt.history = history.NewStore()

	deps := persona.Deps{
		Engine:     rt.engine,
		Prompts:    rt.settings,
		History:    rt.history,
		Budgeter:   budget.New(tok),
		Normalizer: normalizer,
		Metrics:    rt.metrics,
		Logger:     logger,
	}
	rt.registry = persona.NewRegistry(func(ctx context.Context, id persona.Identity) (*persona.Persona, error) {
		return persona.New(ctx, id, cfg.PersonaConfig(id.Kind), deps)
	})

	for _, kind := range cfg.Kinds() {
		id := persona.Identity{Kind: kind, Engine: cfg.Engine.Model, MaxHistory: cfg.Personas.MaxHistory}
		if _, err := rt.registry.GetOrCreate(ctx, id); err != nil {
			return nil, fmt.Errorf("create persona %s: %w", kind, err)
		}
		rt.identities = append(rt.identities, id)
	}
	rt.dispatcher = dispatch.New(rt.registry.All(), dispatch.WithNormalizer(normalizer), dispatch.WithLogger(logger))

	if cfg.History.IdleTTL > 0 {
		rt.sweeper, err = history.NewSweeper(rt.history, cfg.History.SweepSchedule, cfg.History.IdleTTL,
			history.WithSweepLogger(logger),
			history.WithSweepHook(func(_, remaining int) { rt.metrics.SetActiveWindows(remaining) }),
		)
		if err != nil {
			return nil, err
		}
	}

	uploads := opts.Media
	if uploads == nil {
		mcfg := cfg.Media
		if mcfg.MaxSize == 0 {
			mcfg.MaxSize = cfg.Server.MaxUploadBytes
		}
		uploads, err = media.Open(ctx, mcfg)
		if err != nil {
			return nil, fmt.Errorf("open media store: %w", err)
		}
	}

	rt.server = NewServer(rt.dispatcher, rt.settings, uploads,
		WithLogger(logger),
		WithMetrics(rt.metrics),
		WithAdminKey(cfg.Auth.AdminKey),
		WithLimiter(auth.NewLimiter(cfg.Auth.RateLimit)),
		WithCORSOrigins(cfg.Server.AllowedOrigins),
		WithCookieSecure(cfg.Server.CookieSecure),
		WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	)
	if cfg.Auth.AdminKey == "" {
		logger.Warn("no admin key configured: settings endpoints are open")
	}
	return rt, nil
}

// Dispatcher returns the turn dispatcher.
func (rt *Runtime) Dispatcher() *dispatch.Dispatcher { return rt.dispatcher }

// Server returns the HTTP server.
func (rt *Runtime) Server() *Server { return rt.server }

// Settings returns the settings store.
func (rt *Runtime) Settings() settings.Store { return rt.settings }

// Serve runs the HTTP server, the history sweeper and, when enabled, the
// settings watcher until ctx is cancelled or one of them fails. It does not
// release resources; call Close afterwards.
func (rt *Runtime) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.server.ListenAndServe(rt.cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		return rt.server.Shutdown(shutdownCtx)
	})

	if w, ok := rt.settings.(settings.Watchable); ok && rt.cfg.Settings.Watch {
		g.Go(func() error {
			return w.Watch(gctx, rt.onSettingsChange)
		})
	}

	if rt.sweeper != nil {
		rt.sweeper.Start()
		defer rt.sweeper.Stop()
	}

	rt.logger.Info("gateway running", "addr", rt.cfg.Server.Addr, "engine", rt.cfg.Engine.Model,
		"settings", rt.cfg.Settings.Backend, "personas", len(rt.identities), "version", Version)
	return g.Wait()
}

func (rt *Runtime) onSettingsChange(ctx context.Context) error {
	if err := rt.dispatcher.RefreshAll(ctx); err != nil {
		rt.logger.Error("reload prompts after settings change failed", "error", err)
		return err
	}
	return nil
}

// Close releases the personas and drains the engine. The engine and settings
// store are closed only when New created them.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.logger.Info("shutting down runtime")
	var errs []error
	if rt.registry != nil {
		for _, id := range rt.identities {
			rt.registry.Release(id)
		}
		rt.identities = nil
	}
	if rt.engine != nil {
		closeEngine := rt.engine.Drain
		if rt.ownEngine {
			closeEngine = rt.engine.Close
		}
		if err := closeEngine(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if rt.settings != nil && rt.ownSettings {
		if err := rt.settings.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close settings: %w", err))
		}
	}
	return errors.Join(errs...)
}
