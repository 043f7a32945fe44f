package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/metrics"
	"github.com/rendis/stepflow/internal/plugins"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
)

// app bundles the wired runtime shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	hub       streaming.EventHub
	metrics   *metrics.Metrics
	registry  *steps.Registry
	validator *validation.GraphValidator
	engine    engine.Engine
	plugins   *plugins.Manager

	closers []func() error
}

// newApp opens the store and hub named by cfg and builds the engine on top.
// Logs go to logOut.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg}
	a.logger = logging.Setup(cfg.LogLevel, cfg.LogFormat, logOut)

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	if cfg.AMQPURL != "" {
		hub, err := streaming.DialAMQPHub(cfg.AMQPURL, a.logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		a.hub = hub
		a.closers = append(a.closers, hub.Close)
	} else {
		a.hub = streaming.NewMemoryHub()
	}

	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.registry = steps.NewRegistry()
	if err := steps.RegisterBuiltins(a.registry, steps.Deps{Validator: jsv}); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("register builtin steps: %w", err)
	}

	a.plugins = plugins.NewManager(a.registry, a.logger)
	a.closers = append(a.closers, a.plugins.StopAll)
	for _, pc := range cfg.Plugins {
		if err := a.plugins.Load(ctx, pc); err != nil {
			a.logger.Warn("plugin not loaded", slog.String("id", pc.ID), slog.String("error", err.Error()))
		}
	}
	a.validator, err = validation.NewGraphValidator(a.registry)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.metrics = metrics.New()
	a.engine = engine.NewEngine(engine.Config{
		Store:    a.store,
		Registry: a.registry,
		Hub:      a.hub,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.DBDriver {
	case driverMemory:
		return store.NewMemoryStore(), nil
	case driverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	default:
		if dir := filepath.Dir(cfg.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		s, err := store.NewLibSQLStore(cfg.libsqlDSN())
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return s, nil
	}
}
