package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"lobkit/internal/access"
	"lobkit/internal/blob"
	"lobkit/internal/config"
	"lobkit/internal/core"
	"lobkit/internal/migration"
	"lobkit/internal/reports"
	"lobkit/internal/view"
)

// modules is the application composition; migrate applies them in order.
var modules = []core.Module{migration.TrackingModule, access.Module, reports.Module, view.Module}

// app holds what a command needs after configuration is loaded.
type app struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	registry *prometheus.Registry
	domain   *core.DataDomain
	store    core.PersistentStore
}

func openApp(configDir string) (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	schema, err := core.NewSchema(modules...)
	if err != nil {
		return nil, err
	}
	store, err := core.OpenPersistentStore(cfg.Storage, core.NewDefaultRulesEngine(schema))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	reg := prometheus.NewRegistry()
	dd, err := core.NewDataDomain(schema, store, core.WithLogger(log), core.WithMetrics(core.NewMetrics(reg)))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Debugw("application opened", "storage", cfg.Storage.Driver, "blob", cfg.Blob.Driver)
	return &app{cfg: cfg, log: log, registry: reg, domain: dd, store: store}, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	// Sync fails on terminals; only the store error matters.
	_ = a.log.Sync()
	return err
}

// withScope runs fn in a fresh scope and closes it afterwards.
func (a *app) withScope(fn func(*core.Scope) error) error {
	scope := a.domain.CreateScope()
	return errors.Join(fn(scope), scope.Close())
}

func (a *app) openBlob(ctx context.Context) (blob.Store, error) {
	return blob.Open(ctx, a.cfg.Blob)
}
