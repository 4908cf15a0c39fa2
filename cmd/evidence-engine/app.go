// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/acquire"
	"github.com/pdiddy/evidence-engine/internal/aggregate"
	"github.com/pdiddy/evidence-engine/internal/convert"
	"github.com/pdiddy/evidence-engine/internal/extract"
	"github.com/pdiddy/evidence-engine/internal/lease"
	"github.com/pdiddy/evidence-engine/internal/literature"
	"github.com/pdiddy/evidence-engine/internal/metrics"
	"github.com/pdiddy/evidence-engine/internal/model"
	"github.com/pdiddy/evidence-engine/internal/promptset"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg      *types.PipelineConfig
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collectors
	store    store.Store
	tracker  *stage.Tracker
	locker   lease.Locker
	redis    *lease.Redis
}

// openApp loads the config and opens the store. Callers must Close it.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := zap.L()

	if cfg.Store.Driver == "" || cfg.Store.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, err
		}
	}
	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		store:    s,
		tracker:  stage.NewTracker(s, logger, m),
		locker:   lease.Noop{},
	}
	if cfg.Redis.Addr != "" {
		r, err := lease.NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		a.redis, a.locker = r, r
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
}

// lease runs fn while holding the lease for (s, unit).
func (a *app) lease(ctx context.Context, s types.Stage, unit types.Unit, fn func(context.Context) error) error {
	return lease.Do(ctx, a.locker, a.cfg.Redis.LeaseTTL, s, unit, fn)
}

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.Literature.Timeout}
}

func (a *app) querier() (*literature.Querier, error) {
	client := a.httpClient()
	src, err := literature.NewSource(client, a.cfg.Literature)
	if err != nil {
		return nil, err
	}
	lit := a.cfg.Literature
	return &literature.Querier{
		Store:   a.store,
		Tracker: a.tracker,
		Source:  src,
		Details: &literature.VariantValidator{Client: client, UserAgent: lit.UserAgent},
		Metadata: &literature.PubMed{
			Client:    client,
			APIKey:    lit.NCBIAPIKey,
			Email:     lit.Email,
			Tool:      lit.Tool,
			UserAgent: lit.UserAgent,
		},
		Logger: a.logger,
	}, nil
}

func (a *app) downloader() *acquire.Downloader {
	return &acquire.Downloader{
		Store:     a.store,
		Tracker:   a.tracker,
		Fetcher:   acquire.NewPMC(a.httpClient(), a.cfg.Literature),
		PapersDir: a.cfg.PapersDir,
		Delay:     a.cfg.Literature.DownloadDelay,
		Logger:    a.logger,
	}
}

func (a *app) converter(ctx context.Context) (*convert.Service, error) {
	c, err := convert.New(ctx, a.cfg.Conversion, nil)
	if err != nil {
		return nil, err
	}
	return &convert.Service{
		Store:     a.store,
		Tracker:   a.tracker,
		Converter: c,
		PapersDir: a.cfg.PapersDir,
		Logger:    a.logger,
	}, nil
}

func (a *app) promptSet() (*promptset.Set, error) {
	return promptset.Load(a.cfg.PromptSet, a.cfg.PromptSetDir)
}

func (a *app) invoker(ctx context.Context) (model.Invoker, error) {
	return model.New(ctx, a.cfg.Model, model.WithLogger(a.logger), model.WithMetrics(a.metrics))
}

// extractor builds the extraction engine. A dry run needs no model.
func (a *app) extractor(ctx context.Context, dryRun bool) (*extract.Engine, error) {
	ps, err := a.promptSet()
	if err != nil {
		return nil, err
	}
	var inv model.Invoker
	if !dryRun {
		if inv, err = a.invoker(ctx); err != nil {
			return nil, err
		}
	}
	return extract.New(extract.Deps{
		Store:     a.store,
		Tracker:   a.tracker,
		Invoker:   inv,
		PromptSet: ps,
		Model:     a.cfg.Model.Spec,
		Logger:    a.logger,
		Metrics:   a.metrics,
	}, a.cfg.Extraction), nil
}

func (a *app) aggregator(ctx context.Context, dryRun bool) (*aggregate.Engine, error) {
	ps, err := a.promptSet()
	if err != nil {
		return nil, err
	}
	var inv model.Invoker
	if !dryRun {
		if inv, err = a.invoker(ctx); err != nil {
			return nil, err
		}
	}
	return aggregate.New(aggregate.Deps{
		Store:     a.store,
		Tracker:   a.tracker,
		Invoker:   inv,
		PromptSet: ps,
		Model:     a.cfg.Model.Spec,
		Logger:    a.logger,
		Metrics:   a.metrics,
	}, a.cfg.Aggregation), nil
}
