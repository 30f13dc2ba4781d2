package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opst/houseprice/pkg/artifact"
	cfg_hook "github.com/opst/houseprice/pkg/configs/hook"
	kconf "github.com/opst/houseprice/pkg/configs/pipeline"
	"github.com/opst/houseprice/pkg/loop/recurring"
	"github.com/opst/houseprice/pkg/metrics"
	"github.com/opst/houseprice/pkg/pipeline"
	"github.com/opst/houseprice/pkg/pipeline/hook"
	"github.com/opst/houseprice/pkg/pipeline/stage"
	"github.com/opst/houseprice/pkg/store"
	k8s "github.com/opst/houseprice/pkg/workloads/k8s"
)

// Daemon runs the pipeline on schedule.
type Daemon struct {
	Config *kconf.Config
	Hooks  cfg_hook.Config
	Store  store.Store

	// Cluster for job stages. It can be nil when no stages are jobs.
	Cluster func(namespace string) (k8s.Cluster, error)

	// Metrics can be nil.
	Metrics *metrics.Collector

	Logger *log.Logger
}

func (d Daemon) logger() *log.Logger {
	if d.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return d.Logger
}

// Pipeline builds the pipeline from the config.
func (d Daemon) Pipeline() (*pipeline.Pipeline, error) {
	conf := d.Config
	logger := d.logger()

	deps := stage.Deps{
		Store:     d.Store,
		Artifacts: artifact.Store{Dir: conf.Model().Dir(), Prefix: conf.Model().Prefix()},
		Cluster:   d.Cluster,
		Logger:    logger,
	}
	if d.Metrics != nil {
		deps.LoadObserver = d.Metrics
	}
	steps, err := stage.FromConfig(conf, deps)
	if err != nil {
		return nil, err
	}

	ns := conf.Namespaces()
	options := []pipeline.Option{
		pipeline.WithPrecondition(pipeline.EnsureNamespaces(d.Store, append(ns.Layers(), ns.Meta())...)),
		pipeline.WithLock(d.Store, pipeline.LockKey),
		pipeline.WithRecorder(pipeline.StoreRecorder{Log: d.Store, Namespace: ns.Meta()}),
		pipeline.WithHook(hook.Build[pipeline.Detail](d.Hooks)),
		pipeline.WithLogger(log.New(logger.Writer(), "[pipeline] ", logger.Flags()|log.Lmsgprefix)),
	}
	if d.Metrics != nil {
		options = append(options, pipeline.WithObserver(d.Metrics))
	}
	return pipeline.New(steps, options...), nil
}

// Start runs the pipeline at windows of the policy.
//
// A failed run does not stop the schedule, and a run skipped by the lock is not a failure.
//
// # Returns
//
// - int: number of windows.
//
// - error: ctx.Err() when ctx is done. When the policy has no more windows,
// the error of the last run.
func (d Daemon) Start(ctx context.Context, policy recurring.Policy, options ...recurring.Option) (int, error) {
	p, err := d.Pipeline()
	if err != nil {
		return 0, err
	}
	logger := d.logger()

	logger.Printf("start pipeline /w policy %q", policy.String())
	return recurring.Start(
		ctx, policy,
		func(ctx context.Context, window time.Time) error {
			logger.Printf("window %s", window.Format(time.RFC3339))
			run, err := p.Run(ctx)
			if errors.Is(err, store.ErrLocked) {
				logger.Printf("window %s is skipped: another run is in progress", window.Format(time.RFC3339))
				return nil
			}
			if err != nil {
				return err
			}
			logger.Printf("run %s: %s", run.Id, run.Status)
			return nil
		},
		options...,
	)
}

// ServeMetrics serves /metrics until ctx is done.
func ServeMetrics(ctx context.Context, logger *log.Logger, addr string, collector *metrics.Collector) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	context.AfterFunc(ctx, func() {
		graceful, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			logger.Printf("error on shutdown metrics server: %s", err)
		}
	})

	logger.Printf("serving metrics on %s", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
