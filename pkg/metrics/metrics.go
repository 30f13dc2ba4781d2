// Package metrics exposes progress of loads and pipeline runs as prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opst/houseprice/pkg/loader"
	"github.com/opst/houseprice/pkg/pipeline"
)

// Collector observes loads and pipeline runs.
type Collector struct {
	registry *prometheus.Registry

	rowsLoaded    *prometheus.CounterVec
	chunksWritten *prometheus.CounterVec
	chunkDuration prometheus.Histogram

	stageAttempts *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	lastRunFinished *prometheus.GaugeVec
}

var _ loader.Observer = &Collector{}
var _ pipeline.Observer = &Collector{}

func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		rowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "houseprice_loader_rows_total",
			Help: "Total number of rows written into tables",
		}, []string{"table"}),

		chunksWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "houseprice_loader_chunks_total",
			Help: "Total number of chunks written into tables",
		}, []string{"table"}),

		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "houseprice_loader_chunk_duration_seconds",
			Help:    "Time to write a chunk",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "houseprice_pipeline_stage_attempts_total",
			Help: "Total number of attempts of stages, by result",
		}, []string{"stage", "result"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "houseprice_pipeline_stage_duration_seconds",
			Help:    "Time of an attempt of a stage",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}, []string{"stage"}),

		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "houseprice_pipeline_runs_total",
			Help: "Total number of finished runs, by status and failed stage",
		}, []string{"status", "failed_stage"}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "houseprice_pipeline_run_duration_seconds",
			Help:    "Time of a run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~18h
		}),

		lastRunFinished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "houseprice_pipeline_last_run_finished_timestamp_seconds",
			Help: "Unix time when the last run finished, by status",
		}, []string{"status"}),
	}

	registry.MustRegister(
		c.rowsLoaded,
		c.chunksWritten,
		c.chunkDuration,
		c.stageAttempts,
		c.stageDuration,
		c.runs,
		c.runDuration,
		c.lastRunFinished,
	)
	registry.MustRegister(collectors.NewGoCollector())

	return c
}

// Registry returns the registry holding metrics of the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves metrics in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ChunkWritten(r loader.ChunkReport) {
	table := r.Table.String()
	c.rowsLoaded.WithLabelValues(table).Add(float64(r.Rows))
	c.chunksWritten.WithLabelValues(table).Inc()
	c.chunkDuration.Observe(r.Elapsed.Seconds())
}

func (c *Collector) Attempted(stage string, attempt int, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.stageAttempts.WithLabelValues(stage, result).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (c *Collector) Finished(run pipeline.Run) {
	c.runs.WithLabelValues(string(run.Status), run.FailedStage).Inc()
	c.runDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	c.lastRunFinished.WithLabelValues(string(run.Status)).Set(float64(run.FinishedAt.Unix()))
}
