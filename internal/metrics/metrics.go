// Package metrics exports pipeline runs as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flarebyte/conduit/internal/engine"
	"github.com/flarebyte/conduit/internal/item"
)

const namespace = "conduit"

// Collector is an engine.Observer that records runs, items and events on its
// own registry.
type Collector struct {
	registry *prometheus.Registry

	RunsTotal   *prometheus.CounterVec
	ItemsTotal  *prometheus.CounterVec
	EventsTotal *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	LastSuccess *prometheus.GaugeVec
}

var _ engine.Observer = (*Collector)(nil)

// New creates a Collector with every metric registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Pipeline runs by final status",
			},
			[]string{"pipeline", "status"},
		),
		ItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_total",
				Help:      "Items emitted per stage",
			},
			[]string{"pipeline", "stage"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "events_total",
				Help:      "Observability events reported by stages",
			},
			[]string{"pipeline", "level"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),
		LastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run",
			},
			[]string{"pipeline"},
		),
	}
	c.registry.MustRegister(c.RunsTotal, c.ItemsTotal, c.EventsTotal, c.RunDuration, c.LastSuccess)
	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) OnRunStart(engine.RunInfo) {}

func (c *Collector) OnItem(run engine.RunInfo, stage int, _ any) {
	c.ItemsTotal.WithLabelValues(run.Pipeline, stageLabel(run, stage)).Inc()
}

func (c *Collector) OnEvent(run engine.RunInfo, ev item.Event) {
	c.EventsTotal.WithLabelValues(run.Pipeline, string(ev.Level)).Inc()
}

func (c *Collector) OnRunEnd(run engine.RunInfo, res engine.Result, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	c.RunsTotal.WithLabelValues(run.Pipeline, status).Inc()
	c.RunDuration.WithLabelValues(run.Pipeline).Observe(res.Duration.Seconds())
	if err == nil {
		c.LastSuccess.WithLabelValues(run.Pipeline).SetToCurrentTime()
	}
}

// stageLabel is "<index>:<key>" so two stages of the same class stay apart.
func stageLabel(run engine.RunInfo, stage int) string {
	key := "?"
	if stage >= 0 && stage < len(run.Keys) {
		key = run.Keys[stage]
	}
	return strconv.Itoa(stage) + ":" + key
}
