// Package telemetry exposes deal operation counters and pipeline gauges in
// Prometheus format.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"salesline/internal/domain"
)

const namespace = "salesline"

// PipelineSource computes the open pipeline aggregate. engine.Engine
// implements it.
type PipelineSource interface {
	ComputeMetrics(ctx context.Context) (domain.PipelineMetrics, error)
}

// Metrics owns a private registry so tests and embedded servers do not
// collide on the global one.
type Metrics struct {
	Registry   *prometheus.Registry
	operations *prometheus.CounterVec
	entries    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deal_operations_total",
			Help:      "Deal operations by name and outcome.",
		}, []string{"op", "outcome"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_entries_total",
			Help:      "Deals entering a stage.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.operations, m.entries)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Operation(op, outcome string) {
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) StageEntered(stageSlug string) {
	m.entries.WithLabelValues(stageSlug).Inc()
}

// WatchPipeline registers gauges computed from src on every scrape.
func (m *Metrics) WatchPipeline(src PipelineSource, log logrus.FieldLogger) {
	m.Registry.MustRegister(newPipelineCollector(src, log))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

type pipelineCollector struct {
	src     PipelineSource
	log     logrus.FieldLogger
	timeout time.Duration

	value      *prometheus.Desc
	active     *prometheus.Desc
	followUp   *prometheus.Desc
	stageCount *prometheus.Desc
	stageValue *prometheus.Desc
}

func newPipelineCollector(src PipelineSource, log logrus.FieldLogger) *pipelineCollector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &pipelineCollector{
		src:        src,
		log:        log,
		timeout:    5 * time.Second,
		value:      prometheus.NewDesc(namespace+"_pipeline_value", "Sum of estimated value over open deals.", nil, nil),
		active:     prometheus.NewDesc(namespace+"_active_deals", "Open, non-trashed deals.", nil, nil),
		followUp:   prometheus.NewDesc(namespace+"_deals_needing_follow_up", "Open deals with an overdue follow-up or no interaction.", nil, nil),
		stageCount: prometheus.NewDesc(namespace+"_stage_deals", "Open deals per stage.", []string{"stage_id", "stage"}, nil),
		stageValue: prometheus.NewDesc(namespace+"_stage_value", "Estimated value per open stage.", []string{"stage_id", "stage"}, nil),
	}
}

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.value
	ch <- c.active
	ch <- c.followUp
	ch <- c.stageCount
	ch <- c.stageValue
}

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	pm, err := c.src.ComputeMetrics(ctx)
	if err != nil {
		c.log.WithError(err).Warn("pipeline metrics unavailable")
		ch <- prometheus.NewInvalidMetric(c.value, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, pm.PipelineValue.InexactFloat64())
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(pm.ActiveDeals))
	ch <- prometheus.MustNewConstMetric(c.followUp, prometheus.GaugeValue, float64(pm.DealsNeedingFollowUp))
	for _, b := range pm.StagesBreakdown {
		ch <- prometheus.MustNewConstMetric(c.stageCount, prometheus.GaugeValue, float64(b.Count), b.StageID, b.Name)
		ch <- prometheus.MustNewConstMetric(c.stageValue, prometheus.GaugeValue, b.Value.InexactFloat64(), b.StageID, b.Name)
	}
}
