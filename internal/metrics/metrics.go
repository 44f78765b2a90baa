// Package metrics exports engine activity to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/evalflow/pkg/api"
)

const namespace = "evalflow"

// Observer is an api.Observer recording transitions and task executions as
// Prometheus counters and histograms.
type Observer struct {
	transitions  *prometheus.CounterVec
	enqueued     *prometheus.CounterVec
	started      *prometheus.CounterVec
	finished     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

var _ api.Observer = (*Observer)(nil)

// NewObserver registers the engine metrics on reg. A nil reg uses the
// default registerer.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions persisted, by entity kind and target state.",
		}, []string{"kind", "to_state"}),
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks enqueued, by task name.",
		}, []string{"task"}),
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Task attempts started, by task name.",
		}, []string{"task"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Task attempts finished, by task name and resulting status.",
		}, []string{"task", "status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler run time per attempt.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"task"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Task attempts currently executing in this process.",
		}),
	}
}

func (o *Observer) OnTransition(ctx context.Context, rec api.TransitionRecord) {
	o.transitions.WithLabelValues(string(rec.EntityKind), rec.ToState).Inc()
}

func (o *Observer) OnTaskEnqueued(ctx context.Context, task *api.Task) {
	o.enqueued.WithLabelValues(task.Name).Inc()
}

func (o *Observer) OnTaskStarted(ctx context.Context, task *api.Task) {
	o.started.WithLabelValues(task.Name).Inc()
	o.inFlight.Inc()
}

func (o *Observer) OnTaskFinished(ctx context.Context, task *api.Task, d time.Duration, err error) {
	o.inFlight.Dec()
	o.finished.WithLabelValues(task.Name, string(task.Status)).Inc()
	o.taskDuration.WithLabelValues(task.Name).Observe(d.Seconds())
}

// StatsSource reports the number of tasks per status.
type StatsSource interface {
	Stats(ctx context.Context) (map[api.TaskStatus]int, error)
}

// QueueCollector exposes queue depth per status, read at scrape time.
type QueueCollector struct {
	source  StatsSource
	timeout time.Duration
	desc    *prometheus.Desc
	errors  prometheus.Counter
}

var _ prometheus.Collector = (*QueueCollector)(nil)

// NewQueueCollector returns a collector querying source with timeout per
// scrape.
func NewQueueCollector(source StatsSource, timeout time.Duration) *QueueCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &QueueCollector{
		source:  source,
		timeout: timeout,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "tasks"),
			"Tasks in the queue, by status.",
			[]string{"status"}, nil,
		),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stats_errors_total",
			Help:      "Failed queue depth reads.",
		}),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	c.errors.Describe(ch)
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		c.errors.Inc()
	} else {
		for _, s := range api.TaskStatuses {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(stats[s]), string(s))
		}
	}
	c.errors.Collect(ch)
}
