// Package metrics exports coordinator counters in the Prometheus format.
package metrics

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"draft-collab/go-backend/internal/serializer"
)

const namespace = "collab"

// Collector implements the observer interfaces of the serializer, presence
// channel, websocket transport and snapshot mirror. Draft ids are never
// used as label values.
type Collector struct {
	registry *prometheus.Registry

	tasksPending     *prometheus.GaugeVec
	activeKeys       *prometheus.GaugeVec
	taskWait         *prometheus.HistogramVec
	taskRun          *prometheus.HistogramVec
	taskFailures     *prometheus.CounterVec
	queueViolations  prometheus.Counter
	joins            *prometheus.CounterVec
	leaves           *prometheus.CounterVec
	dropped          prometheus.Counter
	activeDrafts     prometheus.Gauge
	connections      *prometheus.GaugeVec
	framesRejected   *prometheus.CounterVec
	mirrorWrites     *prometheus.CounterVec
	mirrorQueueDrops prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "serializer", Name: "tasks_pending",
			Help: "Tasks queued or running, by key kind.",
		}, []string{"kind"}),
		activeKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "serializer", Name: "active_keys",
			Help: "Keys with a live worker, by key kind.",
		}, []string{"kind"}),
		taskWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "serializer", Name: "task_wait_seconds",
			Help:    "Time a task waited behind earlier tasks of its key.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
		taskRun: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "serializer", Name: "task_run_seconds",
			Help:    "Task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "serializer", Name: "task_failures_total",
			Help: "Tasks that returned an error or panicked.",
		}, []string{"kind", "cause"}),
		queueViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "serializer", Name: "queue_invariant_violations_total",
			Help: "Queue bookkeeping inconsistencies. Should stay at zero.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "joins_total",
			Help: "Applied joins; replaced is true for a re-join of the same session.",
		}, []string{"replaced"}),
		leaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "leaves_total",
			Help: "Applied leaves by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "deliveries_dropped_total",
			Help: "Events that could not be queued to a member outbox.",
		}),
		activeDrafts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "presence", Name: "active_drafts",
			Help: "Drafts with at least one member.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Open websocket connections by subprotocol.",
		}, []string{"subprotocol"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "frames_rejected_total",
			Help: "Client frames answered with an ERROR event.",
		}, []string{"code"}),
		mirrorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mirror", Name: "writes_total",
			Help: "Snapshot mirror writes by result.",
		}, []string{"result"}),
		mirrorQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mirror", Name: "queue_dropped_total",
			Help: "Changes dropped because the mirror queue was full.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasksPending, c.activeKeys, c.taskWait, c.taskRun, c.taskFailures, c.queueViolations,
		c.joins, c.leaves, c.dropped, c.activeDrafts,
		c.connections, c.framesRejected,
		c.mirrorWrites, c.mirrorQueueDrops,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// keyKind maps "presence:d1" to "presence" so that draft ids stay out of labels.
func keyKind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

func (c *Collector) TaskQueued(key string) {
	c.tasksPending.WithLabelValues(keyKind(key)).Inc()
}

func (c *Collector) TaskFinished(key string, wait, run time.Duration, err error) {
	kind := keyKind(key)
	c.tasksPending.WithLabelValues(kind).Dec()
	c.taskWait.WithLabelValues(kind).Observe(wait.Seconds())
	c.taskRun.WithLabelValues(kind).Observe(run.Seconds())
	if err != nil {
		cause := "error"
		var panicErr *serializer.TaskPanicError
		if errors.As(err, &panicErr) {
			cause = "panic"
		}
		c.taskFailures.WithLabelValues(kind, cause).Inc()
	}
}

func (c *Collector) KeyActivated(key string) {
	c.activeKeys.WithLabelValues(keyKind(key)).Inc()
}

func (c *Collector) KeyReleased(key string) {
	c.activeKeys.WithLabelValues(keyKind(key)).Dec()
}

func (c *Collector) InvariantViolation(string) {
	c.queueViolations.Inc()
}

func (c *Collector) MemberJoined(_ string, replaced bool) {
	label := "false"
	if replaced {
		label = "true"
	}
	c.joins.WithLabelValues(label).Inc()
}

func (c *Collector) MemberLeft(_ string, reason string) {
	c.leaves.WithLabelValues(reason).Inc()
}

func (c *Collector) DeliveryDropped(string) {
	c.dropped.Inc()
}

func (c *Collector) ActiveDrafts(n int) {
	c.activeDrafts.Set(float64(n))
}

func (c *Collector) ConnectionOpened(subprotocol string) {
	c.connections.WithLabelValues(subprotocol).Inc()
}

func (c *Collector) ConnectionClosed(subprotocol string) {
	c.connections.WithLabelValues(subprotocol).Dec()
}

func (c *Collector) FrameRejected(code string) {
	c.framesRejected.WithLabelValues(code).Inc()
}

func (c *Collector) MirrorWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.mirrorWrites.WithLabelValues(result).Inc()
}

func (c *Collector) MirrorDropped() {
	c.mirrorQueueDrops.Inc()
}
