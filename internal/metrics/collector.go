// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records every control-plane metric. All
// metrics share one namespace and register with the default registry.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// hierarchy metrics
	nodesAttached  *prometheus.CounterVec
	nodesDetached  *prometheus.CounterVec
	hierarchySize  *prometheus.GaugeVec
	hierarchyDepth *prometheus.GaugeVec

	// spawn metrics
	spawnRequests *prometheus.CounterVec
	spawnDuration *prometheus.HistogramVec

	// messaging metrics
	messagesSent     *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec

	// delegation metrics
	delegationsTotal   *prometheus.CounterVec
	delegationDuration *prometheus.HistogramVec

	// escalation metrics
	escalationsOpened *prometheus.CounterVec
	escalationsClosed *prometheus.CounterVec
	escalationHops    prometheus.Counter

	// scaling metrics
	scalingActions *prometheus.CounterVec

	// store metrics
	storeOpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.nodesAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hierarchy_nodes_attached_total",
			Help:      "Total number of nodes attached to hierarchies",
		},
		[]string{"org_id", "role_class"},
	)

	c.nodesDetached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hierarchy_nodes_detached_total",
			Help:      "Total number of nodes detached from hierarchies",
		},
		[]string{"org_id", "policy"},
	)

	c.hierarchySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hierarchy_size",
			Help:      "Current number of live nodes per hierarchy",
		},
		[]string{"org_id"},
	)

	c.hierarchyDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hierarchy_depth",
			Help:      "Current depth per hierarchy",
		},
		[]string{"org_id"},
	)

	c.spawnRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_requests_total",
			Help:      "Total number of spawn requests by outcome",
		},
		[]string{"org_id", "outcome"}, // outcome: committed, aborted, expired, denied
	)

	c.spawnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spawn_duration_seconds",
			Help:      "Time from spawn authorization to commit",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"org_id"},
	)

	c.messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages accepted for delivery",
		},
		[]string{"kind", "priority"},
	)

	c.messagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total number of messages rejected by reason",
		},
		[]string{"reason"}, // reason: rate_limited, channel_denied, expired, not_found
	)

	c.deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_delivery_duration_seconds",
			Help:      "Time from send to dequeue",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"priority"},
	)

	c.delegationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Total number of delegations by terminal status",
		},
		[]string{"status"}, // status: completed, failed, cancelled, escalated
	)

	c.delegationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_duration_seconds",
			Help:      "Delegation lifetime from open to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600},
		},
		[]string{"status"},
	)

	c.escalationsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_opened_total",
			Help:      "Total number of escalations opened",
		},
		[]string{"trigger", "urgency"},
	)

	c.escalationsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_closed_total",
			Help:      "Total number of escalations closed by outcome",
		},
		[]string{"outcome"}, // outcome: resolved, abandoned
	)

	c.escalationHops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_hops_total",
			Help:      "Total number of escalation level climbs",
		},
	)

	c.scalingActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_actions_total",
			Help:      "Total number of scaling rule firings by action",
		},
		[]string{"org_id", "action"}, // action: scale_up, scale_down, restructure, suppressed
	)

	c.storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Persistence operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "partition"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one handled HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNodeAttached records a node joining a hierarchy.
func (c *Collector) RecordNodeAttached(orgID, roleClass string) {
	c.nodesAttached.WithLabelValues(orgID, roleClass).Inc()
}

// RecordNodeDetached records a node leaving a hierarchy.
func (c *Collector) RecordNodeDetached(orgID, policy string) {
	c.nodesDetached.WithLabelValues(orgID, policy).Inc()
}

// RecordHierarchyShape updates the size and depth gauges for one org.
func (c *Collector) RecordHierarchyShape(orgID string, size, depth int) {
	c.hierarchySize.WithLabelValues(orgID).Set(float64(size))
	c.hierarchyDepth.WithLabelValues(orgID).Set(float64(depth))
}

// RecordSpawn records a spawn request outcome.
func (c *Collector) RecordSpawn(orgID, outcome string, duration time.Duration) {
	c.spawnRequests.WithLabelValues(orgID, outcome).Inc()
	if outcome == "committed" {
		c.spawnDuration.WithLabelValues(orgID).Observe(duration.Seconds())
	}
}

// RecordMessageSent records an accepted message.
func (c *Collector) RecordMessageSent(kind, priority string) {
	c.messagesSent.WithLabelValues(kind, priority).Inc()
}

// RecordMessageRejected records a rejected message by reason.
func (c *Collector) RecordMessageRejected(reason string) {
	c.messagesRejected.WithLabelValues(reason).Inc()
}

// RecordDelivery records the queue latency of a dequeued message.
func (c *Collector) RecordDelivery(priority string, queued time.Duration) {
	c.deliveryDuration.WithLabelValues(priority).Observe(queued.Seconds())
}

// RecordDelegation records a delegation reaching a terminal status.
func (c *Collector) RecordDelegation(status string, lifetime time.Duration) {
	c.delegationsTotal.WithLabelValues(status).Inc()
	c.delegationDuration.WithLabelValues(status).Observe(lifetime.Seconds())
}

// RecordEscalationOpened records a new escalation.
func (c *Collector) RecordEscalationOpened(trigger, urgency string) {
	c.escalationsOpened.WithLabelValues(trigger, urgency).Inc()
}

// RecordEscalationClosed records an escalation closing.
func (c *Collector) RecordEscalationClosed(outcome string) {
	c.escalationsClosed.WithLabelValues(outcome).Inc()
}

// RecordEscalationHop records one level climb.
func (c *Collector) RecordEscalationHop() {
	c.escalationHops.Inc()
}

// RecordScalingAction records a scaling rule firing or suppression.
func (c *Collector) RecordScalingAction(orgID, action string) {
	c.scalingActions.WithLabelValues(orgID, action).Inc()
}

// RecordStoreOperation records one persistence operation.
func (c *Collector) RecordStoreOperation(operation, partition string, duration time.Duration) {
	c.storeOpDuration.WithLabelValues(operation, partition).Observe(duration.Seconds())
}

// statusCode buckets an HTTP status into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
