package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/busflow/transport"
)

// BusMetrics records pump, dispatch, sender and correlator activity. Every
// method is safe on a nil receiver so components can run without metrics.
type BusMetrics struct {
	mu sync.RWMutex

	queues map[string]*QueueCounters

	received      *prometheus.CounterVec
	completed     *prometheus.CounterVec
	abandoned     *prometheus.CounterVec
	receiveErrors *prometheus.CounterVec
	dispatch      *prometheus.HistogramVec
	flushes       *prometheus.CounterVec
	buffered      *prometheus.GaugeVec
	pending       prometheus.Gauge
	unmatched     prometheus.Counter
	timeouts      prometheus.Counter
	renewals      *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// QueueCounters is the in-process view of one queue's traffic.
type QueueCounters struct {
	Received      uint64    `json:"received"`
	Completed     uint64    `json:"completed"`
	Abandoned     uint64    `json:"abandoned"`
	ReceiveErrors uint64    `json:"receive_errors"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// BusMetricsSnapshot is a point-in-time copy of the in-process counters.
type BusMetricsSnapshot struct {
	Queues          map[string]QueueCounters `json:"queues"`
	PendingRequests int                      `json:"pending_requests"`
	CollectedAt     time.Time                `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "busflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewBusMetrics creates the collectors. A nil registerer selects the
// Prometheus default registry.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &BusMetrics{
		queues:        make(map[string]*QueueCounters),
		registerer:    registerer,
		received:      newCounterVec("pump", "messages_received_total", "Messages received per queue", []string{"queue"}),
		completed:     newCounterVec("pump", "messages_completed_total", "Messages completed per queue", []string{"queue"}),
		abandoned:     newCounterVec("pump", "messages_abandoned_total", "Messages abandoned per queue and error category", []string{"queue", "category"}),
		receiveErrors: newCounterVec("pump", "receive_errors_total", "Failed receive calls per queue", []string{"queue"}),
		dispatch: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "busflow",
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Handler dispatch duration per message type and outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"message_type", "outcome"},
		),
		flushes:  newCounterVec("sender", "flushes_total", "Batch flushes per destination and outcome", []string{"destination", "outcome"}),
		buffered: newGaugeVec("sender", "buffered_messages", "Messages waiting in the batch buffer", []string{"destination"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "busflow", Subsystem: "correlator", Name: "pending_requests",
			Help: "Requests awaiting a reply",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busflow", Subsystem: "correlator", Name: "unmatched_replies_total",
			Help: "Replies dropped because no request was pending",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busflow", Subsystem: "correlator", Name: "request_timeouts_total",
			Help: "Requests that timed out waiting for a reply",
		}),
		renewals: newCounterVec("supervisor", "lock_renewals_total", "Lock renewals of long-running handlers per outcome", []string{"outcome"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *BusMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received,
		m.completed,
		m.abandoned,
		m.receiveErrors,
		m.dispatch,
		m.flushes,
		m.buffered,
		m.pending,
		m.unmatched,
		m.timeouts,
		m.renewals,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *BusMetrics) RecordReceived(queue string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(queue).Inc()
	m.updateQueue(queue, func(c *QueueCounters) { c.Received++ })
}

func (m *BusMetrics) RecordCompleted(queue string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(queue).Inc()
	m.updateQueue(queue, func(c *QueueCounters) { c.Completed++ })
}

func (m *BusMetrics) RecordAbandoned(queue string, category transport.ErrorCategory) {
	if m == nil {
		return
	}
	m.abandoned.WithLabelValues(queue, string(category)).Inc()
	m.updateQueue(queue, func(c *QueueCounters) { c.Abandoned++ })
}

func (m *BusMetrics) RecordReceiveError(queue string) {
	if m == nil {
		return
	}
	m.receiveErrors.WithLabelValues(queue).Inc()
	m.updateQueue(queue, func(c *QueueCounters) { c.ReceiveErrors++ })
}

// ObserveDispatch records one handler execution.
func (m *BusMetrics) ObserveDispatch(messageType string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(messageType, outcomeLabel(ok)).Observe(duration.Seconds())
}

func (m *BusMetrics) RecordFlush(destination string, ok bool) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(destination, outcomeLabel(ok)).Inc()
}

func (m *BusMetrics) SetBuffered(destination string, count int) {
	if m == nil {
		return
	}
	m.buffered.WithLabelValues(destination).Set(float64(count))
}

func (m *BusMetrics) SetPendingRequests(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

func (m *BusMetrics) RecordUnmatchedReply() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *BusMetrics) RecordRequestTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *BusMetrics) RecordLockRenewal(ok bool) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(outcomeLabel(ok)).Inc()
}

// Snapshot copies the per-queue counters.
func (m *BusMetrics) Snapshot(pendingRequests int) BusMetricsSnapshot {
	snapshot := BusMetricsSnapshot{
		Queues:          make(map[string]QueueCounters),
		PendingRequests: pendingRequests,
		CollectedAt:     time.Now(),
	}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for queue, counters := range m.queues {
		snapshot.Queues[queue] = *counters
	}
	return snapshot
}

// Reset clears every collector and counter (useful for testing).
func (m *BusMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*QueueCounters)
	m.received.Reset()
	m.completed.Reset()
	m.abandoned.Reset()
	m.receiveErrors.Reset()
	m.dispatch.Reset()
	m.flushes.Reset()
	m.buffered.Reset()
	m.pending.Set(0)
	m.renewals.Reset()
}

func (m *BusMetrics) updateQueue(queue string, apply func(*QueueCounters)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters, ok := m.queues[queue]
	if !ok {
		counters = &QueueCounters{}
		m.queues[queue] = counters
	}
	apply(counters)
	counters.LastUpdatedAt = time.Now()
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
