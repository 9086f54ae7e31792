package runtime

import (
	"context"
	"math"
	"runtime"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/transport"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerStats is the in-process record of one message type's dispatches.
type HandlerStats struct {
	MessageType         string            `json:"message_type"`
	MessagesProcessed   uint64            `json:"messages_processed"`
	MessagesFailed      uint64            `json:"messages_failed"`
	TotalProcessingTime time.Duration     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
	Backlog             BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures per error category.
type ErrorBreakdown struct {
	ByCategory map[transport.ErrorCategory]uint64 `json:"by_category"`
	LastError  string                             `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
	// LastLagMillis is the age of the last dispatched message when it
	// started, or -1 when unknown.
	LastLagMillis int64 `json:"last_lag_millis"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// StatsSnapshot is what Bus.HandlerStats returns.
type StatsSnapshot struct {
	Handlers    map[string]HandlerStats `json:"handlers"`
	Resource    ResourceUsage           `json:"resource"`
	CollectedAt time.Time               `json:"collected_at"`
}

// StatsCollector keeps a HandlerStats per message type.
type StatsCollector struct {
	mu      sync.Mutex
	entries map[string]*statsEntry
	sampler *resourceSampler
}

type statsEntry struct {
	stats      HandlerStats
	latency    *latencyWindow
	throughput *throughputWindow
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		entries: make(map[string]*statsEntry),
		sampler: newResourceSampler(),
	}
}

func (c *StatsCollector) entryLocked(messageType string) *statsEntry {
	e, ok := c.entries[messageType]
	if !ok {
		e = &statsEntry{
			stats: HandlerStats{
				MessageType: messageType,
				Errors:      ErrorBreakdown{ByCategory: make(map[transport.ErrorCategory]uint64)},
				Backlog:     BacklogMetrics{LastLagMillis: -1},
			},
			latency:    newLatencyWindow(latencySampleSize),
			throughput: newThroughputWindow(throughputWindowSize),
		}
		c.entries[messageType] = e
	}
	return e
}

func (c *StatsCollector) start(msg *transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(msg.BodyTypeName)
	e.stats.Backlog.InFlight++
	if e.stats.Backlog.InFlight > e.stats.Backlog.MaxInFlight {
		e.stats.Backlog.MaxInFlight = e.stats.Backlog.InFlight
	}
	if !msg.EnqueuedAt.IsZero() {
		e.stats.Backlog.LastLagMillis = max(time.Since(msg.EnqueuedAt).Milliseconds(), 0)
	}
}

func (c *StatsCollector) finish(msg *transport.Message, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(msg.BodyTypeName)
	s := &e.stats

	if s.Backlog.InFlight > 0 {
		s.Backlog.InFlight--
	}
	s.MessagesProcessed++
	s.TotalProcessingTime += duration
	s.LastProcessedAt = time.Now().UTC()
	if err != nil {
		s.MessagesFailed++
		s.Errors.ByCategory[errspkg.Classify(err)]++
		s.Errors.LastError = err.Error()
	}

	e.latency.Add(duration)
	s.Latency = e.latency.Snapshot()
	s.Latency.AverageNs = int64(s.TotalProcessingTime) / int64(s.MessagesProcessed)

	tp := e.throughput.AddAndSnapshot(time.Now())
	s.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}
}

// Get returns a copy of the stats for messageType.
func (c *StatsCollector) Get(messageType string) (HandlerStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageType]
	if !ok {
		return HandlerStats{}, false
	}
	return e.stats.clone(), true
}

// Snapshot copies every entry and samples process resources.
func (c *StatsCollector) Snapshot() StatsSnapshot {
	c.mu.Lock()
	handlers := make(map[string]HandlerStats, len(c.entries))
	for name, e := range c.entries {
		handlers[name] = e.stats.clone()
	}
	c.mu.Unlock()
	return StatsSnapshot{
		Handlers:    handlers,
		Resource:    c.sampler.Snapshot(),
		CollectedAt: time.Now(),
	}
}

func (s HandlerStats) clone() HandlerStats {
	out := s
	out.Errors.ByCategory = make(map[transport.ErrorCategory]uint64, len(s.Errors.ByCategory))
	for k, v := range s.Errors.ByCategory {
		out.Errors.ByCategory[k] = v
	}
	return out
}

// StatsInterceptor feeds collector with the latency and outcome of every
// dispatch.
func StatsInterceptor(collector *StatsCollector) InterceptorFactory {
	return func() Interceptor {
		return &statsInterceptor{collector: collector}
	}
}

type statsInterceptor struct {
	collector *StatsCollector
	started   time.Time
}

func (i *statsInterceptor) OnHandlerExecuting(ctx context.Context, _ any, msg *transport.Message) (context.Context, error) {
	i.started = time.Now()
	i.collector.start(msg)
	return ctx, nil
}

func (i *statsInterceptor) OnHandlerSuccess(_ context.Context, _ any, msg *transport.Message) error {
	i.collector.finish(msg, time.Since(i.started), nil)
	return nil
}

func (i *statsInterceptor) OnHandlerError(_ context.Context, _ any, msg *transport.Message, err error) error {
	i.collector.finish(msg, time.Since(i.started), err)
	return nil
}

// resourceSampler derives process CPU usage from the runtime/metrics CPU
// counter between two snapshots.
type resourceSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: "/cpu/classes/total:cpu-seconds"}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	var cpuPercent float64
	if sample := r.samples[0]; sample.Value.Kind() == metrics.KindFloat64 {
		cpuSeconds := sample.Value.Float64()
		if !r.lastSample.IsZero() {
			if wall := now.Sub(r.lastSample).Seconds(); wall > 0 && r.numCPU > 0 {
				cpuPercent = (cpuSeconds - r.lastCPUSeconds) / wall / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}

// latencyWindow is a ring of the most recent durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	out := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return out
	}
	sorted := make([]int64, lw.filled)
	copy(sorted, lw.samples[:lw.filled])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out.SampleSize = lw.filled
	out.P50Ns = percentile(sorted, 0.50)
	out.P95Ns = percentile(sorted, 0.95)
	out.P99Ns = percentile(sorted, 0.99)
	return out
}

func percentile(sorted []int64, quantile float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := quantile * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

// throughputWindow keeps completion timestamps within horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := sort.Search(len(tw.samples), func(i int) bool { return !tw.samples[i].Before(cutoff) })
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
