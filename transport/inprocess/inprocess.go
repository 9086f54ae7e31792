// Package inprocess provides a queue store living in the process memory with
// the full lock semantics of a broker: messages are locked on receive, locks
// expire and are renewable, abandoned messages are redelivered and
// dead-lettered after MaxDeliveries, and busflow_deliver_at delays delivery.
package inprocess

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "inprocess"

const (
	DefaultLockDuration  = 30 * time.Second
	DefaultMaxDeliveries = 5
)

func init() {
	transport.Register(TransportName, Build, transport.InProcessCapabilities)
}

// Build creates a fresh, unshared broker.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	return New(Options{
		LockDuration:  cfg.GetLockDuration(),
		MaxDeliveries: cfg.GetMaxDeliveryCount(),
		Logger:        logger,
	}), nil
}

// Options tunes a Broker.
type Options struct {
	LockDuration  time.Duration
	MaxDeliveries int
	Logger        watermill.LoggerAdapter
}

// Broker holds every queue. It implements transport.QueueManager and the DLQ
// and introspection capabilities.
type Broker struct {
	lockDuration  time.Duration
	maxDeliveries int
	logger        watermill.LoggerAdapter

	mu      sync.Mutex
	queues  map[string]*queue
	changed chan struct{}
	dlqSeq  int64
	closed  bool
}

type queue struct {
	name        string
	partitioned bool
	entries     []*entry
	dead        []transport.DLQMessage
}

type entry struct {
	msg         *transport.Message
	visibleAt   time.Time
	lockToken   string
	lockedUntil time.Time
	deliveries  int
}

type lockHandle struct {
	queue string
	token string
}

// New returns an empty broker.
func New(opts Options) *Broker {
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	if opts.Logger == nil {
		opts.Logger = watermill.NopLogger{}
	}
	return &Broker{
		lockDuration:  opts.LockDuration,
		maxDeliveries: opts.MaxDeliveries,
		logger:        opts.Logger,
		queues:        make(map[string]*queue),
		changed:       make(chan struct{}),
	}
}

// Shared returns a QueueManager view on b whose Close leaves b open, so
// several buses in one process can exchange messages.
func (b *Broker) Shared() transport.QueueManager {
	return sharedView{b}
}

type sharedView struct{ *Broker }

func (sharedView) Close() error { return nil }

// Capabilities implements transport.CapabilitiesProvider.
func (b *Broker) Capabilities() transport.Capabilities {
	return transport.InProcessCapabilities
}

// EnsureQueueExists creates the queue if needed.
func (b *Broker) EnsureQueueExists(_ context.Context, name string, opts transport.QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	q := b.queueLocked(name)
	q.partitioned = q.partitioned || opts.EnablePartitioning
	return nil
}

// CreateSender returns a sender for destination. Unknown queues are created
// on first send.
func (b *Broker) CreateSender(_ context.Context, destination string) (transport.Sender, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return &sender{broker: b, queue: destination}, nil
}

// CreateReceiver returns a receiver for source.
func (b *Broker) CreateReceiver(_ context.Context, source string) (transport.Receiver, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return &receiver{broker: b, queue: source}, nil
}

// Close wakes every waiting receiver and rejects further work.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcastLocked()
	return nil
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	return nil
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return q
}

// broadcastLocked wakes every receiver waiting on the current channel.
func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) enqueue(queueName string, msgs []*transport.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	q := b.queueLocked(queueName)
	now := time.Now()
	for _, msg := range msgs {
		stored := msg.Clone()
		stored.Handle = nil
		stored.LockedUntil = time.Time{}
		if stored.EnqueuedAt.IsZero() {
			stored.EnqueuedAt = now.UTC()
		}
		e := &entry{msg: stored}
		if at, ok := stored.DeliverAt(); ok {
			e.visibleAt = at
		}
		q.entries = append(q.entries, e)
	}
	b.broadcastLocked()
	return nil
}

// take locks the first deliverable message of queueName. When nothing is
// deliverable it returns the time the next message becomes deliverable, zero
// when none is pending.
func (b *Broker) take(queueName string, now time.Time) (*transport.Message, time.Time, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, time.Time{}, nil, transport.ErrClosed
	}
	q := b.queueLocked(queueName)
	var wake time.Time
	for i := 0; i < len(q.entries); i++ {
		e := q.entries[i]
		if e.lockToken != "" && now.Before(e.lockedUntil) {
			wake = earliest(wake, e.lockedUntil)
			continue
		}
		if now.Before(e.visibleAt) {
			wake = earliest(wake, e.visibleAt)
			continue
		}
		if e.lockToken != "" && e.deliveries >= b.maxDeliveries {
			// lock expired on the final allowed delivery
			b.deadLetterLocked(q, i, "lock expired after maximum deliveries")
			i--
			continue
		}
		e.deliveries++
		e.lockToken = ids.NewLockToken()
		e.lockedUntil = now.Add(b.lockDuration)

		out := e.msg.Clone()
		out.DeliveryCount = e.deliveries
		out.LockedUntil = e.lockedUntil
		out.Handle = lockHandle{queue: queueName, token: e.lockToken}
		return out, time.Time{}, nil, nil
	}
	return nil, wake, b.changed, nil
}

func earliest(current, candidate time.Time) time.Time {
	if current.IsZero() || candidate.Before(current) {
		return candidate
	}
	return current
}

// findLocked returns the index of the entry holding token with an unexpired
// lock.
func (b *Broker) findLocked(h lockHandle, now time.Time) (*queue, int, error) {
	if b.closed {
		return nil, -1, transport.ErrClosed
	}
	q, ok := b.queues[h.queue]
	if !ok {
		return nil, -1, transport.ErrLockLost
	}
	for i, e := range q.entries {
		if e.lockToken == h.token {
			if !now.Before(e.lockedUntil) {
				return nil, -1, transport.ErrLockLost
			}
			return q, i, nil
		}
	}
	return nil, -1, transport.ErrLockLost
}

func (b *Broker) complete(h lockHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, i, err := b.findLocked(h, time.Now())
	if err != nil {
		return err
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return nil
}

func (b *Broker) abandon(h lockHandle, detail transport.ErrorDetail) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, i, err := b.findLocked(h, time.Now())
	if err != nil {
		return err
	}
	e := q.entries[i]
	if !detail.IsZero() {
		e.msg.Properties = e.msg.Properties.Merge(detail.Properties())
	}
	if e.deliveries >= b.maxDeliveries {
		reason := detail.Message
		if reason == "" {
			reason = "maximum deliveries exceeded"
		}
		b.deadLetterLocked(q, i, reason)
		b.logger.Info("Message dead-lettered", watermill.LogFields{
			"queue":          q.name,
			"message_id":     e.msg.MessageID,
			"delivery_count": e.deliveries,
		})
	} else {
		e.lockToken = ""
		e.lockedUntil = time.Time{}
	}
	b.broadcastLocked()
	return nil
}

func (b *Broker) renew(h lockHandle) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	q, i, err := b.findLocked(h, now)
	if err != nil {
		return time.Time{}, err
	}
	e := q.entries[i]
	e.lockedUntil = now.Add(b.lockDuration)
	return e.lockedUntil, nil
}

func (b *Broker) deadLetterLocked(q *queue, i int, reason string) {
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	b.dlqSeq++
	q.dead = append(q.dead, transport.DLQMessage{
		ID:            b.dlqSeq,
		MessageID:     e.msg.MessageID,
		OriginalQueue: q.name,
		Body:          e.msg.Body,
		Properties:    transport.EnvelopeProperties(e.msg),
		ErrorMessage:  reason,
		FailedAt:      time.Now().UTC(),
		DeliveryCount: e.deliveries,
	})
}

// GetPendingCount implements transport.QueueIntrospector. Locked and delayed
// messages are included.
func (b *Broker) GetPendingCount(queueName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, nil
	}
	return int64(len(q.entries)), nil
}

// GetDLQCount implements transport.DLQManager.
func (b *Broker) GetDLQCount(queueName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, nil
	}
	return int64(len(q.dead)), nil
}

// ListDLQMessages implements transport.DLQLister, oldest first.
func (b *Broker) ListDLQMessages(queueName string, limit, offset int) ([]transport.DLQMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok || offset >= len(q.dead) {
		return nil, nil
	}
	end := len(q.dead)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]transport.DLQMessage, end-offset)
	copy(out, q.dead[offset:end])
	return out, nil
}

// ReplayDLQMessage moves one dead letter back to its queue with a fresh
// delivery count.
func (b *Broker) ReplayDLQMessage(dlqID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		for i, dead := range q.dead {
			if dead.ID == dlqID {
				q.dead = append(q.dead[:i], q.dead[i+1:]...)
				b.requeueLocked(q, dead)
				b.broadcastLocked()
				return nil
			}
		}
	}
	return fmt.Errorf("inprocess: dead letter %d not found", dlqID)
}

// ReplayAllDLQ moves every dead letter of queueName back to the queue.
func (b *Broker) ReplayAllDLQ(queueName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, nil
	}
	dead := q.dead
	q.dead = nil
	sort.Slice(dead, func(i, j int) bool { return dead[i].ID < dead[j].ID })
	for _, d := range dead {
		b.requeueLocked(q, d)
	}
	if len(dead) > 0 {
		b.broadcastLocked()
	}
	return int64(len(dead)), nil
}

// PurgeDLQ drops every dead letter of queueName.
func (b *Broker) PurgeDLQ(queueName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, nil
	}
	n := int64(len(q.dead))
	q.dead = nil
	return n, nil
}

func (b *Broker) requeueLocked(q *queue, dead transport.DLQMessage) {
	msg := transport.MessageFromEnvelope(dead.MessageID, dead.Body, dead.Properties)
	msg.DeliveryCount = 0
	q.entries = append(q.entries, &entry{msg: msg})
}

type sender struct {
	broker *Broker
	queue  string
}

func (s *sender) SendBatch(_ context.Context, msgs []*transport.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.broker.enqueue(s.queue, msgs)
}

func (s *sender) Close() error { return nil }

type receiver struct {
	broker *Broker
	queue  string
}

func (r *receiver) Receive(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now()
		msg, wake, changed, err := r.broker.take(r.queue, now)
		if err != nil || msg != nil {
			return msg, err
		}
		if !now.Before(deadline) {
			return nil, transport.ErrReceiveTimeout
		}
		wait := deadline.Sub(now)
		if !wake.IsZero() && wake.Sub(now) < wait {
			wait = wake.Sub(now)
		}
		timer := time.NewTimer(wait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

func (r *receiver) Complete(_ context.Context, msg *transport.Message) error {
	h, err := handleOf(msg)
	if err != nil {
		return err
	}
	return r.broker.complete(h)
}

func (r *receiver) Abandon(_ context.Context, msg *transport.Message, detail transport.ErrorDetail) error {
	h, err := handleOf(msg)
	if err != nil {
		return err
	}
	return r.broker.abandon(h, detail)
}

func (r *receiver) RenewLock(_ context.Context, msg *transport.Message) (time.Time, error) {
	h, err := handleOf(msg)
	if err != nil {
		return time.Time{}, err
	}
	return r.broker.renew(h)
}

func (r *receiver) Close() error { return nil }

var errForeignMessage = errors.New("inprocess: message was not received from this broker")

func handleOf(msg *transport.Message) (lockHandle, error) {
	if msg == nil {
		return lockHandle{}, errForeignMessage
	}
	h, ok := msg.Handle.(lockHandle)
	if !ok {
		return lockHandle{}, errForeignMessage
	}
	return h, nil
}
