// Package pubsub adapts any watermill Publisher/Subscriber pair to the
// busflow transport port. Watermill has no broker-side lock, so receivers
// hand out a local lease that RenewLock extends.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// DefaultLease is used when no lock duration is configured.
const DefaultLease = 30 * time.Second

// Options tunes the adapter.
type Options struct {
	// Lease is the virtual lock duration reported by Receive and RenewLock.
	Lease time.Duration
	// Capabilities is reported through transport.CapabilitiesProvider.
	Capabilities transport.Capabilities
	// TrackedDeliveries caps how many unsettled message ids a receiver
	// counts redeliveries for. The least recently seen id is forgotten
	// first. Defaults to DefaultTrackedDeliveries.
	TrackedDeliveries int
	// Closers run after the publisher and subscriber are closed, for
	// resources the backend owns (connections, HTTP servers).
	Closers []func() error
}

// DefaultTrackedDeliveries is the per-receiver redelivery tracking capacity.
const DefaultTrackedDeliveries = 4096

// QueueManager implements transport.QueueManager on top of watermill.
type QueueManager struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger watermill.LoggerAdapter
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New wraps pub and sub. Both are closed by QueueManager.Close; when they are
// the same value it is closed once.
func New(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter, opts Options) *QueueManager {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueManager{
		pub:    pub,
		sub:    sub,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Capabilities implements transport.CapabilitiesProvider.
func (q *QueueManager) Capabilities() transport.Capabilities {
	return q.opts.Capabilities
}

// EnsureQueueExists provisions the topic when the subscriber supports it.
func (q *QueueManager) EnsureQueueExists(_ context.Context, name string, _ transport.QueueOptions) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if initializer, ok := q.sub.(message.SubscribeInitializer); ok {
		if err := initializer.SubscribeInitialize(name); err != nil {
			return fmt.Errorf("pubsub: initialize %q: %w", name, err)
		}
	}
	return nil
}

// CreateSender returns a sender publishing to destination.
func (q *QueueManager) CreateSender(_ context.Context, destination string) (transport.Sender, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	return &sender{manager: q, topic: destination}, nil
}

// CreateReceiver subscribes to source. The subscription lives until the
// receiver or the manager is closed.
func (q *QueueManager) CreateReceiver(_ context.Context, source string) (transport.Receiver, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	size := q.opts.TrackedDeliveries
	if size <= 0 {
		size = DefaultTrackedDeliveries
	}
	deliveries, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("pubsub: delivery tracker: %w", err)
	}
	ctx, cancel := context.WithCancel(q.ctx)
	messages, err := q.sub.Subscribe(ctx, source)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pubsub: subscribe %q: %w", source, err)
	}
	return &receiver{
		topic:      source,
		lease:      q.opts.Lease,
		messages:   messages,
		cancel:     cancel,
		deliveries: deliveries,
	}, nil
}

// Close closes the publisher, the subscriber and any extra closers.
func (q *QueueManager) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	var errs []error
	if q.pub != nil {
		errs = append(errs, q.pub.Close())
	}
	if q.sub != nil && any(q.sub) != any(q.pub) {
		errs = append(errs, q.sub.Close())
	}
	for _, closer := range q.opts.Closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}

func (q *QueueManager) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return transport.ErrClosed
	}
	return nil
}

type sender struct {
	manager *QueueManager
	topic   string

	mu     sync.Mutex
	closed bool
}

func (s *sender) SendBatch(_ context.Context, msgs []*transport.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if err := s.manager.checkOpen(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*message.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, ToWatermill(msg))
	}
	if err := s.manager.pub.Publish(s.topic, out...); err != nil {
		return fmt.Errorf("pubsub: publish to %q: %w", s.topic, err)
	}
	return nil
}

func (s *sender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type receiver struct {
	topic    string
	lease    time.Duration
	messages <-chan *message.Message
	cancel   context.CancelFunc

	mu         sync.Mutex
	deliveries *lru.Cache[string, int]
}

func (r *receiver) Receive(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wm, ok := <-r.messages:
		if !ok {
			return nil, transport.ErrClosed
		}
		msg := FromWatermill(wm)
		r.mu.Lock()
		n, _ := r.deliveries.Get(wm.UUID)
		n++
		r.deliveries.Add(wm.UUID, n)
		r.mu.Unlock()
		if n > msg.DeliveryCount {
			msg.DeliveryCount = n
		}
		msg.LockedUntil = time.Now().Add(r.lease)
		msg.Handle = wm
		return msg, nil
	case <-timer.C:
		return nil, transport.ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *receiver) Complete(_ context.Context, msg *transport.Message) error {
	wm, err := handle(msg)
	if err != nil {
		return err
	}
	r.deliveries.Remove(wm.UUID)
	wm.Ack()
	return nil
}

// Abandon nacks the message. The detail is attached to the watermill
// metadata; whether it survives redelivery depends on the backend.
func (r *receiver) Abandon(_ context.Context, msg *transport.Message, detail transport.ErrorDetail) error {
	wm, err := handle(msg)
	if err != nil {
		return err
	}
	for k, v := range detail.Properties() {
		wm.Metadata.Set(k, v)
	}
	wm.Nack()
	return nil
}

// RenewLock extends the local lease while the message is still unsettled.
func (r *receiver) RenewLock(_ context.Context, msg *transport.Message) (time.Time, error) {
	wm, err := handle(msg)
	if err != nil {
		return time.Time{}, err
	}
	select {
	case <-wm.Acked():
		return time.Time{}, transport.ErrLockLost
	case <-wm.Nacked():
		return time.Time{}, transport.ErrLockLost
	default:
	}
	return time.Now().Add(r.lease), nil
}

func (r *receiver) Close() error {
	r.cancel()
	r.deliveries.Purge()
	return nil
}

func handle(msg *transport.Message) (*message.Message, error) {
	if msg == nil {
		return nil, errors.New("pubsub: nil message")
	}
	wm, ok := msg.Handle.(*message.Message)
	if !ok {
		return nil, fmt.Errorf("pubsub: message %s was not received through this transport", msg.MessageID)
	}
	return wm, nil
}

// ToWatermill converts a bus message into a watermill message carrying the
// envelope in its metadata.
func ToWatermill(msg *transport.Message) *message.Message {
	id := msg.MessageID
	if id == "" {
		id = watermill.NewULID()
	}
	wm := message.NewMessage(id, msg.Body)
	wm.Metadata = metadata.ToWatermill(transport.EnvelopeProperties(msg))
	return wm
}

// FromWatermill converts a watermill message back into a bus message.
func FromWatermill(wm *message.Message) *transport.Message {
	return transport.MessageFromEnvelope(wm.UUID, wm.Payload, metadata.FromWatermill(wm.Metadata))
}
