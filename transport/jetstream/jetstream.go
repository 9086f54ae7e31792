// Package jetstream provides a NATS JetStream transport. Every queue is a
// durable pull consumer on a shared stream, so receivers of the same queue
// compete for messages and the server tracks delivery counts and ack
// deadlines.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	DefaultStreamName = "BUSFLOW"
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second
	DefaultMaxAge     = 7 * 24 * time.Hour
)

func init() {
	transport.Register(TransportName, Build, transport.JetStreamCapabilities)
}

// Build connects to the configured NATS server.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	return New(Config{
		URL:        cfg.GetNATSURL(),
		MaxDeliver: cfg.GetMaxDeliveryCount(),
		AckWait:    cfg.GetLockDuration(),
	}, logger)
}

// Config holds JetStream-specific settings.
type Config struct {
	URL string
	// StreamName owns every subject "<StreamName>.>".
	StreamName string
	MaxDeliver int
	// AckWait is the lock duration; InProgress resets it.
	AckWait  time.Duration
	Replicas int
	// RetentionPolicy is "limits" (default), "interest" or "workqueue".
	RetentionPolicy string
	MaxAge          time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.RetentionPolicy {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

func (c Config) subject(queue string) string {
	return c.StreamName + "." + queue
}

// durable derives a consumer name; NATS forbids '.', '*', '>' and
// whitespace in it.
func (c Config) durable(queue string) string {
	return "busflow_" + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, queue)
}

// QueueManager implements transport.QueueManager on a JetStream context.
type QueueManager struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger watermill.LoggerAdapter
	closed atomic.Bool
}

// New connects and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*QueueManager, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("busflow"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	qm := &QueueManager{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := qm.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return qm, nil
}

func (q *QueueManager) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      q.cfg.StreamName,
		Subjects:  []string{q.cfg.StreamName + ".>"},
		Retention: q.cfg.retention(),
		MaxAge:    q.cfg.MaxAge,
		Replicas:  q.cfg.Replicas,
	}
	_, err := q.js.AddStream(streamCfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = q.js.UpdateStream(streamCfg)
	}
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", q.cfg.StreamName, err)
	}
	return nil
}

// Capabilities implements transport.CapabilitiesProvider.
func (q *QueueManager) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// EnsureQueueExists creates or updates the durable consumer for name.
// Partitioning is a no-op: a stream subject keeps publish order.
func (q *QueueManager) EnsureQueueExists(_ context.Context, name string, _ transport.QueueOptions) error {
	if q.closed.Load() {
		return transport.ErrClosed
	}
	consumerCfg := &nats.ConsumerConfig{
		Durable:       q.cfg.durable(name),
		FilterSubject: q.cfg.subject(name),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := q.js.AddConsumer(q.cfg.StreamName, consumerCfg); err != nil {
		if _, uerr := q.js.UpdateConsumer(q.cfg.StreamName, consumerCfg); uerr != nil {
			return fmt.Errorf("failed to create consumer for %s: %w", name, errors.Join(err, uerr))
		}
	}
	return nil
}

// CreateSender returns a sender publishing to the queue subject.
func (q *QueueManager) CreateSender(_ context.Context, destination string) (transport.Sender, error) {
	if q.closed.Load() {
		return nil, transport.ErrClosed
	}
	return &sender{qm: q, subject: q.cfg.subject(destination)}, nil
}

// CreateReceiver binds a pull subscription to the queue's durable consumer.
func (q *QueueManager) CreateReceiver(ctx context.Context, source string) (transport.Receiver, error) {
	if err := q.EnsureQueueExists(ctx, source, transport.QueueOptions{}); err != nil {
		return nil, err
	}
	durable := q.cfg.durable(source)
	sub, err := q.js.PullSubscribe(q.cfg.subject(source), durable, nats.Bind(q.cfg.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", source, err)
	}
	return &receiver{qm: q, queue: source, sub: sub}, nil
}

// Close closes the connection.
func (q *QueueManager) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.nc.Close()
	return nil
}

type sender struct {
	qm      *QueueManager
	subject string
}

// SendBatch publishes asynchronously and waits for every ack.
func (s *sender) SendBatch(ctx context.Context, msgs []*transport.Message) error {
	if s.qm.closed.Load() {
		return transport.ErrClosed
	}
	futures := make([]nats.PubAckFuture, 0, len(msgs))
	for _, msg := range msgs {
		f, err := s.qm.js.PublishMsgAsync(&nats.Msg{
			Subject: s.subject,
			Data:    msg.Body,
			Header:  toHeader(transport.EnvelopeProperties(msg)),
		})
		if err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
		futures = append(futures, f)
	}
	select {
	case <-s.qm.js.PublishAsyncComplete():
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, f := range futures {
		select {
		case err := <-f.Err():
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		default:
		}
	}
	return nil
}

func (s *sender) Close() error { return nil }

type receiver struct {
	qm    *QueueManager
	queue string
	sub   *nats.Subscription
}

func (r *receiver) Receive(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if r.qm.closed.Load() {
			return nil, transport.ErrClosed
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrReceiveTimeout
		}
		fetchCtx, cancel := context.WithTimeout(ctx, remaining)
		msgs, err := r.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				return nil, transport.ErrReceiveTimeout
			}
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}

		m := msgs[0]
		msg := r.convert(m)
		if at, ok := msg.DeliverAt(); ok {
			if wait := time.Until(at); wait > 0 {
				if err := m.NakWithDelay(wait); err != nil {
					return nil, err
				}
				continue
			}
		}
		return msg, nil
	}
}

func (r *receiver) convert(m *nats.Msg) *transport.Message {
	fallbackID := ""
	deliveries := 1
	if meta, err := m.Metadata(); err == nil {
		fallbackID = strconv.FormatUint(meta.Sequence.Stream, 10)
		deliveries = int(meta.NumDelivered)
	}
	msg := transport.MessageFromEnvelope(fallbackID, m.Data, fromHeader(m.Header))
	msg.DeliveryCount = deliveries
	msg.LockedUntil = time.Now().Add(r.qm.cfg.AckWait)
	msg.Handle = m
	return msg
}

func (r *receiver) Complete(ctx context.Context, msg *transport.Message) error {
	m, err := handleOf(msg)
	if err != nil {
		return err
	}
	return lockError(m.AckSync(nats.Context(ctx)))
}

// Abandon naks the message. JetStream cannot rewrite headers of a stored
// message, so the detail is logged instead of attached. The final delivery
// is terminated.
func (r *receiver) Abandon(_ context.Context, msg *transport.Message, detail transport.ErrorDetail) error {
	m, err := handleOf(msg)
	if err != nil {
		return err
	}
	fields := watermill.LogFields{
		"queue":          r.queue,
		"message_id":     msg.MessageID,
		"delivery_count": msg.DeliveryCount,
	}
	for k, v := range detail.Properties() {
		fields[k] = v
	}
	if msg.DeliveryCount >= r.qm.cfg.MaxDeliver {
		r.qm.logger.Info("Message terminated after maximum deliveries", fields)
		return lockError(m.Term())
	}
	r.qm.logger.Debug("Message abandoned", fields)
	return lockError(m.Nak())
}

// RenewLock sends a work-in-progress ack, resetting AckWait.
func (r *receiver) RenewLock(_ context.Context, msg *transport.Message) (time.Time, error) {
	m, err := handleOf(msg)
	if err != nil {
		return time.Time{}, err
	}
	if err := m.InProgress(); err != nil {
		return time.Time{}, lockError(err)
	}
	return time.Now().Add(r.qm.cfg.AckWait), nil
}

func (r *receiver) Close() error {
	if r.qm.closed.Load() {
		return nil
	}
	return r.sub.Unsubscribe()
}

var errForeignMessage = errors.New("jetstream: message was not received from this transport")

func handleOf(msg *transport.Message) (*nats.Msg, error) {
	if msg == nil {
		return nil, errForeignMessage
	}
	m, ok := msg.Handle.(*nats.Msg)
	if !ok || m == nil {
		return nil, errForeignMessage
	}
	return m, nil
}

func lockError(err error) error {
	if errors.Is(err, nats.ErrMsgAlreadyAckd) {
		return transport.ErrLockLost
	}
	return err
}

func toHeader(md metadata.Metadata) nats.Header {
	h := make(nats.Header, len(md))
	for k, v := range md {
		h[k] = []string{v}
	}
	return h
}

func fromHeader(h nats.Header) metadata.Metadata {
	md := make(metadata.Metadata, len(h))
	for k, v := range h {
		if len(v) > 0 {
			md[k] = v[0]
		}
	}
	return md
}
