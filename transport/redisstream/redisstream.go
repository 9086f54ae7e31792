// Package redisstream provides a Redis Streams transport. A queue is a
// stream with one consumer group per application; a pending entry owned by
// this consumer and idle for less than the lock duration is a held lock.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

const (
	DefaultAddr          = "localhost:6379"
	DefaultGroup         = "busflow"
	DefaultKeyPrefix     = "busflow:"
	DefaultLockDuration  = 30 * time.Second
	DefaultMaxDeliveries = 5
)

func init() {
	transport.Register(TransportName, Build, transport.RedisStreamCapabilities)
	transport.Register("redis-stream", Build, transport.RedisStreamCapabilities)
}

// Build connects with the configured address and credentials.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	return New(ctx, Config{
		Addr:          cfg.GetRedisAddr(),
		Password:      cfg.GetRedisPassword(),
		DB:            cfg.GetRedisDB(),
		Group:         cfg.GetApplicationName(),
		LockDuration:  cfg.GetLockDuration(),
		MaxDeliveries: cfg.GetMaxDeliveryCount(),
	}, logger)
}

// Config holds Redis-specific settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Group is the consumer group; every application reading a queue
	// gets its own copy of the stream.
	Group string
	// Consumer names this process inside the group. Defaults to a ULID.
	Consumer string
	// KeyPrefix namespaces the stream keys.
	KeyPrefix string
	// MaxLenApprox trims streams with MAXLEN ~ when positive.
	MaxLenApprox int64

	LockDuration  time.Duration
	MaxDeliveries int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = strings.ToLower(ids.NewID())
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	return c
}

func (c Config) streamKey(queue string) string { return c.KeyPrefix + "q:" + queue }
func (c Config) dlqKey(queue string) string    { return c.KeyPrefix + "dlq:" + queue }
func (c Config) dlqIndexKey() string           { return c.KeyPrefix + "dlq:index" }
func (c Config) dlqSeqKey() string             { return c.KeyPrefix + "dlq:seq" }

// QueueManager implements transport.QueueManager over a redis client.
type QueueManager struct {
	client *redis.Client
	cfg    Config
	logger watermill.LoggerAdapter
	closed atomic.Bool
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*QueueManager, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		MaxRetries:            3,
		ContextTimeoutEnabled: true,
	})
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *redis.Client, cfg Config, logger watermill.LoggerAdapter) *QueueManager {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &QueueManager{client: client, cfg: cfg.withDefaults(), logger: logger}
}

func ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := client.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

// Capabilities implements transport.CapabilitiesProvider.
func (q *QueueManager) Capabilities() transport.Capabilities {
	return transport.RedisStreamCapabilities
}

// EnsureQueueExists creates the stream and the consumer group.
func (q *QueueManager) EnsureQueueExists(ctx context.Context, name string, _ transport.QueueOptions) error {
	if q.closed.Load() {
		return transport.ErrClosed
	}
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.streamKey(name), q.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group for %s: %w", name, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// CreateSender returns a sender appending to the queue stream.
func (q *QueueManager) CreateSender(_ context.Context, destination string) (transport.Sender, error) {
	if q.closed.Load() {
		return nil, transport.ErrClosed
	}
	return &sender{qm: q, stream: q.cfg.streamKey(destination)}, nil
}

// CreateReceiver makes sure the group exists and returns a receiver.
func (q *QueueManager) CreateReceiver(ctx context.Context, source string) (transport.Receiver, error) {
	if err := q.EnsureQueueExists(ctx, source, transport.QueueOptions{}); err != nil {
		return nil, err
	}
	return &receiver{qm: q, queue: source, stream: q.cfg.streamKey(source)}, nil
}

// Close closes the client.
func (q *QueueManager) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}

func (q *QueueManager) add(ctx context.Context, pipe redis.Pipeliner, stream string, values map[string]any) {
	args := &redis.XAddArgs{Stream: stream, ID: "*", Values: values}
	if q.cfg.MaxLenApprox > 0 {
		args.MaxLen = q.cfg.MaxLenApprox
		args.Approx = true
	}
	pipe.XAdd(ctx, args)
}

type sender struct {
	qm     *QueueManager
	stream string
}

// SendBatch appends every message in one MULTI/EXEC block.
func (s *sender) SendBatch(ctx context.Context, msgs []*transport.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if s.qm.closed.Load() {
		return transport.ErrClosed
	}
	values := make([]map[string]any, len(msgs))
	for i, msg := range msgs {
		v, err := encodeEntry(msg, 0)
		if err != nil {
			return err
		}
		values[i] = v
	}
	_, err := s.qm.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, v := range values {
			s.qm.add(ctx, pipe, s.stream, v)
		}
		return nil
	})
	return err
}

func (s *sender) Close() error { return nil }

var errForeignMessage = errors.New("redisstream: message was not received from this transport")

type lockHandle struct {
	stream   string
	id       string
	attempts int
}

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
