package redisstream

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/internal/runtime/ids"
	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

func TestRegistered(t *testing.T) {
	for _, name := range []string{TransportName, "redis-stream"} {
		assert.True(t, transport.DefaultRegistry.Has(name), name)
	}
	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.SupportsLockRenewal)
	assert.True(t, caps.SupportsDiagnostics)
	assert.True(t, caps.SupportsNativeDLQ)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultGroup, cfg.Group)
	assert.Equal(t, DefaultKeyPrefix, cfg.KeyPrefix)
	assert.Equal(t, DefaultLockDuration, cfg.LockDuration)
	assert.Equal(t, DefaultMaxDeliveries, cfg.MaxDeliveries)
	assert.NotEmpty(t, cfg.Consumer)

	assert.Equal(t, "busflow:q:orders", cfg.streamKey("orders"))
	assert.Equal(t, "busflow:dlq:orders", cfg.dlqKey("orders"))
	assert.Equal(t, "busflow:dlq:index", cfg.dlqIndexKey())
	assert.Equal(t, "busflow:dlq:seq", cfg.dlqSeqKey())
}

func TestEntryRoundTrip(t *testing.T) {
	msg := &transport.Message{
		MessageID:     "m-1",
		CorrelationID: "c-1",
		BodyTypeName:  "Order",
		ReplyTo:       "replies",
		Body:          []byte(`{"id":1}`),
		Properties:    metadata.New("tenant", "acme"),
	}
	values, err := encodeEntry(msg, 2)
	require.NoError(t, err)

	// redis hands every field back as a string
	wire := map[string]any{}
	for k, v := range values {
		wire[k] = asString(v)
	}
	wire[fieldBody] = string(msg.Body)
	wire[fieldAttempts] = "2"

	got, attempts, err := decodeEntry(redis.XMessage{ID: "1-0", Values: wire})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "m-1", got.MessageID)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.Equal(t, "Order", got.BodyTypeName)
	assert.Equal(t, "replies", got.ReplyTo)
	assert.Equal(t, msg.Body, got.Body)
	assert.Equal(t, "acme", got.Property("tenant"))
}

func TestDecodeEntryFallsBackToStreamID(t *testing.T) {
	got, attempts, err := decodeEntry(redis.XMessage{ID: "7-0", Values: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "7-0", got.MessageID)
	assert.Equal(t, "7-0", got.CorrelationID)
	assert.Zero(t, attempts)

	_, _, err = decodeEntry(redis.XMessage{ID: "8-0", Values: map[string]any{fieldProps: "{not json"}})
	assert.Error(t, err)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	msg := &transport.Message{MessageID: "m-1", Body: []byte("x"), DeliveryCount: 3}
	values, err := encodeDeadLetter(9, "orders", msg, "boom", 3)
	require.NoError(t, err)
	assert.NotContains(t, values, fieldAttempts)

	wire := map[string]any{}
	for k, v := range values {
		wire[k] = asString(v)
	}
	wire[fieldBody] = "x"

	got, err := decodeDeadLetter(redis.XMessage{ID: "1-0", Values: wire})
	require.NoError(t, err)
	assert.EqualValues(t, 9, got.ID)
	assert.Equal(t, "m-1", got.MessageID)
	assert.Equal(t, "orders", got.OriginalQueue)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, 3, got.DeliveryCount)
	assert.Equal(t, []byte("x"), got.Body)
	assert.WithinDuration(t, time.Now(), got.FailedAt, time.Minute)
}

func TestConversions(t *testing.T) {
	n, ok := toInt64("42")
	assert.True(t, ok)
	assert.EqualValues(t, 42, n)
	_, ok = toInt64("x")
	assert.False(t, ok)
	_, ok = toInt64(nil)
	assert.False(t, ok)

	assert.Equal(t, "", asString(nil))
	assert.Equal(t, "3", asString(3))
	assert.Nil(t, asBytes(nil))
	assert.Equal(t, []byte("ab"), asBytes("ab"))
}

func TestIsBusyGroup(t *testing.T) {
	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(nil))
	assert.False(t, isBusyGroup(redis.Nil))
}

func TestBuildFailsWithoutServer(t *testing.T) {
	cfg := (&config.Config{PubSubSystem: TransportName, RedisAddr: "127.0.0.1:1"}).WithDefaults()
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "failed to connect to redis")
}

// redisManager connects to BUSFLOW_TEST_REDIS_ADDR or skips.
func redisManager(t *testing.T, cfg Config) *QueueManager {
	t.Helper()
	addr := os.Getenv("BUSFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BUSFLOW_TEST_REDIS_ADDR not set")
	}
	cfg.Addr = addr
	cfg.KeyPrefix = "busflow-test:" + ids.NewID() + ":"
	qm, err := New(context.Background(), cfg, watermill.NopLogger{})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = qm.Close() })
	return qm
}

func TestRoundTripWithServer(t *testing.T) {
	ctx := context.Background()
	qm := redisManager(t, Config{LockDuration: time.Second, MaxDeliveries: 2})

	s, err := qm.CreateSender(ctx, "orders")
	require.NoError(t, err)
	r, err := qm.CreateReceiver(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, s.SendBatch(ctx, []*transport.Message{{MessageID: "m-1", Body: []byte("x")}}))

	msg, err := r.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.DeliveryCount)
	_, err = r.RenewLock(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, r.Abandon(ctx, msg, transport.ErrorDetail{Category: transport.ErrorCategoryHandler, Message: "boom"}))

	again, err := r.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, again.DeliveryCount)
	assert.Equal(t, "boom", again.Property(metadata.KeyErrorMessage))
	require.NoError(t, r.Abandon(ctx, again, transport.ErrorDetail{Message: "boom"}))

	count, err := qm.GetDLQCount("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	dead, err := qm.ListDLQMessages("orders", 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.NoError(t, qm.ReplayDLQMessage(dead[0].ID))

	replayed, err := r.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-1", replayed.MessageID)
	assert.Equal(t, 1, replayed.DeliveryCount)
	require.NoError(t, r.Complete(ctx, replayed))
	assert.ErrorIs(t, r.Complete(ctx, replayed), transport.ErrLockLost)

	_, err = r.Receive(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrReceiveTimeout)
}
