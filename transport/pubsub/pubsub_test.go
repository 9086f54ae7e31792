package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
)

func newManager(t *testing.T, lease time.Duration) *QueueManager {
	t.Helper()
	goChannel := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	qm := New(goChannel, goChannel, nil, Options{Lease: lease, Capabilities: transport.ChannelCapabilities})
	t.Cleanup(func() { _ = qm.Close() })
	return qm
}

func TestSendReceiveComplete(t *testing.T) {
	ctx := context.Background()
	qm := newManager(t, time.Minute)

	require.NoError(t, qm.EnsureQueueExists(ctx, "orders", transport.QueueOptions{}))
	receiver, err := qm.CreateReceiver(ctx, "orders")
	require.NoError(t, err)
	sender, err := qm.CreateSender(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, sender.SendBatch(ctx, []*transport.Message{{
		MessageID:     "m-1",
		CorrelationID: "c-1",
		BodyTypeName:  "orders.Place",
		Body:          []byte(`{"id":1}`),
		ReplyTo:       "replies",
		Properties:    metadata.New("tenant", "acme"),
	}}))

	msg, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.MessageID)
	assert.Equal(t, "c-1", msg.CorrelationID)
	assert.Equal(t, "orders.Place", msg.BodyTypeName)
	assert.Equal(t, "replies", msg.ReplyTo)
	assert.Equal(t, `{"id":1}`, string(msg.Body))
	assert.Equal(t, "acme", msg.Property("tenant"))
	assert.Equal(t, 1, msg.DeliveryCount)
	assert.WithinDuration(t, time.Now().Add(time.Minute), msg.LockedUntil, 5*time.Second)

	require.NoError(t, receiver.Complete(ctx, msg))

	_, err = receiver.RenewLock(ctx, msg)
	assert.ErrorIs(t, err, transport.ErrLockLost)
}

func TestReceiveTimeout(t *testing.T) {
	ctx := context.Background()
	qm := newManager(t, 0)
	receiver, err := qm.CreateReceiver(ctx, "empty")
	require.NoError(t, err)

	_, err = receiver.Receive(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrReceiveTimeout)
}

func TestAbandonRedeliversWithIncrementedCount(t *testing.T) {
	ctx := context.Background()
	qm := newManager(t, time.Minute)
	receiver, err := qm.CreateReceiver(ctx, "retry")
	require.NoError(t, err)
	sender, err := qm.CreateSender(ctx, "retry")
	require.NoError(t, err)

	require.NoError(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "m-2", BodyTypeName: "T"}}))

	first, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, first.DeliveryCount)

	renewed, err := receiver.RenewLock(ctx, first)
	require.NoError(t, err)
	assert.True(t, renewed.After(time.Now()))

	require.NoError(t, receiver.Abandon(ctx, first, transport.ErrorDetail{Category: transport.ErrorCategoryHandler, Message: "boom"}))

	second, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-2", second.MessageID)
	assert.Equal(t, 2, second.DeliveryCount)
	require.NoError(t, receiver.Complete(ctx, second))
}

func TestReceiverForgetsOldestUnsettledDeliveries(t *testing.T) {
	ctx := context.Background()
	deliveries, err := lru.New[string, int](2)
	require.NoError(t, err)
	messages := make(chan *message.Message, 8)
	r := &receiver{topic: "orders", lease: time.Minute, messages: messages, cancel: func() {}, deliveries: deliveries}

	for _, id := range []string{"m-1", "m-2", "m-3", "m-3"} {
		messages <- message.NewMessage(id, nil)
	}
	var last *transport.Message
	for i := 0; i < 4; i++ {
		last, err = r.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, r.Abandon(ctx, last, transport.ErrorDetail{Category: transport.ErrorCategoryHandler}))
	}

	assert.Equal(t, 2, last.DeliveryCount)
	assert.Equal(t, 2, deliveries.Len())
	assert.False(t, deliveries.Contains("m-1"))

	require.NoError(t, r.Close())
	assert.Zero(t, deliveries.Len())
}

func TestSendBatchKeepsOrder(t *testing.T) {
	ctx := context.Background()
	qm := newManager(t, time.Minute)
	receiver, err := qm.CreateReceiver(ctx, "ordered")
	require.NoError(t, err)
	sender, err := qm.CreateSender(ctx, "ordered")
	require.NoError(t, err)

	batch := []*transport.Message{{MessageID: "a"}, {MessageID: "b"}, {MessageID: "c"}}
	require.NoError(t, sender.SendBatch(ctx, batch))
	require.NoError(t, sender.SendBatch(ctx, nil))

	for _, want := range []string{"a", "b", "c"} {
		msg, err := receiver.Receive(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, msg.MessageID)
		assert.Equal(t, want, msg.CorrelationID)
		require.NoError(t, receiver.Complete(ctx, msg))
	}
}

func TestClosedManagerRejectsOperations(t *testing.T) {
	ctx := context.Background()
	qm := newManager(t, 0)
	sender, err := qm.CreateSender(ctx, "x")
	require.NoError(t, err)

	closed := false
	qm.opts.Closers = append(qm.opts.Closers, func() error { closed = true; return nil })
	require.NoError(t, qm.Close())
	require.NoError(t, qm.Close())
	assert.True(t, closed)

	_, err = qm.CreateSender(ctx, "x")
	assert.ErrorIs(t, err, transport.ErrClosed)
	_, err = qm.CreateReceiver(ctx, "x")
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, qm.EnsureQueueExists(ctx, "x", transport.QueueOptions{}), transport.ErrClosed)
	assert.ErrorIs(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "m"}}), transport.ErrClosed)
}

func TestSenderCloseRejectsSends(t *testing.T) {
	ctx := context.Background()
	qm := newManager(t, 0)
	sender, err := qm.CreateSender(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, sender.Close())
	assert.ErrorIs(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "m"}}), transport.ErrClosed)
}

func TestForeignHandleIsRejected(t *testing.T) {
	ctx := context.Background()
	qm := newManager(t, 0)
	receiver, err := qm.CreateReceiver(ctx, "x")
	require.NoError(t, err)

	assert.Error(t, receiver.Complete(ctx, &transport.Message{MessageID: "m", Handle: "token"}))
	assert.Error(t, receiver.Complete(ctx, nil))
}

type initializingSubscriber struct {
	message.Subscriber
	initialized []string
}

func (s *initializingSubscriber) SubscribeInitialize(topic string) error {
	s.initialized = append(s.initialized, topic)
	return nil
}

func TestEnsureQueueUsesSubscribeInitializer(t *testing.T) {
	goChannel := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	sub := &initializingSubscriber{Subscriber: goChannel}
	qm := New(goChannel, sub, nil, Options{})
	defer qm.Close()

	require.NoError(t, qm.EnsureQueueExists(context.Background(), "orders", transport.QueueOptions{}))
	assert.Equal(t, []string{"orders"}, sub.initialized)
	assert.Equal(t, DefaultLease, qm.opts.Lease)
}

func TestWatermillConversion(t *testing.T) {
	wm := ToWatermill(&transport.Message{
		MessageID:     "m-9",
		CorrelationID: "c-9",
		BodyTypeName:  "T",
		DeliveryCount: 3,
		Properties:    metadata.New(metadata.KeyResponse, metadata.ResponseFailure),
	})
	assert.Equal(t, "m-9", wm.UUID)
	assert.Equal(t, "c-9", wm.Metadata.Get(metadata.KeyCorrelationID))

	back := FromWatermill(wm)
	assert.Equal(t, 3, back.DeliveryCount)
	assert.True(t, back.IsFailureResponse())
	assert.Empty(t, back.Property(metadata.KeyMessageID))

	assert.NotEmpty(t, ToWatermill(&transport.Message{}).UUID)
}
