package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/transport"
)

func overrideFactories(t *testing.T) (*kafka.PublisherConfig, *kafka.SubscriberConfig) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = originalPub, originalSub })

	goChannel := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	pubCfg := &kafka.PublisherConfig{}
	subCfg := &kafka.SubscriberConfig{}
	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		*pubCfg = cfg
		return goChannel, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		*subCfg = cfg
		return goChannel, nil
	}
	return pubCfg, subCfg
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.GetCapabilities(TransportName).SupportsPartitioning)
}

func TestBuildWiresConfiguration(t *testing.T) {
	pubCfg, subCfg := overrideFactories(t)
	cfg := (&config.Config{
		PubSubSystem:    TransportName,
		ApplicationName: "billing",
		KafkaBrokers:    []string{"localhost:9092"},
	}).WithDefaults()

	qm, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer qm.Close()

	assert.Equal(t, []string{"localhost:9092"}, pubCfg.Brokers)
	assert.Equal(t, []string{"localhost:9092"}, subCfg.Brokers)
	assert.Equal(t, "billing", subCfg.ConsumerGroup, "consumer group defaults to the application name")

	ctx := context.Background()
	receiver, err := qm.CreateReceiver(ctx, "invoices")
	require.NoError(t, err)
	sender, err := qm.CreateSender(ctx, "invoices")
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "k-1", CorrelationID: "c", BodyTypeName: "T"}}))

	msg, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "k-1", msg.MessageID)
	assert.Equal(t, "c", msg.CorrelationID)
}

func TestBuildExplicitConsumerGroup(t *testing.T) {
	_, subCfg := overrideFactories(t)
	cfg := (&config.Config{KafkaBrokers: []string{"b"}, KafkaConsumerGroup: "workers"}).WithDefaults()

	qm, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer qm.Close()
	assert.Equal(t, "workers", subCfg.ConsumerGroup)
}

func TestBuildErrors(t *testing.T) {
	cfg := (&config.Config{KafkaBrokers: []string{"b"}}).WithDefaults()

	overrideFactories(t)
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	overrideFactories(t)
	SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
}
