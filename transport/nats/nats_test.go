package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/transport"
)

func overrideFactories(t *testing.T) (*nats.PublisherConfig, *nats.SubscriberConfig) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = originalPub, originalSub })

	goChannel := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	pubCfg := &nats.PublisherConfig{}
	subCfg := &nats.SubscriberConfig{}
	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		*pubCfg = cfg
		return goChannel, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		*subCfg = cfg
		return goChannel, nil
	}
	return pubCfg, subCfg
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.False(t, transport.GetCapabilities(TransportName).SupportsLockRenewal)
}

func TestBuildWiresConfiguration(t *testing.T) {
	pubCfg, subCfg := overrideFactories(t)
	cfg := (&config.Config{ApplicationName: "shipping", NATSURL: "nats://localhost:4222"}).WithDefaults()

	qm, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer qm.Close()

	assert.Equal(t, "nats://localhost:4222", pubCfg.URL)
	assert.Equal(t, "nats://localhost:4222", subCfg.URL)
	assert.Equal(t, "shipping", subCfg.QueueGroupPrefix)

	ctx := context.Background()
	receiver, err := qm.CreateReceiver(ctx, "parcels")
	require.NoError(t, err)
	sender, err := qm.CreateSender(ctx, "parcels")
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "n-1", BodyTypeName: "T"}}))

	msg, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "n-1", msg.MessageID)
	renewed, err := receiver.RenewLock(ctx, msg)
	require.NoError(t, err)
	assert.True(t, renewed.After(time.Now()))
}

func TestBuildErrors(t *testing.T) {
	cfg := (&config.Config{NATSURL: "nats://x"}).WithDefaults()

	overrideFactories(t)
	PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	overrideFactories(t)
	SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
}
