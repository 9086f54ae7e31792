package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/transport"
)

func TestRegistered(t *testing.T) {
	for _, name := range []string{TransportName, "gochannel"} {
		assert.True(t, transport.DefaultRegistry.Has(name), name)
	}
	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.RequiresLeaseEmulation())
}

func TestBuildDeliversMessagesPublishedBeforeSubscribe(t *testing.T) {
	ctx := context.Background()
	cfg := (&config.Config{PubSubSystem: TransportName, LockDuration: time.Minute}).WithDefaults()

	qm, err := transport.Build(ctx, cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer qm.Close()

	sender, err := qm.CreateSender(ctx, "early")
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "m-1", BodyTypeName: "T"}}))

	receiver, err := qm.CreateReceiver(ctx, "early")
	require.NoError(t, err)
	msg, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.MessageID)
	assert.WithinDuration(t, time.Now().Add(time.Minute), msg.LockedUntil, 5*time.Second)
	require.NoError(t, receiver.Complete(ctx, msg))

	provider, ok := qm.(transport.CapabilitiesProvider)
	require.True(t, ok)
	assert.Equal(t, transport.ChannelCapabilities, provider.Capabilities())
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	t.Cleanup(func() { Factory = original })

	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return original(cfg, logger)
	}

	qm, err := Build(context.Background(), (&config.Config{}).WithDefaults(), watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, qm.Close())
	assert.True(t, got.Persistent)
}
