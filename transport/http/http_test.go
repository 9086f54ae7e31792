package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/transport"
)

func overrideFactories(t *testing.T) (*http.PublisherConfig, *string) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = originalPub, originalSub })

	goChannel := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	pubCfg := &http.PublisherConfig{}
	addr := new(string)
	PublisherFactory = func(cfg http.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		*pubCfg = cfg
		return goChannel, nil
	}
	SubscriberFactory = func(a string, _ http.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		*addr = a
		return goChannel, nil
	}
	return pubCfg, addr
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestBuildWiresConfiguration(t *testing.T) {
	pubCfg, addr := overrideFactories(t)
	cfg := (&config.Config{HTTPServerAddress: ":9090", HTTPPublisherURL: "http://peer:9090/"}).WithDefaults()

	qm, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer qm.Close()

	assert.Equal(t, ":9090", *addr)
	req, err := pubCfg.MarshalMessageFunc("orders", message.NewMessage("h-1", []byte("{}")))
	require.NoError(t, err)
	assert.Equal(t, nethttp.MethodPost, req.Method)
	assert.Equal(t, "http://peer:9090/orders", req.URL.String())

	ctx := context.Background()
	receiver, err := qm.CreateReceiver(ctx, "orders")
	require.NoError(t, err)
	sender, err := qm.CreateSender(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "h-1", BodyTypeName: "T"}}))
	msg, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "h-1", msg.MessageID)
}

func TestBuildErrors(t *testing.T) {
	cfg := (&config.Config{}).WithDefaults()

	overrideFactories(t)
	PublisherFactory = func(http.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	overrideFactories(t)
	SubscriberFactory = func(string, http.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.ErrorContains(t, err, "subscriber error")
}
