// Package nats provides a NATS Core transport backed by watermill-nats.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. Subscribers join a queue group named
// after the application so a queue is consumed once per application.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	group := cfg.GetApplicationName()

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: group,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return pubsub.New(publisher, subscriber, logger, pubsub.Options{
		Lease:        cfg.GetLockDuration(),
		Capabilities: transport.NATSCapabilities,
	}), nil
}
