// Package http provides an HTTP transport backed by watermill-http. Senders
// POST to HTTPPublisherURL + queue; receivers are served on
// HTTPServerAddress.
package http

import (
	"context"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport and starts the subscriber's server in
// the background.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": serverAddr})
			}
		}()
	}

	return pubsub.New(publisher, subscriber, logger, pubsub.Options{
		Lease:        cfg.GetLockDuration(),
		Capabilities: transport.HTTPCapabilities,
	}), nil
}
