// Package channel provides an in-memory watermill Go channel transport. It is
// useful for tests and local development; messages do not survive a restart.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
	transport.Register("gochannel", Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. Messages published before a
// receiver subscribes are kept and replayed to it.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	pub, sub := Factory(gochannel.Config{Persistent: true}, logger)
	return pubsub.New(pub, sub, logger, pubsub.Options{
		Lease:        cfg.GetLockDuration(),
		Capabilities: transport.ChannelCapabilities,
	}), nil
}
