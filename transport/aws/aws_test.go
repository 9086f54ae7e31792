package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/config"
	"github.com/drblury/busflow/transport"
)

func stubFactories(t *testing.T) (captured *sns.PublisherConfig, capturedSub *sqs.SubscriberConfig) {
	t.Helper()
	originalLoader := DefaultConfigLoader
	originalResolver := TopicResolverFactory
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	captured = &sns.PublisherConfig{}
	capturedSub = &sqs.SubscriberConfig{}
	goChannel := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})

	DefaultConfigLoader = func(_ context.Context, _ ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return sns.NewGenerateArnTopicResolver(accountID, region)
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		*captured = cfg
		return goChannel, nil
	}
	SubscriberFactory = func(_ sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		*capturedSub = sqsCfg
		return goChannel, nil
	}
	return captured, capturedSub
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.AWSCapabilities, transport.GetCapabilities(TransportName))
}

func TestBuildRoundTrip(t *testing.T) {
	pubCfg, _ := stubFactories(t)
	cfg := (&config.Config{PubSubSystem: TransportName, AWSRegion: "eu-central-1", AWSAccountID: "123456789012"}).WithDefaults()

	qm, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer qm.Close()

	assert.Equal(t, "eu-central-1", pubCfg.AWSConfig.Region)
	assert.Empty(t, pubCfg.OptFns)

	ctx := context.Background()
	receiver, err := qm.CreateReceiver(ctx, "orders")
	require.NoError(t, err)
	sender, err := qm.CreateSender(ctx, "orders")
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(ctx, []*transport.Message{{MessageID: "m-1", BodyTypeName: "T"}}))

	msg, err := receiver.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.MessageID)
	require.NoError(t, receiver.Complete(ctx, msg))
}

func TestBuildWithLocalstackEndpoint(t *testing.T) {
	pubCfg, sqsCfg := stubFactories(t)
	cfg := (&config.Config{AWSRegion: "us-east-1", AWSEndpoint: "http://localhost:4566", AWSAccountID: "bad"}).WithDefaults()

	qm, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	defer qm.Close()

	assert.Len(t, pubCfg.OptFns, 1)
	assert.Len(t, sqsCfg.OptFns, 1)
}

func TestBuildErrors(t *testing.T) {
	t.Run("config loader", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}
		_, err := Build(context.Background(), (&config.Config{AWSRegion: "us-east-1"}).WithDefaults(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("publisher", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(sns.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), (&config.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}).WithDefaults(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber", func(t *testing.T) {
		stubFactories(t)
		SubscriberFactory = func(sns.SubscriberConfig, sqs.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), (&config.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}).WithDefaults(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
	})

	t.Run("bad endpoint", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), (&config.Config{AWSEndpoint: "://nope"}).WithDefaults(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "aws: parse endpoint")
	})
}

func TestResolveSettings(t *testing.T) {
	logger := watermill.NopLogger{}

	s, err := resolveSettings(&config.Config{AWSAccountID: `"123456789012"`, AWSRegion: "us-west-2"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", s.accountID)
	assert.Equal(t, "us-west-2", s.region)
	assert.Nil(t, s.endpoint)

	s, err = resolveSettings(&config.Config{AWSEndpoint: "http://localhost:4566"}, logger)
	require.NoError(t, err)
	assert.Equal(t, localstackAccountID, s.accountID)
	require.NotNil(t, s.endpoint)
	assert.Equal(t, "localhost:4566", s.endpoint.Host)

	s, err = resolveSettings(&config.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "123456789012"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", s.accountID)
}

func TestQueueNameFromTopic(t *testing.T) {
	name, err := queueNameFromTopic(context.Background(), "arn:aws:sns:us-east-1:000000000000:orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
}

func TestStaticCredentials(t *testing.T) {
	creds, err := staticCredentials("ak", "sk").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ak", creds.AccessKeyID)
	assert.Equal(t, "sk", creds.SecretAccessKey)
}
