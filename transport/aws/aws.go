// Package aws provides an SNS/SQS transport backed by watermill-aws. Every
// bus queue becomes an SNS topic fanned out to an SQS queue of the same name.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.AWSCapabilities)
}

// settings is the resolved view of the AWS-related configuration.
type settings struct {
	accountID string
	region    string
	endpoint  *url.URL
}

// Build creates a new SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.QueueManager, error) {
	s, err := resolveSettings(cfg, logger)
	if err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg, s)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": s.region})
		return nil, err
	}
	logger.Info("Loaded AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"account_id":      s.accountID,
		"custom_endpoint": s.endpoint != nil,
	})

	topicResolver, err := TopicResolverFactory(s.accountID, awsCfg.Region)
	if err != nil {
		return nil, fmt.Errorf("aws: topic resolver: %w", err)
	}

	snsOpts, sqsOpts := endpointOptions(s.endpoint)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        topicResolver,
			GenerateSqsQueueName: queueNameFromTopic,
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return pubsub.New(publisher, subscriber, logger, pubsub.Options{
		Lease:        cfg.GetLockDuration(),
		Capabilities: transport.AWSCapabilities,
	}), nil
}

// resolveSettings normalises the account id and endpoint. With a custom
// endpoint (LocalStack) a missing or malformed account id falls back to the
// LocalStack default.
func resolveSettings(cfg transport.Config, logger watermill.LoggerAdapter) (settings, error) {
	s := settings{
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		region:    cfg.GetAWSRegion(),
	}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		endpoint, err := url.Parse(raw)
		if err != nil {
			return settings{}, fmt.Errorf("aws: parse endpoint: %w", err)
		}
		s.endpoint = endpoint
		if len(s.accountID) != awsAccountIDLength {
			logger.Info("Using LocalStack account id", watermill.LogFields{"configured": s.accountID})
			s.accountID = localstackAccountID
		}
	}
	return s, nil
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, s settings) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}
	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if s.region != "" {
		awsCfg.Region = s.region
	}
	return awsCfg, nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	resolved := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: resolved}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: resolved}),
		}
}

func queueNameFromTopic(_ context.Context, topicArn sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
