// Package notify sends operator alerts for chains the broker gave up on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/picklr-io/broker/internal/continuation"
)

// SNSConfig configures dead-letter alerts. An empty TopicARN disables them.
type SNSConfig struct {
	TopicARN string `json:"sns_topic_arn"`
	Region   string `json:"region"`
	Profile  string `json:"profile"`
}

// SNSAPI is the subset of the SNS client the notifier uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// DeadLetter is the alert body.
type DeadLetter struct {
	ChainID    string            `json:"chain_id"`
	Kind       string            `json:"kind"`
	ResourceID string            `json:"resource_id"`
	Reason     string            `json:"reason,omitempty"`
	StepCount  int               `json:"step_count"`
	Created    time.Time         `json:"created"`
	Error      string            `json:"error"`
	Properties map[string]string `json:"properties,omitempty"`
}

// SNSNotifier publishes one message per dead-lettered chain to a topic.
type SNSNotifier struct {
	client SNSAPI
	topic  string
}

// NewSNSNotifier loads AWS configuration and returns a notifier for cfg.
func NewSNSNotifier(ctx context.Context, cfg SNSConfig) (*SNSNotifier, error) {
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("sns notifier requires 'sns_topic_arn' configuration")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewSNSNotifierWithClient(sns.NewFromConfig(awsCfg), cfg.TopicARN), nil
}

// NewSNSNotifierWithClient wraps an existing client.
func NewSNSNotifierWithClient(client SNSAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topic: topicARN}
}

func (n *SNSNotifier) NotifyDeadLetter(ctx context.Context, env *continuation.Envelope, cause error) error {
	msg := DeadLetter{
		ChainID:    env.ChainID,
		Kind:       string(env.Kind),
		StepCount:  env.StepCount,
		Created:    env.Created,
		Properties: env.LoggerProperties,
	}
	if env.Input != nil {
		msg.ResourceID = env.Input.ResourceID
		msg.Reason = env.Input.Reason
	}
	if cause != nil {
		msg.Error = cause.Error()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topic),
		Subject:  aws.String(fmt.Sprintf("Broker chain %s dead-lettered", env.Kind)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(env.Kind))},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish dead letter for chain %s: %w", env.ChainID, err)
	}
	return nil
}
