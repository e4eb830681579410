package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

const (
	// sqsMaxDelay is the longest publish delay SQS accepts. Longer delays are
	// enforced by the pump through the envelope's NotBefore.
	sqsMaxDelay = 15 * time.Minute
	// sqsMaxVisibility is the longest visibility timeout SQS accepts.
	sqsMaxVisibility = 12 * time.Hour
	sqsMaxWait       = 20 * time.Second
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSConfig configures an SQS-backed queue.
type SQSConfig struct {
	QueueURL string
	Region   string
	Profile  string
	// WaitTime is the long-poll duration of each receive, capped at 20s.
	WaitTime time.Duration
}

// SQSQueue implements Queue on Amazon SQS. The visibility timeout is the
// lease and the receipt handle is the lease token.
type SQSQueue struct {
	client   SQSAPI
	url      string
	waitTime time.Duration
}

// NewSQSQueue loads AWS configuration and returns a queue for cfg.QueueURL.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue requires 'queue_url' configuration")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewSQSQueueWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL, cfg.WaitTime), nil
}

// NewSQSQueueWithClient wraps an existing client.
func NewSQSQueueWithClient(client SQSAPI, url string, waitTime time.Duration) *SQSQueue {
	if waitTime <= 0 || waitTime > sqsMaxWait {
		waitTime = sqsMaxWait
	}
	return &SQSQueue{client: client, url: url, waitTime: waitTime}
}

func (q *SQSQueue) Publish(ctx context.Context, body []byte, delay time.Duration) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: seconds(delay, sqsMaxDelay),
	})
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", q.url, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, lease time.Duration) (*Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		VisibilityTimeout:   seconds(lease, sqsMaxVisibility),
		WaitTimeSeconds:     seconds(q.waitTime, sqsMaxWait),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to receive from %s: %w", q.url, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	msg := &Message{
		ID:         aws.ToString(m.MessageId),
		Body:       []byte(aws.ToString(m.Body)),
		LeaseToken: aws.ToString(m.ReceiptHandle),
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.DeliveryCount = n
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.EnqueuedAt = time.UnixMilli(ms)
	}
	return msg, nil
}

func (q *SQSQueue) Complete(ctx context.Context, msg *Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.LeaseToken),
	})
	return sqsLeaseError(err, "complete")
}

func (q *SQSQueue) Abandon(ctx context.Context, msg *Message, delay time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(msg.LeaseToken),
		VisibilityTimeout: seconds(delay, sqsMaxVisibility),
	})
	return sqsLeaseError(err, "abandon")
}

func (q *SQSQueue) Extend(ctx context.Context, msg *Message, lease time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(msg.LeaseToken),
		VisibilityTimeout: seconds(lease, sqsMaxVisibility),
	})
	return sqsLeaseError(err, "extend")
}

func (q *SQSQueue) Close() error {
	return nil
}

func sqsLeaseError(err error, op string) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue", "MessageNotInflight":
			return fmt.Errorf("%w: %s", ErrLeaseLost, ae.ErrorMessage())
		}
	}
	return fmt.Errorf("failed to %s message: %w", op, err)
}

func seconds(d, max time.Duration) int32 {
	if d < 0 {
		d = 0
	}
	if d > max {
		d = max
	}
	return int32((d + time.Second - 1) / time.Second)
}
