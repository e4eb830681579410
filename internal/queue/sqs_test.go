package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent       []*sqs.SendMessageInput
	received   *sqs.ReceiveMessageInput
	deleted    []*sqs.DeleteMessageInput
	visibility []*sqs.ChangeMessageVisibilityInput
	messages   []types.Message
	deleteErr  error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, in)
	return &sqs.DeleteMessageOutput{}, f.deleteErr
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visibility = append(f.visibility, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestSQSQueue_MapsLeaseOperations(t *testing.T) {
	ctx := context.Background()
	fake := &fakeSQS{}
	q := NewSQSQueueWithClient(fake, "https://sqs.local/continuations", 5*time.Second)

	require.NoError(t, q.Publish(ctx, []byte(`{"chain_id":"c"}`), time.Hour))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, int32(900), fake.sent[0].DelaySeconds, "delay is capped at the SQS maximum")

	fake.messages = []types.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String("payload"),
		ReceiptHandle: aws.String("rh-1"),
		Attributes: map[string]string{
			"ApproximateReceiveCount": "3",
			"SentTimestamp":           "1700000000000",
		},
	}}
	msg, err := q.Receive(ctx, 90*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int32(90), fake.received.VisibilityTimeout)
	assert.Equal(t, int32(5), fake.received.WaitTimeSeconds)
	assert.Equal(t, "rh-1", msg.LeaseToken)
	assert.Equal(t, 3, msg.DeliveryCount)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.EnqueuedAt)

	require.NoError(t, q.Abandon(ctx, msg, 2*time.Second))
	require.NoError(t, q.Extend(ctx, msg, time.Minute))
	require.Len(t, fake.visibility, 2)
	assert.Equal(t, int32(2), fake.visibility[0].VisibilityTimeout)
	assert.Equal(t, int32(60), fake.visibility[1].VisibilityTimeout)

	require.NoError(t, q.Complete(ctx, msg))
	assert.Equal(t, "rh-1", aws.ToString(fake.deleted[0].ReceiptHandle))
}

func TestSQSQueue_InvalidReceiptIsLeaseLost(t *testing.T) {
	fake := &fakeSQS{deleteErr: &smithy.GenericAPIError{Code: "ReceiptHandleIsInvalid", Message: "expired"}}
	q := NewSQSQueueWithClient(fake, "https://sqs.local/q", 0)

	err := q.Complete(context.Background(), &Message{ID: "m", LeaseToken: "old"})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestSQSQueue_EmptyReceive(t *testing.T) {
	q := NewSQSQueueWithClient(&fakeSQS{}, "https://sqs.local/q", 0)
	msg, err := q.Receive(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestNewSQSQueueRequiresURL(t *testing.T) {
	_, err := NewSQSQueue(context.Background(), SQSConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue_url")
}
