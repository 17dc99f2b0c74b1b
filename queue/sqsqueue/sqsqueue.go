// Package sqsqueue adapts Amazon SQS to the queue.Queue contract.
package sqsqueue

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

	"pkt.systems/smartpoll/queue"
)

// ReceiveMax is the SQS per-request message ceiling; larger batch requests
// are clamped to it.
const ReceiveMax = 10

// Config controls connectivity to SQS. Credentials resolve through the
// standard AWS chain (env, shared config, instance profile).
type Config struct {
	QueueURL string
	Region   string
}

// Queue implements queue.Queue and queue.Acknowledger over one SQS queue.
type Queue struct {
	client *sqs.Client
	url    string
}

// New resolves AWS configuration and builds a queue client. The service
// enforces visibility bounds (up to 12 hours).
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqsqueue: queue URL is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("sqsqueue: load aws config: %w", err)
	}
	return &Queue{client: sqs.NewFromConfig(awsCfg), url: cfg.QueueURL}, nil
}

// NewFromClient wraps an existing SQS client, e.g. one pointed at localstack.
func NewFromClient(client *sqs.Client, queueURL string) *Queue {
	return &Queue{client: client, url: queueURL}
}

// URL returns the queue URL.
func (q *Queue) URL() string {
	return q.url
}

// GetMessages dequeues up to maxCount messages (service cap 10), hiding each
// for the visibility window. Visibility is rounded up to whole seconds.
func (q *Queue) GetMessages(ctx context.Context, maxCount int, visibility time.Duration) ([]queue.Message, error) {
	if visibility <= 0 {
		return nil, queue.ErrNonPositiveVisibility
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: clampBatch(maxCount),
		VisibilityTimeout:   visibilitySeconds(visibility),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqsqueue: receive %s: %w", q.url, err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	nextVisible := time.Now().UTC().Add(visibility)
	batch := make([]queue.Message, 0, len(out.Messages))
	for _, item := range out.Messages {
		msg := queue.Message{NextVisible: nextVisible}
		if item.MessageId != nil {
			msg.ID = *item.MessageId
		}
		if item.ReceiptHandle != nil {
			msg.PopReceipt = *item.ReceiptHandle
		}
		if item.Body != nil {
			msg.Body = []byte(*item.Body)
		}
		if raw, ok := item.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if count, err := strconv.ParseInt(raw, 10, 64); err == nil {
				msg.DequeueCount = count
			}
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// DeleteMessage acknowledges a dequeued message. SQS identifies it by the
// receipt handle alone; the message ID is accepted for interface symmetry.
func (q *Queue) DeleteMessage(ctx context.Context, id, popReceipt string) error {
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(popReceipt),
	}); err != nil {
		return fmt.Errorf("sqsqueue: delete %s/%s: %w", q.url, id, err)
	}
	return nil
}

// Enqueue puts body on the queue and returns the assigned message ID.
func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	out, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("sqsqueue: send %s: %w", q.url, err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}

func clampBatch(n int) int32 {
	switch {
	case n < 1:
		return 1
	case n > ReceiveMax:
		return ReceiveMax
	default:
		return int32(n)
	}
}

func visibilitySeconds(d time.Duration) int32 {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return int32(secs)
}
