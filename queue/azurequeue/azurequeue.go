// Package azurequeue adapts Azure Queue Storage to the queue.Queue contract.
package azurequeue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"pkt.systems/smartpoll/queue"
)

// Config controls connectivity to Azure Queue Storage. Either
// ConnectionString or Account+AccountKey must be set.
type Config struct {
	ConnectionString string
	Account          string
	AccountKey       string
	// Endpoint overrides the public cloud queue endpoint, e.g. for Azurite.
	Endpoint string
	Queue    string
}

// Queue implements queue.Queue and queue.Acknowledger over one Azure queue.
type Queue struct {
	client *azqueue.QueueClient
	name   string
}

// New builds a queue client from cfg. The queue must already exist; the
// service enforces visibility bounds (up to 7 days).
func New(cfg Config) (*Queue, error) {
	if cfg.Queue == "" {
		return nil, errors.New("azurequeue: queue name is required")
	}
	if cfg.ConnectionString != "" {
		client, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.Queue, nil)
		if err != nil {
			return nil, fmt.Errorf("azurequeue: connection string client: %w", err)
		}
		return &Queue{client: client, name: cfg.Queue}, nil
	}
	if cfg.Account == "" || cfg.AccountKey == "" {
		return nil, errors.New("azurequeue: connection string or account plus account key is required")
	}
	cred, err := azqueue.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azurequeue: shared key credential: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.queue.core.windows.net/", cfg.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	client, err := azqueue.NewQueueClientWithSharedKeyCredential(endpoint+cfg.Queue, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azurequeue: queue client: %w", err)
	}
	return &Queue{client: client, name: cfg.Queue}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// GetMessages dequeues up to maxCount messages (service cap 32), hiding each
// for the visibility window.
func (q *Queue) GetMessages(ctx context.Context, maxCount int, visibility time.Duration) ([]queue.Message, error) {
	if visibility <= 0 {
		return nil, queue.ErrNonPositiveVisibility
	}
	count := clampBatch(maxCount)
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(count),
		VisibilityTimeout: to.Ptr(visibilitySeconds(visibility)),
	})
	if err != nil {
		return nil, fmt.Errorf("azurequeue: dequeue %s: %w", q.name, err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	batch := make([]queue.Message, 0, len(resp.Messages))
	for _, item := range resp.Messages {
		if item == nil {
			continue
		}
		msg := queue.Message{}
		if item.MessageID != nil {
			msg.ID = *item.MessageID
		}
		if item.PopReceipt != nil {
			msg.PopReceipt = *item.PopReceipt
		}
		if item.MessageText != nil {
			msg.Body = []byte(*item.MessageText)
		}
		if item.DequeueCount != nil {
			msg.DequeueCount = *item.DequeueCount
		}
		if item.TimeNextVisible != nil {
			msg.NextVisible = *item.TimeNextVisible
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// DeleteMessage acknowledges a dequeued message.
func (q *Queue) DeleteMessage(ctx context.Context, id, popReceipt string) error {
	if _, err := q.client.DeleteMessage(ctx, id, popReceipt, nil); err != nil {
		return fmt.Errorf("azurequeue: delete %s/%s: %w", q.name, id, err)
	}
	return nil
}

// Enqueue puts body on the queue and returns the assigned message ID.
func (q *Queue) Enqueue(ctx context.Context, body []byte) (string, error) {
	resp, err := q.client.EnqueueMessage(ctx, string(body), nil)
	if err != nil {
		return "", fmt.Errorf("azurequeue: enqueue %s: %w", q.name, err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0] == nil || resp.Messages[0].MessageID == nil {
		return "", nil
	}
	return *resp.Messages[0].MessageID, nil
}

func clampBatch(n int) int32 {
	switch {
	case n < 1:
		return 1
	case n > queue.BatchMax:
		return int32(queue.BatchMax)
	default:
		return int32(n)
	}
}

// visibilitySeconds rounds up to whole seconds, the service's granularity.
func visibilitySeconds(d time.Duration) int32 {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return int32(secs)
}
