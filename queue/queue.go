// Package queue specialises the smartpoll driver over cloud message queues.
// A Monitor adapts a queue handle to the driver's poll-function contract:
// one serialized dequeue per poll, an empty batch reported as an empty poll,
// and a non-empty batch delivered as the payload.
package queue

import (
	"context"
	"time"
)

// BatchMax is the most messages a single dequeue requests. 32 is the Azure
// Queue Storage per-request ceiling; backends with lower ceilings clamp it.
const BatchMax = 32

// DefaultVisibilityTimeout hides dequeued messages for 30 seconds when the
// caller does not configure a visibility window.
const DefaultVisibilityTimeout = 30 * time.Second

// Message is one dequeued queue entry. A message stays hidden from other
// consumers until NextVisible; deleting it with ID plus PopReceipt before
// then is the handler's responsibility, not the monitor's.
type Message struct {
	ID           string
	PopReceipt   string
	Body         []byte
	DequeueCount int64
	NextVisible  time.Time
}

// Queue is the dequeue surface a Monitor consumes. GetMessages returns up to
// maxCount messages, hiding each from other consumers for the visibility
// window, or an empty batch when the queue has nothing ready.
type Queue interface {
	GetMessages(ctx context.Context, maxCount int, visibility time.Duration) ([]Message, error)
}

// Acknowledger is the optional deletion capability of a queue backend. The
// monitor never calls it; handlers acknowledge messages themselves.
type Acknowledger interface {
	DeleteMessage(ctx context.Context, id, popReceipt string) error
}

// Invoker is the proxy boundary a Monitor can route its dequeues through.
// Implementations may add logging, retries, or caching behind it, but must
// preserve the empty/non-empty contract of the wrapped operation.
type Invoker interface {
	Invoke(ctx context.Context, op func(context.Context) ([]Message, error)) ([]Message, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, op func(context.Context) ([]Message, error)) ([]Message, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, op func(context.Context) ([]Message, error)) ([]Message, error) {
	return f(ctx, op)
}
