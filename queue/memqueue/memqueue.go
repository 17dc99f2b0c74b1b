// Package memqueue provides an in-process queue backend with real
// visibility semantics: a dequeued message is hidden until its visibility
// deadline and reappears unless deleted first. It backs tests and the
// mem:// store URL of the CLI.
package memqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	ring "github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/smartpoll/internal/clock"
	"pkt.systems/smartpoll/queue"
)

// ErrMessageNotFound is returned by DeleteMessage when the message does not
// exist, is not currently leased, or the pop receipt is stale.
var ErrMessageNotFound = errors.New("memqueue: message not found or receipt stale")

type message struct {
	id           string
	body         []byte
	enqueued     time.Time
	popReceipt   string
	dequeueCount int64
	nextVisible  time.Time
}

// Option customises Queue behaviour.
type Option func(*Queue)

// WithClock swaps the time source, primarily for tests.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) {
		if clk != nil {
			q.clk = clk
		}
	}
}

// Queue is an in-memory FIFO with per-message visibility. Safe for
// concurrent use.
type Queue struct {
	mu     sync.Mutex
	clk    clock.Clock
	ready  *ring.Queue
	leased map[string]*message
}

// New constructs an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		clk:    clock.Real{},
		ready:  ring.New(),
		leased: make(map[string]*message),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a copy of body and returns the assigned message ID.
func (q *Queue) Enqueue(body []byte) string {
	msg := &message{
		id:       uuid.NewString(),
		body:     append([]byte(nil), body...),
		enqueued: q.clk.Now(),
	}
	q.mu.Lock()
	q.ready.Add(msg)
	q.mu.Unlock()
	return msg.id
}

// Len reports how many messages are ready for dequeue right now. Leased
// messages whose visibility has not yet expired are excluded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpired(q.clk.Now())
	return q.ready.Length()
}

// GetMessages dequeues up to maxCount ready messages, hiding each for the
// visibility window. It returns an empty batch when nothing is ready.
func (q *Queue) GetMessages(ctx context.Context, maxCount int, visibility time.Duration) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxCount < 1 {
		maxCount = 1
	}
	if visibility <= 0 {
		return nil, queue.ErrNonPositiveVisibility
	}
	now := q.clk.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeueExpired(now)
	var batch []queue.Message
	for len(batch) < maxCount && q.ready.Length() > 0 {
		msg := q.ready.Remove().(*message)
		msg.popReceipt = xid.New().String()
		msg.dequeueCount++
		msg.nextVisible = now.Add(visibility)
		q.leased[msg.id] = msg
		batch = append(batch, queue.Message{
			ID:           msg.id,
			PopReceipt:   msg.popReceipt,
			Body:         append([]byte(nil), msg.body...),
			DequeueCount: msg.dequeueCount,
			NextVisible:  msg.nextVisible,
		})
	}
	return batch, nil
}

// DeleteMessage removes a leased message for good. The pop receipt must
// match the most recent dequeue; a stale receipt means the message already
// became visible again and may have been handed to another consumer.
func (q *Queue) DeleteMessage(ctx context.Context, id, popReceipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.leased[id]
	if !ok || msg.popReceipt != popReceipt {
		return ErrMessageNotFound
	}
	delete(q.leased, id)
	return nil
}

// requeueExpired moves leased messages whose visibility has lapsed back to
// the ready ring, oldest enqueue first. Caller holds q.mu.
func (q *Queue) requeueExpired(now time.Time) {
	if len(q.leased) == 0 {
		return
	}
	var expired []*message
	for id, msg := range q.leased {
		if msg.nextVisible.After(now) {
			continue
		}
		expired = append(expired, msg)
		delete(q.leased, id)
	}
	if len(expired) == 0 {
		return
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].enqueued.Before(expired[j].enqueued)
	})
	for _, msg := range expired {
		q.ready.Add(msg)
	}
}
