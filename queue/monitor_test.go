package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/smartpoll/queue"
	"pkt.systems/smartpoll/queue/memqueue"
)

type queueFunc func(ctx context.Context, maxCount int, visibility time.Duration) ([]queue.Message, error)

func (f queueFunc) GetMessages(ctx context.Context, maxCount int, visibility time.Duration) ([]queue.Message, error) {
	return f(ctx, maxCount, visibility)
}

func TestNewMonitorRejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := queue.NewMonitor(nil, time.Minute, time.Second); !errors.Is(err, queue.ErrNilQueue) {
		t.Fatalf("expected ErrNilQueue, got %v", err)
	}
	empty := queueFunc(func(context.Context, int, time.Duration) ([]queue.Message, error) {
		return nil, nil
	})
	if _, err := queue.NewMonitor(empty, 0, time.Second); !errors.Is(err, queue.ErrNonPositiveVisibility) {
		t.Fatalf("expected ErrNonPositiveVisibility, got %v", err)
	}
	if _, err := queue.NewMonitor(empty, time.Minute, 0); err == nil {
		t.Fatal("expected driver config error for zero max idle delay")
	}
}

func TestWaitForMessagesDeliversBatch(t *testing.T) {
	t.Parallel()

	mq := memqueue.New()
	go func() {
		time.Sleep(120 * time.Millisecond)
		mq.Enqueue([]byte(`{"hello":"world"}`))
		mq.Enqueue([]byte(`{"hello":"again"}`))
	}()
	batch, err := queue.WaitForMessages(context.Background(), mq, 30*time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForMessages: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected both enqueued messages in one batch, got %d", len(batch))
	}
	for _, msg := range batch {
		if msg.ID == "" || msg.PopReceipt == "" {
			t.Fatalf("message missing identity: %+v", msg)
		}
		if msg.DequeueCount != 1 {
			t.Fatalf("expected first dequeue, got count %d", msg.DequeueCount)
		}
	}
}

func TestMonitorUsesConfiguredVisibilityAndBatchMax(t *testing.T) {
	t.Parallel()

	var (
		gotCount      atomic.Int64
		gotVisibility atomic.Int64
	)
	q := queueFunc(func(_ context.Context, maxCount int, visibility time.Duration) ([]queue.Message, error) {
		gotCount.Store(int64(maxCount))
		gotVisibility.Store(int64(visibility))
		return []queue.Message{{ID: "m-1"}}, nil
	})
	m, err := queue.NewMonitor(q, 42*time.Second, 50*time.Millisecond, queue.WithBatchMax(8))
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	if _, err := m.WaitForMessages(context.Background()); err != nil {
		t.Fatalf("WaitForMessages: %v", err)
	}
	if got := gotCount.Load(); got != 8 {
		t.Fatalf("expected batch max 8, got %d", got)
	}
	if got := time.Duration(gotVisibility.Load()); got != 42*time.Second {
		t.Fatalf("expected 42s visibility, got %v", got)
	}
}

func TestMonitorSerializesDequeues(t *testing.T) {
	t.Parallel()

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		calls    atomic.Int32
	)
	q := queueFunc(func(context.Context, int, time.Duration) ([]queue.Message, error) {
		calls.Add(1)
		now := inFlight.Add(1)
		for {
			seen := maxSeen.Load()
			if now <= seen || maxSeen.CompareAndSwap(seen, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})
	m, err := queue.NewMonitor(q, time.Minute, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Try(context.Background()); err != nil {
				t.Errorf("Try: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 dequeues, got %d", got)
	}
	if got := maxSeen.Load(); got != 1 {
		t.Fatalf("dequeues overlapped: %d in flight", got)
	}
}

func TestMonitorRoutesThroughInvoker(t *testing.T) {
	t.Parallel()

	var invocations atomic.Int32
	invoker := queue.InvokerFunc(func(ctx context.Context, op func(context.Context) ([]queue.Message, error)) ([]queue.Message, error) {
		invocations.Add(1)
		return op(ctx)
	})
	q := queueFunc(func(context.Context, int, time.Duration) ([]queue.Message, error) {
		return []queue.Message{{ID: "proxied"}}, nil
	})
	m, err := queue.NewMonitor(q, time.Minute, 50*time.Millisecond, queue.WithInvoker(invoker))
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	batch, err := m.WaitForMessages(context.Background())
	if err != nil {
		t.Fatalf("WaitForMessages: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "proxied" {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if got := invocations.Load(); got == 0 {
		t.Fatal("invoker was never consulted")
	}
}

func TestInvokerMustNotAlterEmptyContract(t *testing.T) {
	t.Parallel()

	// An invoker that reports an empty batch keeps the monitor polling
	// rather than delivering a phantom payload.
	invoker := queue.InvokerFunc(func(ctx context.Context, op func(context.Context) ([]queue.Message, error)) ([]queue.Message, error) {
		if _, err := op(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	q := queueFunc(func(context.Context, int, time.Duration) ([]queue.Message, error) {
		return []queue.Message{{ID: "hidden"}}, nil
	})
	m, err := queue.NewMonitor(q, time.Minute, 20*time.Millisecond, queue.WithInvoker(invoker))
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	batch, err := m.WaitForMessages(ctx)
	if err != nil {
		t.Fatalf("WaitForMessages: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected cancellation with no batch, got %+v", batch)
	}
	if got := m.PayloadPollCount(); got != 0 {
		t.Fatalf("expected zero payload polls, got %d", got)
	}
	if got := m.EmptyPollCount(); got == 0 {
		t.Fatal("expected empty polls to be counted")
	}
}

func TestRegisterMessageHandlerDeliversUntilStop(t *testing.T) {
	t.Parallel()

	mq := memqueue.New()
	for i := 0; i < 3; i++ {
		mq.Enqueue([]byte{byte('a' + i)})
	}
	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{})
		once sync.Once
	)
	handler := func(ctx context.Context, batch []queue.Message) error {
		mu.Lock()
		for _, msg := range batch {
			seen = append(seen, string(msg.Body))
		}
		complete := len(seen) >= 3
		mu.Unlock()
		for _, msg := range batch {
			if err := mq.DeleteMessage(ctx, msg.ID, msg.PopReceipt); err != nil {
				return err
			}
		}
		if complete {
			once.Do(func() { close(done) })
		}
		return nil
	}
	m, err := queue.RegisterMessageHandler(context.Background(), mq, handler, 30*time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("RegisterMessageHandler: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not observe the enqueued messages in time")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %v", got)
	}
	for i, body := range []string{"a", "b", "c"} {
		if got[i] != body {
			t.Fatalf("message %d out of order: expected %q, got %q", i, body, got[i])
		}
	}
	if got := m.PayloadPollCount(); got == 0 {
		t.Fatal("expected at least one payload poll")
	}
}

func TestMonitorDequeueFailureSurfacesFromStop(t *testing.T) {
	t.Parallel()

	boom := errors.New("queue unreachable")
	q := queueFunc(func(context.Context, int, time.Duration) ([]queue.Message, error) {
		return nil, boom
	})
	m, err := queue.NewMonitor(q, time.Minute, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	if err := m.StartNotificationLoop(context.Background(), func(context.Context, []queue.Message) error {
		return nil
	}); err != nil {
		t.Fatalf("StartNotificationLoop: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := m.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected Stop to surface the dequeue failure, got %v", err)
	}
}
