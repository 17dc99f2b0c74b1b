package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/smartpoll"
)

var (
	// ErrNilQueue is returned by NewMonitor when no queue handle is supplied.
	ErrNilQueue = errors.New("smartpoll/queue: queue handle is required")
	// ErrNonPositiveVisibility rejects zero or negative visibility windows.
	// Upper bounds (Azure's 7 days, SQS's 12 hours) are enforced by the
	// queue service itself.
	ErrNonPositiveVisibility = errors.New("smartpoll/queue: visibility timeout must be positive")
)

// MonitorOption customises Monitor behaviour.
type MonitorOption func(*Monitor)

// WithInvoker routes every dequeue through the supplied proxy boundary
// instead of calling the queue directly.
func WithInvoker(invoker Invoker) MonitorOption {
	return func(m *Monitor) {
		m.invoker = invoker
	}
}

// WithLogger assigns a base logger used for monitor and driver diagnostics.
func WithLogger(logger pslog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithBatchMax lowers how many messages one dequeue requests (default
// BatchMax). Values outside 1..BatchMax are clamped.
func WithBatchMax(n int) MonitorOption {
	return func(m *Monitor) {
		switch {
		case n < 1:
			m.batchMax = 1
		case n > BatchMax:
			m.batchMax = BatchMax
		default:
			m.batchMax = n
		}
	}
}

// WithDriverOptions forwards options to the embedded poll driver.
func WithDriverOptions(opts ...smartpoll.Option[[]Message]) MonitorOption {
	return func(m *Monitor) {
		m.driverOpts = append(m.driverOpts, opts...)
	}
}

// Monitor adapts a message queue to the poll driver. It contains a driver
// rather than extending one; the same single-use lifecycle applies.
type Monitor struct {
	queue      Queue
	invoker    Invoker
	visibility time.Duration
	batchMax   int
	logger     pslog.Logger
	driverOpts []smartpoll.Option[[]Message]
	driver     *smartpoll.Driver[[]Message]

	// dequeueMu keeps one GetMessages in flight per monitor, regardless of
	// how many goroutines share it. It guards only the act of dequeuing, not
	// the returned batch.
	dequeueMu sync.Mutex
}

// NewMonitor constructs an idle monitor over q. Dequeued messages stay
// hidden from other consumers for the visibility window; maxIdleDelay caps
// the sleep between consecutive empty dequeues.
func NewMonitor(q Queue, visibility, maxIdleDelay time.Duration, opts ...MonitorOption) (*Monitor, error) {
	if q == nil {
		return nil, ErrNilQueue
	}
	if visibility <= 0 {
		return nil, ErrNonPositiveVisibility
	}
	m := &Monitor{
		queue:      q,
		visibility: visibility,
		batchMax:   BatchMax,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = pslog.NoopLogger()
	}
	m.logger = m.logger.With("svc", "queue_monitor")
	driverOpts := append([]smartpoll.Option[[]Message]{smartpoll.WithLogger[[]Message](m.logger)}, m.driverOpts...)
	driver, err := smartpoll.New(m.poll, maxIdleDelay, driverOpts...)
	if err != nil {
		return nil, err
	}
	m.driver = driver
	return m, nil
}

// WaitForMessages blocks until the queue yields a batch or the monitor is
// cancelled. A nil batch with a nil error means the wait was cancelled
// before any message arrived. Single-use, like the embedded driver.
func (m *Monitor) WaitForMessages(ctx context.Context) ([]Message, error) {
	batch, ok, err := m.driver.WaitForPayload(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return batch, nil
}

// StartNotificationLoop starts the background worker, invoking handler for
// every dequeued batch in arrival order until Stop.
func (m *Monitor) StartNotificationLoop(ctx context.Context, handler func(context.Context, []Message) error) error {
	return m.driver.StartNotificationLoop(ctx, handler)
}

// Stop cancels the monitor, joins the worker if one is running, and returns
// any captured dequeue or handler failure. Idempotent.
func (m *Monitor) Stop() error {
	return m.driver.Stop()
}

// Try performs one non-blocking dequeue through the same serialized path the
// poll loop uses. It returns a nil batch when nothing is ready.
func (m *Monitor) Try(ctx context.Context) ([]Message, error) {
	batch, _, err := m.poll(ctx)
	return batch, err
}

// EmptyPollCount reports how many dequeues returned no messages.
func (m *Monitor) EmptyPollCount() uint64 {
	return m.driver.EmptyPollCount()
}

// PayloadPollCount reports how many dequeues returned a batch.
func (m *Monitor) PayloadPollCount() uint64 {
	return m.driver.PayloadPollCount()
}

func (m *Monitor) poll(ctx context.Context) ([]Message, bool, error) {
	m.dequeueMu.Lock()
	defer m.dequeueMu.Unlock()
	var (
		batch []Message
		err   error
	)
	if m.invoker != nil {
		batch, err = m.invoker.Invoke(ctx, m.dequeue)
	} else {
		batch, err = m.dequeue(ctx)
	}
	if err != nil {
		return nil, false, err
	}
	if len(batch) == 0 {
		return nil, false, nil
	}
	m.logger.Debug("queue.monitor.batch", "messages", len(batch))
	return batch, true, nil
}

func (m *Monitor) dequeue(ctx context.Context) ([]Message, error) {
	return m.queue.GetMessages(ctx, m.batchMax, m.visibility)
}

// WaitForMessages constructs a monitor over q, blocks for the first batch,
// and stops the monitor before returning.
func WaitForMessages(ctx context.Context, q Queue, visibility, maxIdleDelay time.Duration, opts ...MonitorOption) ([]Message, error) {
	m, err := NewMonitor(q, visibility, maxIdleDelay, opts...)
	if err != nil {
		return nil, err
	}
	batch, err := m.WaitForMessages(ctx)
	if stopErr := m.Stop(); err == nil && stopErr != nil {
		err = stopErr
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// RegisterMessageHandler constructs a monitor over q, starts its
// notification loop with handler, and returns the monitor handle for a later
// Stop.
func RegisterMessageHandler(ctx context.Context, q Queue, handler func(context.Context, []Message) error, visibility, maxIdleDelay time.Duration, opts ...MonitorOption) (*Monitor, error) {
	m, err := NewMonitor(q, visibility, maxIdleDelay, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.StartNotificationLoop(ctx, handler); err != nil {
		return nil, err
	}
	return m, nil
}
