package smartpoll

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/smartpoll/internal/clock"
)

// PollFunc probes the underlying source once. It returns the payload and true
// when one is available, and the zero value and false when the source is
// empty; empty is a normal return, never an error. A non-nil error signals a
// genuine source failure and terminates the poll loop.
type PollFunc[T any] func(ctx context.Context) (T, bool, error)

// Handler consumes payloads delivered by the notification loop. It runs on
// the poll goroutine, so the next poll is blocked until it returns; handlers
// that must not block polling should hand off to their own workers. A non-nil
// error terminates the loop and is re-surfaced by Stop.
type Handler[T any] func(ctx context.Context, payload T) error

type mode int

const (
	modeIdle mode = iota
	modeBlockingWait
	modeLoopRunning
	modeStopped
)

func (m mode) String() string {
	switch m {
	case modeIdle:
		return "idle"
	case modeBlockingWait:
		return "blocking-wait"
	case modeLoopRunning:
		return "loop-running"
	case modeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Driver drives one logical stream of payloads from a poll function. At most
// one poll is in flight per driver at any time; the instance is single-use.
type Driver[T any] struct {
	poll         PollFunc[T]
	maxIdleDelay time.Duration
	baseDelay    time.Duration
	multiplier   float64
	logger       pslog.Logger
	clk          clock.Clock
	name         string
	signals      []os.Signal

	emptyTotal   atomic.Uint64
	payloadTotal atomic.Uint64

	cancel     chan struct{}
	cancelOnce sync.Once
	sigCh      chan os.Signal

	mu      sync.Mutex
	mode    mode
	failure error
	exited  chan struct{}
}

// New constructs an idle driver around poll. maxIdleDelay caps the sleep
// between consecutive empty polls and must be positive.
func New[T any](poll PollFunc[T], maxIdleDelay time.Duration, opts ...Option[T]) (*Driver[T], error) {
	if poll == nil {
		return nil, ErrNilPollFunc
	}
	if maxIdleDelay <= 0 {
		return nil, ErrNonPositiveMaxIdleDelay
	}
	d := &Driver[T]{
		poll:         poll,
		maxIdleDelay: maxIdleDelay,
		baseDelay:    DefaultBaseDelay,
		multiplier:   DefaultMultiplier,
		clk:          clock.Real{},
		cancel:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = pslog.NoopLogger()
	}
	d.logger = d.logger.With("svc", "smartpoll")
	if d.name != "" {
		d.logger = d.logger.With("driver", d.name)
		registerDriverMetrics(d.logger, d.name, &d.emptyTotal, &d.payloadTotal)
	}
	if len(d.signals) > 0 {
		d.sigCh = make(chan os.Signal, 1)
		signal.Notify(d.sigCh, d.signals...)
		go func() {
			select {
			case sig := <-d.sigCh:
				d.logger.Debug("driver.cancel.signal", "signal", sig.String())
				d.signalCancel()
			case <-d.cancel:
			}
		}()
	}
	return d, nil
}

// WaitForPayload blocks on the caller's goroutine until the poll function
// produces a payload, the context is cancelled, or Stop is called. It returns
// (payload, true, nil) on delivery, (zero, false, nil) on cancellation, and a
// non-nil error if the poll function fails. The driver is stopped when it
// returns; a second use fails.
func (d *Driver[T]) WaitForPayload(ctx context.Context) (T, bool, error) {
	var zero T
	if err := d.transition(modeBlockingWait); err != nil {
		return zero, false, err
	}
	d.bindContext(ctx)
	payload, ok, err := d.run(ctx, nil)
	d.finish(err)
	d.signalCancel()
	return payload, ok, err
}

// StartNotificationLoop starts a background worker that invokes handler for
// every payload, in arrival order, until Stop is called or the context is
// cancelled. It returns immediately; a second start on the same driver fails.
func (d *Driver[T]) StartNotificationLoop(ctx context.Context, handler Handler[T]) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := d.transition(modeLoopRunning); err != nil {
		return err
	}
	d.bindContext(ctx)
	exited := make(chan struct{})
	d.mu.Lock()
	d.exited = exited
	d.mu.Unlock()
	d.logger.Debug("driver.loop.start")
	go func() {
		defer close(exited)
		_, _, err := d.run(ctx, handler)
		d.finish(err)
		if err != nil {
			d.logger.Warn("driver.loop.failure", "error", err)
		} else {
			d.logger.Debug("driver.loop.exit")
		}
	}()
	return nil
}

// Stop signals cancellation, waits for the notification worker (if any) to
// exit, and returns any poll or handler failure captured by the loop. It is
// idempotent; stopping an idle driver is a no-op beyond making later starts
// fail.
func (d *Driver[T]) Stop() error {
	d.signalCancel()
	d.mu.Lock()
	exited := d.exited
	d.mu.Unlock()
	if exited != nil {
		<-exited
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = modeStopped
	return d.failure
}

// EmptyPollCount reports how many polls returned no payload over the driver's
// lifetime. Advisory: not transactionally consistent with delivery.
func (d *Driver[T]) EmptyPollCount() uint64 {
	return d.emptyTotal.Load()
}

// PayloadPollCount reports how many polls produced a payload.
func (d *Driver[T]) PayloadPollCount() uint64 {
	return d.payloadTotal.Load()
}

func (d *Driver[T]) transition(to mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.mode {
	case modeIdle:
		d.mode = to
		return nil
	case modeStopped:
		return ErrStopped
	default:
		return fmt.Errorf("%w (%s)", ErrAlreadyStarted, d.mode)
	}
}

func (d *Driver[T]) finish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = modeStopped
	if d.failure == nil {
		d.failure = err
	}
}

// bindContext folds context cancellation into the driver's own cancel signal
// so the loop and the cancelable sleep only ever watch one channel.
func (d *Driver[T]) bindContext(ctx context.Context) {
	done := ctx.Done()
	if done == nil {
		return
	}
	go func() {
		select {
		case <-done:
			d.signalCancel()
		case <-d.cancel:
		}
	}()
}

func (d *Driver[T]) signalCancel() {
	d.cancelOnce.Do(func() {
		close(d.cancel)
		if d.sigCh != nil {
			signal.Stop(d.sigCh)
		}
	})
}

func (d *Driver[T]) run(ctx context.Context, handler Handler[T]) (T, bool, error) {
	var zero T
	backoff := NewBackoff(d.baseDelay, d.multiplier, d.maxIdleDelay)
	for {
		select {
		case <-d.cancel:
			d.logger.Debug("driver.canceled",
				"empty_polls", d.emptyTotal.Load(),
				"payload_polls", d.payloadTotal.Load(),
			)
			return zero, false, nil
		default:
		}
		payload, ok, err := d.pollOnce(ctx)
		if err != nil {
			return zero, false, err
		}
		if ok {
			d.payloadTotal.Add(1)
			backoff.Reset()
			if handler == nil {
				d.logger.Debug("driver.deliver", "payload_polls", d.payloadTotal.Load())
				return payload, true, nil
			}
			if err := d.dispatch(ctx, handler, payload); err != nil {
				return zero, false, err
			}
			continue
		}
		d.emptyTotal.Add(1)
		delay := backoff.Next()
		d.logger.Trace("driver.poll.empty", "consecutive", backoff.Empties(), "delay", delay)
		if clock.Wait(d.clk, delay, d.cancel) == clock.WakeCanceled {
			d.logger.Debug("driver.canceled", "during", "sleep")
			return zero, false, nil
		}
	}
}

func (d *Driver[T]) pollOnce(ctx context.Context) (payload T, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = panicError("poll function", r)
		}
	}()
	payload, ok, err = d.poll(ctx)
	if err != nil {
		err = fmt.Errorf("smartpoll: poll: %w", err)
	}
	return payload, ok, err
}

func (d *Driver[T]) dispatch(ctx context.Context, handler Handler[T], payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("notification handler", r)
		}
	}()
	d.logger.Debug("driver.deliver", "payload_polls", d.payloadTotal.Load())
	if err := handler(ctx, payload); err != nil {
		return fmt.Errorf("smartpoll: notification handler: %w", err)
	}
	return nil
}
