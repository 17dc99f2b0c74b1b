package smartpoll

import (
	"os"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/smartpoll/internal/clock"
)

// Option customises Driver behaviour.
type Option[T any] func(*Driver[T])

// WithLogger assigns a base logger used for driver diagnostics.
func WithLogger[T any](logger pslog.Logger) Option[T] {
	return func(d *Driver[T]) {
		d.logger = logger
	}
}

// WithClock swaps the time source, primarily for tests.
func WithClock[T any](clk clock.Clock) Option[T] {
	return func(d *Driver[T]) {
		if clk != nil {
			d.clk = clk
		}
	}
}

// WithBaseDelay sets the sleep that follows the first empty poll
// (default 50ms).
func WithBaseDelay[T any](delay time.Duration) Option[T] {
	return func(d *Driver[T]) {
		if delay > 0 {
			d.baseDelay = delay
		}
	}
}

// WithMultiplier sets the geometric growth factor between empty-poll sleeps
// (default 2.0). Values at or below 1 are ignored.
func WithMultiplier[T any](multiplier float64) Option[T] {
	return func(d *Driver[T]) {
		if multiplier > 1 {
			d.multiplier = multiplier
		}
	}
}

// WithName labels the driver in logs and registers lifetime poll counters
// with the global meter provider under that name.
func WithName[T any](name string) Option[T] {
	return func(d *Driver[T]) {
		d.name = name
	}
}

// WithSignalCancel cancels the driver when any of the supplied process
// signals arrives, so loops exit cleanly on shutdown. The registration is
// per driver and released once the driver is cancelled.
func WithSignalCancel[T any](signals ...os.Signal) Option[T] {
	return func(d *Driver[T]) {
		d.signals = append(d.signals, signals...)
	}
}
