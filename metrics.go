package smartpoll

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// registerDriverMetrics exposes a named driver's lifetime counters through
// the global meter provider. Failures are logged, never fatal.
func registerDriverMetrics(logger pslog.Logger, name string, empties, payloads *atomic.Uint64) {
	meter := otel.Meter("pkt.systems/smartpoll")

	emptyPolls, err := meter.Int64ObservableCounter(
		"smartpoll.polls.empty",
		metric.WithDescription("Poll attempts that returned no payload"),
	)
	logMetricInitError(logger, "smartpoll.polls.empty", err)

	payloadPolls, err := meter.Int64ObservableCounter(
		"smartpoll.polls.payload",
		metric.WithDescription("Poll attempts that produced a payload"),
	)
	logMetricInitError(logger, "smartpoll.polls.payload", err)

	attrs := metric.WithAttributes(attribute.String("driver", name))
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(emptyPolls, int64(empties.Load()), attrs)
		o.ObserveInt64(payloadPolls, int64(payloads.Load()), attrs)
		return nil
	}, emptyPolls, payloadPolls); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "smartpoll.driver", "error", err)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
