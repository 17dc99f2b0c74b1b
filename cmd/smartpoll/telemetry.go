package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"pkt.systems/pslog"
)

// startMetrics exposes the driver's otel counters through a Prometheus
// scrape endpoint. The returned function shuts the listener and meter
// provider down.
func startMetrics(listen string, logger pslog.Logger) (func(context.Context) error, error) {
	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, fmt.Errorf("smartpoll: prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("smartpoll: metrics listen %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.metrics_server_failed", "error", err)
		}
	}()
	logger.Info("telemetry.metrics_listening", "addr", ln.Addr().String())

	return func(ctx context.Context) error {
		var errs []error
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}, nil
}
