package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	serviceName    = "streamchat"
	serviceVersion = "1.0.0"
)

func rotatingFile(logDir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(logDir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger initializes structured logging with rotation. The returned closer
// releases the log file.
func InitLogger(logDir string, debug bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile := rotatingFile(logDir, "streamchat.log")

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	// Log only to file, the terminal belongs to the REPL
	handler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)

	return logger, logFile, nil
}

const (
	metricInterval  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// stopFunc flushes one provider and releases the file it exports to
type stopFunc func(context.Context) error

func closeAfter(shutdown stopFunc, file io.Closer) stopFunc {
	return func(ctx context.Context) error {
		return errors.Join(shutdown(ctx), file.Close())
	}
}

// newTracerProvider batches spans into <logDir>/streamchat_traces.log
func newTracerProvider(logDir string, res *resource.Resource) (*sdktrace.TracerProvider, stopFunc, error) {
	file := rotatingFile(logDir, "streamchat_traces.log")
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(file), stdouttrace.WithPrettyPrint())
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	return tp, closeAfter(tp.Shutdown, file), nil
}

// newMeterProvider exports metrics to <logDir>/streamchat_metrics.log every
// metricInterval and once more on shutdown
func newMeterProvider(logDir string, res *resource.Resource) (*sdkmetric.MeterProvider, stopFunc, error) {
	file := rotatingFile(logDir, "streamchat_metrics.log")
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(file), stdoutmetric.WithPrettyPrint())
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricInterval))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	return mp, closeAfter(mp.Shutdown, file), nil
}

// InitTelemetry installs global tracer and meter providers that export to
// rotating files under logDir. The returned cleanup flushes and closes both.
func InitTelemetry(ctx context.Context, logDir string) (trace.Tracer, metric.Meter, func(), error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, stopTraces, err := newTracerProvider(logDir, res)
	if err != nil {
		return nil, nil, nil, err
	}
	mp, stopMetrics, err := newMeterProvider(logDir, res)
	if err != nil {
		stopTraces(ctx)
		return nil, nil, nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := errors.Join(stopTraces(ctx), stopMetrics(ctx)); err != nil {
			slog.Error("failed to shut down telemetry", "error", err)
		}
	}
	return tp.Tracer(serviceName), mp.Meter(serviceName), cleanup, nil
}
