// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnknownExporter is returned for an unrecognized trace exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// TracingConfig selects how spans leave the process.
type TracingConfig struct {
	// ServiceName identifies this service in traces.
	ServiceName string
	// Exporter is "otlp", "stdout" or "none". Empty means "otlp" when an
	// endpoint is set and "none" otherwise.
	Exporter string
	// OTLPEndpoint is the collector's gRPC address, e.g. "otel-collector:4317".
	OTLPEndpoint string
}

// InitTracing installs the global tracer provider and propagator.
//
// # Outputs
//
//   - shutdown: flushes and stops the exporter. Always non-nil, safe to
//     call even when tracing is disabled.
//   - error: non-nil if the exporter could not be created.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context), error) {
	noop := func(context.Context) {}

	exporterName := cfg.Exporter
	if exporterName == "" {
		exporterName = "none"
		if cfg.OTLPEndpoint != "" {
			exporterName = "otlp"
		}
	}

	var exporter sdktrace.SpanExporter
	switch exporterName {
	case "none":
		return noop, nil
	case "otlp":
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return noop, fmt.Errorf("dial otlp collector: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return noop, fmt.Errorf("create otlp exporter: %w", err)
		}
	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return noop, fmt.Errorf("create stdout exporter: %w", err)
		}
	default:
		return noop, fmt.Errorf("%w: %s", ErrUnknownExporter, exporterName)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "aleutian-chat"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}
