// Package telemetry bootstraps OpenTelemetry instrumentation for corpusd.
//
// # Overview
//
// This package wires distributed tracing and metrics export using the
// OpenTelemetry Go SDK. Spans and metrics are shipped to an OTLP
// collector over gRPC or HTTP/protobuf.
//
// # Usage
//
// Initialize from service configuration:
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Components obtain tracers and meters by instrumentation scope:
//
//	tracer := tel.Tracer("corpusd.ingest")
//	ctx, span := tracer.Start(ctx, "ingest.Run")
//	defer span.End()
//
// # Error Handling
//
// Telemetry failures never crash the service. When an exporter cannot
// be constructed the instance degrades to no-op providers and Health()
// reports the cause.
//
// # Testing
//
// NewTestTelemetry records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "index-space")
//	span.End()
//	tt.AssertSpanExists(t, "index-space")
package telemetry
