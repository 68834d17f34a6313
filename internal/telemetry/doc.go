// Package telemetry provides OpenTelemetry instrumentation for agenthub.
//
// The session manager records a span per submitted command
// (orchestrator.PublishCommand) and per adapter run (orchestrator.dispatch,
// linked to the submitting span). The HTTP API records request metrics
// through the meter provider. Both are exported over OTLP when enabled.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, cfg, telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	mgr := orchestrator.NewManager(orchestrator.Options{
//	    Tracer: tel.Tracer("github.com/fyrsmithlabs/agenthub/internal/orchestrator"),
//	})
//
// # Configuration
//
//	observability:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  service_name: "agenthub"
//	  sampling:
//	    rate: 1.0
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Testing
//
// TestTelemetry records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
