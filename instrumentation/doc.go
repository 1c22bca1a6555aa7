// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the token-issuance engine.
//
// It exposes metric instruments covering the token endpoint (requests,
// durations, issuance counts), grant handling (consumption, reuse detection,
// device polling), PKCE failures, storage operations, and backchannel logout
// delivery, plus named tracers for the HTTP and engine layers.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-token-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// Providers default to no-op; hosts that export metrics supply their own
// MeterProvider/TracerProvider via the Config.
package instrumentation
