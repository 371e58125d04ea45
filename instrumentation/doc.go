// Package instrumentation provides OpenTelemetry instrumentation for the Withings MCP bridge.
//
// Every layer (HTTP handlers, broker flows, storage backends, provider client, session
// transport) records metrics and spans through one Instrumentation value:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "withings-mcp",
//		ServiceVersion: version,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
// By default the meter and tracer providers are no-ops. To export, build an SDK provider with
// the exporter of your choice and pass it through Config.MeterProvider / Config.TracerProvider
// with Enabled set to true.
package instrumentation
