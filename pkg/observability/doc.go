// Package observability provides OpenTelemetry tracing and metrics for the
// workflow engine, with an optional Prometheus pull bridge.
//
// Initialize once at startup:
//
//	provider, err := observability.New(ctx, cfg)
//	defer provider.Shutdown(ctx)
//
// Track an operation with RED (Rate, Errors, Duration) bookkeeping:
//
//	ctx, finish := provider.TrackOperation(ctx, "workflow.advance",
//		observability.TransitionOperation(cycleID, reportID, from, to, override)...)
//	state, err := coordinator.Advance(ctx, req)
//	finish(err)
//
// When the Prometheus bridge is enabled, expose the registry:
//
//	http.Handle("/metrics", promhttp.HandlerFor(provider.PrometheusRegistry(), promhttp.HandlerOpts{}))
package observability
