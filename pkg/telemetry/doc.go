// Package telemetry provides logging, tracing and metrics for stackrun.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind one Telemetry value.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("project").WithRunID(runID).WithStack("web")
//	logger.Zerolog().Info().Msg("Plan complete")
//	logger.Zerolog().Error().Err(err).Msg("Deploy failed")
//
// # Tracing
//
// Each run gets a project.run span with one project.phase.<state> child per
// phase. Engine client calls wrapped with RecordEngineOperation get an
// engine.<operation> span. Exporters: "stdout", "otlp" (gRPC) and "none".
//
// # Metrics
//
// Key metrics exposed:
//
//   - stackrun_runs_started_total{action}
//   - stackrun_runs_completed_total{action,state}
//   - stackrun_run_duration_seconds{action}
//   - stackrun_phase_duration_seconds{phase,outcome}
//   - stackrun_engine_calls_total{client,operation}
//   - stackrun_engine_errors_total{client,operation}
//   - stackrun_errors_by_class_total{class}
//   - stackrun_active_runs
//   - stackrun_awaiting_approval
//
// Metrics are served over HTTP only when MetricsConfig.ListenAddress is set.
package telemetry
