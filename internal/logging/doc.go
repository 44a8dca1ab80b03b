// Package logging provides structured logging for ledgerd.
//
// Logger wraps zap with context-aware methods. Every entry logged through a
// context carries the correlation fields found on it:
//
//	trace_id, span_id   OpenTelemetry span, when one is active
//	run.id              one orchestrator invocation (RunOnce, Resume)
//	project.id          project the task belongs to
//	task.id             task being driven through the pipeline
//	checkpoint.id       checkpoint currently open
//
// Attach them with WithRunID, WithProjectID, WithTaskID and WithCheckpointID:
//
//	ctx = logging.WithTaskID(ctx, task.ID)
//	logger.Info(ctx, "phase started", zap.String("phase", "drafting"))
//
// Library packages accept a plain *zap.Logger. The binary builds a Logger
// and passes Underlying() down.
//
// Outputs are stdout (json or console) and, optionally, an OpenTelemetry log
// provider through otelzap. Field names such as password, token, api_key and
// dsn are redacted at the encoder, as are values matching the configured
// patterns. Sampling is level-aware; Error and above are never sampled.
//
// Tests use NewTestLogger, which records entries in memory:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "claimed")
//	tl.AssertLogged(t, zapcore.InfoLevel, "claimed")
package logging
