// Package observe wires structured logging, metrics and tracing for the
// loader engine.
//
// Loggers travel in the context through slog-context; engine components call
// slogctx.FromCtx and fall back to slog.Default when the context carries none.
// Metrics and spans use the global OpenTelemetry providers unless Setup
// installs SDK providers, so library use without Setup costs nothing.
package observe
