// Package obsadapter bridges pkg/telemetry's concrete Logger/Recorder types
// onto the small, independently-shaped Logger/Metrics interfaces each
// ingestion package declares for itself (internal/inbound, internal/poll,
// internal/dedupe, internal/mediaretry, internal/realtime, internal/dlq).
// Each package was grounded on a different teacher file and so settled on a
// slightly different logging/metrics shape; rather than bend them all onto
// one interface, cmd/server wires one thin adapter per shape here, the same
// way the teacher's control-plane coordinator wires its own logger shims
// around a shared zerolog instance per dependency.
package obsadapter

import (
	"context"
	"fmt"

	"github.com/leadengine/wa-ingest/pkg/telemetry"
)

// FieldLogger adapts *telemetry.Logger to the Warn(msg, fields) shape used by
// internal/inbound.Logger, internal/mediaretry.Logger, and
// internal/realtime.Logger. It logs against context.Background() since none
// of those interfaces thread a context through.
type FieldLogger struct {
	log *telemetry.Logger
}

// NewFieldLogger wraps log. A nil log yields a safe no-op adapter.
func NewFieldLogger(log *telemetry.Logger) FieldLogger {
	if log == nil {
		log = telemetry.Nop
	}
	return FieldLogger{log: log}
}

func (l FieldLogger) Warn(msg string, fields map[string]any) {
	l.log.Warn(context.Background(), msg, fields)
}

// CtxLogger adapts *telemetry.Logger to internal/dedupe.Logger's
// Warn(ctx, msg, fields ...any) shape, pairing off the variadic fields two at
// a time (key, value, key, value, ...) into the map telemetry.Logger wants.
// An odd trailing field is kept under "extra" rather than dropped silently.
type CtxLogger struct {
	log *telemetry.Logger
}

// NewCtxLogger wraps log. A nil log yields a safe no-op adapter.
func NewCtxLogger(log *telemetry.Logger) CtxLogger {
	if log == nil {
		log = telemetry.Nop
	}
	return CtxLogger{log: log}
}

func (l CtxLogger) Warn(ctx context.Context, msg string, fields ...any) {
	l.log.Warn(ctx, msg, pairsToMap(fields))
}

func pairsToMap(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields)/2+1)
	i := 0
	for ; i+1 < len(fields); i += 2 {
		k, ok := fields[i].(string)
		if !ok {
			continue
		}
		out[k] = fields[i+1]
	}
	if i < len(fields) {
		out["extra"] = fields[i]
	}
	return out
}

// PrintfLogger adapts *telemetry.Logger to internal/poll.Logger's
// Printf(format, args...) shape, the stdlib-log-compatible surface that
// package settled on since it has no structured-fields caller today.
type PrintfLogger struct {
	log *telemetry.Logger
}

// NewPrintfLogger wraps log. A nil log yields a safe no-op adapter.
func NewPrintfLogger(log *telemetry.Logger) PrintfLogger {
	if log == nil {
		log = telemetry.Nop
	}
	return PrintfLogger{log: log}
}

func (l PrintfLogger) Printf(format string, args ...any) {
	l.log.Info(context.Background(), fmt.Sprintf(format, args...), nil)
}
