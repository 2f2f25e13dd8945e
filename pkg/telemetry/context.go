package telemetry

import "context"

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyTenantID
)

// WithRequestID attaches a request id for log enrichment and error envelope traceId.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext returns the request id set by WithRequestID, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(ctxKeyRequestID).(string)
	return s, ok && s != ""
}

// WithTenantID attaches a tenant id for log enrichment.
func WithTenantID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKeyTenantID, id)
}

// TenantIDFromContext returns the tenant id set by WithTenantID, if any.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(ctxKeyTenantID).(string)
	return s, ok && s != ""
}
