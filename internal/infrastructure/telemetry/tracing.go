package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer behind every pipeline span.
const TracerName = "cfdisync"

// Span attribute keys shared by the pipeline.
const (
	SpanAttrTenantID        = "tenant_id"
	SpanAttrRequestID       = "download_request_id"
	SpanAttrExternalID      = "external_id"
	SpanAttrPackageID       = "package_id"
	SpanAttrDocumentUUID    = "document_uuid"
	SpanAttrDirection       = "direction"
	SpanAttrAuthorityAction = "authority.action"
	SpanAttrAuthorityCode   = "authority.code"
	SpanAttrConnectionID    = "connection_id"
	SpanAttrRPCModel        = "rpc.model"
	SpanAttrRPCMethod       = "rpc.method"
	SpanAttrJobKind         = "job.kind"
	SpanAttrJobAttempt      = "job.attempt"
)

// StartClientSpan opens a span named "{system}.{operation}" around a call
// leaving the process: the authority, its blacklist feed, Odoo.
//
//	ctx, span := telemetry.StartClientSpan(ctx, "sat", "verify")
//	defer span.End()
func StartClientSpan(ctx context.Context, system, operation string, keyValues ...any) (context.Context, trace.Span) {
	return start(ctx, system+"."+operation, trace.SpanKindClient, keyValues)
}

// StartJobSpan opens the span of one queued job attempt.
func StartJobSpan(ctx context.Context, kind string, attempt int) (context.Context, trace.Span) {
	return start(ctx, "job."+kind, trace.SpanKindConsumer,
		[]any{SpanAttrJobKind, kind, SpanAttrJobAttempt, attempt})
}

func start(ctx context.Context, name string, kind trace.SpanKind, keyValues []any) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind)}
	if attrs := toAttributes(keyValues); len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return otel.GetTracerProvider().Tracer(TracerName).Start(ctx, name, opts...)
}

// SetAttributes adds alternating key, value pairs to span. Pairs whose key
// is not a string are skipped, as is a trailing key without a value.
func SetAttributes(span trace.Span, keyValues ...any) {
	if span == nil {
		return
	}
	span.SetAttributes(toAttributes(keyValues)...)
}

// SetAttribute adds one attribute to span.
func SetAttribute(span trace.Span, key string, value any) {
	if span == nil {
		return
	}
	span.SetAttributes(toAttribute(key, value))
}

// RecordError records err on span and marks it failed. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func toAttributes(keyValues []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyValues)/2)
	for i := 0; i+1 < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, toAttribute(key, keyValues[i+1]))
	}
	return attrs
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
