package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rijantuby/rijantuby"

// Span names started by the assistant surfaces.
const (
	SpanChatSend     = "chat.send"
	SpanVoiceConnect = "voice.connect"
)

// Span attribute keys.
const (
	SurfaceKey      = attribute.Key("rijantuby.surface")
	VoiceSessionKey = attribute.Key("rijantuby.voice.session_id")
	VoiceNameKey    = attribute.Key("rijantuby.voice.name")
	ModelKey        = attribute.Key("gen_ai.request.model")
	ErrorKindKey    = attribute.Key("error.type")
)

// Tracer returns the tracer registered with the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it, usually through
// [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartChatSpan starts the span covering one chat exchange. An empty model
// is left off the span.
func StartChatSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{SurfaceKey.String("chat")}
	if model != "" {
		attrs = append(attrs, ModelKey.String(model))
	}
	return StartSpan(ctx, SpanChatSend, trace.WithAttributes(attrs...))
}

// StartVoiceSpan starts the client span covering the realtime handshake of
// voice session id speaking with the named prebuilt voice.
func StartVoiceSpan(ctx context.Context, id uint64, voice string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		SurfaceKey.String("voice"),
		VoiceSessionKey.Int64(int64(id)),
	}
	if voice != "" {
		attrs = append(attrs, VoiceNameKey.String(voice))
	}
	return StartSpan(ctx, SpanVoiceConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan ends span. A non-nil err is recorded, tagged with kind and marks
// the span failed.
func EndSpan(span trace.Span, err error, kind string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind != "" {
			span.SetAttributes(ErrorKindKey.String(kind))
		}
	}
	span.End()
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" without
// one. It is the X-Correlation-ID response header and the trace_id log
// attribute.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace returns l with the trace_id and span_id of the span in ctx. l is
// returned unchanged when ctx carries no span.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// Logger is [WithTrace] applied to the default logger.
func Logger(ctx context.Context) *slog.Logger {
	return WithTrace(ctx, slog.Default())
}
