package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter removes credentials from span attributes, event
// attributes and status descriptions before spans leave the process.
// Storage errors routinely echo the DSN they failed to dial.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = scrubSpan(span)
	}
	return e.wrapped.ExportSpans(ctx, out)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns s itself when nothing needs redacting.
func scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	attrs, dirty := scrubAttributes(s.Attributes())

	events := s.Events()
	eventAttrs := make([][]attribute.KeyValue, len(events))
	for i, event := range events {
		scrubbed, changed := scrubAttributes(event.Attributes)
		eventAttrs[i] = scrubbed
		dirty = dirty || changed
	}

	description := s.Status().Description
	if ContainsCredential(description) {
		description = ScrubCredentials(description)
		dirty = true
	}

	if !dirty {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = attrs
	for i := range stub.Events {
		stub.Events[i].Attributes = eventAttrs[i]
	}
	stub.Status.Description = description
	return stub.Snapshot()
}

// scrubAttributes reports whether any string value was rewritten. The input
// slice is returned as is when nothing changed.
func scrubAttributes(attrs []attribute.KeyValue) ([]attribute.KeyValue, bool) {
	var out []attribute.KeyValue
	for i, kv := range attrs {
		if kv.Value.Type() != attribute.STRING || !ContainsCredential(kv.Value.AsString()) {
			if out != nil {
				out = append(out, kv)
			}
			continue
		}
		if out == nil {
			out = make([]attribute.KeyValue, i, len(attrs))
			copy(out, attrs[:i])
		}
		out = append(out, attribute.String(string(kv.Key), ScrubCredentials(kv.Value.AsString())))
	}
	if out == nil {
		return attrs, false
	}
	return out, true
}
