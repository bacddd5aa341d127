package ntr

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Zereker/ntr"

// startSpan opens a client span for one facade call.
func (c *Conn) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("net.peer.addr", c.Addr().String()))
	return c.opts.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func pidAttr(pid uint32) attribute.KeyValue {
	return attribute.Int64("ntr.pid", int64(pid))
}

func addrAttr(addr uint32) attribute.KeyValue {
	return attribute.Int64("ntr.address", int64(addr))
}

func sizeAttr(size int) attribute.KeyValue {
	return attribute.Int("ntr.size", size)
}
