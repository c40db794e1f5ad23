package provider

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conclave-ai/conclave/internal/observability"
	pkgobs "github.com/conclave-ai/conclave/pkg/observability"
)

// InstrumentedInvoker wraps an Invoker with tracing, Prometheus metrics, and
// token accounting. Streaming invocations are recorded when the terminal
// chunk arrives.
type InstrumentedInvoker struct {
	inner Invoker
}

// NewInstrumentedInvoker wraps an invoker with observability.
func NewInstrumentedInvoker(inner Invoker) *InstrumentedInvoker {
	return &InstrumentedInvoker{inner: inner}
}

// Name returns the wrapped provider's name.
func (p *InstrumentedInvoker) Name() string { return p.inner.Name() }

// Invoke performs a blocking completion with instrumentation.
func (p *InstrumentedInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.invoke", p.inner.Name()),
		trace.WithAttributes(
			attribute.String("llm.provider", p.inner.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages_count", len(req.Messages)),
			attribute.Int("llm.tools_count", len(req.Tools)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := p.inner.Invoke(ctx, req)
	duration := time.Since(start)

	span.SetAttributes(
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	if err != nil {
		span.RecordError(err)
		pkgobs.RecordModelCall(p.inner.Name(), duration, 0, 0, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", result.InputTokens),
		attribute.Int("llm.usage.output_tokens", result.OutputTokens),
	)
	pkgobs.RecordModelCall(p.inner.Name(), duration, result.InputTokens, result.OutputTokens, nil)
	return result, nil
}

// InvokeStream performs a streaming completion with instrumentation.
func (p *InstrumentedInvoker) InvokeStream(ctx context.Context, req Request) (Stream, error) {
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.stream", p.inner.Name()),
		trace.WithAttributes(
			attribute.String("llm.provider", p.inner.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages_count", len(req.Messages)),
		),
	)

	start := time.Now()
	inner, err := p.inner.InvokeStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.End()
		pkgobs.RecordModelCall(p.inner.Name(), time.Since(start), 0, 0, err)
		return nil, err
	}

	return &instrumentedStream{
		inner:    inner,
		provider: p.inner.Name(),
		span:     span,
		start:    start,
	}, nil
}

// instrumentedStream finishes the span and records metrics once the stream
// reaches its terminal chunk or fails.
type instrumentedStream struct {
	inner    Stream
	provider string
	span     trace.Span
	start    time.Time
	recorded bool
}

func (s *instrumentedStream) Recv() (*Chunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		s.finish(0, 0, err)
		return nil, err
	}
	if chunk.Result != nil {
		s.finish(chunk.Result.InputTokens, chunk.Result.OutputTokens, nil)
	}
	return chunk, nil
}

func (s *instrumentedStream) Close() error {
	s.finish(0, 0, nil)
	return s.inner.Close()
}

func (s *instrumentedStream) finish(inputTokens, outputTokens int, err error) {
	if s.recorded {
		return
	}
	s.recorded = true

	duration := time.Since(s.start)
	s.span.SetAttributes(
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	if err != nil {
		s.span.RecordError(err)
	} else {
		s.span.SetAttributes(
			attribute.Int("llm.usage.input_tokens", inputTokens),
			attribute.Int("llm.usage.output_tokens", outputTokens),
		)
	}
	s.span.End()
	pkgobs.RecordModelCall(s.provider, duration, inputTokens, outputTokens, err)
}
