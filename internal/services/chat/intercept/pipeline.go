// Package intercept runs every chat packet for a session through a fixed list
// of stages before it reaches the wire.
//
// Stage order is part of the contract: history runs first so a transcript
// entry exists for every outbound chat line, and hiding runs second so it can
// cancel delivery without affecting what history already saw.
package intercept

import (
	"context"

	"github.com/louisbranch/chatveil/internal/services/chat/history"
	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"github.com/louisbranch/chatveil/internal/services/chat/session"
	"github.com/louisbranch/chatveil/internal/services/chat/visibility"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/louisbranch/chatveil/internal/services/chat/intercept"

// Oracle answers whether a session's next chat input is expected as game input.
type Oracle interface {
	HasDivergence(id session.ID) bool
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(id session.ID) bool

// HasDivergence calls f.
func (f OracleFunc) HasDivergence(id session.ID) bool {
	return f(id)
}

type noDivergence struct{}

func (noDivergence) HasDivergence(session.ID) bool { return false }

// Stage observes a packet and may cancel it.
type Stage interface {
	Name() string
	Observe(packet *protocol.Packet)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(p *Pipeline) {
		if provider != nil {
			p.tracer = provider.Tracer(instrumentationName)
		}
	}
}

// Pipeline dispatches packets through the stages [history, hiding].
type Pipeline struct {
	stages []Stage
	tracer trace.Tracer
}

// New builds the standard pipeline. A nil oracle never reports divergence.
func New(vis *visibility.Service, log *history.Log, oracle Oracle, opts ...Option) *Pipeline {
	if oracle == nil {
		oracle = noDivergence{}
	}
	p := &Pipeline{
		stages: []Stage{
			HistoryStage{Log: log},
			HidingStage{Visibility: vis, Oracle: oracle},
		},
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name()
	}
	return names
}

// Dispatch runs packet through the stages and reports whether it should be
// delivered. Once a stage cancels, later stages are skipped.
func (p *Pipeline) Dispatch(ctx context.Context, packet *protocol.Packet) bool {
	if packet == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	class := packet.Classify()
	_, span := p.tracer.Start(ctx, "intercept."+packet.Direction.String(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("chat.packet.type", packet.Type),
			attribute.String("chat.packet.kind", packet.Kind),
			attribute.String("chat.packet.class", class.String()),
		),
	)
	defer span.End()

	for _, stage := range p.stages {
		if packet.Cancelled() {
			break
		}
		stage.Observe(packet)
		if packet.Cancelled() {
			span.SetAttributes(attribute.String("chat.intercept.cancelled_by", stage.Name()))
		}
	}

	verdict := "deliver"
	if packet.Cancelled() {
		verdict = "suppress"
	}
	span.SetAttributes(attribute.String("chat.intercept.verdict", verdict))
	return !packet.Cancelled()
}
