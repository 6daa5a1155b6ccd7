package pipeline

import (
	"context"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// TraceSink receives finished interpretation traces for external audit
// storage. Sink failures never fail the pipeline.
type TraceSink interface {
	WriteTrace(ctx context.Context, trace domain.InterpretationTrace) error
}

// TraceSinkFunc adapts a function to TraceSink.
type TraceSinkFunc func(ctx context.Context, trace domain.InterpretationTrace) error

// WriteTrace implements TraceSink.
func (f TraceSinkFunc) WriteTrace(ctx context.Context, trace domain.InterpretationTrace) error {
	return f(ctx, trace)
}
