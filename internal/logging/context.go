package logging

import (
	"context"

	"go.uber.org/zap"
)

type taskCtxKey struct{}
type phaseCtxKey struct{}
type capabilityCtxKey struct{}

type phaseRef struct {
	index int
	name  string
}

// WithTaskID attaches a task id to ctx.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// WithPhase attaches the running phase to ctx.
func WithPhase(ctx context.Context, index int, name string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phaseRef{index: index, name: name})
}

// WithCapability attaches the capability being invoked to ctx.
func WithCapability(ctx context.Context, capability string) context.Context {
	return context.WithValue(ctx, capabilityCtxKey{}, capability)
}

// TaskIDFromContext returns the task id stored in ctx, if any.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task_id", id))
	}
	if p, ok := ctx.Value(phaseCtxKey{}).(phaseRef); ok {
		fields = append(fields, zap.Int("phase", p.index), zap.String("phase_name", p.name))
	}
	if c, ok := ctx.Value(capabilityCtxKey{}).(string); ok {
		fields = append(fields, zap.String("capability", c))
	}
	return fields
}
