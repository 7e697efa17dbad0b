package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRunID     contextKey = "run_id"
	keyTraceID   contextKey = "trace_id"
	keyCallStack contextKey = "call_stack"
)

// WithRunID adds the workflow run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts the workflow run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithCallStack replaces the delegation call stack in context. The stack is
// the ordered list of agent ids active in the current top-level invocation;
// callers must treat it as immutable and push frames via PushCaller.
func WithCallStack(ctx context.Context, stack []string) context.Context {
	return context.WithValue(ctx, keyCallStack, stack)
}

// CallStack extracts the delegation call stack from context. The returned
// slice must not be mutated.
func CallStack(ctx context.Context) []string {
	v, _ := ctx.Value(keyCallStack).([]string)
	return v
}

// PushCaller returns a context whose call stack has agentID appended. The
// original stack is copied so sibling delegations never share frames.
func PushCaller(ctx context.Context, agentID string) context.Context {
	prev := CallStack(ctx)
	stack := make([]string, 0, len(prev)+1)
	stack = append(stack, prev...)
	stack = append(stack, agentID)
	return context.WithValue(ctx, keyCallStack, stack)
}
