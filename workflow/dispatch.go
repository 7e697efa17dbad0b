package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/executor"
	"github.com/conductor-ai/conductor/permission"
	"github.com/conductor-ai/conductor/types"
)

// Message types of the delegation protocol. The shape is logical, not
// wire-specific: any transport may carry it.
const (
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
)

// Request asks the orchestrator to invoke one agent on behalf of another.
type Request struct {
	Type     string        `json:"type"`
	CallID   string        `json:"call_id"`
	CallerID string        `json:"caller_id"`
	TargetID string        `json:"target_id"`
	Context  types.Context `json:"context"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// NewRequest builds a delegation request with a fresh call id.
func NewRequest(callerID, targetID string, ec types.Context, timeout time.Duration) Request {
	return Request{
		Type:     MessageTypeRequest,
		CallID:   uuid.NewString(),
		CallerID: callerID,
		TargetID: targetID,
		Context:  ec,
		Timeout:  timeout,
	}
}

// Response carries the outcome of a delegation request back to the caller.
type Response struct {
	Type        string             `json:"type"`
	CallID      string             `json:"call_id"`
	Success     bool               `json:"success"`
	Result      *types.AgentResult `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
}

// Dispatcher routes delegation requests between agents. Every request is
// checked against the permission graph before the target executes, and the
// call stack carried on the context grows by one frame for the duration of
// the call, so nested delegations see their full ancestry.
type Dispatcher struct {
	graph    *permission.Graph
	provider executor.Provider
	invoker  *executor.Invoker
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over the given permission graph and
// executor backends.
func NewDispatcher(graph *permission.Graph, provider executor.Provider, invoker *executor.Invoker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if invoker == nil {
		invoker = executor.NewInvoker(executor.DefaultRetryPolicy(), nil, logger)
	}
	return &Dispatcher{
		graph:    graph,
		provider: provider,
		invoker:  invoker,
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch authorizes and executes one delegation request. Authorization
// failures are fatal and never retried; transient target failures follow the
// invoker's retry policy.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{
		Type:        MessageTypeResponse,
		CallID:      req.CallID,
		MaxAttempts: d.invoker.Policy().MaxAttempts,
	}

	if err := req.Validate(); err != nil {
		resp.Error = err.Error()
		return resp
	}

	// The caller becomes the root frame on a fresh stack.
	stack := types.CallStack(ctx)
	if len(stack) == 0 || stack[len(stack)-1] != req.CallerID {
		ctx = types.PushCaller(ctx, req.CallerID)
		stack = types.CallStack(ctx)
	}

	if err := d.graph.Authorize(req.CallerID, req.TargetID, stack); err != nil {
		d.logger.Warn("delegation rejected",
			zap.String("call_id", req.CallID),
			zap.String("caller", req.CallerID),
			zap.String("target", req.TargetID),
			zap.Error(err),
		)
		resp.Error = err.Error()
		return resp
	}

	exec, err := d.provider.ExecutorFor(req.TargetID)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	// The target joins the stack for the duration of its execution, so any
	// delegation it makes sees itself as an active frame.
	ctx = types.PushCaller(ctx, req.TargetID)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	attempts := 0
	result, err := d.invoker.Invoke(ctx, req.TargetID, func(ctx context.Context) (*types.AgentResult, error) {
		attempts++
		return exec.Execute(ctx, req.Context)
	})
	resp.Attempt = attempts

	if err != nil {
		resp.Error = err.Error()
		d.logger.Warn("delegation failed",
			zap.String("call_id", req.CallID),
			zap.String("target", req.TargetID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return resp
	}

	resp.Success = true
	resp.Result = result
	d.logger.Debug("delegation completed",
		zap.String("call_id", req.CallID),
		zap.String("caller", req.CallerID),
		zap.String("target", req.TargetID),
		zap.Int("attempts", attempts),
	)
	return resp
}

// Validate rejects structurally invalid messages before any permission
// check. Transports that deserialize requests should call it first.
func (req Request) Validate() error {
	if req.Type != MessageTypeRequest {
		return fmt.Errorf("unexpected message type: %q", req.Type)
	}
	if req.CallID == "" {
		return fmt.Errorf("request has no call_id")
	}
	if req.CallerID == "" || req.TargetID == "" {
		return fmt.Errorf("request must carry caller_id and target_id")
	}
	return nil
}
