package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/conductor-ai/conductor/types"
)

// RetryPolicy bounds retries of transient executor failures.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts, initial call included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// Multiplier grows the backoff between attempts.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// AttemptTimeout bounds each individual attempt. Zero disables it.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 5 * time.Minute,
	}
}

// backoffFor computes the jittered delay before retry n (0-based).
func (p RetryPolicy) backoffFor(n int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxBackoff); d > max {
		d = max
	}
	// Full jitter keeps concurrent retries from synchronizing.
	return time.Duration(rand.Float64() * d)
}

// Invoker wraps an executor backend with timeout, pacing and bounded retry.
// Transient errors (timeouts, rate limits) are retried with exponential
// backoff; fatal errors (schema violations, permission errors) surface
// immediately. A context.DeadlineExceeded from the per-attempt timeout is
// treated as transient per the error taxonomy.
type Invoker struct {
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewInvoker creates an invoker. A nil limiter disables pacing.
func NewInvoker(policy RetryPolicy, limiter *rate.Limiter, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	return &Invoker{
		policy:  policy,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "invoker")),
	}
}

// Policy returns the retry policy the invoker runs under.
func (i *Invoker) Policy() RetryPolicy {
	return i.policy
}

// Attempt is one invocation of an executor operation.
type Attempt func(ctx context.Context) (*types.AgentResult, error)

// CritiqueAttempt is one invocation of an executor's critique operation.
type CritiqueAttempt func(ctx context.Context) (*Critique, error)

// Invoke runs the attempt under the retry policy. The returned error, when
// non-nil, is always fatal: either a non-retryable failure or retry
// exhaustion wrapping the last transient error.
func (i *Invoker) Invoke(ctx context.Context, agentID string, attempt Attempt) (*types.AgentResult, error) {
	return invoke(ctx, i, agentID, attempt)
}

// InvokeCritique runs a critique attempt under the same timeout, pacing and
// retry contract as Invoke. Critique calls cross the same executor boundary
// as execute and revise, so they get the same treatment.
func (i *Invoker) InvokeCritique(ctx context.Context, agentID string, attempt CritiqueAttempt) (*Critique, error) {
	return invoke(ctx, i, agentID, attempt)
}

func invoke[T any](ctx context.Context, i *Invoker, agentID string, attempt func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for n := 0; n < i.policy.MaxAttempts; n++ {
		if n > 0 {
			delay := i.policy.backoffFor(n - 1)
			i.logger.Debug("retrying after transient failure",
				zap.String("agent_id", agentID),
				zap.Int("attempt", n+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		if i.limiter != nil {
			if err := i.limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}

		result, err := runOnce(ctx, i.policy.AttemptTimeout, attempt)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}

	i.logger.Warn("retries exhausted",
		zap.String("agent_id", agentID),
		zap.Int("attempts", i.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return zero, types.NewError(types.ErrStageFailed,
		fmt.Sprintf("agent %s failed after %d attempts", agentID, i.policy.MaxAttempts)).
		WithAgentID(agentID).
		WithCause(lastErr)
}

func runOnce[T any](ctx context.Context, timeout time.Duration, attempt func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := attempt(ctx)
	if err != nil {
		var zero T
		// A per-attempt deadline is a timeout-class transient failure, but
		// only when the parent context is still live.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return zero, types.NewTimeoutError("executor attempt timed out").WithCause(err)
		}
		return zero, err
	}
	return result, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return types.IsRetryable(err)
}
