package mssql

import "context"

// defaultRetryPolicy is the process-wide default retry-policy singleton
// (spec §9: "the default retry-policy provider" is process-wide, with "no
// mutable configuration after first use"). It simply allows the one retry
// the engine's own ceiling already grants; a real RetryPolicy plug-in can
// add backoff/jitter or veto entirely, but cannot extend the ceiling.
type defaultRetryPolicy struct{}

func (defaultRetryPolicy) ShouldRetry(context.Context, error, int) bool { return true }

var defaultRetryPolicySingleton RetryPolicy = defaultRetryPolicy{}

// DefaultRetryPolicy returns the process-wide default RetryPolicy.
func DefaultRetryPolicy() RetryPolicy { return defaultRetryPolicySingleton }

// retryOnce runs fn, and if its error is protocol- or orchestrator-
// retryable, invokes onRetry then runs fn exactly one more time (spec §4.3
// "Retry classification", §8 property 3: "at most one retry"). A second
// failure of either class propagates unchanged.
func retryOnce(ctx context.Context, policy RetryPolicy, onRetry func(), fn func() error) error {
	err := fn()
	cls := classify(err)
	if cls != classProtocolRetryable && cls != classOrchestratorRetryable {
		return err
	}
	if policy != nil && !policy.ShouldRetry(ctx, err, 1) {
		return err
	}
	onRetry()
	return fn()
}
