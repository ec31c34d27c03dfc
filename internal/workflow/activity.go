package workflow

import (
	"context"
	"errors"
	"time"

	logx "ruleflow/pkg/logx"
)

// RetryPolicy governs activity retries. Workflow bodies perform no direct
// I/O; every external call goes through an Executor carrying this policy.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	MaxAttempts        int
}

// DefaultRetryPolicy matches the activity contract: exponential backoff from
// 5s doubling up to 1m, at most 3 attempts.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval:    5 * time.Second,
	BackoffCoefficient: 2,
	MaxInterval:        time.Minute,
	MaxAttempts:        3,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = DefaultRetryPolicy.BackoffCoefficient
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	return p
}

// Delay returns the backoff before the given retry (1-based attempt that
// just failed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffCoefficient)
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// terminalError marks an activity failure that must not be retried.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the Executor fails immediately instead of retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) is terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Executor runs activities under a retry policy. It is the only place the
// workflow layer sleeps between attempts, and the only place transient infra
// errors are absorbed.
type Executor struct {
	log    logx.Logger
	policy RetryPolicy
}

func NewExecutor(policy RetryPolicy, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{log: log, policy: policy.withDefaults()}
}

// Do runs fn, retrying transient failures per the policy. Terminal failures
// and context cancellation stop retrying immediately. The terminal wrapper
// is unwrapped before returning so callers see the underlying error.
func (x *Executor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= x.policy.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var te *terminalError
		if errors.As(err, &te) {
			return te.err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= x.policy.MaxAttempts {
			break
		}

		delay := x.policy.Delay(attempt)
		x.log.Debug("activity retry scheduled",
			logx.String("activity", name),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
	}
	x.log.Warn("activity exhausted retries", logx.String("activity", name), logx.Err(err))
	return err
}
