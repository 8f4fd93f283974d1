package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"     validate:"min=1"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"min=0"`
	MaxInterval     time.Duration `yaml:"max_interval"     validate:"min=0"`
	Multiplier      float64       `yaml:"multiplier"       validate:"min=1"`
}

// DefaultRetryPolicy is used for in-process retries of a single send. It makes
// one attempt: a step is sent at most dispatch max_attempts times run
// max_attempts, and the run-level policy already retries three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0

	return b
}

// MaxElapsed bounds how long Dispatch can run with a per-attempt timeout:
// every attempt times out and every wait between attempts hits MaxInterval
// at the top of its jitter range.
func (p RetryPolicy) MaxElapsed(timeout time.Duration) time.Duration {
	attempts := max(p.MaxAttempts, 1)
	wait := time.Duration(float64(p.MaxInterval) * (1 + backoff.DefaultRandomizationFactor))

	return timeout*time.Duration(attempts) + wait*time.Duration(attempts-1)
}

// Delay returns the wait before retry number attempt (0-based), without jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := p.exponential()
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.NextBackOff()
	for range attempt {
		delay = b.NextBackOff()
	}

	return delay
}

// Result describes a completed dispatch.
type Result struct {
	Receipt  Receipt
	Attempts int
	Latency  time.Duration
}

// Dispatcher sends a message with a per-attempt timeout and bounded retries.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	policy  RetryPolicy
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. A zero timeout disables the per-attempt deadline.
func NewDispatcher(sender Sender, timeout time.Duration, policy RetryPolicy, logger *slog.Logger) *Dispatcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	return &Dispatcher{
		sender:  sender,
		timeout: timeout,
		policy:  policy,
		logger:  logger.With("module", "dispatcher"),
	}
}

// Dispatch sends msg, retrying retryable failures. Every attempt carries the
// same DedupKey so providers can collapse duplicates.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (Result, error) {
	var (
		receipt  Receipt
		attempts int
	)

	start := time.Now()

	operation := func() error {
		attempts++

		r, err := d.send(ctx, msg)
		if err != nil {
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}

			return err
		}

		receipt = r

		return nil
	}

	notify := func(err error, next time.Duration) {
		d.logger.WarnContext(ctx, "dispatch attempt failed, retrying",
			"run_id", msg.RunID,
			"step_index", msg.StepIndex,
			"attempt", attempts,
			"retry_in", next,
			"error", err,
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(d.policy.exponential(), uint64(d.policy.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(operation, policy, notify)
	result := Result{Receipt: receipt, Attempts: attempts, Latency: time.Since(start)}

	if err != nil {
		if !IsPermanent(err) && !errors.Is(err, ErrDispatchTimeout) && !errors.Is(err, ErrDispatchFailed) {
			err = fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		}

		return result, err
	}

	return result, nil
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (Receipt, error) {
	attemptCtx := ctx

	if d.timeout > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	receipt, err := d.sender.Send(attemptCtx, msg)
	if err == nil {
		return receipt, nil
	}

	if IsPermanent(err) {
		return Receipt{}, err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return Receipt{}, fmt.Errorf("%w after %s: %w", ErrDispatchTimeout, d.timeout, err)
	}

	return Receipt{}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
}
