// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/juju/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Policy decides whether and when a failed operation is attempted again. A
// single policy is shared by all operations of a storage gateway.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxElapsedTime bounds the total time spent on one operation. Zero means
	// the attempt budget is the only limit.
	MaxElapsedTime time.Duration
	// Retryable reports whether an error is worth another attempt. A nil
	// predicate retries every error.
	Retryable func(error) bool

	breaker *gobreaker.CircuitBreaker[any]
}

// Default returns the schedule used by the batch job: five attempts starting at
// one second and doubling up to thirty seconds.
func Default(retryable func(error) bool) *Policy {
	return &Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Retryable:       retryable,
	}
}

// NoRetry attempts every operation exactly once.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// WithBreaker trips after threshold consecutive retryable failures and rejects
// calls for the timeout period. Non-retryable errors do not count as failures.
func (p *Policy) WithBreaker(name string, threshold uint32, timeout time.Duration) *Policy {
	if threshold == 0 {
		p.breaker = nil
		return p
	}
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !p.retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Logger().Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return p
}

func (p *Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

func (p *Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// Do runs fn under the policy. op names the operation in logs. The last error
// is returned once the attempt budget is exhausted, and non-retryable errors
// are returned immediately.
func Do[T any](ctx context.Context, p *Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	if p == nil {
		p = NoRetry()
	}
	attempt := 0
	operation := func() (T, error) {
		attempt++
		var (
			result T
			err    error
		)
		if p.breaker != nil {
			var v any
			v, err = p.breaker.Execute(func() (any, error) {
				return fn(ctx)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return result, backoff.Permanent(errors.Annotatef(err, "%s", op))
			}
			if v != nil {
				result = v.(T)
			}
		} else {
			result, err = fn(ctx)
		}
		if err != nil && !p.retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Logger().Warn("retry storage operation",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	}
	if p.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsedTime))
	}
	result, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		return result, errors.Trace(err)
	}
	return result, nil
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p *Policy, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
