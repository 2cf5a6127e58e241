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
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

var (
	errFlaky  = errors.New("flaky")
	errBroken = errors.New("broken")
)

func testPolicy(attempts uint) *Policy {
	return &Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		Retryable: func(err error) bool {
			return errors.Is(err, errFlaky)
		},
	}
}

func TestDoEventuallySucceeds(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), testPolicy(5), "get", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := Run(context.Background(), testPolicy(4), "put", func(ctx context.Context) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 4, calls)
}

func TestDoPermanent(t *testing.T) {
	calls := 0
	err := Run(context.Background(), testPolicy(4), "put", func(ctx context.Context) error {
		calls++
		return errors.Annotate(errBroken, "unauthorized")
	})
	assert.ErrorIs(t, err, errBroken)
	assert.Equal(t, 1, calls)
}

func TestNoRetry(t *testing.T) {
	calls := 0
	err := Run(context.Background(), nil, "put", func(ctx context.Context) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestBreaker(t *testing.T) {
	policy := testPolicy(1).WithBreaker("test", 2, time.Hour)
	calls := 0
	flaky := func(ctx context.Context) error {
		calls++
		return errFlaky
	}
	assert.ErrorIs(t, Run(context.Background(), policy, "put", flaky), errFlaky)
	assert.ErrorIs(t, Run(context.Background(), policy, "put", flaky), errFlaky)
	// the breaker is open now and the operation is not attempted
	err := Run(context.Background(), policy, "put", flaky)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)
}

func TestBreakerIgnoresPermanent(t *testing.T) {
	policy := testPolicy(1).WithBreaker("test", 1, time.Hour)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, Run(context.Background(), policy, "get", func(ctx context.Context) error {
			return errBroken
		}), errBroken)
	}
}
