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

package parallel

import (
	"context"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestParallel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := lo.Range(10000)
		b := make([]int, len(a))
		workerIds := make([]int, len(a))
		// multiple threads
		err := Parallel(context.Background(), len(a), 4, func(workerId, jobId int) error {
			b[jobId] = a[jobId]
			workerIds[jobId] = workerId
			time.Sleep(time.Microsecond)
			return nil
		})
		assert.NoError(t, err)
		workersSet := mapset.NewSet(workerIds...)
		assert.Equal(t, a, b)
		assert.GreaterOrEqual(t, 4, workersSet.Cardinality())
		assert.Less(t, 1, workersSet.Cardinality())
		// single thread
		err = Parallel(context.Background(), len(a), 1, func(workerId, jobId int) error {
			b[jobId] = a[jobId]
			workerIds[jobId] = workerId
			return nil
		})
		assert.NoError(t, err)
		workersSet = mapset.NewSet(workerIds...)
		assert.Equal(t, a, b)
		assert.Equal(t, 1, workersSet.Cardinality())
	})
}

func TestParallelError(t *testing.T) {
	boom := errors.New("boom")
	for _, workers := range []int{1, 4} {
		err := Parallel(context.Background(), 100, workers, func(_, jobId int) error {
			if jobId == 42 {
				return boom
			}
			return nil
		})
		assert.ErrorIs(t, err, boom)
	}
}

func TestParallelStopsOnError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("boom")
		var calls atomic.Int32
		err := Parallel(context.Background(), 100*chanSize, 4, func(_, jobId int) error {
			calls.Add(1)
			if jobId == 0 {
				return boom
			}
			time.Sleep(time.Millisecond)
			return nil
		})
		assert.ErrorIs(t, err, boom)
		assert.LessOrEqual(t, calls.Load(), int32(4))
	})
}

func TestParallelPanic(t *testing.T) {
	err := Parallel(context.Background(), 10, 2, func(_, jobId int) error {
		if jobId == 3 {
			panic("unexpected")
		}
		return nil
	})
	assert.ErrorContains(t, err, "panicked")
}

func TestParallelCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Parallel(ctx, 100, 1, func(_, _ int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = Parallel(ctx, 100, 4, func(_, _ int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
