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

package batch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	uri := os.Getenv("REDIS_URI")
	if uri == "" {
		t.Skip("REDIS_URI is not set")
	}
	ctx := context.Background()
	first, err := NewRedisLocker(uri, time.Minute)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewRedisLocker(uri, time.Minute)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Lock(ctx))
	assert.ErrorIs(t, second.Lock(ctx), ErrLocked)
	// only the holder releases the lock
	assert.NoError(t, second.Unlock(ctx))
	assert.ErrorIs(t, second.Lock(ctx), ErrLocked)
	assert.NoError(t, first.Unlock(ctx))
	assert.NoError(t, second.Lock(ctx))
	assert.NoError(t, second.Unlock(ctx))
}

func TestRedisLockerRenewal(t *testing.T) {
	uri := os.Getenv("REDIS_URI")
	if uri == "" {
		t.Skip("REDIS_URI is not set")
	}
	ctx := context.Background()
	first, err := NewRedisLocker(uri, 300*time.Millisecond)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewRedisLocker(uri, 300*time.Millisecond)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Lock(ctx))
	// a run outliving its ttl keeps the lease
	time.Sleep(time.Second)
	assert.ErrorIs(t, second.Lock(ctx), ErrLocked)
	require.NoError(t, first.Unlock(ctx))
	assert.NoError(t, second.Lock(ctx))
	assert.NoError(t, second.Unlock(ctx))
}

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, renewInterval(30*time.Second))
	assert.Equal(t, time.Millisecond, renewInterval(0))
}

func TestNewRedisLockerInvalidURI(t *testing.T) {
	_, err := NewRedisLocker("http://localhost", time.Minute)
	assert.True(t, errors.Is(err, errors.NotValid))
}
