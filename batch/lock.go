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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorse-io/alsbatch/common/log"
	"github.com/gorse-io/alsbatch/storage"
	"github.com/juju/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockKey = "alsbatch:job"

// ErrLocked is returned when another run holds the job lock.
const ErrLocked = errors.ConstError("another batch update is running")

// Locker keeps two runs from updating the artifacts at the same time.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease in Redis. The lease expires after ttl so a crashed run does not
// block later ones forever; while held it is renewed every third of ttl.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration

	mu      sync.Mutex
	stop    context.CancelFunc
	renewed sync.WaitGroup
}

func NewRedisLocker(uri string, ttl time.Duration) (*RedisLocker, error) {
	if !strings.HasPrefix(uri, storage.RedisPrefix) && !strings.HasPrefix(uri, storage.RedissPrefix) {
		return nil, errors.NotValidf("lock uri %s", log.RedactConnectionString(uri))
	}
	opt, err := redis.ParseURL(uri)
	if err != nil {
		return nil, errors.Trace(err)
	}
	client := redis.NewClient(opt)
	if err = redisotel.InstrumentTracing(client); err != nil {
		return nil, errors.Trace(err)
	}
	return NewRedisLockerWithClient(client, ttl), nil
}

func NewRedisLockerWithClient(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		key:    lockKey,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLocker) Lock(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.key).Result()
		return errors.Annotatef(ErrLocked, "held by %s", holder)
	}
	log.Logger().Info("acquire job lock", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	l.mu.Lock()
	defer l.mu.Unlock()
	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	l.stop = stop
	l.renewed.Go(func() { l.renew(renewCtx) })
	return nil
}

// renew extends the lease until ctx is done. A lease found taken over is logged and no
// longer renewed.
func (l *RedisLocker) renew(ctx context.Context) {
	ticker := time.NewTicker(renewInterval(l.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if errors.Is(err, context.Canceled) {
				return
			} else if err != nil {
				log.Logger().Warn("failed to renew job lock", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if extended == 0 {
				log.Logger().Error("job lock lost, another run may start", zap.String("key", l.key))
				return
			}
		}
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	return max(ttl/3, time.Millisecond)
}

func (l *RedisLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
	l.mu.Unlock()
	l.renewed.Wait()
	released, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return errors.Trace(err)
	}
	if released == 0 {
		log.Logger().Warn("job lock expired before release", zap.String("key", l.key))
	}
	return nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
