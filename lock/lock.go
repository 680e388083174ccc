// Package lock provides a named, time-boxed mutual exclusion handle
// backed by redis. The lock auto-expires so a crashed holder cannot
// deadlock the key.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("lock")

var ErrAcquireTimeout = errors.New("lock acquisition timed out")

const (
	defaultTTL            = time.Minute
	defaultAcquireTimeout = 5 * time.Second
	pollInterval          = 50 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token,
// so an expired lock reacquired by someone else is never released by
// a slow previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Service struct {
	rdb            *redis.Client
	ttl            time.Duration
	acquireTimeout time.Duration
}

func NewService(rdb *redis.Client) *Service {
	return &Service{
		rdb:            rdb,
		ttl:            defaultTTL,
		acquireTimeout: defaultAcquireTimeout,
	}
}

// WithLock runs fn while holding the named lock. Acquisition polls
// until the timeout; the lock expires on its own if the holder dies.
func (s *Service) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Lock.WithLock")
	defer span.End()

	token := uuid.New().String()

	deadline := time.Now().Add(s.acquireTimeout)
	for {
		ok, err := s.rdb.SetNX(ctx, name, token, s.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrap(ErrAcquireTimeout, name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	defer releaseScript.Run(context.WithoutCancel(ctx), s.rdb, []string{name}, token)

	return fn(ctx)
}
