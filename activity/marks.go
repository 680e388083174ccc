package activity

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/concrnt/ccworld-ap-core/world"
)

// deleteMarkExpiration is how long an out-of-order delete suppresses a
// late-arriving create for the same object.
const deleteMarkExpiration = 6 * time.Hour

// RedisMarks remembers deletes that arrived before the object they
// delete, so the create is dropped instead of resurrecting it.
type RedisMarks struct {
	rdb *redis.Client
}

func NewRedisMarks(rdb *redis.Client) *RedisMarks {
	return &RedisMarks{rdb: rdb}
}

func (m *RedisMarks) MarkDeleteUponArrival(ctx context.Context, uri string) error {
	return m.rdb.Set(ctx, world.KeyPrefixDeleteUpon+uri, "1", deleteMarkExpiration).Err()
}

func (m *RedisMarks) DeleteArrivedFirst(ctx context.Context, uri string) (bool, error) {
	_, err := m.rdb.Get(ctx, world.KeyPrefixDeleteUpon+uri).Result()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return false, err
}
