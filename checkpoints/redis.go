package checkpoints

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in a redis list under Key, newest first.
type RedisStore struct {
	client *redis.Client
	key    string
	keep   int
}

var _ Store = &RedisStore{}

func NewRedisStore(addr, key string, keep int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:        addr,
			DialTimeout: 2 * time.Second,
		}),
		key:  key,
		keep: keep,
	}
}

func (r *RedisStore) Save(ctx context.Context, step int64, blob []byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key, blob)
		pipe.Set(ctx, r.key+":step", step, 0)
		if r.keep > 0 {
			pipe.LTrim(ctx, r.key, 0, int64(r.keep-1))
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "saving checkpoint at step %d to redis key %s", step, r.key)
	}
	return nil
}

func (r *RedisStore) Latest(ctx context.Context) ([]byte, bool, error) {
	blob, err := r.client.LIndex(ctx, r.key, 0).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading checkpoint from redis key %s", r.key)
	}
	return blob, true, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
