package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
)

const keyPrefix = "stepmagic:execution:"

// RedisJournal stores each entry as a JSON string with an expiry.
type RedisJournal struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisJournal(client *redis.Client, ttl time.Duration) *RedisJournal {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisJournal{client: client, ttl: ttl}
}

func (j *RedisJournal) Record(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "journal: marshal entry")
	}
	if err := j.client.WithContext(ctx).Set(keyPrefix+e.ExecutionID, b, j.ttl).Err(); err != nil {
		return errors.Wrapf(err, "journal: record %s", e.ExecutionID)
	}
	return nil
}

func (j *RedisJournal) Get(ctx context.Context, executionID string) (Entry, error) {
	b, err := j.client.WithContext(ctx).Get(keyPrefix + executionID).Bytes()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "journal: get %s", executionID)
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, errors.Wrapf(err, "journal: decode %s", executionID)
	}
	return e, nil
}
