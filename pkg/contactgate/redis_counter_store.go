package contactgate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const connectionTestKey = "contactgate:connection_test"

func NewRedisCounterStore(redis *redis.Client, logger logrus.FieldLogger) *RedisCounterStore {
	return &RedisCounterStore{redis: redis, logger: logger}
}

// RedisCounterStore is the authoritative CounterStore. Each key is a redis
// sorted set shared by every instance serving the endpoint.
type RedisCounterStore struct {
	redis  *redis.Client
	logger logrus.FieldLogger
}

func (rs *RedisCounterStore) Prune(ctx context.Context, key string, maxScore int64) error {
	rs.logger.Debugf("Sending ZREMRANGEBYSCORE for key %v -inf %v", key, maxScore)

	err := rs.redis.WithContext(ctx).ZRemRangeByScore(key, "-inf", formatScore(maxScore)).Err()
	if err != nil {
		err = errors.Wrap(err, fmt.Sprintf("error pruning key %v up to score %d", key, maxScore))
		rs.logger.WithError(err).Error("error pruning counter")
		return err
	}

	return nil
}

func (rs *RedisCounterStore) Count(ctx context.Context, key string) (int64, error) {
	rs.logger.Debugf("Sending ZCARD for key %v", key)

	count, err := rs.redis.WithContext(ctx).ZCard(key).Result()
	if err != nil {
		err = errors.Wrap(err, fmt.Sprintf("error counting key %v", key))
		rs.logger.WithError(err).Error("error counting counter")
		return 0, err
	}

	return count, nil
}

func (rs *RedisCounterStore) CountSince(ctx context.Context, key string, minScore int64) (int64, error) {
	rs.logger.Debugf("Sending ZCOUNT for key %v (%v +inf", key, minScore)

	count, err := rs.redis.WithContext(ctx).ZCount(key, "("+formatScore(minScore), "+inf").Result()
	if err != nil {
		err = errors.Wrap(err, fmt.Sprintf("error counting key %v since score %d", key, minScore))
		rs.logger.WithError(err).Error("error counting counter")
		return 0, err
	}

	return count, nil
}

func (rs *RedisCounterStore) Add(ctx context.Context, key string, score int64, member string) error {
	rs.logger.Debugf("Sending ZADD for key %v score %v member %v", key, score, member)

	err := rs.redis.WithContext(ctx).ZAdd(key, redis.Z{Score: float64(score), Member: member}).Err()
	if err != nil {
		err = errors.Wrap(err, fmt.Sprintf("error adding member %v to key %v", member, key))
		rs.logger.WithError(err).Error("error adding to counter")
		return err
	}

	return nil
}

func (rs *RedisCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	rs.logger.Debugf("Sending EXPIRE for key %v %v", key, ttl.Seconds())

	set, err := rs.redis.WithContext(ctx).Expire(key, ttl).Result()
	if err != nil {
		err = errors.Wrap(err, fmt.Sprintf("error setting expiration %v on key %v", ttl, key))
		rs.logger.WithError(err).Error("error expiring counter")
		return err
	}

	if !set {
		err = fmt.Errorf("expire timeout not set, key %v does not exist", key)
		rs.logger.WithError(err).Error("error expiring counter")
		return err
	}

	return nil
}

func (rs *RedisCounterStore) Oldest(ctx context.Context, key string, minScore int64) (int64, bool, error) {
	rs.logger.Debugf("Sending ZRANGEBYSCORE WITHSCORES LIMIT 0 1 for key %v (%v +inf", key, minScore)

	opt := redis.ZRangeBy{Min: "(" + formatScore(minScore), Max: "+inf", Offset: 0, Count: 1}
	members, err := rs.redis.WithContext(ctx).ZRangeByScoreWithScores(key, opt).Result()
	if err != nil {
		err = errors.Wrap(err, fmt.Sprintf("error reading oldest member of key %v", key))
		rs.logger.WithError(err).Error("error reading counter")
		return 0, false, err
	}

	if len(members) == 0 {
		return 0, false, nil
	}

	return int64(members[0].Score), true, nil
}

func (rs *RedisCounterStore) Delete(ctx context.Context, key string) error {
	rs.logger.Debugf("Sending DEL for key %v", key)

	if err := rs.redis.WithContext(ctx).Del(key).Err(); err != nil {
		return errors.Wrap(err, fmt.Sprintf("error deleting key %v", key))
	}

	return nil
}

// Ping writes, reads and removes a short lived key to prove the connection
// can serve commands, not just accept them.
func (rs *RedisCounterStore) Ping(ctx context.Context) error {
	client := rs.redis.WithContext(ctx)
	key := NamespacedKey(connectionTestKey, uuid.NewString())
	value := strconv.FormatInt(time.Now().UnixNano(), 10)

	if err := client.Set(key, value, 10*time.Second).Err(); err != nil {
		return errors.Wrap(err, "error writing connection test key")
	}

	got, err := client.Get(key).Result()
	if err != nil {
		return errors.Wrap(err, "error reading connection test key")
	}

	if got != value {
		return fmt.Errorf("connection test key mismatch: expected %v received %v", value, got)
	}

	if err := client.Del(key).Err(); err != nil {
		return errors.Wrap(err, "error deleting connection test key")
	}

	return nil
}

func formatScore(score int64) string {
	return strconv.FormatInt(score, 10)
}
