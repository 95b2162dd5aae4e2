package contactgate

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// Defaults applied to every redis client built by NewRedisClient
const (
	DefaultRedisDialTimeout  = 500 * time.Millisecond
	DefaultRedisReadTimeout  = 250 * time.Millisecond
	DefaultRedisWriteTimeout = 250 * time.Millisecond
	DefaultRedisPoolSize     = 20
)

// NamespacedKey returns a key with the namespace prepended
func NamespacedKey(namespace, key string) string {
	return namespace + ":" + key
}

// RedisOptions builds client options from either a redis:// url or a host:port
// address. The url wins when both are set.
func RedisOptions(url, address string, poolSize int) (*redis.Options, error) {
	opts := &redis.Options{Addr: address}
	if len(url) > 0 {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing redis url")
		}
		opts = parsed
	}

	if len(opts.Addr) == 0 {
		return nil, errors.New("redis address not set")
	}

	if poolSize <= 0 {
		poolSize = DefaultRedisPoolSize
	}

	opts.PoolSize = poolSize
	opts.DialTimeout = DefaultRedisDialTimeout
	opts.ReadTimeout = DefaultRedisReadTimeout
	opts.WriteTimeout = DefaultRedisWriteTimeout
	opts.MaxRetries = 0
	return opts, nil
}

// NewRedisClient returns a client with bounded timeouts so that a slow redis
// never holds a request longer than the limiter deadline.
func NewRedisClient(url, address string, poolSize int) (*redis.Client, error) {
	opts, err := RedisOptions(url, address, poolSize)
	if err != nil {
		return nil, err
	}

	return redis.NewClient(opts), nil
}
