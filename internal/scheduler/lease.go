package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultLeaseKey = "broadcast:scheduler:tick"

// ErrLeaseTTL is returned for a lease that would never expire.
var ErrLeaseTTL = errors.New("lease ttl must be positive")

// RedisLease lets one replica at a time run a tick. The key expires on its
// own; it is never released early so a fast tick still blocks its peers for
// the rest of the interval.
type RedisLease struct {
	Client   redis.Cmdable
	Key      string
	Instance string
	TTL      time.Duration
}

func NewRedisLease(client redis.Cmdable, ttl time.Duration) (*RedisLease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrLeaseTTL, ttl)
	}
	return &RedisLease{
		Client:   client,
		Key:      DefaultLeaseKey,
		Instance: uuid.NewString(),
		TTL:      ttl,
	}, nil
}

// Acquire reports whether this instance holds the lease for the current tick.
// The key must expire, so a non-positive TTL fails before Redis is touched.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	if l.TTL <= 0 {
		return false, ErrLeaseTTL
	}
	return l.Client.SetNX(ctx, l.Key, l.Instance, l.TTL).Result()
}
