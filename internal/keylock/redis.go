package keylock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRetryInterval = 50 * time.Millisecond

var (
	leaseRenewFailedCounter = metrics.GetOrCreateCounter(`keylock_lease_renewals_total{result="failed"}`)
	leaseLostCounter        = metrics.GetOrCreateCounter(`keylock_lease_renewals_total{result="lost"}`)
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lease-based lock: SET NX PX with a random token, released only
// by the holder of that token. The lease is extended every ttl/3 for as long
// as it is held.
type Redis struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		client:        client,
		prefix:        prefix,
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
		logger:        logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return r.hold(redisKey, token), nil
		}

		select {
		case <-time.After(r.retryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Redis) hold(redisKey, token string) func() {
	renewCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go r.renew(renewCtx, redisKey, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done

			// the caller's ctx may already be cancelled when releasing
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warn("Error releasing lock", "key", redisKey, "error", err)
			}
		})
	}
}

func (r *Redis) renew(ctx context.Context, redisKey, token string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				leaseRenewFailedCounter.Inc()
				r.logger.Warn("Error renewing lock lease", "key", redisKey, "error", err)
				continue
			}
			if held == 0 {
				leaseLostCounter.Inc()
				r.logger.Error("Lock lease lost while held", "key", redisKey)
				return
			}
		}
	}
}
