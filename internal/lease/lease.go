// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package lease serializes stage invocations for one unit of work across
// processes. A lease is a Redis key set with NX and a TTL, holding a random
// token; only the holder of the token can extend or release it.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultTTL bounds how long a crashed holder blocks its unit.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "evidence-engine:lease:"

var (
	// ErrHeld is returned when another invocation holds the unit.
	ErrHeld = errors.New("unit is leased by another invocation")

	// ErrLost is returned when a lease expired or was taken over.
	ErrLost = errors.New("lease lost")
)

// Key returns the lease key of a stage for unit.
func Key(s types.Stage, unit types.Unit) string {
	if unit.PMID == 0 {
		return fmt.Sprintf("%s%s:%s", keyPrefix, s, unit.VariantID)
	}
	return fmt.Sprintf("%s%s:%s:%d", keyPrefix, s, unit.VariantID, unit.PMID)
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, s types.Stage, unit types.Unit) (Lease, error)
}

// Lease is a held unit.
type Lease interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Noop grants every lease. It is used when no Redis address is configured
// and serialization is left to the caller.
type Noop struct{}

func (Noop) Acquire(context.Context, types.Stage, types.Unit) (Lease, error) { return noopLease{}, nil }

type noopLease struct{}

func (noopLease) Extend(context.Context) error  { return nil }
func (noopLease) Release(context.Context) error { return nil }

// Compare-and-delete and compare-and-expire, so a holder whose lease
// expired cannot touch the next holder's key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis grants leases stored in Redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to the Redis server in cfg and verifies it responds.
func NewRedis(ctx context.Context, cfg types.RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger.Info("redis lease store ready", zap.String("addr", cfg.Addr), zap.Duration("ttl", ttl))
	return &Redis{client: client, ttl: ttl, logger: logger}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Acquire takes the lease for (s, unit) or returns ErrHeld.
func (r *Redis) Acquire(ctx context.Context, s types.Stage, unit types.Unit) (Lease, error) {
	key := Key(s, unit)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring %s: %w", key, err)
	}
	if !ok {
		holder, _ := r.client.Get(ctx, key).Result()
		return nil, fmt.Errorf("%w: %s (held by %s)", ErrHeld, key, holder)
	}
	r.logger.Debug("lease acquired", zap.String("key", key))
	return &redisLease{r: r, key: key, token: token}, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string
}

func (l *redisLease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.r.client, []string{l.key}, l.token, l.r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.r.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("releasing %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	l.r.logger.Debug("lease released", zap.String("key", l.key))
	return nil
}

// Do runs fn while holding the lease for (s, unit), extending it every
// third of ttl. The lease is released when fn returns. If the lease is
// lost, fn's context is cancelled with ErrLost as its cause and Do returns
// ErrLost.
func Do(ctx context.Context, l Locker, ttl time.Duration, s types.Stage, unit types.Unit, fn func(context.Context) error) error {
	held, err := l.Acquire(ctx, s, unit)
	if err != nil {
		return err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrLost) {
			zap.L().Warn("releasing lease", zap.Error(err))
		}
	}()

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				err := held.Extend(runCtx)
				switch {
				case err == nil:
				case errors.Is(err, ErrLost):
					zap.L().Warn("lease lost, stopping work", zap.Error(err))
					cancel(err)
					return
				case runCtx.Err() == nil:
					// The next tick retries before the key expires.
					zap.L().Warn("extending lease", zap.Error(err))
				}
			}
		}
	}()

	err = fn(runCtx)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLost) {
		if err == nil {
			return cause
		}
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}
