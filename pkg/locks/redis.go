// Package locks provides a Redis-backed engine.RunLocker for deployments
// where several processes dispatch the same runs.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Defaults for RedisLocker.
const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
	DefaultPrefix     = "dhsdk:lock:"
)

// Release and refresh only touch the key while it still holds our token.
const (
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("pexpire", KEYS[1], ARGV[2]) else return 0 end`
)

// Client is the subset of the go-redis client the locker uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker serializes work on a run across processes. A held lock is
// refreshed every TTL/3 until released, so a crashed holder frees it
// after at most TTL.
type RedisLocker struct {
	client     Client
	ttl        time.Duration
	retryDelay time.Duration
	prefix     string
	logger     zerolog.Logger
}

var _ engine.RunLocker = (*RedisLocker)(nil)

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithTTL sets the lock expiry.
func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the delay between acquisition attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *RedisLocker) { l.logger = logger.With().Str("component", "redis-locker").Logger() }
}

// NewRedisLocker creates a locker over client.
func NewRedisLocker(client Client, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client:     client,
		ttl:        DefaultTTL,
		retryDelay: DefaultRetryDelay,
		prefix:     DefaultPrefix,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect opens a go-redis client and checks the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, engine.NewBackendUnavailableError(fmt.Sprintf("failed to connect to redis at %s", addr), err)
	}
	return client, nil
}

// Lock blocks until the run lock is held or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, run string) (func(), error) {
	key := l.prefix + run
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, engine.NewBackendUnavailableError("failed to acquire run lock", err).WithResource(run)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(key, token)
		})
	}, nil
}

func (l *RedisLocker) refresh(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := l.client.Eval(ctx, refreshScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh run lock")
				continue
			}
			if n == 0 {
				l.logger.Warn().Str("key", key).Msg("run lock lost before release")
				return
			}
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("failed to release run lock; it expires with its ttl")
	}
}
