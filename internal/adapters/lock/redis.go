// Package lock implements ports.SweepLock on Redis so that several settler
// processes sharing one ledger never sweep at the same time.
package lock

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// unlockLua borra la clave sólo si el token coincide con el del holder.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua renueva el TTL sólo si el token sigue siendo nuestro.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RedisConfig holds connection parameters for the Redis lock.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	Prefix     string // defaults to "remsettle:lock:"
}

// Redis implements ports.SweepLock using SET NX with a TTL and a Lua-based
// conditional unlock. While held, the lock is renewed every ttl/3, so the
// TTL only bounds how long a crashed holder blocks the others.
type Redis struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
	prefix   string
}

var _ ports.SweepLock = (*Redis)(nil)

// NewRedis connects to Redis and pings it.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lock.NewRedis: ping %s: %w", cfg.Addr, err)
	}
	return newRedis(rdb, cfg.Prefix), nil
}

func newRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "remsettle:lock:"
	}
	return &Redis{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		prefix:   prefix,
	}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld when another
// process holds it. The release func may be called more than once.
func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := l.prefix + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock.Redis.Acquire: %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.heartbeat(lk, token, ttl, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// Contexto propio: el del sweep puede estar ya cancelado.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}

// heartbeat extends lk every ttl/3 until stop is closed or the lock turns
// out to belong to someone else.
func (l *Redis) heartbeat(lk, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), ttl/3+time.Second)
		n, err := l.extendSc.Run(ctx, l.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			// un fallo puntual no suelta el lock: quedan 2/3 del TTL
			slog.Warn("sweep lock renewal failed", "key", lk, "err", err)
		case n == 0:
			slog.Error("sweep lock lost", "key", lk)
			return
		}
	}
}

// Close closes the underlying client.
func (l *Redis) Close() error {
	return l.rdb.Close()
}
