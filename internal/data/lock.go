package data

import (
	"context"
	"errors"
	"time"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 仅当锁仍属于当前持有者时写入绑定的扣费流水，过期时间与锁一致
const lockBindScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[2], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`

// 仅当锁仍属于当前持有者时删除；返回绑定的流水号，未持有返回 -1
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return -1
end
local bound = redis.call("GET", KEYS[2])
redis.call("DEL", KEYS[1], KEYS[2])
if bound then
  return tonumber(bound)
end
return 0
`

// generationLocker 基于 Redis SetNX 的进行中生成锁
type generationLocker struct {
	data    *Data
	bind    *redis.Script
	release *redis.Script
	logger  *log.Helper
}

// NewGenerationLocker 创建生成锁
func NewGenerationLocker(data *Data, logger log.Logger) biz.GenerationLocker {
	return &generationLocker{
		data:    data,
		bind:    redis.NewScript(lockBindScript),
		release: redis.NewScript(lockReleaseScript),
		logger:  log.NewHelper(logger),
	}
}

// TryLock 抢占锁，返回持有令牌；已被占用时 ok 为 false
func (l *generationLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationLocker.TryLock")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"key":         key,
		"ttl_seconds": ttl.Seconds(),
	})

	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.data.RedisClient().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		l.logger.WithContext(ctx).Errorf("Failed to acquire lock %s, error_reason: %v", key, err)
		return "", false, err
	}
	if !ok {
		l.logger.WithContext(ctx).Warnf("Lock %s is held by another request", key)
		return "", false, nil
	}
	return token, true, nil
}

// Bind 把扣费流水绑定到当前持有的锁上；锁已失效时返回 false
func (l *generationLocker) Bind(ctx context.Context, key, token string, transactionID int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationLocker.Bind")
	defer span.End()

	if key == "" || token == "" || transactionID <= 0 {
		return false, nil
	}
	n, err := l.bind.Run(ctx, l.data.RedisClient(), []string{key, bindingKey(key)}, token, transactionID).Int64()
	if err != nil {
		l.logger.WithContext(ctx).Errorf("Failed to bind transaction %d to lock %s, error_reason: %v", transactionID, key, err)
		return false, err
	}
	return n == 1, nil
}

// Release 释放锁并返回绑定的扣费流水号；令牌不匹配时不做任何操作，released 为 false
func (l *generationLocker) Release(ctx context.Context, key, token string) (int64, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationLocker.Release")
	defer span.End()

	if key == "" || token == "" {
		return 0, false, nil
	}
	n, err := l.release.Run(ctx, l.data.RedisClient(), []string{key, bindingKey(key)}, token).Int64()
	if err != nil {
		l.logger.WithContext(ctx).Errorf("Failed to release lock %s, error_reason: %v", key, err)
		return 0, false, err
	}
	if n < 0 {
		l.logger.WithContext(ctx).Warnf("Lock %s is not held by the given token", key)
		return 0, false, nil
	}
	return n, true, nil
}

func bindingKey(key string) string {
	return key + ":tx"
}
