package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClientOptions Redis客户端配置选项
type ClientOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient 创建新的Redis客户端并测试连接
func NewRedisClient(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	return client, nil
}

// 只有持有者才能删除锁
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lease 基于 SET NX PX 的分布式租约，防止多个进程同时执行监控周期
type Lease struct {
	client   *redis.Client
	key      string
	ttl      time.Duration
	newToken func() string
	token    string
}

// NewLease 创建租约
func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client:   client,
		key:      key,
		ttl:      ttl,
		newToken: uuid.NewString,
	}
}

// Key 租约键
func (l *Lease) Key() string {
	return l.key
}

// Acquire 尝试获取租约，已被其他持有者占用时返回 false
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取租约失败: %w", err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release 释放自己持有的租约，租约已过期或被他人持有时返回 false
func (l *Lease) Release(ctx context.Context) (bool, error) {
	if l.token == "" {
		return false, nil
	}
	token := l.token
	l.token = ""

	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("释放租约失败: %w", err)
	}
	return result == 1, nil
}
