package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KVStore 基于Redis字符串键的配置存储
type KVStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewKVStore 创建配置存储
func NewKVStore(client *redis.Client, keyPrefix string) *KVStore {
	return &KVStore{client: client, keyPrefix: keyPrefix}
}

// Get 读取键值，键不存在时 found 为 false
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("读取%s失败: %w", key, err)
	}
	return val, true, nil
}

// Set 写入键值，不过期
func (s *KVStore) Set(ctx context.Context, key string, value string) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("写入%s失败: %w", key, err)
	}
	return nil
}
