package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 监控周期租约键
const CycleLeaseKey = "risk_monitor:cycle_lease"

// StorageClient Redis存储客户端封装
type StorageClient struct {
	client       *redis.Client
	queueService *QueueService
	kvStore      *KVStore
	keyPrefix    string
}

// NewStorageClient 创建新的Redis存储客户端
func NewStorageClient(ctx context.Context, opts ClientOptions, keyPrefix, queueName string) (*StorageClient, error) {
	client, err := NewRedisClient(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("无法连接到Redis: %w", err)
	}
	return NewStorageClientFromClient(client, keyPrefix, queueName), nil
}

// NewStorageClientFromClient 使用已有客户端创建存储客户端，queueName 为空时使用 QueueRiskMonitoring
func NewStorageClientFromClient(client *redis.Client, keyPrefix, queueName string) *StorageClient {
	if queueName == "" {
		queueName = QueueRiskMonitoring
	}
	return &StorageClient{
		client:       client,
		queueService: NewQueueService(client, keyPrefix, queueName),
		kvStore:      NewKVStore(client, keyPrefix),
		keyPrefix:    keyPrefix,
	}
}

// GetQueueService 返回风险监控队列
func (s *StorageClient) GetQueueService() *QueueService {
	return s.queueService
}

// GetKVStore 返回配置存储
func (s *StorageClient) GetKVStore() *KVStore {
	return s.kvStore
}

// NewCycleLease 创建监控周期租约
func (s *StorageClient) NewCycleLease(ttl time.Duration) *Lease {
	return NewLease(s.client, s.keyPrefix+CycleLeaseKey, ttl)
}

// Ping 检查连接
func (s *StorageClient) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func (s *StorageClient) Close() error {
	return s.client.Close()
}
