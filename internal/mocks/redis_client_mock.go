package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/riskguard/internal/redis"
)

// MockQueue 任务队列的模拟实现
type MockQueue struct {
	mock.Mock
}

// Enqueue 入队的模拟实现
func (m *MockQueue) Enqueue(ctx context.Context, positionID int64) (bool, error) {
	args := m.Called(ctx, positionID)
	return args.Bool(0), args.Error(1)
}

// Claim 领取任务的模拟实现
func (m *MockQueue) Claim(ctx context.Context) (*redis.QueueItem, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*redis.QueueItem), args.Error(1)
}

// Ack 确认任务的模拟实现
func (m *MockQueue) Ack(ctx context.Context, item *redis.QueueItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

// Recover 恢复任务的模拟实现
func (m *MockQueue) Recover(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// MockLease 分布式租约的模拟实现
type MockLease struct {
	mock.Mock
}

// Acquire 获取租约的模拟实现
func (m *MockLease) Acquire(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

// Release 释放租约的模拟实现
func (m *MockLease) Release(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
