package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/riskguard/internal/model"
)

// MockActionLog 处置日志存储的模拟实现
type MockActionLog struct {
	mock.Mock
}

// Insert 写入日志的模拟实现
func (m *MockActionLog) Insert(ctx context.Context, entry *model.RiskActionLogEntry) (int64, error) {
	args := m.Called(ctx, entry)
	return args.Get(0).(int64), args.Error(1)
}

// ListByPosition 按持仓查询的模拟实现
func (m *MockActionLog) ListByPosition(ctx context.Context, positionID int64, limit int) ([]model.RiskActionLogEntry, error) {
	args := m.Called(ctx, positionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RiskActionLogEntry), args.Error(1)
}

// ListRange 按时间窗口查询的模拟实现
func (m *MockActionLog) ListRange(ctx context.Context, from, to time.Time) ([]model.RiskActionLogEntry, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RiskActionLogEntry), args.Error(1)
}

// Latest 最近日志的模拟实现
func (m *MockActionLog) Latest(ctx context.Context, limit int) ([]model.RiskActionLogEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RiskActionLogEntry), args.Error(1)
}
