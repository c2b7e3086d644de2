package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/riskguard/internal/model"
)

// MockPositionManager 持仓管理器的模拟实现
type MockPositionManager struct {
	mock.Mock
}

// ClosePosition 平仓的模拟实现
func (m *MockPositionManager) ClosePosition(ctx context.Context, positionID int64, percent float64, reason string) error {
	args := m.Called(ctx, positionID, percent, reason)
	return args.Error(0)
}

// ReducePosition 减仓的模拟实现
func (m *MockPositionManager) ReducePosition(ctx context.Context, positionID int64, percent float64, reason string) error {
	args := m.Called(ctx, positionID, percent, reason)
	return args.Error(0)
}

// UpdateStopLoss 更新止损的模拟实现
func (m *MockPositionManager) UpdateStopLoss(ctx context.Context, positionID int64, price float64) error {
	args := m.Called(ctx, positionID, price)
	return args.Error(0)
}

// GetStopLoss 获取止损的模拟实现
func (m *MockPositionManager) GetStopLoss(ctx context.Context, positionID int64) (float64, error) {
	args := m.Called(ctx, positionID)
	return args.Get(0).(float64), args.Error(1)
}

// GetPositionSize 获取持仓数量的模拟实现
func (m *MockPositionManager) GetPositionSize(ctx context.Context, positionID int64) (float64, error) {
	args := m.Called(ctx, positionID)
	return args.Get(0).(float64), args.Error(1)
}

// ListOpenPositions 获取开放持仓的模拟实现
func (m *MockPositionManager) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Position), args.Error(1)
}
