package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/riskguard/internal/model"
)

// MockProvider 行情数据源的模拟实现
type MockProvider struct {
	mock.Mock
}

// GetMarketData 获取K线的模拟实现
func (m *MockProvider) GetMarketData(ctx context.Context, symbol string, days int) ([]model.Bar, error) {
	args := m.Called(ctx, symbol, days)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Bar), args.Error(1)
}

// GetLatestPrice 获取最新价的模拟实现
func (m *MockProvider) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}
