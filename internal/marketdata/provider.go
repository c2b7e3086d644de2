package marketdata

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/life2you_mini/riskguard/internal/model"
)

// ErrNoData 行情数据不可用
var ErrNoData = errors.New("行情数据不可用")

// Provider 行情数据提供者
type Provider interface {
	// GetMarketData 返回最近 days 根日线，最新在前，可能少于 days 根
	GetMarketData(ctx context.Context, symbol string, days int) ([]model.Bar, error)
	// GetLatestPrice 返回最新成交价
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// MemoryProvider 内存行情源，用于开发和测试
type MemoryProvider struct {
	mu     sync.RWMutex
	bars   map[string][]model.Bar // 时间正序
	prices map[string]float64
}

// NewMemoryProvider 创建内存行情源
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		bars:   make(map[string][]model.Bar),
		prices: make(map[string]float64),
	}
}

// SetBars 设置某个品种的K线，顺序不限
func (p *MemoryProvider) SetBars(symbol string, bars []model.Bar) {
	sorted := append([]model.Bar(nil), bars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[normalize(symbol)] = sorted
}

// SetPrice 设置最新价
func (p *MemoryProvider) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[normalize(symbol)] = price
}

// GetMarketData 实现 Provider
func (p *MemoryProvider) GetMarketData(_ context.Context, symbol string, days int) ([]model.Bar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bars := p.bars[normalize(symbol)]
	if days <= 0 || len(bars) == 0 {
		return []model.Bar{}, nil
	}
	if days > len(bars) {
		days = len(bars)
	}
	out := make([]model.Bar, 0, days)
	for i := len(bars) - 1; i >= len(bars)-days; i-- {
		out = append(out, bars[i])
	}
	return out, nil
}

// GetLatestPrice 实现 Provider，未设置最新价时取最后一根K线收盘价
func (p *MemoryProvider) GetLatestPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key := normalize(symbol)
	if price, ok := p.prices[key]; ok {
		return price, nil
	}
	if bars := p.bars[key]; len(bars) > 0 {
		return bars[len(bars)-1].Close, nil
	}
	return 0, ErrNoData
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
