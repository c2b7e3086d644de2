package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/life2you_mini/riskguard/internal/model"
)

// GuardOptions 行情访问保护参数
type GuardOptions struct {
	RequestsPerSecond float64
	Burst             int
	FailureThreshold  uint32        // 连续失败次数达到后熔断
	OpenTimeout       time.Duration // 熔断后多久进入半开状态
}

// GuardedProvider 为行情源增加按股票限流和整体熔断
type GuardedProvider struct {
	inner   Provider
	opts    GuardOptions
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuardedProvider 创建带保护的行情源
func NewGuardedProvider(inner Provider, opts GuardOptions, logger *zap.Logger) *GuardedProvider {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	logger = logger.With(zap.String("component", "market_data"))
	settings := gobreaker.Settings{
		Name:    "market_data",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("行情熔断状态变化",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// 数据缺失不算失败
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoData)
		},
	}

	return &GuardedProvider{
		inner:    inner,
		opts:     opts,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (g *GuardedProvider) wait(ctx context.Context, symbol string) error {
	key := strings.ToUpper(symbol)
	g.mu.Lock()
	limiter, ok := g.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.opts.RequestsPerSecond), g.opts.Burst)
		g.limiters[key] = limiter
	}
	g.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("行情限流等待失败 %s: %w", key, err)
	}
	return nil
}

// GetMarketData 实现 Provider
func (g *GuardedProvider) GetMarketData(ctx context.Context, symbol string, days int) ([]model.Bar, error) {
	if err := g.wait(ctx, symbol); err != nil {
		return nil, err
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.GetMarketData(ctx, symbol, days)
	})
	if err != nil {
		return nil, g.wrap(err)
	}
	return result.([]model.Bar), nil
}

// GetLatestPrice 实现 Provider
func (g *GuardedProvider) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.wait(ctx, symbol); err != nil {
		return 0, err
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.GetLatestPrice(ctx, symbol)
	})
	if err != nil {
		return 0, g.wrap(err)
	}
	return result.(float64), nil
}

// State 熔断器当前状态
func (g *GuardedProvider) State() gobreaker.State {
	return g.breaker.State()
}

func (g *GuardedProvider) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return err
}
