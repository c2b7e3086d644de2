package riskfactors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/indicators"
	"github.com/life2you_mini/riskguard/internal/marketdata"
)

const (
	// DefaultStoreKey 配置在KV存储中的键
	DefaultStoreKey = "risk_factors:config"

	// 未知板块的默认风险评级
	defaultSectorRating = 0.5

	// 自调参混合比例：保留70%旧值
	blendKeep = 0.7

	// 板块ETF日波动率上限(%)，用于归一化
	sectorVolatilityCeiling = 5.0

	sectorLookbackDays = 30
	vixLookbackDays    = 90
	minSectorReturns   = 10
	minVIXCloses       = 20

	refreshDateLayout = "2006-01-02"
)

// KVStore 持久化键值存储
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
}

// Registry 风险因子注册表，由调用方显式创建并注入
//
// 跨进程写入为 last-write-wins，刷新过程中的手工修改可能被覆盖。
// 内部互斥锁仅保证进程内内存安全。
type Registry struct {
	store    KVStore
	provider marketdata.Provider
	logger   *zap.Logger
	key      string
	vix      string
	now      func() time.Time

	mu      sync.RWMutex
	factors RiskFactors
}

// Option 注册表可选参数
type Option func(*Registry)

// WithStoreKey 自定义存储键
func WithStoreKey(key string) Option {
	return func(r *Registry) { r.key = key }
}

// WithVIXSymbol 自定义VIX代码
func WithVIXSymbol(symbol string) Option {
	return func(r *Registry) { r.vix = symbol }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry 创建注册表，初始为默认配置，需要调用 Load 读取持久化配置
func NewRegistry(store KVStore, provider marketdata.Provider, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		provider: provider,
		logger:   logger.With(zap.String("component", "risk_factors")),
		key:      DefaultStoreKey,
		vix:      "^VIX",
		now:      time.Now,
		factors:  DefaultRiskFactors(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load 从KV存储读取配置，不存在时写入默认配置
func (r *Registry) Load(ctx context.Context) error {
	raw, found, err := r.store.Get(ctx, r.key)
	if err != nil {
		return fmt.Errorf("读取风险因子配置失败: %w", err)
	}
	if !found {
		r.logger.Info("未找到风险因子配置，写入默认值", zap.String("key", r.key))
		return r.Save(ctx)
	}

	// 叠加到默认值上，新版本新增的字段保持默认
	loaded := DefaultRiskFactors()
	loaded.Version = 0
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return fmt.Errorf("解析风险因子配置失败: %w", err)
	}
	// 显式的 null 会把 map 置空
	defaults := DefaultRiskFactors()
	if loaded.SectorRatings == nil {
		loaded.SectorRatings = defaults.SectorRatings
	}
	if loaded.SectorETFs == nil {
		loaded.SectorETFs = defaults.SectorETFs
	}
	for sector, rating := range loaded.SectorRatings {
		loaded.SectorRatings[sector] = indicators.Clamp(rating, 0, 1)
	}

	migrated := loaded.Version < CurrentVersion
	if migrated {
		r.logger.Info("迁移风险因子配置",
			zap.Int("from_version", loaded.Version),
			zap.Int("to_version", CurrentVersion))
		loaded.Version = CurrentVersion
	}

	r.mu.Lock()
	r.factors = loaded
	r.mu.Unlock()

	if migrated {
		return r.Save(ctx)
	}
	return nil
}

// Save 将当前配置写入KV存储
func (r *Registry) Save(ctx context.Context) error {
	r.mu.RLock()
	data, err := json.Marshal(r.factors)
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("序列化风险因子配置失败: %w", err)
	}
	if err := r.store.Set(ctx, r.key, string(data)); err != nil {
		return fmt.Errorf("保存风险因子配置失败: %w", err)
	}
	return nil
}

// GetRiskFactor 读取单个风险因子
func (r *Registry) GetRiskFactor(category, name string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ptr, err := r.factors.field(category, name)
	if err != nil {
		return 0, err
	}
	return *ptr, nil
}

// SetRiskFactor 修改单个风险因子并立即持久化
func (r *Registry) SetRiskFactor(ctx context.Context, category, name string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s.%s=%v", ErrInvalidValue, category, name, value)
	}
	r.mu.Lock()
	ptr, err := r.factors.field(category, name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	*ptr = value
	r.mu.Unlock()

	r.logger.Info("更新风险因子",
		zap.String("category", category),
		zap.String("name", name),
		zap.Float64("value", value))
	return r.Save(ctx)
}

// GetSectorRiskRating 板块风险评级，未知板块返回0.5
func (r *Registry) GetSectorRiskRating(sector string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rating, ok := r.factors.SectorRatings[sector]; ok {
		return rating
	}
	return defaultSectorRating
}

// SetSectorRiskRating 设置板块风险评级(限制在0-1)并立即持久化
func (r *Registry) SetSectorRiskRating(ctx context.Context, sector string, rating float64) error {
	if math.IsNaN(rating) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, sector, rating)
	}
	rating = indicators.Clamp(rating, 0, 1)
	r.mu.Lock()
	r.factors.SectorRatings[sector] = rating
	r.mu.Unlock()

	r.logger.Info("更新板块风险评级", zap.String("sector", sector), zap.Float64("rating", rating))
	return r.Save(ctx)
}

// GetAll 完整配置副本
func (r *Registry) GetAll() RiskFactors {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factors.Clone()
}

// GetCategory 某个类别下的全部因子
func (r *Registry) GetCategory(category string) (map[string]float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cat, ok := r.factors.fields()[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	out := make(map[string]float64, len(cat))
	for name, ptr := range cat {
		out[name] = *ptr
	}
	return out, nil
}

// GetSectorRatings 全部板块评级副本
func (r *Registry) GetSectorRatings() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.factors.SectorRatings))
	for k, v := range r.factors.SectorRatings {
		out[k] = v
	}
	return out
}

// PortfolioRisk 组合风险阈值
func (r *Registry) PortfolioRisk() PortfolioRisk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factors.PortfolioRisk
}

// VolatilityThresholds 波动率阈值
func (r *Registry) VolatilityThresholds() VolatilityThresholds {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factors.VolatilityThresholds
}

// RiskResponse 风险处置参数
func (r *Registry) RiskResponse() RiskResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factors.RiskResponse
}

// ScoringWeights 评分权重
func (r *Registry) ScoringWeights() ScoringWeights {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factors.ScoringWeights
}

// ShouldRefresh 今天是否尚未执行自调参
func (r *Registry) ShouldRefresh(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factors.LastRefresh != now.Format(refreshDateLayout)
}
