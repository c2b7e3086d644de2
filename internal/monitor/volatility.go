package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/indicators"
	"github.com/life2you_mini/riskguard/internal/marketdata"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
)

// 常量定义
const (
	DefaultSnapshotTTL = 30 * time.Minute

	// 各分项权重
	vixWeight      = 0.4
	movementWeight = 0.3
	atrWeight      = 0.2
	unusualWeight  = 0.1

	// 数据缺失时的中性值
	neutralFactor = 0.5

	highLevelThreshold   = 0.75
	mediumLevelThreshold = 0.35

	atrPeriod          = 14
	vixTrailingDays    = 10
	liquidityLookback  = 30
	minLiquiditySymbol = 2
	historyDays        = liquidityLookback + 1

	// 指数日涨跌幅归一化区间(%)
	movementLow  = 0.5
	movementHigh = 2.0
	// ATR占价格比例归一化区间(%)
	atrLow  = 1.0
	atrHigh = 3.0
)

// 分项名称
const (
	ComponentVIX           = "vix"
	ComponentIndexMovement = "index_movement"
	ComponentATR           = "atr"
	ComponentUnusual       = "unusual"
	ComponentVIXSpike      = "vix_spike"
	ComponentCorrelation   = "correlation_breakdown"
	ComponentLiquidity     = "liquidity_crisis"
	ComponentBlackSwan     = "black_swan"
)

// ThresholdSource 提供波动率阈值，一般为风险因子注册表
type ThresholdSource interface {
	VolatilityThresholds() riskfactors.VolatilityThresholds
}

// VolatilityOptions 波动率监控配置
type VolatilityOptions struct {
	VIXSymbol    string
	IndexSymbols []string
	PrimaryIndex string
	SnapshotTTL  time.Duration
}

// DefaultVolatilityOptions 默认配置
func DefaultVolatilityOptions() VolatilityOptions {
	return VolatilityOptions{
		VIXSymbol:    "^VIX",
		IndexSymbols: []string{"SPY", "QQQ", "DIA", "IWM"},
		PrimaryIndex: "SPY",
		SnapshotTTL:  DefaultSnapshotTTL,
	}
}

// VolatilityMonitor 市场整体波动率监控组件
type VolatilityMonitor struct {
	provider   marketdata.Provider
	thresholds ThresholdSource
	logger     *zap.Logger
	opts       VolatilityOptions
	now        func() time.Time

	mu       sync.Mutex
	snapshot *model.VolatilitySnapshot
}

// NewVolatilityMonitor 创建波动率监控组件
func NewVolatilityMonitor(provider marketdata.Provider, thresholds ThresholdSource, logger *zap.Logger, opts VolatilityOptions) *VolatilityMonitor {
	defaults := DefaultVolatilityOptions()
	if opts.VIXSymbol == "" {
		opts.VIXSymbol = defaults.VIXSymbol
	}
	if len(opts.IndexSymbols) == 0 {
		opts.IndexSymbols = defaults.IndexSymbols
	}
	if opts.PrimaryIndex == "" {
		opts.PrimaryIndex = opts.IndexSymbols[0]
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaults.SnapshotTTL
	}
	return &VolatilityMonitor{
		provider:   provider,
		thresholds: thresholds,
		logger:     logger.With(zap.String("component", "volatility_monitor")),
		opts:       opts,
		now:        time.Now,
	}
}

// SetClock 替换时钟，用于测试
func (m *VolatilityMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// Value 市场波动率 0-1
func (m *VolatilityMonitor) Value(ctx context.Context) float64 {
	return m.Snapshot(ctx).Value
}

// Level 市场波动等级 low / medium / high
func (m *VolatilityMonitor) Level(ctx context.Context) string {
	return m.Snapshot(ctx).Level
}

// Snapshot 返回有效期内的快照，过期时重新计算
func (m *VolatilityMonitor) Snapshot(ctx context.Context) model.VolatilitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.snapshot.Fresh(now, m.opts.SnapshotTTL) {
		return copySnapshot(m.snapshot)
	}

	snap := m.compute(ctx, now)
	m.snapshot = &snap
	return copySnapshot(m.snapshot)
}

// Invalidate 丢弃缓存的快照
func (m *VolatilityMonitor) Invalidate() {
	m.mu.Lock()
	m.snapshot = nil
	m.mu.Unlock()
}

// LevelFor 波动率数值对应的等级
func LevelFor(value float64) string {
	switch {
	case value >= highLevelThreshold:
		return model.VolatilityHigh
	case value >= mediumLevelThreshold:
		return model.VolatilityMedium
	default:
		return model.VolatilityLow
	}
}

func (m *VolatilityMonitor) compute(ctx context.Context, now time.Time) model.VolatilitySnapshot {
	th := m.thresholds.VolatilityThresholds()

	vixBars := m.history(ctx, m.opts.VIXSymbol)
	indexBars := make(map[string][]model.Bar, len(m.opts.IndexSymbols))
	for _, symbol := range m.opts.IndexSymbols {
		indexBars[symbol] = m.history(ctx, symbol)
	}

	components := make(map[string]float64, 8)
	vix := vixFactor(vixBars, th)
	movement := movementFactor(indexBars)
	atr := atrFactor(indexBars)
	unusual := m.unusualFactor(vixBars, indexBars, th, components)

	components[ComponentVIX] = vix
	components[ComponentIndexMovement] = movement
	components[ComponentATR] = atr
	components[ComponentUnusual] = unusual

	value := indicators.Clamp(vixWeight*vix+movementWeight*movement+atrWeight*atr+unusualWeight*unusual, 0, 1)
	snap := model.VolatilitySnapshot{
		Value:      value,
		Level:      LevelFor(value),
		Components: components,
		ComputedAt: now,
	}

	m.logger.Info("市场波动率已更新",
		zap.Float64("value", value),
		zap.String("level", snap.Level),
		zap.Float64("vix_factor", vix),
		zap.Float64("index_movement_factor", movement),
		zap.Float64("atr_factor", atr),
		zap.Float64("unusual_factor", unusual))
	return snap
}

// history 获取正序K线，失败时返回 nil
func (m *VolatilityMonitor) history(ctx context.Context, symbol string) []model.Bar {
	bars, err := m.provider.GetMarketData(ctx, symbol, historyDays)
	if err != nil {
		m.logger.Warn("获取行情失败，使用中性值", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	return indicators.Chronological(bars)
}

func vixFactor(vixBars []model.Bar, th riskfactors.VolatilityThresholds) float64 {
	if len(vixBars) == 0 {
		return neutralFactor
	}
	latest := vixBars[len(vixBars)-1].Close
	return indicators.LinearScale(latest, th.LowVIXThreshold, th.HighVIXThreshold)
}

func movementFactor(indexBars map[string][]model.Bar) float64 {
	moves := make([]float64, 0, len(indexBars))
	for _, bars := range indexBars {
		if change, err := indicators.LastPercentChange(bars); err == nil {
			moves = append(moves, math.Abs(change))
		}
	}
	avg, err := indicators.Mean(moves)
	if err != nil {
		return neutralFactor
	}
	return indicators.LinearScale(avg, movementLow, movementHigh)
}

func atrFactor(indexBars map[string][]model.Bar) float64 {
	values := make([]float64, 0, len(indexBars))
	for _, bars := range indexBars {
		if len(bars) == 0 {
			continue
		}
		pct, err := indicators.ATRPercent(bars, atrPeriod, bars[len(bars)-1].Close)
		if err == nil {
			values = append(values, pct)
		}
	}
	avg, err := indicators.Mean(values)
	if err != nil {
		return neutralFactor
	}
	return indicators.LinearScale(avg, atrLow, atrHigh)
}

// unusualFactor 四项异常检查各占0.25，缺数据的检查视为未触发；全部缺数据时为0.5
func (m *VolatilityMonitor) unusualFactor(vixBars []model.Bar, indexBars map[string][]model.Bar, th riskfactors.VolatilityThresholds, components map[string]float64) float64 {
	checks := []struct {
		name string
		run  func() (triggered bool, hasData bool)
	}{
		{ComponentVIXSpike, func() (bool, bool) { return vixSpike(vixBars, th) }},
		{ComponentCorrelation, func() (bool, bool) { return correlationBreakdown(indexBars, th) }},
		{ComponentLiquidity, func() (bool, bool) { return liquidityCrisis(indexBars, th) }},
		{ComponentBlackSwan, func() (bool, bool) { return blackSwan(vixBars, indexBars[m.opts.PrimaryIndex], th) }},
	}

	anyData := false
	score := 0.0
	for _, c := range checks {
		triggered, hasData := c.run()
		if hasData {
			anyData = true
		}
		if triggered {
			score += 0.25
			components[c.name] = 1
		} else {
			components[c.name] = 0
		}
	}
	if !anyData {
		return neutralFactor
	}
	return score
}

// vixSpike VIX高于前10日均值 vix_spike_percent
func vixSpike(vixBars []model.Bar, th riskfactors.VolatilityThresholds) (bool, bool) {
	n := len(vixBars)
	if n < vixTrailingDays+1 {
		return false, false
	}
	trailing := indicators.Closes(vixBars[n-1-vixTrailingDays : n-1])
	avg, _ := indicators.Mean(trailing)
	if avg <= 0 {
		return false, false
	}
	return vixBars[n-1].Close > avg*(1+th.VIXSpikePercent/100), true
}

// correlationBreakdown 指数篮子同日涨跌分化
func correlationBreakdown(indexBars map[string][]model.Bar, th riskfactors.VolatilityThresholds) (bool, bool) {
	up, down, observed := 0, 0, 0
	for _, bars := range indexBars {
		change, err := indicators.LastPercentChange(bars)
		if err != nil {
			continue
		}
		observed++
		switch {
		case change > 0:
			up++
		case change < 0:
			down++
		}
	}
	required := int(th.CorrelationBreakdownCount)
	if observed < 2*required {
		return false, false
	}
	return up >= required && down >= required, true
}

// liquidityCrisis 价差放大且成交量萎缩的品种数达到阈值
func liquidityCrisis(indexBars map[string][]model.Bar, th riskfactors.VolatilityThresholds) (bool, bool) {
	hasData := false
	stressed := 0
	for _, bars := range indexBars {
		n := len(bars)
		if n < liquidityLookback+1 {
			continue
		}
		window := bars[n-1-liquidityLookback : n-1]
		spreads := make([]float64, len(window))
		for i, b := range window {
			spreads[i] = b.Spread
		}
		avgSpread, _ := indicators.Mean(spreads)
		avgVolume, _ := indicators.Mean(indicators.Volumes(window))
		if avgSpread <= 0 || avgVolume <= 0 {
			continue
		}
		hasData = true

		latest := bars[n-1]
		wideSpread := latest.Spread > avgSpread*(1+th.UnusualSpreadPercent/100)
		thinVolume := latest.Volume < avgVolume*(1-th.UnusualVolumePercent/100)
		if wideSpread && thinVolume {
			stressed++
		}
	}
	return stressed >= minLiquiditySymbol, hasData
}

// blackSwan 主指数单日大幅波动或VIX单日跳升
func blackSwan(vixBars, primary []model.Bar, th riskfactors.VolatilityThresholds) (bool, bool) {
	hasData := false
	triggered := false
	if move, err := indicators.LastPercentChange(primary); err == nil {
		hasData = true
		if math.Abs(move) > th.UnusualMovePercent {
			triggered = true
		}
	}
	if jump, err := indicators.LastPercentChange(vixBars); err == nil {
		hasData = true
		if jump > th.VIXJumpPercent {
			triggered = true
		}
	}
	return triggered, hasData
}

func copySnapshot(s *model.VolatilitySnapshot) model.VolatilitySnapshot {
	out := *s
	out.Components = make(map[string]float64, len(s.Components))
	for k, v := range s.Components {
		out.Components[k] = v
	}
	return out
}
