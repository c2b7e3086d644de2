package risk

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/indicators"
	"github.com/life2you_mini/riskguard/internal/marketdata"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
)

// 常量定义
const (
	// 数据缺失时的中性值
	neutralFactor = 0.5

	// 技术信号项的放大倍数，名义权重0.05，实际贡献0.5
	technicalAmplifier = 10.0

	timeHeldFullDays     = 60.0
	correlationDays      = 30
	correlationMinPoints = 10
	symbolATRPeriod      = 14
	symbolATRLow         = 1.0
	symbolATRHigh        = 5.0
	technicalHistoryDays = 60
	technicalCheckCount  = 5

	maLongPeriod     = 50
	maShortPeriod    = 20
	rsiPeriod        = 14
	rsiOverbought    = 70.0
	rsiOversold      = 30.0
	volumeLookback   = 20
	volumeSpikeRatio = 2.0
	rangeLookback    = 20
)

// ErrInvalidPosition 持仓数据无效
var ErrInvalidPosition = errors.New("无效的持仓")

// VolatilitySource 市场波动率来源
type VolatilitySource interface {
	Value(ctx context.Context) float64
}

// FactorSource 风险因子来源，一般为 riskfactors.Registry
type FactorSource interface {
	PortfolioRisk() riskfactors.PortfolioRisk
	RiskResponse() riskfactors.RiskResponse
	ScoringWeights() riskfactors.ScoringWeights
	GetSectorRiskRating(sector string) float64
}

// SectorResolver 持仓未带板块时解析股票所属板块
type SectorResolver interface {
	ResolveSector(ctx context.Context, symbol string) (string, error)
}

// StaticSectorResolver 固定映射，未命中时返回 Default
type StaticSectorResolver struct {
	Default string
	Sectors map[string]string
}

// ResolveSector 实现 SectorResolver
func (r StaticSectorResolver) ResolveSector(_ context.Context, symbol string) (string, error) {
	if sector, ok := r.Sectors[strings.ToUpper(symbol)]; ok {
		return sector, nil
	}
	return r.Default, nil
}

// EarningsCalendar 财报日历
type EarningsCalendar interface {
	// NextEarnings 下一个财报日，未知时 ok 为 false
	NextEarnings(ctx context.Context, symbol string) (date time.Time, ok bool, err error)
}

// StaticEarningsCalendar 固定的财报日映射，空映射表示所有财报日未知
type StaticEarningsCalendar map[string]time.Time

// NextEarnings 实现 EarningsCalendar
func (c StaticEarningsCalendar) NextEarnings(_ context.Context, symbol string) (time.Time, bool, error) {
	date, ok := c[strings.ToUpper(symbol)]
	return date, ok, nil
}

// CalculatorOptions 风险计算器配置
type CalculatorOptions struct {
	MarketProxy string
	Sectors     SectorResolver
	Earnings    EarningsCalendar
}

// Calculator 持仓风险计算器
type Calculator struct {
	provider    marketdata.Provider
	volatility  VolatilitySource
	factors     FactorSource
	sectors     SectorResolver
	earnings    EarningsCalendar
	marketProxy string
	logger      *zap.Logger
	now         func() time.Time
}

// NewCalculator 创建风险计算器
func NewCalculator(provider marketdata.Provider, volatility VolatilitySource, factors FactorSource, logger *zap.Logger, opts CalculatorOptions) *Calculator {
	if opts.MarketProxy == "" {
		opts.MarketProxy = "SPY"
	}
	if opts.Sectors == nil {
		opts.Sectors = StaticSectorResolver{Default: "Technology"}
	}
	if opts.Earnings == nil {
		opts.Earnings = StaticEarningsCalendar{}
	}
	return &Calculator{
		provider:    provider,
		volatility:  volatility,
		factors:     factors,
		sectors:     opts.Sectors,
		earnings:    opts.Earnings,
		marketProxy: opts.MarketProxy,
		logger:      logger.With(zap.String("component", "risk_calculator")),
		now:         time.Now,
	}
}

// Assess 计算单个持仓的风险评估，行情缺失的因子使用中性值
func (c *Calculator) Assess(ctx context.Context, position *model.Position, portfolio []model.Position) (*model.RiskAssessment, error) {
	if position == nil || position.Symbol == "" {
		return nil, ErrInvalidPosition
	}
	now := c.now()

	price := position.CurrentPrice
	if price <= 0 {
		if latest, err := c.provider.GetLatestPrice(ctx, position.Symbol); err == nil {
			price = latest
		}
	}
	pos := *position
	pos.CurrentPrice = price

	details := map[string]float64{
		model.FactorPortfolioPercentage:   PortfolioPercentage(&pos, portfolio),
		model.FactorUnrealizedLossPercent: UnrealizedLoss(&pos),
		model.FactorTimeHeld:              TimeHeld(pos.OpenTime, now),
		model.FactorMarketVolatility:      indicators.Clamp(c.volatility.Value(ctx), 0, 1),
		model.FactorCorrelationToMarket:   c.correlation(ctx, pos.Symbol),
		model.FactorSymbolVolatility:      c.symbolVolatility(ctx, pos.Symbol, price),
		model.FactorSectorRisk:            c.sectorRisk(ctx, &pos),
		model.FactorEarningsProximity:     c.earningsProximity(ctx, pos.Symbol, now),
		model.FactorTechnicalSignals:      c.technicalSignals(ctx, &pos),
	}

	score := CompositeScore(c.factors.ScoringWeights(), details)
	assessment := &model.RiskAssessment{
		PositionID: position.ID,
		RiskScore:  score,
		RiskLevel:  RiskLevel(score, c.factors.PortfolioRisk()),
		Details:    details,
		AssessedAt: now,
	}

	c.logger.Debug("持仓风险评估完成",
		zap.Int64("position_id", position.ID),
		zap.String("symbol", position.Symbol),
		zap.Float64("risk_score", score),
		zap.String("risk_level", assessment.RiskLevel),
		zap.Any("details", details))
	return assessment, nil
}

// CompositeScore 加权综合评分 0-100，未实现盈亏取绝对值，技术信号项放大10倍
func CompositeScore(w riskfactors.ScoringWeights, f map[string]float64) float64 {
	sum := w.PortfolioPercentage*f[model.FactorPortfolioPercentage] +
		w.UnrealizedLossPercentage*math.Abs(f[model.FactorUnrealizedLossPercent]) +
		w.TimeHeldFactor*f[model.FactorTimeHeld] +
		w.MarketVolatility*f[model.FactorMarketVolatility] +
		w.CorrelationToMarket*f[model.FactorCorrelationToMarket] +
		w.SymbolVolatility*f[model.FactorSymbolVolatility] +
		w.SectorRisk*f[model.FactorSectorRisk] +
		w.EarningsProximity*f[model.FactorEarningsProximity] +
		w.TechnicalSignals*technicalAmplifier*f[model.FactorTechnicalSignals]
	return indicators.Clamp(100*sum, 0, 100)
}

// RiskLevel 评分对应的风险等级，边界值归入较高等级
func RiskLevel(score float64, th riskfactors.PortfolioRisk) string {
	switch {
	case score >= th.SevereRiskThreshold:
		return model.RiskLevelSevere
	case score >= th.HighRiskThreshold:
		return model.RiskLevelHigh
	case score >= th.ModerateRiskThreshold:
		return model.RiskLevelModerate
	default:
		return model.RiskLevelLow
	}
}

// PortfolioPercentage 持仓市值占组合市值比例，组合市值下限为1
func PortfolioPercentage(position *model.Position, portfolio []model.Position) float64 {
	total := 0.0
	included := false
	for i := range portfolio {
		if portfolio[i].ID == position.ID {
			included = true
			total += position.MarketValue()
			continue
		}
		if portfolio[i].Status == model.StatusClosed {
			continue
		}
		total += portfolio[i].MarketValue()
	}
	if !included {
		total += position.MarketValue()
	}
	total = math.Max(total, 1)
	return indicators.Clamp(position.MarketValue()/total, 0, 1)
}

// UnrealizedLoss 浮动盈亏比例 [-1,1]，入场价为0时返回0
func UnrealizedLoss(position *model.Position) float64 {
	if position.EntryPrice <= 0 {
		return 0
	}
	var pnl float64
	if position.IsLong() {
		pnl = (position.CurrentPrice - position.EntryPrice) / position.EntryPrice
	} else {
		pnl = (position.EntryPrice - position.CurrentPrice) / position.EntryPrice
	}
	return indicators.Clamp(pnl, -1, 1)
}

// TimeHeld 持仓天数/60，上限为1
func TimeHeld(openTime, now time.Time) float64 {
	if openTime.IsZero() || now.Before(openTime) {
		return 0
	}
	days := math.Floor(now.Sub(openTime).Hours() / 24)
	return indicators.Clamp(days/timeHeldFullDays, 0, 1)
}

// EarningsProximity 距下次财报天数的阶梯值
func EarningsProximity(daysUntil int) float64 {
	switch {
	case daysUntil <= 5:
		return 1.0
	case daysUntil <= 10:
		return 0.8
	case daysUntil <= 20:
		return 0.5
	default:
		return 0.2
	}
}

func (c *Calculator) correlation(ctx context.Context, symbol string) float64 {
	symbolBars, err := c.provider.GetMarketData(ctx, symbol, correlationDays+1)
	if err != nil {
		return neutralFactor
	}
	proxyBars, err := c.provider.GetMarketData(ctx, c.marketProxy, correlationDays+1)
	if err != nil {
		return neutralFactor
	}
	corr, err := indicators.PearsonCorrelation(
		indicators.PercentChanges(indicators.Chronological(symbolBars)),
		indicators.PercentChanges(indicators.Chronological(proxyBars)),
		correlationMinPoints,
	)
	if err != nil {
		return neutralFactor
	}
	return math.Abs(corr)
}

func (c *Calculator) symbolVolatility(ctx context.Context, symbol string, price float64) float64 {
	bars, err := c.provider.GetMarketData(ctx, symbol, symbolATRPeriod+1)
	if err != nil || len(bars) == 0 {
		return neutralFactor
	}
	if price <= 0 {
		price = bars[0].Close
	}
	pct, err := indicators.ATRPercent(indicators.Chronological(bars), symbolATRPeriod, price)
	if err != nil {
		return neutralFactor
	}
	return indicators.LinearScale(pct, symbolATRLow, symbolATRHigh)
}

func (c *Calculator) sectorRisk(ctx context.Context, position *model.Position) float64 {
	sector := position.Sector
	if sector == "" {
		resolved, err := c.sectors.ResolveSector(ctx, position.Symbol)
		if err != nil {
			c.logger.Warn("解析板块失败", zap.String("symbol", position.Symbol), zap.Error(err))
		}
		sector = resolved
	}
	return indicators.Clamp(c.factors.GetSectorRiskRating(sector), 0, 1)
}

func (c *Calculator) earningsProximity(ctx context.Context, symbol string, now time.Time) float64 {
	date, ok, err := c.earnings.NextEarnings(ctx, symbol)
	if err != nil {
		c.logger.Warn("查询财报日失败", zap.String("symbol", symbol), zap.Error(err))
		return neutralFactor
	}
	if !ok || date.Before(now.Truncate(24*time.Hour)) {
		return neutralFactor
	}
	days := int(math.Floor(date.Sub(now).Hours() / 24))
	if days < 0 {
		days = 0
	}
	return EarningsProximity(days)
}

// technicalSignals 五项技术预警中触发的比例，缺数据的检查视为未触发
func (c *Calculator) technicalSignals(ctx context.Context, position *model.Position) float64 {
	bars, err := c.provider.GetMarketData(ctx, position.Symbol, technicalHistoryDays)
	if err != nil {
		return 0
	}
	signals := TechnicalSignals(indicators.Chronological(bars), position.IsLong())
	active := 0
	for _, on := range signals {
		if on {
			active++
		}
	}
	return float64(active) / technicalCheckCount
}

// TechnicalSignals 对时间正序K线执行五项技术检查
func TechnicalSignals(bars []model.Bar, long bool) map[string]bool {
	signals := map[string]bool{
		"trend_against":   false,
		"ma_cross":        false,
		"rsi_extreme":     false,
		"volume_spike":    false,
		"range_breakdown": false,
	}
	n := len(bars)
	if n == 0 {
		return signals
	}
	closes := indicators.Closes(bars)
	last := bars[n-1]

	if sma20, err := indicators.SMA(closes, maShortPeriod); err == nil {
		if long {
			signals["trend_against"] = last.Close < sma20
		} else {
			signals["trend_against"] = last.Close > sma20
		}
		if sma50, err := indicators.SMA(closes, maLongPeriod); err == nil {
			if long {
				signals["ma_cross"] = sma20 < sma50
			} else {
				signals["ma_cross"] = sma20 > sma50
			}
		}
	}

	if rsi, err := indicators.RSI(closes, rsiPeriod); err == nil {
		signals["rsi_extreme"] = rsi > rsiOverbought || rsi < rsiOversold
	}

	if n > volumeLookback {
		avg, _ := indicators.Mean(indicators.Volumes(bars[n-1-volumeLookback : n-1]))
		signals["volume_spike"] = avg > 0 && last.Volume > volumeSpikeRatio*avg
	}

	if n > rangeLookback {
		prior := bars[n-1-rangeLookback : n-1]
		if long {
			low := prior[0].Low
			for _, b := range prior[1:] {
				low = math.Min(low, b.Low)
			}
			signals["range_breakdown"] = last.Close < low
		} else {
			high := prior[0].High
			for _, b := range prior[1:] {
				high = math.Max(high, b.High)
			}
			signals["range_breakdown"] = last.Close > high
		}
	}
	return signals
}
