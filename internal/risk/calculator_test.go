package risk

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/riskguard/internal/marketdata"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
)

type constVol float64

func (v constVol) Value(context.Context) float64 { return float64(v) }

func newRegistry(t *testing.T) *riskfactors.Registry {
	t.Helper()
	return riskfactors.NewRegistry(riskfactors.NewMemoryStore(), marketdata.NewMemoryProvider(), zaptest.NewLogger(t))
}

func zeroFactors() map[string]float64 {
	return map[string]float64{
		model.FactorPortfolioPercentage:   0,
		model.FactorUnrealizedLossPercent: 0,
		model.FactorTimeHeld:              0,
		model.FactorMarketVolatility:      0,
		model.FactorCorrelationToMarket:   0,
		model.FactorSymbolVolatility:      0,
		model.FactorSectorRisk:            0,
		model.FactorEarningsProximity:     0,
		model.FactorTechnicalSignals:      0,
	}
}

func TestCompositeScore_Scenarios(t *testing.T) {
	defaults := riskfactors.DefaultRiskFactors()
	weights := defaults.ScoringWeights
	th := defaults.PortfolioRisk

	// 单一持仓占满 $100 组合
	position := &model.Position{ID: 1, Symbol: "AAPL", Direction: model.DirectionLong, EntryPrice: 100, CurrentPrice: 100, PositionSize: 1}
	a := zeroFactors()
	a[model.FactorPortfolioPercentage] = PortfolioPercentage(position, []model.Position{*position})
	a[model.FactorUnrealizedLossPercent] = UnrealizedLoss(position)
	scoreA := CompositeScore(weights, a)
	assert.InDelta(t, 20, scoreA, 1e-9)
	assert.Equal(t, model.RiskLevelLow, RiskLevel(scoreA, th))
	assert.Equal(t, model.ActionNone, DecideAction(scoreA, th))

	b := zeroFactors()
	b[model.FactorPortfolioPercentage] = 1
	b[model.FactorMarketVolatility] = 1
	scoreB := CompositeScore(weights, b)
	assert.InDelta(t, 35, scoreB, 1e-9)
	assert.Equal(t, model.RiskLevelModerate, RiskLevel(scoreB, th))
	assert.Equal(t, model.ActionAdjustStopLoss, DecideAction(scoreB, th))

	c := zeroFactors()
	c[model.FactorPortfolioPercentage] = 1
	c[model.FactorUnrealizedLossPercent] = -1
	c[model.FactorMarketVolatility] = 1
	c[model.FactorCorrelationToMarket] = 1
	c[model.FactorSymbolVolatility] = 1
	c[model.FactorSectorRisk] = 1
	scoreC := CompositeScore(weights, c)
	assert.InDelta(t, 80, scoreC, 1e-9)
	assert.Equal(t, model.RiskLevelSevere, RiskLevel(scoreC, th))
	assert.Equal(t, model.ActionClosePosition, DecideAction(scoreC, th))
}

func TestCompositeScore_TechnicalAmplified(t *testing.T) {
	f := zeroFactors()
	f[model.FactorTechnicalSignals] = 1
	assert.InDelta(t, 50, CompositeScore(riskfactors.DefaultRiskFactors().ScoringWeights, f), 1e-9)
}

func TestCompositeScore_AlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	weights := riskfactors.DefaultRiskFactors().ScoringWeights
	for i := 0; i < 2000; i++ {
		f := zeroFactors()
		for k := range f {
			f[k] = rng.Float64()
		}
		f[model.FactorUnrealizedLossPercent] = rng.Float64()*2 - 1
		score := CompositeScore(weights, f)
		require.GreaterOrEqual(t, score, 0.0)
		require.LessOrEqual(t, score, 100.0)
	}
}

func TestRiskLevel_Boundaries(t *testing.T) {
	th := riskfactors.DefaultRiskFactors().PortfolioRisk
	tests := []struct {
		score float64
		level string
	}{
		{0, model.RiskLevelLow},
		{24.999, model.RiskLevelLow},
		{25, model.RiskLevelModerate},
		{49.999, model.RiskLevelModerate},
		{50, model.RiskLevelHigh},
		{74.999, model.RiskLevelHigh},
		{75, model.RiskLevelSevere},
		{100, model.RiskLevelSevere},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, RiskLevel(tt.score, th), "score=%v", tt.score)
	}
}

func TestDecideAction_Boundaries(t *testing.T) {
	th := riskfactors.DefaultRiskFactors().PortfolioRisk
	tests := []struct {
		score  float64
		action string
	}{
		{25, model.ActionNone},
		{25.01, model.ActionAdjustStopLoss},
		{50, model.ActionAdjustStopLoss},
		{50.01, model.ActionReducePosition},
		{75, model.ActionReducePosition},
		{75.01, model.ActionClosePosition},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.action, DecideAction(tt.score, th), "score=%v", tt.score)
	}
}

func TestFactorHelpers(t *testing.T) {
	long := &model.Position{ID: 1, Direction: model.DirectionLong, EntryPrice: 100, CurrentPrice: 90, PositionSize: 0.005}
	short := &model.Position{ID: 2, Direction: model.DirectionShort, EntryPrice: 100, CurrentPrice: 90, PositionSize: 1}

	assert.InDelta(t, -0.1, UnrealizedLoss(long), 1e-9)
	assert.InDelta(t, 0.1, UnrealizedLoss(short), 1e-9)
	assert.Equal(t, 0.0, UnrealizedLoss(&model.Position{CurrentPrice: 5}))
	assert.Equal(t, -1.0, UnrealizedLoss(&model.Position{Direction: model.DirectionShort, EntryPrice: 1, CurrentPrice: 10}))

	// 组合市值下限为1
	assert.InDelta(t, 0.45, PortfolioPercentage(long, []model.Position{*long}), 1e-9)
	assert.InDelta(t, 90.0/(90+0.45), PortfolioPercentage(short, []model.Position{*long, *short}), 1e-9)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0.5, TimeHeld(now.AddDate(0, 0, -30), now))
	assert.Equal(t, 1.0, TimeHeld(now.AddDate(0, 0, -90), now))
	assert.Equal(t, 0.0, TimeHeld(now.Add(time.Hour), now))

	assert.Equal(t, 1.0, EarningsProximity(0))
	assert.Equal(t, 1.0, EarningsProximity(5))
	assert.Equal(t, 0.8, EarningsProximity(10))
	assert.Equal(t, 0.5, EarningsProximity(20))
	assert.Equal(t, 0.2, EarningsProximity(21))
}

func trendingBars(start time.Time, first float64, step float64, n int) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		c := first + step*float64(i)
		bars[i] = model.Bar{Date: start.AddDate(0, 0, i), Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 1000}
	}
	return bars
}

func TestTechnicalSignals(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	falling := trendingBars(start, 160, -1, 60)

	long := TechnicalSignals(falling, true)
	assert.True(t, long["trend_against"])
	assert.True(t, long["ma_cross"])
	assert.True(t, long["rsi_extreme"])
	assert.True(t, long["range_breakdown"])
	assert.False(t, long["volume_spike"])

	short := TechnicalSignals(falling, false)
	assert.False(t, short["trend_against"])
	assert.False(t, short["ma_cross"])
	assert.True(t, short["rsi_extreme"])
	assert.False(t, short["range_breakdown"])

	falling[len(falling)-1].Volume = 3000
	assert.True(t, TechnicalSignals(falling, true)["volume_spike"])

	for _, on := range TechnicalSignals(nil, true) {
		assert.False(t, on)
	}
}

func TestCalculator_AssessWithoutMarketData(t *testing.T) {
	now := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	calc := NewCalculator(marketdata.NewMemoryProvider(), constVol(0.2), newRegistry(t), zaptest.NewLogger(t), CalculatorOptions{})
	calc.now = func() time.Time { return now }

	position := model.Position{
		ID: 1, Symbol: "NEE", Direction: model.DirectionLong, EntryPrice: 100, CurrentPrice: 100,
		PositionSize: 10, OpenTime: now.AddDate(0, 0, -30), Sector: "Utilities", Status: model.StatusOpen,
	}
	other := model.Position{ID: 2, Symbol: "MSFT", Direction: model.DirectionLong, CurrentPrice: 300, PositionSize: 10, Status: model.StatusOpen}

	a, err := calc.Assess(context.Background(), &position, []model.Position{position, other})
	require.NoError(t, err)

	assert.InDelta(t, 0.25, a.Details[model.FactorPortfolioPercentage], 1e-9)
	assert.Equal(t, 0.0, a.Details[model.FactorUnrealizedLossPercent])
	assert.Equal(t, 0.5, a.Details[model.FactorTimeHeld])
	assert.Equal(t, 0.2, a.Details[model.FactorMarketVolatility])
	assert.Equal(t, 0.5, a.Details[model.FactorCorrelationToMarket])
	assert.Equal(t, 0.5, a.Details[model.FactorSymbolVolatility])
	assert.Equal(t, 0.25, a.Details[model.FactorSectorRisk])
	assert.Equal(t, 0.5, a.Details[model.FactorEarningsProximity])
	assert.Equal(t, 0.0, a.Details[model.FactorTechnicalSignals])
	assert.InDelta(t, 28, a.RiskScore, 1e-9)
	assert.Equal(t, model.RiskLevelModerate, a.RiskLevel)
}

func TestCalculator_CorrelationAndEarnings(t *testing.T) {
	now := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -31)
	rng := rand.New(rand.NewSource(3))

	spy := make([]model.Bar, 31)
	inverse := make([]model.Bar, 31)
	price := 100.0
	for i := range spy {
		price *= 1 + (rng.Float64()-0.5)/50
		spy[i] = model.Bar{Date: start.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price}
		inverse[i] = model.Bar{Date: spy[i].Date, Open: 200 - price, High: 200 - price, Low: 200 - price, Close: 200 - price}
	}

	provider := marketdata.NewMemoryProvider()
	provider.SetBars("SPY", spy)
	provider.SetBars("SH", inverse)

	calc := NewCalculator(provider, constVol(0), newRegistry(t), zaptest.NewLogger(t), CalculatorOptions{
		Earnings: StaticEarningsCalendar{"SH": now.AddDate(0, 0, 3)},
		Sectors:  StaticSectorResolver{Default: "Technology", Sectors: map[string]string{"SH": "Financials"}},
	})
	calc.now = func() time.Time { return now }

	position := model.Position{ID: 5, Symbol: "SH", Direction: model.DirectionLong, EntryPrice: 100, CurrentPrice: 100, PositionSize: 1}
	a, err := calc.Assess(context.Background(), &position, nil)
	require.NoError(t, err)

	corr := a.Details[model.FactorCorrelationToMarket]
	assert.GreaterOrEqual(t, corr, 0.0)
	assert.LessOrEqual(t, corr, 1.0)
	assert.Greater(t, corr, 0.95, "反向ETF与大盘高度负相关，取绝对值")
	assert.Equal(t, 1.0, a.Details[model.FactorEarningsProximity])
	assert.Equal(t, 0.5, a.Details[model.FactorSectorRisk])
	assert.False(t, math.IsNaN(a.RiskScore))
}

func TestCalculator_InvalidPosition(t *testing.T) {
	calc := NewCalculator(marketdata.NewMemoryProvider(), constVol(0), newRegistry(t), zaptest.NewLogger(t), CalculatorOptions{})
	_, err := calc.Assess(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}
