package riskfactors

import (
	"errors"
	"fmt"
	"sort"
)

// 当前配置结构版本
const CurrentVersion = 2

// 配置类别
const (
	CategoryPortfolioRisk        = "portfolio_risk"
	CategoryVolatilityThresholds = "volatility_thresholds"
	CategoryRiskResponse         = "risk_response"
	CategoryScoringWeights       = "scoring_weights"
)

var (
	// ErrUnknownCategory 未知的配置类别
	ErrUnknownCategory = errors.New("未知的风险因子类别")
	// ErrUnknownFactor 未知的风险因子
	ErrUnknownFactor = errors.New("未知的风险因子")
	// ErrInvalidValue 因子取值不是有限数
	ErrInvalidValue = errors.New("无效的风险因子取值")
)

// PortfolioRisk 组合风险阈值
type PortfolioRisk struct {
	MaxPositionSizePercent   float64 `json:"max_position_size_percent" mapstructure:"max_position_size_percent"`
	MaxSectorExposurePercent float64 `json:"max_sector_exposure_percent" mapstructure:"max_sector_exposure_percent"`
	ModerateRiskThreshold    float64 `json:"moderate_risk_threshold" mapstructure:"moderate_risk_threshold"`
	HighRiskThreshold        float64 `json:"high_risk_threshold" mapstructure:"high_risk_threshold"`
	SevereRiskThreshold      float64 `json:"severe_risk_threshold" mapstructure:"severe_risk_threshold"`
}

// VolatilityThresholds 波动率相关阈值
type VolatilityThresholds struct {
	LowVIXThreshold           float64 `json:"low_vix_threshold" mapstructure:"low_vix_threshold"`
	HighVIXThreshold          float64 `json:"high_vix_threshold" mapstructure:"high_vix_threshold"`
	VIXSpikePercent           float64 `json:"vix_spike_percent" mapstructure:"vix_spike_percent"`                     // 高于10日均值的百分比
	UnusualVolumePercent      float64 `json:"unusual_volume_percent" mapstructure:"unusual_volume_percent"`           // 低于30日均量的百分比
	UnusualSpreadPercent      float64 `json:"unusual_spread_percent" mapstructure:"unusual_spread_percent"`           // 高于30日均值的百分比
	UnusualMovePercent        float64 `json:"unusual_move_percent" mapstructure:"unusual_move_percent"`               // 主指数单日涨跌幅
	VIXJumpPercent            float64 `json:"vix_jump_percent" mapstructure:"vix_jump_percent"`                       // VIX单日涨幅
	CorrelationBreakdownCount float64 `json:"correlation_breakdown_count" mapstructure:"correlation_breakdown_count"` // 每个方向至少几只指数
}

// RiskResponse 风险处置参数
type RiskResponse struct {
	ModerateStopTighteningFactor     float64 `json:"moderate_stop_tightening_factor" mapstructure:"moderate_stop_tightening_factor"`
	HighStopTighteningFactor         float64 `json:"high_stop_tightening_factor" mapstructure:"high_stop_tightening_factor"`
	HighRiskPositionReductionPercent float64 `json:"high_risk_position_reduction_percent" mapstructure:"high_risk_position_reduction_percent"`
}

// ScoringWeights 综合评分权重，合计为1
type ScoringWeights struct {
	PortfolioPercentage      float64 `json:"portfolio_percentage" mapstructure:"portfolio_percentage"`
	UnrealizedLossPercentage float64 `json:"unrealized_loss_percentage" mapstructure:"unrealized_loss_percentage"`
	TimeHeldFactor           float64 `json:"time_held_factor" mapstructure:"time_held_factor"`
	MarketVolatility         float64 `json:"market_volatility" mapstructure:"market_volatility"`
	CorrelationToMarket      float64 `json:"correlation_to_market" mapstructure:"correlation_to_market"`
	SymbolVolatility         float64 `json:"symbol_volatility" mapstructure:"symbol_volatility"`
	SectorRisk               float64 `json:"sector_risk" mapstructure:"sector_risk"`
	EarningsProximity        float64 `json:"earnings_proximity" mapstructure:"earnings_proximity"`
	TechnicalSignals         float64 `json:"technical_signals" mapstructure:"technical_signals"`
}

// Sum 权重合计
func (w ScoringWeights) Sum() float64 {
	return w.PortfolioPercentage + w.UnrealizedLossPercentage + w.TimeHeldFactor +
		w.MarketVolatility + w.CorrelationToMarket + w.SymbolVolatility +
		w.SectorRisk + w.EarningsProximity + w.TechnicalSignals
}

// RiskFactors 完整的风险因子配置
type RiskFactors struct {
	Version              int                  `json:"version"`
	PortfolioRisk        PortfolioRisk        `json:"portfolio_risk"`
	VolatilityThresholds VolatilityThresholds `json:"volatility_thresholds"`
	RiskResponse         RiskResponse         `json:"risk_response"`
	ScoringWeights       ScoringWeights       `json:"scoring_weights"`
	SectorRatings        map[string]float64   `json:"sector_ratings"`
	SectorETFs           map[string]string    `json:"sector_etfs"`
	LastRefresh          string               `json:"last_refresh,omitempty"` // YYYY-MM-DD
}

// DefaultRiskFactors 默认风险因子配置
func DefaultRiskFactors() RiskFactors {
	return RiskFactors{
		Version: CurrentVersion,
		PortfolioRisk: PortfolioRisk{
			MaxPositionSizePercent:   5,
			MaxSectorExposurePercent: 25,
			ModerateRiskThreshold:    25,
			HighRiskThreshold:        50,
			SevereRiskThreshold:      75,
		},
		VolatilityThresholds: VolatilityThresholds{
			LowVIXThreshold:           15,
			HighVIXThreshold:          30,
			VIXSpikePercent:           20,
			UnusualVolumePercent:      40,
			UnusualSpreadPercent:      200,
			UnusualMovePercent:        4,
			VIXJumpPercent:            40,
			CorrelationBreakdownCount: 2,
		},
		RiskResponse: RiskResponse{
			ModerateStopTighteningFactor:     0.8,
			HighStopTighteningFactor:         0.6,
			HighRiskPositionReductionPercent: 50,
		},
		ScoringWeights: ScoringWeights{
			PortfolioPercentage:      0.20,
			UnrealizedLossPercentage: 0.15,
			TimeHeldFactor:           0.05,
			MarketVolatility:         0.15,
			CorrelationToMarket:      0.10,
			SymbolVolatility:         0.10,
			SectorRisk:               0.10,
			EarningsProximity:        0.10,
			TechnicalSignals:         0.05,
		},
		SectorRatings: map[string]float64{
			"Technology":             0.6,
			"Communication Services": 0.55,
			"Consumer Discretionary": 0.6,
			"Consumer Staples":       0.3,
			"Energy":                 0.7,
			"Financials":             0.5,
			"Healthcare":             0.4,
			"Industrials":            0.45,
			"Materials":              0.5,
			"Real Estate":            0.5,
			"Utilities":              0.25,
		},
		SectorETFs: map[string]string{
			"Technology":             "XLK",
			"Communication Services": "XLC",
			"Consumer Discretionary": "XLY",
			"Consumer Staples":       "XLP",
			"Energy":                 "XLE",
			"Financials":             "XLF",
			"Healthcare":             "XLV",
			"Industrials":            "XLI",
			"Materials":              "XLB",
			"Real Estate":            "XLRE",
			"Utilities":              "XLU",
		},
	}
}

// Clone 深拷贝
func (f RiskFactors) Clone() RiskFactors {
	out := f
	out.SectorRatings = make(map[string]float64, len(f.SectorRatings))
	for k, v := range f.SectorRatings {
		out.SectorRatings[k] = v
	}
	out.SectorETFs = make(map[string]string, len(f.SectorETFs))
	for k, v := range f.SectorETFs {
		out.SectorETFs[k] = v
	}
	return out
}

// fields 按 类别 -> 因子名 返回字段指针
func (f *RiskFactors) fields() map[string]map[string]*float64 {
	return map[string]map[string]*float64{
		CategoryPortfolioRisk: {
			"max_position_size_percent":   &f.PortfolioRisk.MaxPositionSizePercent,
			"max_sector_exposure_percent": &f.PortfolioRisk.MaxSectorExposurePercent,
			"moderate_risk_threshold":     &f.PortfolioRisk.ModerateRiskThreshold,
			"high_risk_threshold":         &f.PortfolioRisk.HighRiskThreshold,
			"severe_risk_threshold":       &f.PortfolioRisk.SevereRiskThreshold,
		},
		CategoryVolatilityThresholds: {
			"low_vix_threshold":           &f.VolatilityThresholds.LowVIXThreshold,
			"high_vix_threshold":          &f.VolatilityThresholds.HighVIXThreshold,
			"vix_spike_percent":           &f.VolatilityThresholds.VIXSpikePercent,
			"unusual_volume_percent":      &f.VolatilityThresholds.UnusualVolumePercent,
			"unusual_spread_percent":      &f.VolatilityThresholds.UnusualSpreadPercent,
			"unusual_move_percent":        &f.VolatilityThresholds.UnusualMovePercent,
			"vix_jump_percent":            &f.VolatilityThresholds.VIXJumpPercent,
			"correlation_breakdown_count": &f.VolatilityThresholds.CorrelationBreakdownCount,
		},
		CategoryRiskResponse: {
			"moderate_stop_tightening_factor":      &f.RiskResponse.ModerateStopTighteningFactor,
			"high_stop_tightening_factor":          &f.RiskResponse.HighStopTighteningFactor,
			"high_risk_position_reduction_percent": &f.RiskResponse.HighRiskPositionReductionPercent,
		},
		CategoryScoringWeights: {
			"portfolio_percentage":       &f.ScoringWeights.PortfolioPercentage,
			"unrealized_loss_percentage": &f.ScoringWeights.UnrealizedLossPercentage,
			"time_held_factor":           &f.ScoringWeights.TimeHeldFactor,
			"market_volatility":          &f.ScoringWeights.MarketVolatility,
			"correlation_to_market":      &f.ScoringWeights.CorrelationToMarket,
			"symbol_volatility":          &f.ScoringWeights.SymbolVolatility,
			"sector_risk":                &f.ScoringWeights.SectorRisk,
			"earnings_proximity":         &f.ScoringWeights.EarningsProximity,
			"technical_signals":          &f.ScoringWeights.TechnicalSignals,
		},
	}
}

func (f *RiskFactors) field(category, name string) (*float64, error) {
	cat, ok := f.fields()[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	ptr, ok := cat[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownFactor, category, name)
	}
	return ptr, nil
}

// Categories 所有类别名称
func Categories() []string {
	var f RiskFactors
	names := make([]string, 0, 4)
	for name := range f.fields() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
