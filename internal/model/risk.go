package model

import (
	"time"
)

// 风险等级
const (
	RiskLevelLow      = "low"
	RiskLevelModerate = "moderate"
	RiskLevelHigh     = "high"
	RiskLevelSevere   = "severe"
)

// 风险处置动作
const (
	ActionNone           = "none"
	ActionAdjustStopLoss = "adjust_stop_loss"
	ActionReducePosition = "reduce_position"
	ActionClosePosition  = "close_position"
)

// 处置结果
const (
	ResultSuccess = "success"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// 风险因子名称
const (
	FactorPortfolioPercentage   = "portfolio_percentage"
	FactorUnrealizedLossPercent = "unrealized_loss_percentage"
	FactorTimeHeld              = "time_held_factor"
	FactorMarketVolatility      = "market_volatility"
	FactorCorrelationToMarket   = "correlation_to_market"
	FactorSymbolVolatility      = "symbol_volatility"
	FactorSectorRisk            = "sector_risk"
	FactorEarningsProximity     = "earnings_proximity"
	FactorTechnicalSignals      = "technical_signals"
)

// RiskAssessment 单次风险评估结果，不持久化
type RiskAssessment struct {
	PositionID int64              `json:"position_id"`
	RiskScore  float64            `json:"risk_score"` // 0-100
	RiskLevel  string             `json:"risk_level"`
	Details    map[string]float64 `json:"details"`
	AssessedAt time.Time          `json:"assessed_at"`
}

// RiskActionLogEntry 风险处置日志，写入后不可修改
type RiskActionLogEntry struct {
	ID                   int64     `json:"id" db:"id"`
	PositionID           int64     `json:"position_id" db:"position_id"`
	ActionTime           time.Time `json:"action_time" db:"action_time"`
	ActionType           string    `json:"action_type" db:"action_type"`
	PreviousStopLoss     *float64  `json:"previous_stop_loss,omitempty" db:"previous_stop_loss"`
	NewStopLoss          *float64  `json:"new_stop_loss,omitempty" db:"new_stop_loss"`
	PreviousPositionSize *float64  `json:"previous_position_size,omitempty" db:"previous_position_size"`
	NewPositionSize      *float64  `json:"new_position_size,omitempty" db:"new_position_size"`
	MarketVolatility     *float64  `json:"market_volatility,omitempty" db:"market_volatility"`
	RiskMetric           float64   `json:"risk_metric" db:"risk_metric"`
	Reason               string    `json:"reason" db:"reason"`
	Result               *string   `json:"result,omitempty" db:"result"`
}

// PerformanceReport 风险处置绩效报告
type PerformanceReport struct {
	Period            string         `json:"period"`
	From              *time.Time     `json:"from,omitempty"`
	To                time.Time      `json:"to"`
	TotalEvaluations  int            `json:"total_evaluations"`
	TotalActionsTaken int            `json:"total_actions_taken"`
	ActionCounts      map[string]int `json:"action_counts"`
	ErrorCount        int            `json:"error_count"`
	PositionsAffected int            `json:"positions_affected"`
	AverageRiskMetric float64        `json:"average_risk_metric"`
	MaxRiskMetric     float64        `json:"max_risk_metric"`
	AverageVolatility float64        `json:"average_volatility"`

	// 以下指标需要对比“未处置”情形，由 OutcomeAnalyzer 填充
	SavedLoss          *float64 `json:"saved_loss,omitempty"`
	PreventedDrawdown  *float64 `json:"prevented_drawdown,omitempty"`
	PrematureExitCount *int     `json:"premature_exits,omitempty"`
	PrematureExitCost  *float64 `json:"premature_exit_cost,omitempty"`
}
