package risk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
)

// PeriodAll 不限时间窗口
const PeriodAll = "all"

// OutcomeAnalyzer 对比“处置”与“未处置”结果，填充挽回损失等指标
type OutcomeAnalyzer interface {
	Analyze(ctx context.Context, entries []model.RiskActionLogEntry, report *model.PerformanceReport) error
}

// NoopAnalyzer 不计算对比指标
type NoopAnalyzer struct{}

// Analyze 实现 OutcomeAnalyzer
func (NoopAnalyzer) Analyze(context.Context, []model.RiskActionLogEntry, *model.PerformanceReport) error {
	return nil
}

// ParsePeriod 解析报告周期：7 / 30 / 90 (可带 d 后缀) 或 all，返回天数，all 为 0
func ParsePeriod(period string) (int, error) {
	p := strings.ToLower(strings.TrimSpace(period))
	if p == "" {
		return 30, nil
	}
	if p == PeriodAll {
		return 0, nil
	}
	days, err := strconv.Atoi(strings.TrimSuffix(p, "d"))
	if err != nil {
		return 0, fmt.Errorf("无效的报告周期: %s", period)
	}
	switch days {
	case 7, 30, 90:
		return days, nil
	default:
		return 0, fmt.Errorf("报告周期只支持7、30、90天或all: %s", period)
	}
}

// GeneratePerformanceReport 汇总时间窗口内的处置日志
func (rm *RiskManager) GeneratePerformanceReport(ctx context.Context, period string) (*model.PerformanceReport, error) {
	days, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}

	now := rm.now()
	report := &model.PerformanceReport{
		Period:       PeriodAll,
		To:           now,
		ActionCounts: make(map[string]int),
	}
	var from time.Time
	if days > 0 {
		from = now.AddDate(0, 0, -days)
		report.Period = fmt.Sprintf("%dd", days)
		report.From = &from
	}

	// 上界为开区间，包含当前时刻写入的日志
	entries, err := rm.actionLog.ListRange(ctx, from, now.Add(time.Second))
	if err != nil {
		return nil, fmt.Errorf("查询处置日志失败: %w", err)
	}

	Summarize(entries, report)
	if err := rm.analyzer.Analyze(ctx, entries, report); err != nil {
		rm.logger.Warn("处置效果分析失败", zap.Error(err))
	}
	return report, nil
}

// Summarize 统计日志条目
func Summarize(entries []model.RiskActionLogEntry, report *model.PerformanceReport) {
	if report.ActionCounts == nil {
		report.ActionCounts = make(map[string]int)
	}
	affected := make(map[int64]struct{})
	var riskSum, volSum float64
	volCount := 0

	for _, e := range entries {
		report.TotalEvaluations++
		report.ActionCounts[e.ActionType]++
		if e.ActionType != model.ActionNone {
			report.TotalActionsTaken++
			affected[e.PositionID] = struct{}{}
		}
		if e.Result != nil && *e.Result == model.ResultError {
			report.ErrorCount++
		}
		riskSum += e.RiskMetric
		if e.RiskMetric > report.MaxRiskMetric {
			report.MaxRiskMetric = e.RiskMetric
		}
		if e.MarketVolatility != nil {
			volSum += *e.MarketVolatility
			volCount++
		}
	}

	report.PositionsAffected = len(affected)
	if report.TotalEvaluations > 0 {
		report.AverageRiskMetric = riskSum / float64(report.TotalEvaluations)
	}
	if volCount > 0 {
		report.AverageVolatility = volSum / float64(volCount)
	}
}
