package riskfactors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/indicators"
)

// RefreshResult 一次自调参的结果
type RefreshResult struct {
	SectorRatings    map[string]float64 `json:"sector_ratings"`
	LowVIXThreshold  float64            `json:"low_vix_threshold"`
	HighVIXThreshold float64            `json:"high_vix_threshold"`
	SkippedSectors   []string           `json:"skipped_sectors,omitempty"`
	VIXUpdated       bool               `json:"vix_updated"`
}

// Refresh 每日自调参：根据板块ETF波动率更新板块评级，根据VIX分位数更新VIX阈值
// 数据不足的项保持原值，所有更新在最后一次性持久化
func (r *Registry) Refresh(ctx context.Context) (*RefreshResult, error) {
	current := r.GetAll()
	result := &RefreshResult{
		SectorRatings:    make(map[string]float64, len(current.SectorETFs)),
		LowVIXThreshold:  current.VolatilityThresholds.LowVIXThreshold,
		HighVIXThreshold: current.VolatilityThresholds.HighVIXThreshold,
	}

	for sector, etf := range current.SectorETFs {
		measured, err := r.sectorVolatility(ctx, etf)
		if err != nil {
			r.logger.Warn("板块波动率数据不足，保持原评级",
				zap.String("sector", sector),
				zap.String("etf", etf),
				zap.Error(err))
			result.SkippedSectors = append(result.SkippedSectors, sector)
			continue
		}
		old, ok := current.SectorRatings[sector]
		if !ok {
			old = defaultSectorRating
		}
		result.SectorRatings[sector] = indicators.Clamp(blendKeep*old+(1-blendKeep)*measured, 0, 1)
	}

	if p25, p75, err := r.vixPercentiles(ctx); err != nil {
		r.logger.Warn("VIX历史数据不足，保持原阈值", zap.Error(err))
	} else {
		result.LowVIXThreshold = blendKeep*current.VolatilityThresholds.LowVIXThreshold + (1-blendKeep)*p25
		result.HighVIXThreshold = blendKeep*current.VolatilityThresholds.HighVIXThreshold + (1-blendKeep)*p75
		result.VIXUpdated = true
	}

	r.mu.Lock()
	for sector, rating := range result.SectorRatings {
		r.factors.SectorRatings[sector] = rating
	}
	r.factors.VolatilityThresholds.LowVIXThreshold = result.LowVIXThreshold
	r.factors.VolatilityThresholds.HighVIXThreshold = result.HighVIXThreshold
	r.factors.LastRefresh = r.now().Format(refreshDateLayout)
	r.mu.Unlock()

	r.logger.Info("风险因子自调参完成",
		zap.Int("sectors_updated", len(result.SectorRatings)),
		zap.Int("sectors_skipped", len(result.SkippedSectors)),
		zap.Bool("vix_updated", result.VIXUpdated),
		zap.Float64("low_vix_threshold", result.LowVIXThreshold),
		zap.Float64("high_vix_threshold", result.HighVIXThreshold))

	if err := r.Save(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// sectorVolatility 板块ETF近30日日收益率标准差，按5%上限归一化到0-1
func (r *Registry) sectorVolatility(ctx context.Context, etf string) (float64, error) {
	bars, err := r.provider.GetMarketData(ctx, etf, sectorLookbackDays+1)
	if err != nil {
		return 0, fmt.Errorf("获取%s行情失败: %w", etf, err)
	}
	changes := indicators.PercentChanges(indicators.Chronological(bars))
	if len(changes) < minSectorReturns {
		return 0, indicators.ErrInsufficientData
	}
	returns := make([]float64, 0, len(changes))
	for _, c := range changes {
		returns = append(returns, c)
	}
	sd, err := indicators.StdDev(returns)
	if err != nil {
		return 0, err
	}
	return indicators.Clamp(sd/sectorVolatilityCeiling, 0, 1), nil
}

func (r *Registry) vixPercentiles(ctx context.Context) (float64, float64, error) {
	bars, err := r.provider.GetMarketData(ctx, r.vix, vixLookbackDays)
	if err != nil {
		return 0, 0, fmt.Errorf("获取VIX行情失败: %w", err)
	}
	if len(bars) < minVIXCloses {
		return 0, 0, indicators.ErrInsufficientData
	}
	closes := indicators.Closes(bars)
	p25, err := indicators.Percentile(closes, 25)
	if err != nil {
		return 0, 0, err
	}
	p75, err := indicators.Percentile(closes, 75)
	if err != nil {
		return 0, 0, err
	}
	return p25, p75, nil
}
